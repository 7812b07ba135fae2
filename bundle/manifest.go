/***************************************************************
 *
 * Copyright (C) 2025, PresQT Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package bundle

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ManifestFileName is the integrity manifest written at the top level of
// every bundle.
const ManifestFileName = "fixity_info.json"

// ManifestEntry is one row of the bundle's integrity manifest.  Real files
// carry the full fixity outcome; empty containers get a placeholder entry
// (Fixity nil) so they survive round-tripping.
type ManifestEntry struct {
	Path          string `json:"path"`
	SourcePath    string `json:"source_path,omitempty"`
	HashAlgorithm string `json:"hash_algorithm,omitempty"`
	SourceHash    string `json:"source_hash,omitempty"`
	PresqtHash    string `json:"presqt_hash,omitempty"`
	Fixity        *bool  `json:"fixity"`
	FixityDetails string `json:"fixity_details,omitempty"`
}

func writeManifest(dir string, entries []ManifestEntry) error {
	raw, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize bundle manifest")
	}
	return os.WriteFile(filepath.Join(dir, ManifestFileName), raw, 0o644)
}

// ReadManifest loads the integrity manifest from an unpacked bundle's top
// directory.
func ReadManifest(dir string) ([]ManifestEntry, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, errors.Wrap(err, "bundle has no readable manifest")
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, "bundle manifest is malformed")
	}
	return entries, nil
}
