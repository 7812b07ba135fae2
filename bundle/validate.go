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
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/presqt/presqt/error_codes"
)

// ValidateStructure checks the decompressed bundle root before any remote
// call is made: exactly one top-level directory and zero top-level files.
// It returns the path of that single directory (the bundle's top folder).
func ValidateStructure(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read bundle root %s", root)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		} else {
			return "", error_codes.NewFormat("Files exist at the top level")
		}
	}
	if len(dirs) == 0 {
		return "", error_codes.NewFormat("No directory exists at the top level")
	}
	if len(dirs) > 1 {
		return "", error_codes.NewFormat("Multiple directories exist at the top level")
	}
	return filepath.Join(root, dirs[0]), nil
}

// DataDir returns the data tree of a validated bundle's top folder,
// verifying it exists.
func DataDir(topDir string) (string, error) {
	dataDir := filepath.Join(topDir, DataDirName)
	info, err := os.Stat(dataDir)
	if err != nil || !info.IsDir() {
		return "", error_codes.NewFormat("Bundle is missing its data directory")
	}
	return dataDir, nil
}
