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

// Package bundle builds and consumes the packaged, integrity-manifested
// container produced by a download and replayed by an upload.
//
// Layout: a single top-level folder named {target}_{action}_{resourceID}
// holding a data/ tree that mirrors the source hierarchy, the
// fixity_info.json manifest, and (under data/) the provenance log at its
// reserved name.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/presqt/presqt/fixity"
	"github.com/presqt/presqt/provenance"
	"github.com/presqt/presqt/target"
)

// DataDirName is the directory inside a bundle that mirrors the source
// hierarchy.
const DataDirName = "data"

// Assembler accumulates downloaded files, fixity outcomes, and provenance
// into an on-disk bundle directory, ready for packing.
type Assembler struct {
	root    string
	dataDir string
	entries []ManifestEntry
	failed  []string

	// Provenance is the action log being accumulated for this job.
	// Inbound logs found in the source content are absorbed into it.
	Provenance *provenance.Log
}

// NewAssembler creates the bundle skeleton under baseDir.
func NewAssembler(baseDir, targetName, action, resourceID string) (*Assembler, error) {
	root := filepath.Join(baseDir, fmt.Sprintf("%s_%s_%s", targetName, action, resourceID))
	dataDir := filepath.Join(root, DataDirName)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create bundle directory")
	}
	return &Assembler{
		root:       root,
		dataDir:    dataDir,
		Provenance: provenance.NewLog(),
	}, nil
}

// Root returns the bundle's top-level directory.
func (a *Assembler) Root() string {
	return a.root
}

// resolve maps a bundle-relative path into the data tree, rejecting any
// path that escapes it.
func (a *Assembler) resolve(relPath string) (string, error) {
	dest := filepath.Clean(filepath.Join(a.dataDir, filepath.FromSlash(relPath)))
	if dest != a.dataDir && !strings.HasPrefix(dest, a.dataDir+string(os.PathSeparator)) {
		return "", errors.Errorf("path %q escapes the bundle data directory", relPath)
	}
	return dest, nil
}

// AddFile records one downloaded file in the bundle along with its fixity
// outcome.
//
// A file carrying the reserved provenance-log name is not written as an
// ordinary payload file: a valid log is absorbed into the job's action
// list and dropped; an invalid one is renamed with the INVALID_ prefix and
// written through byte-for-byte.
func (a *Assembler) AddFile(file target.DownloadedFile, result fixity.Result) error {
	relPath := file.Path
	if filepath.Base(relPath) == provenance.FileName {
		inbound := a.Provenance.MergeInbound(file.Content)
		if !inbound.Quarantined {
			log.Debugf("Absorbed provenance log found at %s", file.SourcePath)
			return nil
		}
		relPath = filepath.Join(filepath.Dir(relPath), provenance.InvalidFileName)
	}

	dest, err := a.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directories for %s", relPath)
	}
	if err := os.WriteFile(dest, file.Content, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", relPath)
	}

	fixityVal := result.Fixity
	a.entries = append(a.entries, ManifestEntry{
		Path:          filepath.ToSlash(filepath.Join(DataDirName, relPath)),
		SourcePath:    file.SourcePath,
		HashAlgorithm: result.HashAlgorithm,
		SourceHash:    result.SourceHash,
		PresqtHash:    result.PresqtHash,
		Fixity:        &fixityVal,
		FixityDetails: result.Details,
	})
	if !result.Fixity {
		a.failed = append(a.failed, filepath.ToSlash(relPath))
	}
	return nil
}

// AddEmptyContainer creates a directory for a container the source
// reported as empty, with a placeholder manifest entry so the container
// survives packing and a later upload.
func (a *Assembler) AddEmptyContainer(relPath string) error {
	dest, err := a.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create empty container %s", relPath)
	}
	a.entries = append(a.entries, ManifestEntry{
		Path:          filepath.ToSlash(filepath.Join(DataDirName, relPath)),
		FixityDetails: "Empty container preserved from the source",
	})
	return nil
}

// Entries returns the manifest rows accumulated so far.
func (a *Assembler) Entries() []ManifestEntry {
	return a.entries
}

// FailedFixity lists the bundle-relative paths whose fixity check did not
// pass (including unverifiable files).
func (a *Assembler) FailedFixity() []string {
	return a.failed
}

// Finalize writes the merged provenance log at its reserved path and the
// integrity manifest at the bundle's top level.
func (a *Assembler) Finalize() error {
	raw, err := a.Provenance.Marshal()
	if err != nil {
		return errors.Wrap(err, "failed to serialize provenance log")
	}
	if err := os.WriteFile(filepath.Join(a.dataDir, provenance.FileName), raw, 0o644); err != nil {
		return errors.Wrap(err, "failed to write provenance log")
	}
	return writeManifest(a.root, a.entries)
}
