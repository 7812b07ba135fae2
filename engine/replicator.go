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

package engine

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/presqt/presqt/fixity"
	"github.com/presqt/presqt/provenance"
	"github.com/presqt/presqt/target"
)

// replicator recreates one bundle data tree on a destination backend
// through the Uploader primitives, applying the duplicate policy and the
// target's title-suffix convention.
type replicator struct {
	uploader target.Uploader
	caps     target.Capabilities
	token    string
	policy   target.DuplicatePolicy

	// progress is invoked once per file that reached a decision
	// (created, updated, or ignored).
	progress func()
}

// replicate walks the unpacked bundle's data directory rooted at dataDir
// and mirrors it on the destination.  With an empty parentID a fresh
// top-level container named after the bundle (suffixed on collision) is
// created; otherwise the tree lands inside the existing container.
// Files at each level are uploaded before descending into subfolders, so
// partial failures leave the shallowest possible tree behind.
func (r *replicator) replicate(ctx context.Context, dataDir, bundleTitle, parentID string) (*target.UploadResult, error) {
	result := &target.UploadResult{
		Hashes:           map[string]string{},
		ResourcesIgnored: []string{},
		ResourcesUpdated: []string{},
	}

	containerID := parentID
	title := bundleTitle
	if containerID == "" {
		resolved, err := r.resolveTitle(ctx, bundleTitle)
		if err != nil {
			return nil, err
		}
		title = resolved
		containerID, err = r.uploader.CreateProject(ctx, r.token, title)
		if err != nil {
			return nil, err
		}
	}
	result.CreatedContainerID = containerID
	result.ContainerTitle = title

	if err := r.replicateDir(ctx, dataDir, containerID, title, result); err != nil {
		return result, err
	}
	return result, nil
}

// resolveTitle picks the first non-colliding title for the new top-level
// container, walking the target's suffix sequence in strictly increasing
// order.
func (r *replicator) resolveTitle(ctx context.Context, title string) (string, error) {
	existing, err := r.uploader.ProjectTitles(ctx, r.token)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(existing))
	for _, t := range existing {
		taken[t] = true
	}
	if !taken[title] {
		return title, nil
	}
	for n := 1; ; n++ {
		candidate := r.caps.TitleSuffixStyle.SuffixedTitle(title, n)
		if !taken[candidate] {
			log.Debugf("Title %q is taken at the destination, using %q", title, candidate)
			return candidate, nil
		}
	}
}

func (r *replicator) replicateDir(ctx context.Context, dir, parentID, destPath string, result *target.UploadResult) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read bundle directory %s", dir)
	}
	// Files first, then subfolders, each group in name order
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return !entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := entry.Name()
		childPath := destPath + "/" + name
		if entry.IsDir() {
			folderID, err := r.ensureFolder(ctx, parentID, name)
			if err != nil {
				return err
			}
			if err := r.replicateDir(ctx, filepath.Join(dir, name), folderID, childPath, result); err != nil {
				return err
			}
			continue
		}
		// The provenance log is handled separately after replication,
		// so it never lands as an ordinary payload file.
		if name == provenance.FileName {
			continue
		}
		if err := r.replicateFile(ctx, filepath.Join(dir, name), parentID, name, childPath, result); err != nil {
			return err
		}
	}
	return nil
}

// ensureFolder creates a child folder, falling back to fetching the
// existing one on a title conflict so re-runs are idempotent.
func (r *replicator) ensureFolder(ctx context.Context, parentID, title string) (string, error) {
	id, conflict, err := r.uploader.CreateFolder(ctx, r.token, parentID, title)
	if err != nil {
		return "", err
	}
	if !conflict {
		return id, nil
	}
	return r.uploader.Folder(ctx, r.token, parentID, title)
}

func (r *replicator) replicateFile(ctx context.Context, path, parentID, title, destPath string, result *target.UploadResult) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read bundle file %s", path)
	}
	digest, err := fixity.Digest("md5", content)
	if err != nil {
		return err
	}

	conflict, err := r.uploader.CreateFile(ctx, r.token, parentID, title, content)
	if err != nil {
		return err
	}
	if result.ActionMetadata.DestinationUsername == "" {
		result.ActionMetadata = conflict.ActionMetadata
	}

	switch {
	case !conflict.Conflict:
		result.Hashes[destPath] = digest
	case r.policy == target.DuplicateIgnore:
		result.ResourcesIgnored = append(result.ResourcesIgnored, destPath)
	case hashesMatch(conflict.ExistingHashes, content):
		// Update policy, but the destination already holds identical
		// bytes: skip the remote write and report it as ignored.
		result.ResourcesIgnored = append(result.ResourcesIgnored, destPath)
	default:
		if err := r.uploader.UpdateFile(ctx, r.token, conflict.ExistingID, content); err != nil {
			return err
		}
		result.ResourcesUpdated = append(result.ResourcesUpdated, destPath)
		result.Hashes[destPath] = digest
	}

	if r.progress != nil {
		r.progress()
	}
	return nil
}

// hashesMatch reports whether any of the destination's advertised hashes
// for an existing file matches the same digest of the new content.
func hashesMatch(existing map[string]string, content []byte) bool {
	for algorithm, remote := range existing {
		if remote == "" {
			continue
		}
		local, err := fixity.Digest(algorithm, content)
		if err != nil {
			continue
		}
		if local == remote {
			return true
		}
	}
	return false
}

// countPayloadFiles counts the files under a data tree that the
// replicator will act on, excluding the reserved provenance log.
func countPayloadFiles(dataDir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() != provenance.FileName {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to scan bundle data directory")
	}
	return count, nil
}
