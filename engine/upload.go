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
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/presqt/presqt/bundle"
	"github.com/presqt/presqt/error_codes"
	"github.com/presqt/presqt/fixity"
	"github.com/presqt/presqt/metrics"
	"github.com/presqt/presqt/provenance"
	"github.com/presqt/presqt/target"
	"github.com/presqt/presqt/ticket"
)

// UploadRequest describes one resource-upload job.  ArchivePath points at
// the bundle archive the caller submitted, already saved under the ticket
// directory by the transport layer.
type UploadRequest struct {
	DestinationTarget string
	DestinationToken  string

	// ParentID selects an existing destination container to upload into.
	// Empty means a new top-level container named after the bundle.
	ParentID string

	ArchivePath       string
	DuplicatePolicy   target.DuplicatePolicy
	NotificationEmail string
}

const uploadStagingDirName = "upload"

// StartUpload validates the request, creates (or reuses) the caller's
// ticket, and spawns the upload worker.  The returned ticket id is what
// the caller polls.
func (e *Engine) StartUpload(req UploadRequest) (string, error) {
	if req.DestinationToken == "" {
		return "", error_codes.NewValidation("PresQT Error: 'presqt-destination-token' missing in the request headers.")
	}
	switch req.DuplicatePolicy {
	case target.DuplicateIgnore, target.DuplicateUpdate:
	case "":
		req.DuplicatePolicy = target.DuplicateIgnore
	default:
		return "", error_codes.NewValidation(
			"PresQT Error: 'presqt-file-duplicate-action' must be 'ignore' or 'update'.")
	}
	if err := target.CheckSupportedAction(req.DestinationTarget, target.ActionResourceUpload); err != nil {
		return "", err
	}
	uploader, err := target.GetUploader(req.DestinationTarget)
	if err != nil {
		return "", err
	}
	caps, err := target.GetCapabilities(req.DestinationTarget)
	if err != nil {
		return "", err
	}

	tracker, err := ticket.NewTracker(e.dataDir, req.DestinationToken, ticket.ActionUpload)
	if err != nil {
		return "", err
	}
	if info, err := tracker.Read(); err == nil && !info.Terminal() {
		log.Debugf("Upload already in progress for ticket %s", ticket.DeriveID(req.DestinationToken))
		return ticket.DeriveID(req.DestinationToken), nil
	}
	if err := tracker.Start("Upload is being processed on the server"); err != nil {
		return "", err
	}
	if req.NotificationEmail != "" {
		log.Infof("Upload job to %s will notify %s on completion", req.DestinationTarget, req.NotificationEmail)
	}

	err = e.spawn(req.DestinationToken, ticket.ActionUpload, tracker, func(ctx context.Context) {
		info := e.runUpload(ctx, uploader, caps, req, tracker)
		e.recordHistory(req.DestinationToken, ticket.ActionUpload, "", req.DestinationTarget, req.ParentID, info)
	})
	if err != nil {
		return "", err
	}
	metrics.JobsSubmittedTotal.WithLabelValues(string(ticket.ActionUpload), req.DestinationTarget).Inc()
	return ticket.DeriveID(req.DestinationToken), nil
}

func (e *Engine) runUpload(ctx context.Context, uploader target.Uploader, caps target.Capabilities, req UploadRequest, tracker *ticket.Tracker) *ticket.ProcessInfo {
	started := time.Now().UTC()

	staging := filepath.Join(tracker.TicketDir(), uploadStagingDirName)
	if err := os.RemoveAll(staging); err != nil {
		return failJob(ctx, tracker, ticket.ActionUpload, err)
	}
	if err := bundle.Unpack(req.ArchivePath, staging); err != nil {
		return failJob(ctx, tracker, ticket.ActionUpload, err)
	}

	// Structural validation runs to completion before the destination is
	// touched, so a malformed bundle never leaves partial state behind.
	topDir, err := bundle.ValidateStructure(staging)
	if err != nil {
		return failJob(ctx, tracker, ticket.ActionUpload, err)
	}
	dataDir, err := bundle.DataDir(topDir)
	if err != nil {
		return failJob(ctx, tracker, ticket.ActionUpload, err)
	}

	total, err := countPayloadFiles(dataDir)
	if err != nil {
		return failJob(ctx, tracker, ticket.ActionUpload, err)
	}
	if err := tracker.Update(func(info *ticket.ProcessInfo) {
		info.TotalFiles = total
	}); err != nil {
		return failJob(ctx, tracker, ticket.ActionUpload, err)
	}

	hopLog, invalidLogBytes := loadBundleProvenance(dataDir)

	rep := &replicator{
		uploader: uploader,
		caps:     caps,
		token:    req.DestinationToken,
		policy:   req.DuplicatePolicy,
		progress: func() {
			metrics.FilesTransferredTotal.WithLabelValues(string(ticket.ActionUpload)).Inc()
			if err := tracker.IncrementFinished(); err != nil {
				log.Warnf("Failed to bump progress counter: %v", err)
			}
		},
	}
	result, err := rep.replicate(ctx, dataDir, filepath.Base(topDir), req.ParentID)
	if err != nil {
		return failJob(ctx, tracker, ticket.ActionUpload, err)
	}

	failedFixity := verifyBundleFixity(topDir)

	hopLog.Append(provenance.Action{
		ID:                    uuid.NewString(),
		ActionType:            "resource_upload",
		StartTimestamp:        started.Format(time.RFC3339),
		EndTimestamp:          time.Now().UTC().Format(time.RFC3339),
		SourceTargetName:      sourceTargetFromBundle(topDir),
		DestinationTargetName: req.DestinationTarget,
		DestinationUsername:   result.ActionMetadata.DestinationUsername,
		Files: provenance.FileChanges{
			Created: createdPaths(result),
			Updated: append([]string{}, result.ResourcesUpdated...),
			Ignored: append([]string{}, result.ResourcesIgnored...),
		},
	})

	if err := e.writeDestinationProvenance(ctx, uploader, req.DestinationToken, result.CreatedContainerID, hopLog, invalidLogBytes); err != nil {
		// Payload replication already succeeded; a provenance write
		// failure still fails the job so the caller knows the trail is
		// incomplete.
		return failJob(ctx, tracker, ticket.ActionUpload, err)
	}

	message := "Upload successful"
	if len(failedFixity) > 0 {
		message = "Upload successful but with fixity errors"
		metrics.FixityFailuresTotal.Add(float64(len(failedFixity)))
	}
	info, err := tracker.Finish(ticket.StatusFinished, http.StatusOK, message, func(info *ticket.ProcessInfo) {
		info.FailedFixity = failedFixity
		info.ResourcesIgnored = result.ResourcesIgnored
		info.ResourcesUpdated = result.ResourcesUpdated
	})
	if err != nil {
		log.Errorf("Failed to write terminal state for upload: %v", err)
		return nil
	}
	log.Infof("Upload to %s container %q complete: %s", req.DestinationTarget, result.ContainerTitle, message)
	return info
}

// loadBundleProvenance reads the provenance log shipped inside the
// bundle.  A valid log seeds this hop's trail; an invalid one is kept as
// raw bytes for quarantine at the destination while the hop starts a
// fresh log.
func loadBundleProvenance(dataDir string) (*provenance.Log, []byte) {
	raw, err := os.ReadFile(filepath.Join(dataDir, provenance.FileName))
	if err != nil {
		return provenance.NewLog(), nil
	}
	parsed, err := provenance.Validate(raw)
	if err != nil {
		log.Warnf("Bundle carries an invalid provenance log, quarantining it at the destination: %v", err)
		return provenance.NewLog(), raw
	}
	return parsed, nil
}

// verifyBundleFixity recomputes each manifested file's digest from the
// unpacked bytes and compares it with the hash recorded at download time.
// A bundle without a manifest (one assembled by hand) is not an error;
// there is simply nothing to verify against.
func verifyBundleFixity(topDir string) []string {
	entries, err := bundle.ReadManifest(topDir)
	if err != nil {
		log.Debugf("Bundle has no readable manifest, skipping fixity verification: %v", err)
		return []string{}
	}

	failed := []string{}
	for _, entry := range entries {
		if entry.PresqtHash == "" || entry.HashAlgorithm == "" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(topDir, filepath.FromSlash(entry.Path)))
		if err != nil {
			failed = append(failed, entry.Path)
			continue
		}
		digest, err := fixity.Digest(entry.HashAlgorithm, content)
		if err != nil || digest != entry.PresqtHash {
			failed = append(failed, entry.Path)
		}
	}
	return failed
}

// writeDestinationProvenance places the merged provenance log at the root
// of the destination container.  An existing log there is merged when
// valid and quarantined under the INVALID_ name when not; the quarantine
// copy is written before the fresh log replaces the original so no trail
// bytes are ever lost.
func (e *Engine) writeDestinationProvenance(ctx context.Context, uploader target.Uploader, token, containerID string, hop *provenance.Log, invalidBundleLog []byte) error {
	if invalidBundleLog != nil {
		if _, err := uploader.CreateFile(ctx, token, containerID, provenance.InvalidFileName, invalidBundleLog); err != nil {
			return err
		}
	}

	merged, err := hop.Marshal()
	if err != nil {
		return err
	}
	conflict, err := uploader.CreateFile(ctx, token, containerID, provenance.FileName, merged)
	if err != nil {
		return err
	}
	if !conflict.Conflict {
		return nil
	}

	existing, err := uploader.FileContent(ctx, token, conflict.ExistingID)
	if err != nil {
		return err
	}
	outcome, err := provenance.MergeAtDestination(existing, hop)
	if err != nil {
		return err
	}
	if outcome.QuarantineExisting {
		if _, err := uploader.CreateFile(ctx, token, containerID, provenance.InvalidFileName, existing); err != nil {
			return err
		}
	}
	return uploader.UpdateFile(ctx, token, conflict.ExistingID, outcome.Merged)
}

// createdPaths lists the destination paths the replicator newly created,
// which is every hashed upload that was not an update.
func createdPaths(result *target.UploadResult) []string {
	updated := make(map[string]bool, len(result.ResourcesUpdated))
	for _, p := range result.ResourcesUpdated {
		updated[p] = true
	}
	created := []string{}
	for p := range result.Hashes {
		if !updated[p] {
			created = append(created, p)
		}
	}
	sort.Strings(created)
	return created
}

// sourceTargetFromBundle recovers the source target's name from a
// bundle's {target}_{action}_{resourceID} top directory when the bundle
// came from a download; hand-built bundles yield an empty name.
func sourceTargetFromBundle(topDir string) string {
	name := filepath.Base(topDir)
	if idx := strings.Index(name, "_download_"); idx > 0 {
		return name[:idx]
	}
	return ""
}
