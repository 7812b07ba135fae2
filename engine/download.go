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

// DownloadRequest describes one resource-download job.
type DownloadRequest struct {
	SourceTarget      string
	SourceToken       string
	ResourceID        string
	NotificationEmail string
}

// downloadStagingDirName holds the assembled bundle inside the ticket
// directory before packing.
const downloadStagingDirName = "download"

// ArchiveName is the packed bundle's file name inside the ticket
// directory.
func ArchiveName(targetName, resourceID string) string {
	return targetName + "_download_" + resourceID + ".zip"
}

// StartDownload validates the request, creates (or reuses) the caller's
// ticket, and spawns the download worker.  It returns the ticket id the
// caller polls.  A job already in progress for this ticket is not
// restarted; the existing ticket is returned.
func (e *Engine) StartDownload(req DownloadRequest) (string, error) {
	if req.SourceToken == "" {
		return "", error_codes.NewValidation("PresQT Error: 'presqt-source-token' missing in the request headers.")
	}
	if err := target.CheckSupportedAction(req.SourceTarget, target.ActionResourceDownload); err != nil {
		return "", err
	}
	adapter, err := target.Get(req.SourceTarget)
	if err != nil {
		return "", err
	}

	tracker, err := ticket.NewTracker(e.dataDir, req.SourceToken, ticket.ActionDownload)
	if err != nil {
		return "", err
	}
	if info, err := tracker.Read(); err == nil && !info.Terminal() {
		log.Debugf("Download already in progress for ticket %s", ticket.DeriveID(req.SourceToken))
		return ticket.DeriveID(req.SourceToken), nil
	}
	if err := tracker.Start("Download is being processed on the server"); err != nil {
		return "", err
	}
	if req.NotificationEmail != "" {
		log.Infof("Download job for %s will notify %s on completion", req.SourceTarget, req.NotificationEmail)
	}

	err = e.spawn(req.SourceToken, ticket.ActionDownload, tracker, func(ctx context.Context) {
		info := e.runDownload(ctx, adapter, req, tracker)
		e.recordHistory(req.SourceToken, ticket.ActionDownload, req.SourceTarget, "", req.ResourceID, info)
	})
	if err != nil {
		return "", err
	}
	metrics.JobsSubmittedTotal.WithLabelValues(string(ticket.ActionDownload), req.SourceTarget).Inc()
	return ticket.DeriveID(req.SourceToken), nil
}

// failJob writes err as the job's terminal state, honoring cancellation
// if the worker context died first.
func failJob(ctx context.Context, tracker *ticket.Tracker, action ticket.Action, err error) *ticket.ProcessInfo {
	code := error_codes.StatusCode(err)
	message := err.Error()
	if ctx.Err() != nil {
		code = error_codes.StatusCodeCancelled
		message = string(action) + " was cancelled by the user"
	}
	info, finishErr := tracker.Finish(ticket.StatusFailed, code, message, nil)
	if finishErr != nil {
		log.Errorf("Failed to write terminal state for %s: %v", action, finishErr)
	}
	return info
}

func (e *Engine) runDownload(ctx context.Context, adapter target.Adapter, req DownloadRequest, tracker *ticket.Tracker) *ticket.ProcessInfo {
	started := time.Now().UTC()

	// A forbidden or missing *requested* resource is fatal, unlike
	// forbidden siblings encountered while enumerating.
	resource, err := adapter.FetchResource(ctx, req.SourceToken, req.ResourceID)
	if err != nil {
		return failJob(ctx, tracker, ticket.ActionDownload, err)
	}

	result, err := adapter.DownloadResource(ctx, req.SourceToken, req.ResourceID)
	if err != nil {
		return failJob(ctx, tracker, ticket.ActionDownload, err)
	}

	if err := e.resolveDeferredContent(ctx, req.SourceToken, result.Files); err != nil {
		return failJob(ctx, tracker, ticket.ActionDownload, err)
	}

	if err := tracker.Update(func(info *ticket.ProcessInfo) {
		info.TotalFiles = len(result.Files)
	}); err != nil {
		return failJob(ctx, tracker, ticket.ActionDownload, err)
	}

	staging := filepath.Join(tracker.TicketDir(), downloadStagingDirName)
	if err := os.RemoveAll(staging); err != nil {
		return failJob(ctx, tracker, ticket.ActionDownload, err)
	}
	assembler, err := bundle.NewAssembler(staging, req.SourceTarget, "download", req.ResourceID)
	if err != nil {
		return failJob(ctx, tracker, ticket.ActionDownload, err)
	}

	created := make([]string, 0, len(result.Files))
	for _, file := range result.Files {
		// Cooperative cancellation between units of work; in-flight
		// writes are allowed to complete.
		if ctx.Err() != nil {
			return failJob(ctx, tracker, ticket.ActionDownload, ctx.Err())
		}
		check := fixity.Check(file.Content, file.Hashes)
		if err := assembler.AddFile(file, check); err != nil {
			return failJob(ctx, tracker, ticket.ActionDownload, err)
		}
		created = append(created, file.SourcePath)
		metrics.FilesTransferredTotal.WithLabelValues(string(ticket.ActionDownload)).Inc()
		if err := tracker.IncrementFinished(); err != nil {
			log.Warnf("Failed to bump progress counter: %v", err)
		}
	}
	for _, container := range result.EmptyContainers {
		if err := assembler.AddEmptyContainer(container); err != nil {
			return failJob(ctx, tracker, ticket.ActionDownload, err)
		}
	}

	assembler.Provenance.Append(provenance.Action{
		ID:                    uuid.NewString(),
		ActionType:            "resource_download",
		StartTimestamp:        started.Format(time.RFC3339),
		EndTimestamp:          time.Now().UTC().Format(time.RFC3339),
		SourceTargetName:      req.SourceTarget,
		SourceUsername:        result.ActionMetadata.SourceUsername,
		DestinationTargetName: "Local Machine",
		Files: provenance.FileChanges{
			Created: created,
			Updated: []string{},
			Ignored: []string{},
		},
	})

	if err := assembler.Finalize(); err != nil {
		return failJob(ctx, tracker, ticket.ActionDownload, err)
	}

	archivePath := filepath.Join(tracker.TicketDir(), ArchiveName(req.SourceTarget, req.ResourceID))
	if err := bundle.Pack(assembler.Root(), archivePath); err != nil {
		return failJob(ctx, tracker, ticket.ActionDownload, err)
	}

	message := "Download successful"
	failed := assembler.FailedFixity()
	if len(failed) > 0 {
		message = "Download successful but with fixity errors"
		metrics.FixityFailuresTotal.Add(float64(len(failed)))
	}
	info, err := tracker.Finish(ticket.StatusFinished, http.StatusOK, message, func(info *ticket.ProcessInfo) {
		info.FailedFixity = failed
	})
	if err != nil {
		log.Errorf("Failed to write terminal state for download: %v", err)
		return nil
	}
	log.Infof("Download of %s/%s (%s) complete: %s", req.SourceTarget, req.ResourceID, resource.Title, message)
	return info
}

// resolveDeferredContent fans out the byte downloads for files the
// adapter returned by URL, filling their Content in request order.
func (e *Engine) resolveDeferredContent(ctx context.Context, token string, files []target.DownloadedFile) error {
	var urls []string
	var indexes []int
	for idx, file := range files {
		if file.Content == nil && file.DownloadURL != "" {
			urls = append(urls, file.DownloadURL)
			indexes = append(indexes, idx)
		}
	}
	if len(urls) == 0 {
		return nil
	}
	responses, err := e.fetcher.Fanout(ctx, token, urls, nil)
	if err != nil {
		return err
	}
	for i, resp := range responses {
		files[indexes[i]].Content = resp.Body
	}
	return nil
}
