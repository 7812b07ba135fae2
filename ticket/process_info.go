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

package ticket

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/presqt/presqt/error_codes"
)

const processInfoFileName = "process_info.json"

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
)

// ProcessInfo is the persisted state of one action on a ticket.  It is
// the only state shared between the background worker and the outside
// world.
type ProcessInfo struct {
	Status            Status   `json:"status"`
	StatusCode        int      `json:"status_code"`
	Message           string   `json:"message"`
	FailedFixity      []string `json:"failed_fixity"`
	ResourcesIgnored  []string `json:"resources_ignored,omitempty"`
	ResourcesUpdated  []string `json:"resources_updated,omitempty"`
	TotalFiles        int      `json:"total_files"`
	FilesFinished     int      `json:"files_finished"`
	FunctionProcessID string   `json:"function_process_id"`
}

// Terminal reports whether the record has reached a final state.
func (p *ProcessInfo) Terminal() bool {
	return p.Status == StatusFinished || p.Status == StatusFailed
}

// Tracker owns the process info record for one (ticket, action) pair.
// The on-disk document holds one record per action key, so upload and
// download state for the same caller live side by side.
//
// All writes go through a temp-file-and-rename so a concurrent reader
// never observes a torn document.
type Tracker struct {
	dir    string
	action Action

	// Shared across every Tracker on the same ticket directory; the
	// upload and download actions read-modify-write one document, so a
	// per-instance lock would let sibling writers clobber each other.
	mu *sync.Mutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	workerID string
}

var (
	dirLocksMu sync.Mutex
	dirLocks   = make(map[string]*sync.Mutex)
)

func lockForDir(dir string) *sync.Mutex {
	dirLocksMu.Lock()
	defer dirLocksMu.Unlock()
	l, ok := dirLocks[dir]
	if !ok {
		l = &sync.Mutex{}
		dirLocks[dir] = l
	}
	return l
}

// NewTracker opens (creating if needed) the tracker for a credential's
// ticket and one action.
func NewTracker(dataDir, token string, action Action) (*Tracker, error) {
	dir, err := Dir(dataDir, token)
	if err != nil {
		return nil, err
	}
	return &Tracker{dir: dir, action: action, mu: lockForDir(dir)}, nil
}

// TicketDir returns the directory backing this tracker.
func (t *Tracker) TicketDir() string {
	return t.dir
}

func (t *Tracker) path() string {
	return filepath.Join(t.dir, processInfoFileName)
}

func (t *Tracker) readDoc() (map[Action]*ProcessInfo, error) {
	raw, err := os.ReadFile(t.path())
	if err != nil {
		if os.IsNotExist(err) {
			return map[Action]*ProcessInfo{}, nil
		}
		return nil, errors.Wrap(err, "failed to read process info")
	}
	doc := map[Action]*ProcessInfo{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "process info record is malformed")
	}
	return doc, nil
}

func (t *Tracker) writeDoc(doc map[Action]*ProcessInfo) error {
	raw, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize process info")
	}
	tmp, err := os.CreateTemp(t.dir, ".process_info-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp process info")
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write process info")
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	// Atomic swap; readers see either the old or the new document
	return os.Rename(tmpName, t.path())
}

// Read returns this action's record, or a NotFound error when no job has
// ever been submitted for it.
func (t *Tracker) Read() (*ProcessInfo, error) {
	doc, err := t.readDoc()
	if err != nil {
		return nil, err
	}
	info, ok := doc[t.action]
	if !ok {
		return nil, error_codes.NewNotFound("A job does not exist for this user on the server.")
	}
	return info, nil
}

// Start writes the initial in-progress record for a freshly accepted job.
func (t *Tracker) Start(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc, err := t.readDoc()
	if err != nil {
		return err
	}
	doc[t.action] = &ProcessInfo{
		Status:       StatusInProgress,
		StatusCode:   http.StatusAccepted,
		Message:      message,
		FailedFixity: []string{},
	}
	return t.writeDoc(doc)
}

// Update applies fn to the current record and persists the result.  It is
// a no-op (with a debug log) once the record is terminal, so late progress
// writes from a draining worker cannot reopen a finished job.
func (t *Tracker) Update(fn func(*ProcessInfo)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc, err := t.readDoc()
	if err != nil {
		return err
	}
	info, ok := doc[t.action]
	if !ok {
		return error_codes.NewNotFound("A job does not exist for this user on the server.")
	}
	if info.Terminal() {
		log.Debugf("Ignoring update to terminal %s record in %s", t.action, t.dir)
		return nil
	}
	fn(info)
	return t.writeDoc(doc)
}

// IncrementFinished bumps the progress counter by one completed unit of
// fan-out work, so polling clients see monotonically increasing progress.
func (t *Tracker) IncrementFinished() error {
	return t.Update(func(info *ProcessInfo) {
		info.FilesFinished++
	})
}

// Finish moves the record to its terminal state.  The first terminal
// write wins: if the record is already terminal (for example a
// cancellation landed first), the call is a no-op and returns the
// persisted record.
func (t *Tracker) Finish(status Status, statusCode int, message string, fn func(*ProcessInfo)) (*ProcessInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc, err := t.readDoc()
	if err != nil {
		return nil, err
	}
	info, ok := doc[t.action]
	if !ok {
		return nil, error_codes.NewNotFound("A job does not exist for this user on the server.")
	}
	if info.Terminal() {
		return info, nil
	}
	info.Status = status
	info.StatusCode = statusCode
	info.Message = message
	if fn != nil {
		fn(info)
	}
	if err := t.writeDoc(doc); err != nil {
		return nil, err
	}
	return info, nil
}

// BindWorker records the background worker's identifier and cancellation
// handle.  Until this is called a cancellation request has nothing to
// signal and must wait.
func (t *Tracker) BindWorker(workerID string, cancel context.CancelFunc) error {
	t.cancelMu.Lock()
	t.workerID = workerID
	t.cancel = cancel
	t.cancelMu.Unlock()
	return t.Update(func(info *ProcessInfo) {
		info.FunctionProcessID = workerID
	})
}

// workerCancel returns the bound cancellation handle, if any.
func (t *Tracker) workerCancel() context.CancelFunc {
	t.cancelMu.Lock()
	defer t.cancelMu.Unlock()
	return t.cancel
}

// CancelOutcome distinguishes a successful cancellation from one that
// lost the race against the worker's own terminal write.
type CancelOutcome int

const (
	CancelApplied CancelOutcome = iota
	CancelRejectedTerminal
)

// Cancel implements the cancellation state machine.  It waits for a
// worker handle to be bound (the worker has not reached a cancellable
// point yet), signals it, then re-reads the persisted state: only a
// record still in progress is moved to failed/499.  A record that
// reached a terminal state first is returned untouched with
// CancelRejectedTerminal, so cancellation never overwrites a completed
// result.
func (t *Tracker) Cancel(ctx context.Context) (CancelOutcome, *ProcessInfo, error) {
	var cancel context.CancelFunc
	for {
		if cancel = t.workerCancel(); cancel != nil {
			break
		}
		// Worker not yet cancellable; wait rather than no-op
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	cancel()

	info, err := t.Finish(StatusFailed, error_codes.StatusCodeCancelled,
		string(t.action)+" was cancelled by the user", nil)
	if err != nil {
		return 0, nil, err
	}
	if info.StatusCode == error_codes.StatusCodeCancelled && info.Status == StatusFailed {
		return CancelApplied, info, nil
	}
	return CancelRejectedTerminal, info, nil
}
