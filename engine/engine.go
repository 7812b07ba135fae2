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

// Package engine is the asynchronous transfer job engine: it accepts
// transfer requests, spawns one bounded background worker per job, drives
// the target adapters, and records every outcome in the job's durable
// ticket.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"

	"github.com/presqt/presqt/error_codes"
	"github.com/presqt/presqt/fetch"
	"github.com/presqt/presqt/metrics"
	"github.com/presqt/presqt/store"
	"github.com/presqt/presqt/target"
	"github.com/presqt/presqt/ticket"
)

// Engine owns the worker pool and the registry of live jobs.  The process
// info record inside each ticket is the only state shared with the
// outside world; the in-memory registry exists so a cancellation request
// can reach a live worker's context.
type Engine struct {
	dataDir    string
	fetcher    *fetch.Client
	history    *store.Store // may be nil
	semaphore  chan struct{}
	listings   *ttlcache.Cache[string, []target.Resource]
	listingTTL time.Duration

	mu   sync.RWMutex
	jobs map[string]*ticket.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Engine with at most maxWorkers concurrently running jobs.
// history may be nil when the job history store is disabled.
func New(dataDir string, maxWorkers int, fetcher *fetch.Client, history *store.Store, listingTTL time.Duration) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if listingTTL <= 0 {
		listingTTL = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	cache := ttlcache.New[string, []target.Resource](
		ttlcache.WithTTL[string, []target.Resource](listingTTL),
	)
	go cache.Start()

	return &Engine{
		dataDir:    dataDir,
		fetcher:    fetcher,
		history:    history,
		semaphore:  make(chan struct{}, maxWorkers),
		listings:   cache,
		listingTTL: listingTTL,
		jobs:       make(map[string]*ticket.Tracker),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Shutdown cancels every live worker and waits for them to drain.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
	e.listings.Stop()
}

func jobKey(token string, action ticket.Action) string {
	return ticket.DeriveID(token) + "|" + string(action)
}

func (e *Engine) registerJob(token string, action ticket.Action, tracker *ticket.Tracker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs[jobKey(token, action)] = tracker
}

func (e *Engine) unregisterJob(token string, action ticket.Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, jobKey(token, action))
}

func (e *Engine) liveJob(token string, action ticket.Action) *ticket.Tracker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.jobs[jobKey(token, action)]
}

// spawn runs fn as this job's background worker.  The worker's context
// handle is bound to the tracker before the goroutine starts so a cancel
// request arriving immediately after submission has something to signal;
// the semaphore is acquired inside the goroutine so queued jobs remain
// cancellable while they wait.
func (e *Engine) spawn(token string, action ticket.Action, tracker *ticket.Tracker, fn func(ctx context.Context)) error {
	workerCtx, workerCancel := context.WithCancel(e.ctx)
	workerID := uuid.NewString()
	if err := tracker.BindWorker(workerID, workerCancel); err != nil {
		workerCancel()
		return err
	}
	e.registerJob(token, action, tracker)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer workerCancel()
		defer e.unregisterJob(token, action)

		select {
		case e.semaphore <- struct{}{}:
			defer func() { <-e.semaphore }()
		case <-workerCtx.Done():
			_, err := tracker.Finish(ticket.StatusFailed, error_codes.StatusCodeCancelled,
				string(action)+" was cancelled by the user", nil)
			if err != nil {
				log.Errorf("Failed to record cancellation for queued %s job: %v", action, err)
			}
			observeCompletion(action, tracker)
			return
		}
		metrics.JobsActive.WithLabelValues(string(action)).Inc()
		defer metrics.JobsActive.WithLabelValues(string(action)).Dec()
		log.Debugf("Worker %s starting %s", workerID, action)
		fn(workerCtx)
		observeCompletion(action, tracker)
	}()
	return nil
}

// observeCompletion counts a worker's terminal outcome once its record
// has settled on disk.
func observeCompletion(action ticket.Action, tracker *ticket.Tracker) {
	info, err := tracker.Read()
	if err != nil || !info.Terminal() {
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(action), string(info.Status)).Inc()
}

// Status returns the persisted process info for one action on the
// caller's ticket.
func (e *Engine) Status(token string, action ticket.Action) (*ticket.ProcessInfo, error) {
	tracker, err := ticket.NewTracker(e.dataDir, token, action)
	if err != nil {
		return nil, err
	}
	return tracker.Read()
}

// Cancel implements the cancellation endpoint's semantics: a live job is
// signalled through its worker handle; a stale in-progress record (a
// worker lost to a previous process life) is finalized directly; a job
// already terminal is rejected so its result survives.
func (e *Engine) Cancel(ctx context.Context, token string, action ticket.Action) (ticket.CancelOutcome, *ticket.ProcessInfo, error) {
	if tracker := e.liveJob(token, action); tracker != nil {
		return tracker.Cancel(ctx)
	}

	tracker, err := ticket.NewTracker(e.dataDir, token, action)
	if err != nil {
		return 0, nil, err
	}
	info, err := tracker.Read()
	if err != nil {
		return 0, nil, err
	}
	if info.Terminal() {
		return ticket.CancelRejectedTerminal, info, nil
	}
	info, err = tracker.Finish(ticket.StatusFailed, error_codes.StatusCodeCancelled,
		string(action)+" was cancelled by the user", nil)
	if err != nil {
		return 0, nil, err
	}
	return ticket.CancelApplied, info, nil
}

// ListResources enumerates a caller's resources on a target, with a short
// TTL cache so polling UIs do not hammer the target API.
func (e *Engine) ListResources(ctx context.Context, targetName, token string) ([]target.Resource, error) {
	if err := target.CheckSupportedAction(targetName, target.ActionResourceCollection); err != nil {
		return nil, err
	}
	adapter, err := target.Get(targetName)
	if err != nil {
		return nil, err
	}

	cacheKey := targetName + "|" + ticket.DeriveID(token)
	if item := e.listings.Get(cacheKey); item != nil {
		return item.Value(), nil
	}
	resources, err := adapter.ListResources(ctx, token)
	if err != nil {
		return nil, err
	}
	e.listings.Set(cacheKey, resources, ttlcache.DefaultTTL)
	return resources, nil
}

// Resource returns the detail record for one resource after checking the
// target supports detail lookups.
func (e *Engine) Resource(ctx context.Context, targetName, token, id string) (*target.Resource, error) {
	if err := target.CheckSupportedAction(targetName, target.ActionResourceDetail); err != nil {
		return nil, err
	}
	adapter, err := target.Get(targetName)
	if err != nil {
		return nil, err
	}
	return adapter.FetchResource(ctx, token, id)
}

// History pages through recorded job outcomes.  It reports whether the
// history store is enabled at all so callers can distinguish "no jobs"
// from "no store".
func (e *Engine) History(status string, limit, offset int) ([]store.HistoricalJob, int, error) {
	if e.history == nil {
		return nil, 0, error_codes.NewValidation("Job history is not enabled on this server.")
	}
	return e.history.History(status, limit, offset)
}

// PruneHistory deletes job records older than the cutoff.
func (e *Engine) PruneHistory(olderThan time.Time) (int64, error) {
	if e.history == nil {
		return 0, error_codes.NewValidation("Job history is not enabled on this server.")
	}
	return e.history.Prune(olderThan)
}

// recordHistory persists a terminal job outcome when the history store is
// enabled.
func (e *Engine) recordHistory(token string, action ticket.Action, sourceTarget, destinationTarget, resourceID string, info *ticket.ProcessInfo) {
	if e.history == nil || info == nil {
		return
	}
	err := e.history.RecordJob(store.HistoricalJob{
		TicketID:          ticket.DeriveID(token),
		Action:            string(action),
		SourceTarget:      sourceTarget,
		DestinationTarget: destinationTarget,
		ResourceID:        resourceID,
		Status:            string(info.Status),
		StatusCode:        info.StatusCode,
		Message:           info.Message,
		TotalFiles:        info.TotalFiles,
		FilesFinished:     info.FilesFinished,
		FailedFixityCount: len(info.FailedFixity),
		CompletedAt:       time.Now(),
	})
	if err != nil {
		log.Errorf("Failed to record job history: %v", err)
	}
}
