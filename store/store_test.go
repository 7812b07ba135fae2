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

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleJob(status string, completedAt time.Time) HistoricalJob {
	return HistoricalJob{
		TicketID:          "ticket-abc",
		Action:            "resource_download",
		SourceTarget:      "osf",
		DestinationTarget: "",
		ResourceID:        "xyz",
		Status:            status,
		StatusCode:        200,
		Message:           "Download successful",
		TotalFiles:        4,
		FilesFinished:     4,
		CompletedAt:       completedAt,
	}
}

func TestRecordAndListHistory(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	require.NoError(t, s.RecordJob(sampleJob("finished", now.Add(-2*time.Hour))))
	require.NoError(t, s.RecordJob(sampleJob("failed", now.Add(-time.Hour))))
	require.NoError(t, s.RecordJob(sampleJob("finished", now)))

	jobs, total, err := s.History("", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, jobs, 3)
	// Newest first
	assert.True(t, jobs[0].CompletedAt.After(jobs[1].CompletedAt))

	finished, total, err := s.History("finished", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, finished, 2)
}

func TestPagination(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordJob(sampleJob("finished", time.Now().Add(time.Duration(-i)*time.Minute))))
	}

	page, total, err := s.History("", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordJob(sampleJob("finished", time.Now().Add(-48*time.Hour))))
	require.NoError(t, s.RecordJob(sampleJob("finished", time.Now())))

	pruned, err := s.Prune(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, total, err := s.History("", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
