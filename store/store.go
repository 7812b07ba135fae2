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

// Package store persists a history of terminal transfer jobs in a local
// SQLite database so completed work survives the in-memory job registry.
package store

import (
	"database/sql"
	"embed"
	"time"

	_ "github.com/glebarez/sqlite" // SQLite driver
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// HistoricalJob is one terminal job as recorded in the history table.
type HistoricalJob struct {
	TicketID          string
	Action            string
	SourceTarget      string
	DestinationTarget string
	ResourceID        string
	Status            string
	StatusCode        int
	Message           string
	TotalFiles        int
	FilesFinished     int
	FailedFixityCount int
	CompletedAt       time.Time
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// NewStore opens the database at dbPath and applies migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open history database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping history database")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db}
	if err := store.runMigrations(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run history migrations")
	}
	log.Infof("Job history database initialized at %s", dbPath)
	return store, nil
}

func (s *Store) runMigrations() error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return errors.Wrap(err, "failed to set goose dialect")
	}
	return goose.Up(s.db, "migrations")
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordJob inserts one terminal job into the history.
func (s *Store) RecordJob(job HistoricalJob) error {
	query := `INSERT INTO job_history
		(ticket_id, action, source_target, destination_target, resource_id,
		 status, status_code, message, total_files, files_finished,
		 failed_fixity_count, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query,
		job.TicketID, job.Action, job.SourceTarget, job.DestinationTarget,
		job.ResourceID, job.Status, job.StatusCode, job.Message,
		job.TotalFiles, job.FilesFinished, job.FailedFixityCount,
		job.CompletedAt.Unix())
	return errors.Wrap(err, "failed to insert job history")
}

// History returns terminal jobs, newest first, optionally filtered by
// status, along with the total row count for the filter.
func (s *Store) History(status string, limit, offset int) ([]HistoricalJob, int, error) {
	countQuery := `SELECT COUNT(*) FROM job_history`
	listQuery := `SELECT ticket_id, action, source_target, destination_target,
		resource_id, status, status_code, message, total_files,
		files_finished, failed_fixity_count, completed_at
		FROM job_history`
	var args []interface{}
	if status != "" {
		countQuery += ` WHERE status = ?`
		listQuery += ` WHERE status = ?`
		args = append(args, status)
	}
	listQuery += ` ORDER BY completed_at DESC LIMIT ? OFFSET ?`

	var total int
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count job history")
	}

	rows, err := s.db.Query(listQuery, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to query job history")
	}
	defer rows.Close()

	var jobs []HistoricalJob
	for rows.Next() {
		var job HistoricalJob
		var completedAt int64
		if err := rows.Scan(&job.TicketID, &job.Action, &job.SourceTarget,
			&job.DestinationTarget, &job.ResourceID, &job.Status,
			&job.StatusCode, &job.Message, &job.TotalFiles,
			&job.FilesFinished, &job.FailedFixityCount, &completedAt); err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan job history row")
		}
		job.CompletedAt = time.Unix(completedAt, 0)
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// Prune removes history entries completed before the cutoff, returning
// the number of rows removed.
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM job_history WHERE completed_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune job history")
	}
	return result.RowsAffected()
}
