package db

import (
	"context"
	"fmt"
	"time"

	"github.com/airbusgeo/geocube-featuremap/common"
)

// Run is a feature-map run. Its status is the status of the assembly:
// NEW until all its chunks are DONE, then PENDING, DONE, RETRY or FAILED.
type Run struct {
	ID             string            `json:"id"`
	Request        common.RunRequest `json:"request"`
	Status         common.Status     `json:"status"`
	Message        string            `json:"message"`
	RetryCountDown int               `json:"retry_countdown"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Chunk is the unit of work of a run
type Chunk struct {
	RunID          string        `json:"run_id"`
	Tile           string        `json:"tile"`
	Index          int           `json:"index"`
	Status         common.Status `json:"status"`
	Message        string        `json:"message"`
	RetryCountDown int           `json:"retry_countdown"`
}

type ErrAlreadyExists struct {
	Type, ID string
}

func (e ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s alreay exists: %s", e.Type, e.ID)
}

type ErrNotFound struct {
	Type, ID string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Type, e.ID)
}

type WorkflowTxBackend interface {
	WorkflowBackend
	// Must be call to apply transaction
	Commit() error
	// Might be called to cancel the transaction (no effect if commit has already be done)
	Rollback() error
}

type WorkflowDBBackend interface {
	WorkflowBackend
	StartTransaction(ctx context.Context) (WorkflowTxBackend, error)
}

type Status struct {
	New, Pending, Done, Retry, Failed int64
}

// Set the number of occurences for a given status
func (s *Status) Set(status common.Status, nb int64) {
	switch status {
	case common.StatusNEW:
		s.New = nb
	case common.StatusPENDING:
		s.Pending = nb
	case common.StatusDONE:
		s.Done = nb
	case common.StatusRETRY:
		s.Retry = nb
	case common.StatusFAILED:
		s.Failed = nb
	}
}

// Total returns the number of occurences of all the status
func (s Status) Total() int64 {
	return s.New + s.Pending + s.Done + s.Retry + s.Failed
}

type WorkflowBackend interface {
	// Create a run in database, may return ErrAlreadyExists
	CreateRun(ctx context.Context, id string, request common.RunRequest) error
	// Get the run with the given id, may return ErrNotFound
	Run(ctx context.Context, id string) (Run, error)
	// List the runs fitting the pattern, most recent first
	// pattern [optional=""] id pattern (* and ? wildcards, (?i) suffix for case-insensitivity)
	Runs(ctx context.Context, pattern string, page, limit int) ([]Run, error)
	// Update run status & message (if != nil)
	// Setting PENDING decrements the retry countdown, unless the previous status is NEW
	UpdateRun(ctx context.Context, id string, status common.Status, message *string) error
	// Delete a run and its chunks
	DeleteRun(ctx context.Context, id string) error

	// Create the chunks of a run (status PENDING), may return ErrAlreadyExists
	// Must be called in a transaction
	CreateChunks(ctx context.Context, runID string, chunks []common.Chunk, retryCount int) error
	// Get a chunk, may return ErrNotFound
	Chunk(ctx context.Context, runID, tile string, index int) (Chunk, error)
	// Chunks returns the chunks of the run, ordered by tile and index
	// status [optional=""] status of the chunks
	Chunks(ctx context.Context, runID string, status string, page, limit int) ([]Chunk, error)
	// Update chunk status & message (if != nil)
	// Setting PENDING decrements the retry countdown, unless the previous status is NEW
	UpdateChunk(ctx context.Context, runID, tile string, index int, status common.Status, message *string) error
	// Returns the status of the chunks of the run
	ChunksStatus(ctx context.Context, runID string) (Status, error)
	// Returns the number of chunks of each tile of the run
	ChunksCount(ctx context.Context, runID string) (map[string]int, error)
}

// UnitOfWork runs a function and commit the database at the end or rollback if the function returns an error
func UnitOfWork(ctx context.Context, db WorkflowDBBackend, f func(tx WorkflowTxBackend) error) (err error) {
	// Start transaction
	txn, err := db.StartTransaction(ctx)
	if err != nil {
		return fmt.Errorf("uow.starttransaction: %w", err)
	}

	// Rollback if not successful
	defer func() {
		if e := txn.Rollback(); err == nil {
			err = e
		}
	}()

	// Execute function
	if err = f(txn); err != nil {
		return fmt.Errorf("uow.%w", err)
	}

	return txn.Commit()
}
