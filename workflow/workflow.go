package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/airbusgeo/geocube-featuremap/bands"
	"github.com/airbusgeo/geocube-featuremap/chunk"
	"github.com/airbusgeo/geocube-featuremap/common"
	db "github.com/airbusgeo/geocube-featuremap/interface/database"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"github.com/airbusgeo/geocube/interface/messaging"
	"github.com/google/uuid"
)

// TileDescriber returns the description of a tile (name, extent, crs) given the layout of the run
type TileDescriber func(ctx context.Context, layout, tile string) (common.Tile, error)

// LayoutTile describes the tile from the reference raster of the layout
func LayoutTile(ctx context.Context, layout, tile string) (common.Tile, error) {
	l, err := bands.LoadLayout(ctx, layout)
	if err != nil {
		return common.Tile{}, err
	}
	return l.Tile(tile)
}

// Workflow dispatches the jobs of the runs and follows their status
type Workflow struct {
	db.WorkflowDBBackend
	dbmu     sync.Mutex
	jobQueue messaging.Publisher
	describe TileDescriber
}

// NewWorkflow creates a workflow publishing the jobs in jobQueue.
// describe defaults to LayoutTile.
func NewWorkflow(db db.WorkflowDBBackend, jobQueue messaging.Publisher, describe TileDescriber) *Workflow {
	if describe == nil {
		describe = LayoutTile
	}
	return &Workflow{
		WorkflowDBBackend: db,
		jobQueue:          jobQueue,
		describe:          describe,
	}
}

// validateRequest checks the fields of the request required to plan the run
func validateRequest(req common.RunRequest) error {
	switch {
	case len(req.Tiles) == 0:
		return fmt.Errorf("no tile")
	case req.Layout == "":
		return fmt.Errorf("missing layout")
	case req.Features.Module == "":
		return fmt.Errorf("missing feature module")
	case req.Output == "":
		return fmt.Errorf("missing output")
	case req.RetryCount < 0:
		return fmt.Errorf("negative retry count")
	}
	tiles := map[string]bool{}
	for _, t := range req.Tiles {
		if tiles[t] {
			return fmt.Errorf("duplicate tile %s", t)
		}
		tiles[t] = true
	}
	return nil
}

// ValidationError is returned by CreateRun when the request is invalid
type ValidationError struct {
	Err error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %v", e.Err)
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

// CreateRun plans the chunks of the tiles of the request, creates the run and publishes one job per chunk.
// Returns the id of the run.
func (wf *Workflow) CreateRun(ctx context.Context, req common.RunRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", ValidationError{err}
	}

	// Plan
	var chunks []common.Chunk
	for _, name := range req.Tiles {
		tile, err := wf.describe(ctx, req.Layout, name)
		if err != nil {
			return "", fmt.Errorf("CreateRun.%w", err)
		}
		cs, err := chunk.PlanTile(tile, req.Policy)
		if err != nil {
			return "", ValidationError{err}
		}
		chunks = append(chunks, cs...)
	}

	id := uuid.New().String()
	wf.dbmu.Lock()
	defer wf.dbmu.Unlock()
	err := db.UnitOfWork(ctx, wf, func(tx db.WorkflowTxBackend) error {
		if err := tx.CreateRun(ctx, id, req); err != nil {
			return err
		}
		if err := tx.CreateChunks(ctx, id, chunks, req.RetryCount); err != nil {
			return err
		}
		publishes := make([][]byte, 0, len(chunks))
		for _, c := range chunks {
			job := req.ChunkJob(id, c.Tile, c.Index)
			p, err := json.Marshal(common.Job{Type: common.JobTypeChunk, Chunk: &job})
			if err != nil {
				return fmt.Errorf("marshal: %w", err)
			}
			publishes = append(publishes, p)
		}
		log.Logger(ctx).Sugar().Infof("queueing %d chunks of run %s", len(chunks), id)
		return wf.jobQueue.Publish(ctx, publishes...)
	})
	if err != nil {
		return "", fmt.Errorf("CreateRun.%w", err)
	}
	return id, nil
}

func (wf *Workflow) publishChunk(ctx context.Context, run db.Run, c db.Chunk) error {
	job := run.Request.ChunkJob(run.ID, c.Tile, c.Index)
	p, err := json.Marshal(common.Job{Type: common.JobTypeChunk, Chunk: &job})
	if err != nil {
		return fmt.Errorf("publishChunk.marshal: %w", err)
	}
	if err = wf.jobQueue.Publish(ctx, p); err != nil {
		return fmt.Errorf("publishChunk: failed to enqueue: %w", err)
	}
	return nil
}

// AssembleJob returns the job merging the chunks of the run
func AssembleJob(run db.Run, chunks map[string]int) common.AssembleJob {
	return common.AssembleJob{
		RunID:           run.ID,
		Chunks:          chunks,
		Output:          run.Request.Output,
		AssembleOptions: run.Request.AssembleOptions,
	}
}

func (wf *Workflow) publishAssemble(ctx context.Context, wfb db.WorkflowBackend, run db.Run) error {
	count, err := wfb.ChunksCount(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("publishAssemble.%w", err)
	}
	job := AssembleJob(run, count)
	p, err := json.Marshal(common.Job{Type: common.JobTypeAssemble, Assemble: &job})
	if err != nil {
		return fmt.Errorf("publishAssemble.marshal: %w", err)
	}
	if err = wf.jobQueue.Publish(ctx, p); err != nil {
		return fmt.Errorf("publishAssemble: failed to enqueue: %w", err)
	}
	return nil
}

// FinishChunk sets the chunk DONE. When all the chunks of the run are DONE, the assembly is queued.
func (wf *Workflow) FinishChunk(ctx context.Context, run db.Run, c db.Chunk) error {
	err := db.UnitOfWork(ctx, wf, func(tx db.WorkflowTxBackend) error {
		if err := tx.UpdateChunk(ctx, c.RunID, c.Tile, c.Index, common.StatusDONE, nil); err != nil {
			return err
		}
		status, err := tx.ChunksStatus(ctx, c.RunID)
		if err != nil {
			return err
		}
		if status.Done != status.Total() || run.Status != common.StatusNEW {
			return nil
		}
		log.Logger(ctx).Sugar().Infof("all the chunks of run %s are done: queueing assembly", run.ID)
		if err := tx.UpdateRun(ctx, run.ID, common.StatusPENDING, nil); err != nil {
			return err
		}
		return wf.publishAssemble(ctx, tx, run)
	})
	if err != nil {
		return fmt.Errorf("FinishChunk.%w", err)
	}
	return nil
}

// RetryChunk sets the chunk PENDING and publishes its job again
func (wf *Workflow) RetryChunk(ctx context.Context, run db.Run, c db.Chunk) error {
	err := db.UnitOfWork(ctx, wf, func(tx db.WorkflowTxBackend) error {
		if err := tx.UpdateChunk(ctx, c.RunID, c.Tile, c.Index, common.StatusPENDING, &c.Message); err != nil {
			return err
		}
		if run.Status == common.StatusFAILED {
			// The run failed because of its chunks: it can be assembled again once none of them is FAILED
			status, err := tx.ChunksStatus(ctx, c.RunID)
			if err != nil {
				return err
			}
			if status.Failed == 0 {
				emptyMessage := ""
				if err := tx.UpdateRun(ctx, run.ID, common.StatusNEW, &emptyMessage); err != nil {
					return err
				}
			}
		}
		log.Logger(ctx).Sugar().Infof("retrying chunk %s_%d of run %s", c.Tile, c.Index, c.RunID)
		return wf.publishChunk(ctx, run, c)
	})
	if err != nil {
		return fmt.Errorf("RetryChunk.%w", err)
	}
	return nil
}

// FailChunk sets the chunk FAILED. The run cannot be assembled anymore and is FAILED too.
func (wf *Workflow) FailChunk(ctx context.Context, run db.Run, c db.Chunk) error {
	err := db.UnitOfWork(ctx, wf, func(tx db.WorkflowTxBackend) error {
		if err := tx.UpdateChunk(ctx, c.RunID, c.Tile, c.Index, common.StatusFAILED, &c.Message); err != nil {
			return err
		}
		if run.Status != common.StatusNEW {
			return nil
		}
		msg := fmt.Sprintf("chunk %s_%d failed: %s", c.Tile, c.Index, c.Message)
		return tx.UpdateRun(ctx, run.ID, common.StatusFAILED, &msg)
	})
	if err != nil {
		return fmt.Errorf("FailChunk.%w", err)
	}
	return nil
}

// UpdateChunkStatus handles the new status of a chunk.
// If force, the transition is not checked.
// Returns true if the status has been updated.
func (wf *Workflow) UpdateChunkStatus(ctx context.Context, runID, tile string, index int, status common.Status, message *string, force bool) (bool, error) {
	lg := log.Logger(ctx).Sugar()
	wf.dbmu.Lock()
	defer wf.dbmu.Unlock()

	c, err := wf.Chunk(ctx, runID, tile, index)
	if err != nil {
		if errors.As(err, &db.ErrNotFound{}) {
			lg.Errorf("update: %v", err)
			return false, nil
		}
		return false, fmt.Errorf("UpdateChunkStatus: %w", err)
	}
	run, err := wf.Run(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("UpdateChunkStatus: %w", err)
	}
	if message != nil {
		c.Message = *message
	}

	lg.Infof("update chunk status %s/%s_%d: %s->%s (%s)", runID, tile, index, c.Status, status, c.Message)

	if force {
		switch status {
		case common.StatusDONE:
			err = wf.FinishChunk(ctx, run, c)
		case common.StatusRETRY, common.StatusNEW:
			err = wf.UpdateChunk(ctx, runID, tile, index, status, &c.Message)
		case common.StatusPENDING:
			err = wf.RetryChunk(ctx, run, c)
		case common.StatusFAILED:
			err = wf.FailChunk(ctx, run, c)
		}
		return err == nil, err
	}

	if c.Status == status {
		lg.Warnf("update chunk %s/%s_%d: status already %s", runID, tile, index, status)
		return false, nil
	}

	switch c.Status {
	case common.StatusPENDING:
		switch status {
		case common.StatusDONE:
			err = wf.FinishChunk(ctx, run, c)
		case common.StatusRETRY:
			if c.RetryCountDown > 0 {
				err = wf.RetryChunk(ctx, run, c)
			} else if err = wf.UpdateChunk(ctx, runID, tile, index, common.StatusRETRY, &c.Message); err != nil {
				return false, fmt.Errorf("update retry status: %w", err)
			}
		case common.StatusFAILED:
			err = wf.FailChunk(ctx, run, c)
		default:
			lg.Errorf("cannot update chunk %s/%s_%d status %s->%s", runID, tile, index, c.Status, status)
			return false, nil
		}
	case common.StatusRETRY:
		switch status {
		case common.StatusDONE:
			err = wf.FinishChunk(ctx, run, c)
		case common.StatusPENDING:
			err = wf.RetryChunk(ctx, run, c)
		case common.StatusFAILED:
			err = wf.FailChunk(ctx, run, c)
		default:
			lg.Errorf("cannot update chunk %s/%s_%d status %s->%s", runID, tile, index, c.Status, status)
			return false, nil
		}
	default:
		lg.Errorf("cannot update chunk %s/%s_%d status %s->%s", runID, tile, index, c.Status, status)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RetryAssemble sets the run PENDING and publishes its assembly again
func (wf *Workflow) RetryAssemble(ctx context.Context, run db.Run) error {
	err := db.UnitOfWork(ctx, wf, func(tx db.WorkflowTxBackend) error {
		if err := tx.UpdateRun(ctx, run.ID, common.StatusPENDING, &run.Message); err != nil {
			return err
		}
		log.Logger(ctx).Sugar().Infof("retrying assembly of run %s", run.ID)
		return wf.publishAssemble(ctx, tx, run)
	})
	if err != nil {
		return fmt.Errorf("RetryAssemble.%w", err)
	}
	return nil
}

// UpdateRunStatus handles the new status of the assembly of a run.
// If force, the transition is not checked.
// Returns true if the status has been updated.
func (wf *Workflow) UpdateRunStatus(ctx context.Context, id string, status common.Status, message *string, force bool) (bool, error) {
	lg := log.Logger(ctx).Sugar()
	wf.dbmu.Lock()
	defer wf.dbmu.Unlock()

	run, err := wf.Run(ctx, id)
	if err != nil {
		if errors.As(err, &db.ErrNotFound{}) {
			lg.Errorf("update: %v", err)
			return false, nil
		}
		return false, fmt.Errorf("UpdateRunStatus: %w", err)
	}
	if message != nil {
		run.Message = *message
	}

	lg.Infof("update run status %s: %s->%s (%s)", id, run.Status, status, run.Message)

	if force {
		switch status {
		case common.StatusPENDING:
			err = wf.RetryAssemble(ctx, run)
		default:
			err = wf.UpdateRun(ctx, id, status, &run.Message)
		}
		return err == nil, err
	}

	if run.Status == status {
		lg.Warnf("update run %s: status already %s", id, status)
		return false, nil
	}

	switch run.Status {
	case common.StatusPENDING:
		switch status {
		case common.StatusDONE, common.StatusFAILED:
			err = wf.UpdateRun(ctx, id, status, &run.Message)
		case common.StatusRETRY:
			if run.RetryCountDown > 0 {
				err = wf.RetryAssemble(ctx, run)
			} else {
				err = wf.UpdateRun(ctx, id, status, &run.Message)
			}
		default:
			lg.Errorf("cannot update run %s status %s->%s", id, run.Status, status)
			return false, nil
		}
	case common.StatusRETRY:
		switch status {
		case common.StatusDONE, common.StatusFAILED:
			err = wf.UpdateRun(ctx, id, status, &run.Message)
		case common.StatusPENDING:
			err = wf.RetryAssemble(ctx, run)
		default:
			lg.Errorf("cannot update run %s status %s->%s", id, run.Status, status)
			return false, nil
		}
	default:
		lg.Errorf("cannot update run %s status %s->%s", id, run.Status, status)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RetryRun retries the chunks and the assembly of the run with the status RETRY
// (and also PENDING if force=true).
// Returns the number of chunks retried and whether the assembly is retried.
func (wf *Workflow) RetryRun(ctx context.Context, id string, force bool) (int, bool, error) {
	run, err := wf.Run(ctx, id)
	if err != nil {
		return 0, false, fmt.Errorf("RetryRun.%w", err)
	}

	nbChunks := 0
	emptyMessage := ""
	statuses := []common.Status{common.StatusRETRY}
	if force {
		statuses = append(statuses, common.StatusPENDING)
	}
	for _, status := range statuses {
		chunks, err := wf.Chunks(ctx, id, status.String(), 0, -1)
		if err != nil {
			return nbChunks, false, fmt.Errorf("RetryRun.%w", err)
		}
		for _, c := range chunks {
			done, err := wf.UpdateChunkStatus(ctx, id, c.Tile, c.Index, common.StatusPENDING, &emptyMessage, force)
			if err != nil {
				return nbChunks, false, fmt.Errorf("RetryRun.%w", err)
			}
			if done {
				nbChunks++
			}
		}
	}

	assemble := false
	if run.Status == common.StatusRETRY || (force && run.Status == common.StatusPENDING) {
		if assemble, err = wf.UpdateRunStatus(ctx, id, common.StatusPENDING, &emptyMessage, force); err != nil {
			return nbChunks, false, fmt.Errorf("RetryRun.%w", err)
		}
	}
	return nbChunks, assemble, nil
}

// ResultHandler handles the results of the jobs
func (wf *Workflow) ResultHandler(ctx context.Context, result common.Result) error {
	var err error
	switch result.Type {
	case common.ResultTypeChunk:
		_, err = wf.UpdateChunkStatus(ctx, result.RunID, result.Tile, result.Index, result.Status, &result.Message, false)
	case common.ResultTypeAssemble:
		_, err = wf.UpdateRunStatus(ctx, result.RunID, result.Status, &result.Message, false)
	default:
		return fmt.Errorf("ResultHandler: unknown result type %s", result.Type)
	}
	return err
}
