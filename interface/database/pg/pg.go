package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/airbusgeo/geocube-featuremap/common"
	db "github.com/airbusgeo/geocube-featuremap/interface/database"
	"github.com/lib/pq"
)

// pgInterface allows to use either a sql.DB or a sql.Tx
type pgInterface interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// BackendTx implements WorkflowTxBackend
type BackendTx struct {
	*sql.Tx
	Backend
}

// BackendDB implements WorkflowDBBackend
type BackendDB struct {
	*sql.DB
	Backend
}

// Backend implements WorkflowBackend
type Backend struct {
	pgInterface
}

/* http://www.postgresql.org/docs/9.3/static/errcodes-appendix.html */
const (
	noError             = "00000"
	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"

	notPqError = "X"
)

func pqErrorCode(err error) pq.ErrorCode {
	if err == nil {
		return noError
	}
	var pqerr *pq.Error
	if errors.As(err, &pqerr) {
		return pqerr.Code
	}
	return notPqError
}

// StartTransaction implements WorkflowDBBackend
func (bdb BackendDB) StartTransaction(ctx context.Context) (db.WorkflowTxBackend, error) {
	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return BackendTx{}, err
	}
	return BackendTx{tx, Backend{pgInterface: tx}}, nil
}

// Rollback overloads sql.Tx.Rollback to be idempotent
func (btx BackendTx) Rollback() error {
	err := btx.Tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// New creates a new backend using Postgres
func New(ctx context.Context, dbConnection string) (*BackendDB, error) {
	db, err := sql.Open("postgres", dbConnection)
	if err != nil {
		return nil, fmt.Errorf("sql.open: %w", err)
	}
	return &BackendDB{db, Backend{pgInterface: db}}, nil
}

// CreateRun implements WorkflowBackend
func (b Backend) CreateRun(ctx context.Context, id string, request common.RunRequest) error {
	_, err := b.ExecContext(ctx, "insert into run(id,request,status,retry_countdown) values($1,$2,$3,$4)",
		id, request, common.StatusNEW, request.RetryCount)
	switch pqErrorCode(err) {
	case noError:
		return nil
	case uniqueViolation:
		return db.ErrAlreadyExists{Type: "run", ID: id}
	default:
		return fmt.Errorf("CreateRun.exec: %w", err)
	}
}

// Run implements WorkflowBackend
func (b Backend) Run(ctx context.Context, id string) (db.Run, error) {
	r := db.Run{ID: id}
	err := b.QueryRowContext(ctx, "select request,status,message,retry_countdown,created_at from run where id=$1", id).Scan(
		&r.Request, &r.Status, &r.Message, &r.RetryCountDown, &r.CreatedAt)
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, sql.ErrNoRows):
		return r, db.ErrNotFound{Type: "run", ID: id}
	default:
		return r, fmt.Errorf("Run.QueryRowContext: %w", err)
	}
}

// Runs implements WorkflowBackend
func (b Backend) Runs(ctx context.Context, pattern string, page, limit int) ([]db.Run, error) {
	wc := whereClause{}
	if pattern != "" {
		pattern, operator := parseLike(pattern)
		wc.append("id "+operator+" $%d", pattern)
	}
	rows, err := b.QueryContext(ctx, "select id,request,status,message,retry_countdown,created_at from run"+
		wc.String()+" ORDER BY created_at DESC, id"+limitOffsetClause(page, limit), wc.Parameters...)
	if err != nil {
		return nil, fmt.Errorf("Runs.QueryContext: %w", err)
	}
	defer rows.Close()
	runs := make([]db.Run, 0)
	for rows.Next() {
		var r db.Run
		if err := rows.Scan(&r.ID, &r.Request, &r.Status, &r.Message, &r.RetryCountDown, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("Runs.Scan: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Runs.rows.err: %w", err)
	}
	return runs, nil
}

func updateStatusQuery(table string, status common.Status) string {
	query := "update " + table + " set status=$1"
	if status == common.StatusPENDING {
		// The first scheduling (from NEW) is not a retry
		query += ",retry_countdown=retry_countdown-(case when status='NEW' then 0 else 1 end)"
	}
	return query
}

// UpdateRun implements WorkflowBackend
func (b Backend) UpdateRun(ctx context.Context, id string, status common.Status, message *string) error {
	query := updateStatusQuery("run", status)
	parameters := []interface{}{status, id}
	if message != nil {
		parameters = append(parameters, *message)
		query += ", message=$3"
	}
	res, err := b.ExecContext(ctx, query+" where id=$2", parameters...)
	if err != nil {
		return fmt.Errorf("UpdateRun: %w", err)
	}
	if nb, err := res.RowsAffected(); err == nil && nb == 0 {
		return db.ErrNotFound{Type: "run", ID: id}
	}
	return nil
}

// DeleteRun implements WorkflowBackend
func (b Backend) DeleteRun(ctx context.Context, id string) error {
	if _, err := b.ExecContext(ctx, "delete from run where id = $1", id); err != nil {
		return fmt.Errorf("DeleteRun.exec: %w", err)
	}
	return nil
}

// CreateChunks implements WorkflowBackend
func (b Backend) CreateChunks(ctx context.Context, runID string, chunks []common.Chunk, retryCount int) error {
	stmt, err := b.PrepareContext(ctx, pq.CopyIn("chunk", "run_id", "tile", "chunk_index", "status", "message", "retry_countdown"))
	if err != nil {
		return fmt.Errorf("CreateChunks.Prepare: %w", err)
	}
	defer stmt.Close()
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, runID, c.Tile, c.Index, common.StatusPENDING.String(), "", retryCount); err != nil {
			return fmt.Errorf("CreateChunks.Exec: %w", err)
		}
	}
	_, err = stmt.ExecContext(ctx)
	switch pqErrorCode(err) {
	case noError:
		return nil
	case uniqueViolation:
		return db.ErrAlreadyExists{Type: "chunk", ID: runID}
	case foreignKeyViolation:
		return db.ErrNotFound{Type: "run", ID: runID}
	default:
		return fmt.Errorf("CreateChunks.Flush: %w", err)
	}
}

// Chunk implements WorkflowBackend
func (b Backend) Chunk(ctx context.Context, runID, tile string, index int) (db.Chunk, error) {
	c := db.Chunk{RunID: runID, Tile: tile, Index: index}
	err := b.QueryRowContext(ctx, "select status,message,retry_countdown from chunk where run_id=$1 and tile=$2 and chunk_index=$3",
		runID, tile, index).Scan(&c.Status, &c.Message, &c.RetryCountDown)
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, sql.ErrNoRows):
		return c, db.ErrNotFound{Type: "chunk", ID: fmt.Sprintf("%s/%s_%d", runID, tile, index)}
	default:
		return c, fmt.Errorf("Chunk.QueryRowContext: %w", err)
	}
}

// Chunks implements WorkflowBackend
func (b Backend) Chunks(ctx context.Context, runID string, status string, page, limit int) ([]db.Chunk, error) {
	wc := whereClause{}
	wc.append("run_id = $%d", runID)
	if status != "" {
		wc.append("status = $%d", status)
	}
	rows, err := b.QueryContext(ctx, "select tile,chunk_index,status,message,retry_countdown from chunk"+
		wc.String()+" ORDER BY tile, chunk_index"+limitOffsetClause(page, limit), wc.Parameters...)
	if err != nil {
		return nil, fmt.Errorf("Chunks.QueryContext: %w", err)
	}
	defer rows.Close()
	chunks := make([]db.Chunk, 0)
	for rows.Next() {
		c := db.Chunk{RunID: runID}
		if err := rows.Scan(&c.Tile, &c.Index, &c.Status, &c.Message, &c.RetryCountDown); err != nil {
			return nil, fmt.Errorf("Chunks.Scan: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Chunks.rows.err: %w", err)
	}
	return chunks, nil
}

// UpdateChunk implements WorkflowBackend
func (b Backend) UpdateChunk(ctx context.Context, runID, tile string, index int, status common.Status, message *string) error {
	query := updateStatusQuery("chunk", status)
	parameters := []interface{}{status, runID, tile, index}
	if message != nil {
		parameters = append(parameters, *message)
		query += ", message=$5"
	}
	res, err := b.ExecContext(ctx, query+" where run_id=$2 and tile=$3 and chunk_index=$4", parameters...)
	if err != nil {
		return fmt.Errorf("UpdateChunk: %w", err)
	}
	if nb, err := res.RowsAffected(); err == nil && nb == 0 {
		return db.ErrNotFound{Type: "chunk", ID: fmt.Sprintf("%s/%s_%d", runID, tile, index)}
	}
	return nil
}

// ChunksStatus implements WorkflowBackend
func (b Backend) ChunksStatus(ctx context.Context, runID string) (db.Status, error) {
	s := db.Status{}
	rows, err := b.QueryContext(ctx, "select status, count(status) from chunk where run_id=$1 group by status", runID)
	if err != nil {
		return s, fmt.Errorf("ChunksStatus.QueryContext: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status common.Status
		var nb int64
		if err := rows.Scan(&status, &nb); err != nil {
			return s, fmt.Errorf("ChunksStatus.Scan: %w", err)
		}
		s.Set(status, nb)
	}
	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("ChunksStatus.rows.err: %w", err)
	}
	return s, nil
}

// ChunksCount implements WorkflowBackend
func (b Backend) ChunksCount(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := b.QueryContext(ctx, "select tile, count(*) from chunk where run_id=$1 group by tile", runID)
	if err != nil {
		return nil, fmt.Errorf("ChunksCount.QueryContext: %w", err)
	}
	defer rows.Close()
	count := map[string]int{}
	for rows.Next() {
		var tile string
		var nb int
		if err := rows.Scan(&tile, &nb); err != nil {
			return nil, fmt.Errorf("ChunksCount.Scan: %w", err)
		}
		count[tile] = nb
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ChunksCount.rows.err: %w", err)
	}
	return count, nil
}
