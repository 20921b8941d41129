package trace

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	// sqlite driver for database/sql
	_ "github.com/mattn/go-sqlite3"

	logs "github.com/danmuck/smplog"
	"github.com/tebeka/atexit"
)

const defaultBatchSize = 1000

// SQLiteRecorder buffers events and writes them to a hops table in batches.
type SQLiteRecorder struct {
	db        *sql.DB
	insert    *sql.Stmt
	runID     string
	seq       uint64
	pending   []Event
	batchSize int
	closed    bool
	mu        sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the database at path. Pending events
// are flushed when the process exits through atexit.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace db %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS hops (
		run_id   TEXT,
		seq      INTEGER,
		node_id  INTEGER,
		frame_id INTEGER,
		tag      TEXT,
		action   TEXT,
		body     TEXT,
		time     INTEGER
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create hops table: %w", err)
	}
	insert, err := db.Prepare(`INSERT INTO hops
		(run_id, seq, node_id, frame_id, tag, action, body, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}

	r := &SQLiteRecorder{
		db:        db,
		insert:    insert,
		runID:     NewRunID(),
		batchSize: defaultBatchSize,
	}
	atexit.Register(func() {
		if err := r.Flush(); err != nil {
			logs.Warnf("trace flush at exit: %v", err)
		}
	})
	logs.Debugf("NewSQLiteRecorder(%s): run %s", path, r.runID)
	return r, nil
}

func (r *SQLiteRecorder) RunID() string {
	return r.runID
}

func (r *SQLiteRecorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.seq++
	e.RunID = r.runID
	e.Seq = r.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.pending = append(r.pending, e)
	if len(r.pending) >= r.batchSize {
		if err := r.flushLocked(); err != nil {
			logs.Warnf("trace flush: %v", err)
		}
	}
}

func (r *SQLiteRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *SQLiteRecorder) flushLocked() error {
	if len(r.pending) == 0 || r.closed {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin trace tx: %w", err)
	}
	stmt := tx.Stmt(r.insert)
	for _, e := range r.pending {
		_, err := stmt.Exec(e.RunID, e.Seq, e.NodeID, e.FrameID, e.Tag, string(e.Action), e.Body, e.Time.UnixNano())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert hop %d: %w", e.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trace tx: %w", err)
	}
	r.pending = nil
	return nil
}

// Events reads back every hop recorded for this recorder's run, in order.
func (r *SQLiteRecorder) Events(ctx context.Context) ([]Event, error) {
	if err := r.Flush(); err != nil {
		return nil, err
	}
	return ReadRun(ctx, r.db, r.runID)
}

// ReadRun loads the hops of runID from db.
func ReadRun(ctx context.Context, db *sql.DB, runID string) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `SELECT run_id, seq, node_id, frame_id, tag, action, body, time
		FROM hops WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query hops: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		var action string
		var ts int64
		if err := rows.Scan(&e.RunID, &e.Seq, &e.NodeID, &e.FrameID, &e.Tag, &action, &e.Body, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan hop: %w", err)
		}
		e.Action = Action(action)
		e.Time = time.Unix(0, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close flushes pending events and closes the database.
func (r *SQLiteRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	err := r.flushLocked()
	r.closed = true
	r.insert.Close()
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	return err
}
