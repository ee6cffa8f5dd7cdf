package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maraver/planline/pkg/schema"
)

// DocumentLog provides document-sourcing operations on top of a LibSQLStore.
type DocumentLog struct {
	store *LibSQLStore
}

// NewDocumentLog wraps a LibSQLStore to provide document-sourcing operations.
func NewDocumentLog(s *LibSQLStore) *DocumentLog {
	return &DocumentLog{store: s}
}

// AppendDocument appends a document with a monotonically increasing per-run sequence.
// Uses an immediate write to ensure sequence correctness under concurrency.
func (dl *DocumentLog) AppendDocument(ctx context.Context, doc *Document) error {
	db := dl.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// BeginTx starts a deferred transaction; promote it to a writer before
	// the sequence read so two appenders cannot compute the same sequence.
	// The no-op UPDATE on the single-row lock table takes the write lock
	// without leaving any state behind.
	if _, err := tx.ExecContext(ctx,
		`UPDATE write_lock SET id = 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM documents WHERE run_id = ?`, doc.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	doc.Sequence = seq

	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}

	payload := nullRaw(doc.Payload)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (run_id, type, device, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.RunID, doc.Type, nullStr(doc.Device), payload, doc.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit document: %w", err)
	}
	return nil
}

// GetDocuments returns documents for a run with sequence > since, ordered by sequence ASC.
func (dl *DocumentLog) GetDocuments(ctx context.Context, runID string, since int64) ([]*Document, error) {
	return dl.store.GetDocuments(ctx, runID, since)
}

// GetDocumentsByType returns documents of a specific type matching the filter.
func (dl *DocumentLog) GetDocumentsByType(ctx context.Context, docType string, filter DocumentFilter) ([]*Document, error) {
	return dl.store.GetDocumentsByType(ctx, docType, filter)
}

// RunReplay is the state reconstructed from a run's document log.
type RunReplay struct {
	Status         schema.RunStatus
	Readings       map[string]json.RawMessage // device -> latest reading payload
	LastCheckpoint int64                      // sequence of the last checkpoint, 0 if none
	LastSequence   int64
	Error          json.RawMessage
}

// ReplayRun replays all documents for a run and returns the reconstructed state.
// Returns an error if sequence gaps are detected.
func (dl *DocumentLog) ReplayRun(ctx context.Context, runID string) (*RunReplay, error) {
	docs, err := dl.store.GetDocuments(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get documents for replay: %w", err)
	}

	replay := &RunReplay{
		Status:   schema.RunStatusPending,
		Readings: make(map[string]json.RawMessage),
	}

	if len(docs) == 0 {
		return replay, nil
	}

	// Validate sequence contiguity.
	for i, d := range docs {
		expected := int64(i + 1)
		if d.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, d.Sequence)
		}
	}

	for _, d := range docs {
		replay.LastSequence = d.Sequence

		switch d.Type {
		case schema.DocRunStarted:
			replay.Status = schema.RunStatusRunning

		case schema.DocRunPaused:
			replay.Status = schema.RunStatusPaused

		case schema.DocRunResumed:
			replay.Status = schema.RunStatusRunning

		case schema.DocRunSuspended:
			replay.Status = schema.RunStatusSuspended

		case schema.DocSuspenderReleased:
			replay.Status = schema.RunStatusRunning

		case schema.DocRunCompleted:
			replay.Status = schema.RunStatusCompleted

		case schema.DocRunFailed:
			replay.Status = schema.RunStatusFailed
			replay.Error = d.Payload

		case schema.DocRunAborted:
			replay.Status = schema.RunStatusAborted
			replay.Error = d.Payload

		case schema.DocRunHalted:
			replay.Status = schema.RunStatusHalted
			replay.Error = d.Payload

		case schema.DocReading:
			if d.Device != "" {
				replay.Readings[d.Device] = d.Payload
			}

		case schema.DocCheckpoint:
			replay.LastCheckpoint = d.Sequence
		}
	}

	return replay, nil
}
