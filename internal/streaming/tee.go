package streaming

import (
	"context"

	"github.com/maraver/planline/internal/store"
)

// Appender is the document sink the tee wraps.
type Appender interface {
	AppendDocument(ctx context.Context, doc *store.Document) error
}

// TeeAppender persists documents to the wrapped appender and then publishes
// them to the hub. Only persistence failures propagate.
type TeeAppender struct {
	next Appender
	hub  DocHub
}

// NewTeeAppender creates a TeeAppender over next and hub.
func NewTeeAppender(next Appender, hub DocHub) *TeeAppender {
	return &TeeAppender{next: next, hub: hub}
}

// AppendDocument stores the document, then publishes it with any sequence
// and ID the store assigned.
func (t *TeeAppender) AppendDocument(ctx context.Context, doc *store.Document) error {
	if err := t.next.AppendDocument(ctx, doc); err != nil {
		return err
	}
	_ = t.hub.Publish(ctx, *doc)
	return nil
}
