package streaming

import (
	"context"

	"github.com/maraver/planline/internal/store"
)

// DocFilter specifies which documents a subscriber wants to receive.
type DocFilter struct {
	RunID string   `json:"run_id,omitempty"`
	Types []string `json:"types,omitempty"`
}

// DocHub provides pub/sub for the live document stream of runs.
type DocHub interface {
	Publish(ctx context.Context, doc store.Document) error
	Subscribe(ctx context.Context, filter DocFilter) (<-chan store.Document, func(), error)
}
