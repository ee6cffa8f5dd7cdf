package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/pkg/schema"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, DocFilter{})
	require.NoError(t, err)
	defer cancel()

	doc := store.Document{
		RunID:   "run-1",
		Type:    schema.DocReading,
		Device:  "m1",
		Payload: json.RawMessage(`{"value":4.2}`),
	}

	err = hub.Publish(ctx, doc)
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, doc.RunID, got.RunID)
		assert.Equal(t, doc.Type, got.Type)
		assert.Equal(t, doc.Device, got.Device)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for document")
	}
}

func TestFilterByRunID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, DocFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	// Should be received (matching run)
	err = hub.Publish(ctx, store.Document{RunID: "run-1", Type: schema.DocRunStarted})
	require.NoError(t, err)

	// Should be dropped (different run)
	err = hub.Publish(ctx, store.Document{RunID: "run-2", Type: schema.DocRunStarted})
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, "run-1", got.RunID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for document")
	}

	// Channel should be empty -- the run-2 document was filtered out.
	select {
	case doc := <-ch:
		t.Fatalf("unexpected document: %+v", doc)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestFilterByType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, DocFilter{
		Types: []string{schema.DocReading, schema.DocRunFailed},
	})
	require.NoError(t, err)
	defer cancel()

	// Should be received
	err = hub.Publish(ctx, store.Document{RunID: "run-1", Type: schema.DocReading})
	require.NoError(t, err)

	// Should be dropped
	err = hub.Publish(ctx, store.Document{RunID: "run-1", Type: schema.DocNote})
	require.NoError(t, err)

	// Should be received
	err = hub.Publish(ctx, store.Document{RunID: "run-1", Type: schema.DocRunFailed})
	require.NoError(t, err)

	var received []string
	for i := 0; i < 2; i++ {
		select {
		case got := <-ch:
			received = append(received, got.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for document")
		}
	}
	assert.Equal(t, []string{schema.DocReading, schema.DocRunFailed}, received)

	// No more documents
	select {
	case doc := <-ch:
		t.Fatalf("unexpected document: %+v", doc)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, DocFilter{})
	require.NoError(t, err)
	defer cancel1()

	ch2, cancel2, err := hub.Subscribe(ctx, DocFilter{})
	require.NoError(t, err)
	defer cancel2()

	err = hub.Publish(ctx, store.Document{RunID: "run-1", Type: schema.DocReading})
	require.NoError(t, err)

	for _, ch := range []<-chan store.Document{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "run-1", got.RunID)
			assert.Equal(t, schema.DocReading, got.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for document")
		}
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, DocFilter{})
	require.NoError(t, err)

	// Cancel removes the subscriber
	cancel()

	err = hub.Publish(ctx, store.Document{RunID: "run-1", Type: schema.DocReading})
	require.NoError(t, err)

	select {
	case doc := <-ch:
		t.Fatalf("unexpected document after cancel: %+v", doc)
	case <-time.After(50 * time.Millisecond):
		// expected: subscriber was removed
	}

	// Verify subscriber map is empty
	hub.mu.RLock()
	assert.Empty(t, hub.subs)
	hub.mu.RUnlock()
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, DocFilter{})
	require.NoError(t, err)
	defer cancel()

	// Fill the channel buffer (64) then publish some more.
	// None of these should block.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		err = hub.Publish(ctx, store.Document{
			RunID: "run-1",
			Type:  schema.DocReading,
		})
		require.NoError(t, err)
	}

	// We should be able to drain exactly defaultChannelBuffer documents.
	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			goto done
		}
	}
done:
	assert.Equal(t, defaultChannelBuffer, drained)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const docsPerGoroutine = 50

	var wg sync.WaitGroup

	// Start subscribers
	channels := make([]<-chan store.Document, goroutines)
	cancels := make([]func(), goroutines)
	for i := 0; i < goroutines; i++ {
		ch, cancel, err := hub.Subscribe(ctx, DocFilter{})
		require.NoError(t, err)
		channels[i] = ch
		cancels[i] = cancel
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	// Concurrent publishers
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < docsPerGoroutine; j++ {
				_ = hub.Publish(ctx, store.Document{
					RunID: "run-concurrent",
					Type:  schema.DocReading,
				})
			}
		}()
	}

	// Concurrent subscribers being added/removed
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, DocFilter{})
			if err != nil {
				return
			}
			// drain a few then cancel
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}

	wg.Wait()
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, store.Document{RunID: "run-1", Type: schema.DocReading})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, DocFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

// recordingAppender captures appended documents, optionally failing.
type recordingAppender struct {
	mu   sync.Mutex
	docs []store.Document
	err  error
}

func (a *recordingAppender) AppendDocument(_ context.Context, doc *store.Document) error {
	if a.err != nil {
		return a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	doc.Sequence = int64(len(a.docs) + 1)
	a.docs = append(a.docs, *doc)
	return nil
}

func TestTeePersistsThenPublishes(t *testing.T) {
	hub := NewMemoryHub()
	sink := &recordingAppender{}
	tee := NewTeeAppender(sink, hub)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, DocFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	doc := &store.Document{RunID: "run-1", Type: schema.DocCheckpoint}
	require.NoError(t, tee.AppendDocument(ctx, doc))

	sink.mu.Lock()
	require.Len(t, sink.docs, 1)
	sink.mu.Unlock()

	select {
	case got := <-ch:
		assert.Equal(t, schema.DocCheckpoint, got.Type)
		// Published copy carries the sequence the store assigned.
		assert.Equal(t, int64(1), got.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for document")
	}
}

func TestTeeStoreFailureNotPublished(t *testing.T) {
	hub := NewMemoryHub()
	sink := &recordingAppender{err: errors.New("disk full")}
	tee := NewTeeAppender(sink, hub)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, DocFilter{})
	require.NoError(t, err)
	defer cancel()

	err = tee.AppendDocument(ctx, &store.Document{RunID: "run-1", Type: schema.DocReading})
	require.Error(t, err)

	select {
	case doc := <-ch:
		t.Fatalf("unexpected document after store failure: %+v", doc)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}
