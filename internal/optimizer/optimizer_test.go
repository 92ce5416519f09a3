package optimizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tkaplan/relay-optimizer/internal/batch"
	"github.com/tkaplan/relay-optimizer/internal/cache"
	"github.com/tkaplan/relay-optimizer/internal/model"
	"github.com/tkaplan/relay-optimizer/internal/pool"
)

// fakeHandle satisfies pool.Handle.
type fakeHandle struct{}

func (fakeHandle) Close() error { return nil }

func fakeFactory(context.Context, string, string) (pool.Handle, error) {
	return fakeHandle{}, nil
}

// recordingDispatcher collects envelopes.
type recordingDispatcher struct {
	mu        sync.Mutex
	envelopes []model.Envelope
}

func (d *recordingDispatcher) Dispatch(_ context.Context, env model.Envelope) error {
	d.mu.Lock()
	d.envelopes = append(d.envelopes, env)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.envelopes)
}

func testConfig() Config {
	return Config{
		Batch: batch.Config{
			MaxSize:        10,
			MaxWait:        time.Hour,
			MaxRetries:     0,
			RetryBaseDelay: time.Millisecond,
		},
		Cache: cache.Config{TTL: time.Minute, MaxEntries: 100},
		Pool:  pool.Config{MaxSize: 10, IdleTimeout: time.Minute},
	}
}

func newTestOptimizer(t *testing.T, d batch.Dispatcher) *Optimizer {
	t.Helper()
	opt, err := New(testConfig(), d, fakeFactory)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return opt
}

func TestOptimizeMessage_Routing(t *testing.T) {
	d := &recordingDispatcher{}
	opt := newTestOptimizer(t, d)
	defer opt.Shutdown(context.Background())

	ctx := context.Background()

	// Critical bypasses and comes back unchanged.
	errMsg := model.Message{Type: "error", Payload: []byte(`{"code":1}`)}
	got, err := opt.OptimizeMessage(ctx, errMsg, "c1")
	if err != nil {
		t.Fatalf("OptimizeMessage error: %v", err)
	}
	if got == nil || got.Type != "error" || string(got.Payload) != `{"code":1}` {
		t.Errorf("bypassed message altered: %+v", got)
	}

	// Low tier is queued; caller gets nil and must not send.
	low := model.Message{Type: "consciousness_stream"}
	got, err = opt.OptimizeMessage(ctx, low, "c1")
	if err != nil {
		t.Fatalf("OptimizeMessage error: %v", err)
	}
	if got != nil {
		t.Errorf("low-tier message returned %+v, want nil", got)
	}
	if n := opt.PendingBatch("c1"); n != 1 {
		t.Errorf("PendingBatch(c1) = %d, want 1", n)
	}

	// Normal tier is returned for immediate send, never queued.
	normal := model.Message{Type: "chat_message"}
	got, err = opt.OptimizeMessage(ctx, normal, "c1")
	if err != nil {
		t.Fatalf("OptimizeMessage error: %v", err)
	}
	if got == nil {
		t.Error("normal-tier message not returned")
	}
	if n := opt.PendingBatch("c1"); n != 1 {
		t.Errorf("PendingBatch(c1) = %d after normal message, want 1", n)
	}
}

func TestOptimizer_BypassSkipsPendingBatch(t *testing.T) {
	// A bypassed message overtakes a queued-but-unflushed batch for the
	// same destination. That reordering is the accepted tradeoff.
	d := &recordingDispatcher{}
	opt := newTestOptimizer(t, d)
	defer opt.Shutdown(context.Background())

	ctx := context.Background()
	opt.OptimizeMessage(ctx, model.Message{Type: "status_update"}, "c1")

	got, _ := opt.OptimizeMessage(ctx, model.Message{Type: "error"}, "c1")
	if got == nil {
		t.Fatal("bypass message not returned")
	}
	if d.count() != 0 {
		t.Error("queued batch flushed early")
	}
	if n := opt.PendingBatch("c1"); n != 1 {
		t.Errorf("PendingBatch(c1) = %d, want still 1", n)
	}
}

func TestOptimizer_ShutdownIdempotent(t *testing.T) {
	d := &recordingDispatcher{}
	opt := newTestOptimizer(t, d)

	ctx := context.Background()
	opt.OptimizeMessage(ctx, model.Message{Type: "status_update"}, "c1")
	opt.Connection(ctx, "c1", "websocket")

	if err := opt.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown error: %v", err)
	}
	if err := opt.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown error: %v", err)
	}

	// Drain flushed exactly once.
	if d.count() != 1 {
		t.Errorf("dispatched %d envelopes, want 1", d.count())
	}

	// Events channel is closed.
	select {
	case _, ok := <-opt.Events():
		if ok {
			t.Error("unexpected event after shutdown")
		}
	case <-time.After(time.Second):
		t.Error("events channel not closed")
	}
}

func TestOptimizer_DropEmitsEvent(t *testing.T) {
	failing := batch.DispatcherFunc(func(context.Context, model.Envelope) error {
		return errors.New("transport down")
	})

	cfg := testConfig()
	cfg.Batch.MaxSize = 1
	cfg.Batch.MaxRetries = 1

	opt, err := New(cfg, failing, fakeFactory)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer opt.Shutdown(context.Background())

	opt.OptimizeMessage(context.Background(), model.Message{Type: "status_update"}, "c1")

	select {
	case ev := <-opt.Events():
		if ev.Kind != EventBatchDropped {
			t.Errorf("event kind = %s, want %s", ev.Kind, EventBatchDropped)
		}
		if ev.DestinationID != "c1" {
			t.Errorf("event destination = %s, want c1", ev.DestinationID)
		}
		if !errors.Is(ev.Err, batch.ErrDispatchFailed) {
			t.Errorf("event error = %v, want ErrDispatchFailed", ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drop event")
	}
}

func TestOptimizer_CachePrimitives(t *testing.T) {
	d := &recordingDispatcher{}
	opt := newTestOptimizer(t, d)
	defer opt.Shutdown(context.Background())

	opt.CacheResponse("hello", "world")

	v, ok := opt.CachedResponse("hello")
	if !ok || v != "world" {
		t.Errorf("CachedResponse(hello) = %v/%v, want world/true", v, ok)
	}
	if _, ok := opt.CachedResponse("missing"); ok {
		t.Error("CachedResponse(missing) hit, want miss")
	}
}

func TestOptimizer_ConnectionPrimitives(t *testing.T) {
	d := &recordingDispatcher{}
	opt := newTestOptimizer(t, d)
	defer opt.Shutdown(context.Background())

	ctx := context.Background()
	c1, err := opt.Connection(ctx, "c1", "websocket")
	if err != nil {
		t.Fatalf("Connection error: %v", err)
	}
	c2, _ := opt.Connection(ctx, "c1", "websocket")
	if c2.UseCount != 2 {
		t.Errorf("UseCount = %d, want 2", c2.UseCount)
	}
	if c1.Handle != c2.Handle {
		t.Error("expected the same handle on reuse")
	}
	opt.ReleaseConnection("c1", "websocket")
}

func TestOptimizer_MetricsSnapshot(t *testing.T) {
	d := &recordingDispatcher{}
	opt := newTestOptimizer(t, d)
	defer opt.Shutdown(context.Background())

	ctx := context.Background()
	opt.OptimizeMessage(ctx, model.Message{Type: "error"}, "c1")
	opt.OptimizeMessage(ctx, model.Message{Type: "status_update"}, "c1")
	opt.CacheResponse("k", "v")
	opt.CachedResponse("k")
	opt.RecordResponseLatency(10 * time.Millisecond)

	snap := opt.Metrics()
	if snap.MessagesProcessed != 2 {
		t.Errorf("MessagesProcessed = %d, want 2", snap.MessagesProcessed)
	}
	if snap.ActiveBatches != 1 {
		t.Errorf("ActiveBatches = %d, want 1", snap.ActiveBatches)
	}
	if snap.CacheSize != 1 {
		t.Errorf("CacheSize = %d, want 1", snap.CacheSize)
	}
	if snap.CacheHitRate != 1 {
		t.Errorf("CacheHitRate = %v, want 1", snap.CacheHitRate)
	}
	if snap.AverageResponseTime != 10*time.Millisecond {
		t.Errorf("AverageResponseTime = %v, want 10ms", snap.AverageResponseTime)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(testConfig(), nil, fakeFactory); err == nil {
		t.Error("expected error for nil dispatcher")
	}
	if _, err := New(testConfig(), &recordingDispatcher{}, nil); err == nil {
		t.Error("expected error for nil factory")
	}
}
