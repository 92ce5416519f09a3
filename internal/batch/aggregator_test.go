package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tkaplan/relay-optimizer/internal/model"
)

// recordingDispatcher collects envelopes and signals each dispatch.
type recordingDispatcher struct {
	mu        sync.Mutex
	envelopes []model.Envelope
	notify    chan model.Envelope
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{notify: make(chan model.Envelope, 16)}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, env model.Envelope) error {
	d.mu.Lock()
	d.envelopes = append(d.envelopes, env)
	d.mu.Unlock()
	d.notify <- env
	return nil
}

func (d *recordingDispatcher) all() []model.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Envelope, len(d.envelopes))
	copy(out, d.envelopes)
	return out
}

func waitEnvelope(t *testing.T, d *recordingDispatcher) model.Envelope {
	t.Helper()
	select {
	case env := <-d.notify:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return model.Envelope{}
	}
}

func msg(i int) model.Message {
	return model.Message{
		Type:          "status_update",
		Payload:       []byte(fmt.Sprintf(`{"seq":%d}`, i)),
		DestinationID: "d1",
	}
}

func TestAggregator_SizeFlush(t *testing.T) {
	// 15 adds at max size 10 must produce exactly two envelopes of
	// sizes 10 and 5, the second on drain.
	d := newRecordingDispatcher()
	cfg := Config{MaxSize: 10, MaxWait: time.Hour, MaxRetries: 0, RetryBaseDelay: time.Millisecond}
	a := NewAggregator(cfg, d, nil)

	for i := 0; i < 15; i++ {
		if err := a.Add("d1", msg(i)); err != nil {
			t.Fatalf("Add(%d) error: %v", i, err)
		}
	}

	first := waitEnvelope(t, d)
	if first.Size() != 10 {
		t.Errorf("first envelope size = %d, want 10", first.Size())
	}
	if first.Reason != model.FlushSize {
		t.Errorf("first envelope reason = %s, want %s", first.Reason, model.FlushSize)
	}
	if got := a.Pending("d1"); got != 5 {
		t.Errorf("Pending(d1) = %d, want 5", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	second := waitEnvelope(t, d)
	if second.Size() != 5 {
		t.Errorf("second envelope size = %d, want 5", second.Size())
	}
	if second.Reason != model.FlushShutdown {
		t.Errorf("second envelope reason = %s, want %s", second.Reason, model.FlushShutdown)
	}
	if len(d.all()) != 2 {
		t.Errorf("dispatched %d envelopes, want 2", len(d.all()))
	}
}

func TestAggregator_FIFOWithinEnvelope(t *testing.T) {
	d := newRecordingDispatcher()
	cfg := Config{MaxSize: 5, MaxWait: time.Hour, MaxRetries: 0, RetryBaseDelay: time.Millisecond}
	a := NewAggregator(cfg, d, nil)

	for i := 0; i < 5; i++ {
		a.Add("d1", msg(i))
	}

	env := waitEnvelope(t, d)
	for i, m := range env.Messages {
		want := fmt.Sprintf(`{"seq":%d}`, i)
		if string(m.Payload) != want {
			t.Errorf("message %d payload = %s, want %s", i, m.Payload, want)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Close(ctx)
}

func TestAggregator_TimerFlush(t *testing.T) {
	mock := clock.NewMock()
	d := newRecordingDispatcher()
	cfg := Config{MaxSize: 10, MaxWait: 100 * time.Millisecond, MaxRetries: 0, RetryBaseDelay: time.Millisecond}
	a := NewAggregator(cfg, d, nil, WithClock(mock))

	a.Add("d1", msg(0))
	a.Add("d1", msg(1))

	if got := a.ActiveBatches(); got != 1 {
		t.Fatalf("ActiveBatches = %d, want 1", got)
	}

	mock.Add(100 * time.Millisecond)

	env := waitEnvelope(t, d)
	if env.Size() != 2 {
		t.Errorf("envelope size = %d, want 2", env.Size())
	}
	if env.Reason != model.FlushTimer {
		t.Errorf("envelope reason = %s, want %s", env.Reason, model.FlushTimer)
	}
	if got := a.ActiveBatches(); got != 0 {
		t.Errorf("ActiveBatches after flush = %d, want 0", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Close(ctx)
}

func TestAggregator_IndependentDestinations(t *testing.T) {
	d := newRecordingDispatcher()
	cfg := Config{MaxSize: 2, MaxWait: time.Hour, MaxRetries: 0, RetryBaseDelay: time.Millisecond}
	a := NewAggregator(cfg, d, nil)

	a.Add("d1", msg(0))
	a.Add("d2", msg(1))
	a.Add("d1", msg(2)) // flushes d1

	env := waitEnvelope(t, d)
	if env.DestinationID != "d1" {
		t.Errorf("flushed destination = %s, want d1", env.DestinationID)
	}
	if got := a.Pending("d2"); got != 1 {
		t.Errorf("Pending(d2) = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Close(ctx)
}

func TestAggregator_RetryThenDrop(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	failing := DispatcherFunc(func(context.Context, model.Envelope) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("transport down")
	})

	dropped := make(chan error, 1)
	cfg := Config{MaxSize: 1, MaxWait: time.Hour, MaxRetries: 2, RetryBaseDelay: time.Millisecond}
	a := NewAggregator(cfg, failing, nil, WithDropFunc(func(_ model.Envelope, err error) {
		dropped <- err
	}))

	a.Add("d1", msg(0))

	select {
	case err := <-dropped:
		if !errors.Is(err, ErrDispatchFailed) {
			t.Errorf("drop error = %v, want ErrDispatchFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drop")
	}

	mu.Lock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
	mu.Unlock()

	stats := a.Stats()
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
	if stats.Flushed != 0 {
		t.Errorf("Flushed = %d, want 0", stats.Flushed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Close(ctx)
}

func TestAggregator_CloseWaitsForInFlightDispatch(t *testing.T) {
	// A batch detached by a size flush must be covered by Close's wait
	// even when Close runs before the dispatch goroutine is scheduled.
	started := make(chan struct{})
	release := make(chan struct{})
	d := newRecordingDispatcher()
	blocking := DispatcherFunc(func(ctx context.Context, env model.Envelope) error {
		close(started)
		<-release
		return d.Dispatch(ctx, env)
	})

	cfg := Config{MaxSize: 1, MaxWait: time.Hour, MaxRetries: 0, RetryBaseDelay: time.Millisecond}
	a := NewAggregator(cfg, blocking, nil)

	a.Add("d1", msg(0))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never started")
	}

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		closed <- a.Close(ctx)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a dispatch was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after dispatch finished")
	}

	if len(d.all()) != 1 {
		t.Errorf("dispatched %d envelopes, want 1", len(d.all()))
	}
}

func TestAggregator_CloseIdempotent(t *testing.T) {
	d := newRecordingDispatcher()
	cfg := Config{MaxSize: 10, MaxWait: time.Hour, MaxRetries: 0, RetryBaseDelay: time.Millisecond}
	a := NewAggregator(cfg, d, nil)

	a.Add("d1", msg(0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Close(ctx); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	waitEnvelope(t, d)

	if err := a.Close(ctx); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
	if len(d.all()) != 1 {
		t.Errorf("dispatched %d envelopes after double close, want 1", len(d.all()))
	}
}

func TestAggregator_AddAfterClose(t *testing.T) {
	d := newRecordingDispatcher()
	a := NewAggregator(DefaultConfig(), d, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Close(ctx)

	if err := a.Add("d1", msg(0)); !errors.Is(err, ErrClosed) {
		t.Errorf("Add after close = %v, want ErrClosed", err)
	}
}
