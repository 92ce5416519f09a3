package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tkaplan/relay-optimizer/internal/model"
	"github.com/tkaplan/relay-optimizer/internal/pool"
)

// fakeSource hands out a fixed connection and records releases.
type fakeSource struct {
	conn *pool.Conn

	mu       sync.Mutex
	releases int
}

func (s *fakeSource) Connection(context.Context, string, string) (*pool.Conn, error) {
	return s.conn, nil
}

func (s *fakeSource) ReleaseConnection(string, string) {
	s.mu.Lock()
	s.releases++
	s.mu.Unlock()
}

func (s *fakeSource) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// notAClient satisfies pool.Handle with the wrong concrete type.
type notAClient struct{}

func (notAClient) Close() error { return nil }

func dispatchEnvelope() model.Envelope {
	return model.Envelope{
		ID:            uuid.New(),
		DestinationID: "c1",
		Messages:      []model.Message{{Type: "status_update"}},
		Reason:        model.FlushSize,
	}
}

func TestDispatch_Unbound(t *testing.T) {
	d := NewDispatcher(nil)

	if err := d.Dispatch(context.Background(), dispatchEnvelope()); err == nil {
		t.Error("expected error from unbound dispatcher")
	}
}

func TestDispatch_WrongHandleType(t *testing.T) {
	d := NewDispatcher(nil)
	d.Bind(&fakeSource{conn: &pool.Conn{ID: "c1", Handle: notAClient{}}})

	if err := d.Dispatch(context.Background(), dispatchEnvelope()); err == nil {
		t.Error("expected error for non-websocket handle")
	}
}

func TestDispatch_SendsAndReleases(t *testing.T) {
	srv := newMockWSServer(t)

	client, err := Dial(context.Background(), testClientConfig(srv.wsURL()), "c1", "websocket", nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer client.Close()

	source := &fakeSource{conn: &pool.Conn{ID: "c1", Type: "websocket", Handle: client}}
	d := NewDispatcher(nil)
	d.Bind(source)

	tap := make(chan model.Envelope, 1)
	d.Tap(tap)

	env := dispatchEnvelope()
	if err := d.Dispatch(context.Background(), env); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	select {
	case data := <-srv.received:
		var got model.Envelope
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("frame not a valid envelope: %v", err)
		}
		if got.ID != env.ID || got.DestinationID != "c1" {
			t.Errorf("delivered envelope = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("server received no frame")
	}

	if source.releaseCount() != 1 {
		t.Errorf("releases = %d, want 1", source.releaseCount())
	}

	select {
	case tapped := <-tap:
		if tapped.ID != env.ID {
			t.Errorf("tapped envelope = %s, want %s", tapped.ID, env.ID)
		}
	default:
		t.Error("dispatched envelope not mirrored to tap")
	}
}

func TestDispatch_FullTapDoesNotBlock(t *testing.T) {
	srv := newMockWSServer(t)

	client, err := Dial(context.Background(), testClientConfig(srv.wsURL()), "c1", "websocket", nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer client.Close()

	d := NewDispatcher(nil)
	d.Bind(&fakeSource{conn: &pool.Conn{ID: "c1", Handle: client}})

	tap := make(chan model.Envelope, 1)
	tap <- dispatchEnvelope() // already full
	d.Tap(tap)

	if err := d.Dispatch(context.Background(), dispatchEnvelope()); err != nil {
		t.Fatalf("Dispatch with full tap error: %v", err)
	}
}
