package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type blockingSubscriber struct {
	release chan struct{}
	sent    chan struct{}
}

func (b *blockingSubscriber) Send([]byte) error {
	select {
	case b.sent <- struct{}{}:
	default:
	}
	<-b.release
	return nil
}

func (b *blockingSubscriber) Close() {}

type recordingSubscriber struct {
	mu      sync.Mutex
	got     [][]byte
	failing bool
	closed  bool
}

func (r *recordingSubscriber) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("broken pipe")
	}
	r.got = append(r.got, p)
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSubscriber) messages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubRoutesByTopic(t *testing.T) {
	h := NewHub()
	defer h.Stop()

	mine := &recordingSubscriber{}
	other := &recordingSubscriber{}
	h.Register(Topic("u1", "acme/web"), mine)
	h.Register(Topic("u2", "acme/web"), other)

	h.Broadcast(Topic("u1", "acme/web"), []byte(`{"step":"enable_api"}`))
	waitFor(t, func() bool { return mine.messages() == 1 })
	if other.messages() != 0 {
		t.Fatalf("expected other user to receive nothing")
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	h := NewHub()
	defer h.Stop()

	bad := &recordingSubscriber{failing: true}
	h.Register("t", bad)
	h.Broadcast("t", []byte("x"))
	waitFor(t, func() bool { return h.Subscribers() == 0 })
	bad.mu.Lock()
	defer bad.mu.Unlock()
	if !bad.closed {
		t.Fatalf("expected failing subscriber to be closed")
	}
}

func TestHubBroadcastDoesNotWaitForSlowSubscriber(t *testing.T) {
	h := NewHub()
	defer h.Stop()

	slow := &blockingSubscriber{release: make(chan struct{}), sent: make(chan struct{}, 1)}
	fast := &recordingSubscriber{}
	h.Register("t", slow)
	h.Register("t", fast)
	defer close(slow.release)

	h.Broadcast("t", []byte("first"))
	select {
	case <-slow.sent:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected slow subscriber to receive the first event")
	}
	waitFor(t, func() bool { return fast.messages() == 1 })

	total := clientBuffer + 10
	finished := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			h.Broadcast("t", []byte("x"))
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected broadcast to return while a subscriber is stuck")
	}
	waitFor(t, func() bool { return h.Dropped() > 0 })
	waitFor(t, func() bool { return fast.messages() > 1 })
}

func TestHubStopClosesSubscribers(t *testing.T) {
	h := NewHub()
	sub := &recordingSubscriber{}
	h.Register("t", sub)
	if n := h.Subscribers(); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	h.Stop()
	waitFor(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.closed
	})
	h.Broadcast("t", []byte("ignored"))
	if h.Subscribers() != 0 {
		t.Fatalf("expected stopped hub to report no subscribers")
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := c.Send([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "id: 1\ndata: {\"a\":1}\n\n") || !strings.Contains(body, ": ping\n\n") {
		t.Fatalf("unexpected stream %q", body)
	}
	c.Close()
	if err := c.Send([]byte("x")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}
