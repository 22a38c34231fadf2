package ws

import (
	"sync"
	"testing"
	"time"
)

type captureClient struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (c *captureClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errSendFailed
	}
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *captureClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *captureClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *captureClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var errSendFailed = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestBroadcastReachesProjectSubscribersOnly(t *testing.T) {
	hub := NewHub(0)
	one := &captureClient{}
	other := &captureClient{}
	hub.Register(1, one)
	hub.Register(2, other)

	hub.Broadcast(1, []byte("stage: installing"))

	waitFor(t, func() bool { return one.count() == 1 })
	if other.count() != 0 {
		t.Fatalf("client for another project received %d payloads", other.count())
	}
}

func TestFailedSendEvictsClient(t *testing.T) {
	hub := NewHub(0)
	broken := &captureClient{fail: true}
	hub.Register(1, broken)

	hub.Broadcast(1, []byte("x"))
	waitFor(t, broken.isClosed)

	// Subsequent broadcasts go nowhere but must not block.
	hub.Broadcast(1, []byte("y"))
	if broken.count() != 0 {
		t.Fatal("evicted client still receiving")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(0)
	client := &captureClient{}
	hub.Register(1, client)
	hub.Broadcast(1, []byte("a"))
	waitFor(t, func() bool { return client.count() == 1 })

	hub.Unregister(1, client)
	hub.Broadcast(1, []byte("b"))

	time.Sleep(20 * time.Millisecond)
	if client.count() != 1 {
		t.Fatalf("expected no delivery after unregister, got %d", client.count())
	}
}
