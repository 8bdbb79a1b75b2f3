package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultAckTimeout bounds how long a command waits for its device to
// confirm.
const DefaultAckTimeout = 6 * time.Second

// ErrAckTimeout is returned by [PendingAck.Wait] when the device does
// not confirm in time.
var ErrAckTimeout = errors.New("timed out waiting for device ack")

// ErrAckCancelled is returned by [PendingAck.Wait] after
// [AckTracker.Cancel].
var ErrAckCancelled = errors.New("device ack cancelled")

// Ack is a device confirmation parsed from a status message. Action is
// the status event name (pump_on, irrigation_started, light_off, ...).
type Ack struct {
	Serial    string    `json:"serial"`
	Action    string    `json:"action"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AckTracker matches device acks to callers waiting for them. Waiters
// are keyed by serial and action; a second waiter for the same key
// replaces the first, which then times out.
type AckTracker struct {
	mu      sync.Mutex
	pending map[string]*PendingAck
	logger  *slog.Logger
}

// PendingAck is one registered expectation.
type PendingAck struct {
	key     string
	tracker *AckTracker
	ch      chan Ack
	done    chan struct{}
	once    sync.Once
}

// NewAckTracker creates an empty tracker.
func NewAckTracker(logger *slog.Logger) *AckTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AckTracker{
		pending: make(map[string]*PendingAck),
		logger:  logger,
	}
}

func ackKey(serial, action string) string {
	return serial + ":" + action
}

// Expect registers interest in an ack before the command is published
// so a fast device cannot answer before anyone listens.
func (t *AckTracker) Expect(serial, action string) *PendingAck {
	p := &PendingAck{
		key:     ackKey(serial, action),
		tracker: t,
		ch:      make(chan Ack, 1),
		done:    make(chan struct{}),
	}
	t.mu.Lock()
	if old, ok := t.pending[p.key]; ok {
		old.cancel()
	}
	t.pending[p.key] = p
	t.mu.Unlock()
	t.logger.Debug("waiting for device ack", "key", p.key)
	return p
}

// Wait registers and waits in one step. Use [AckTracker.Expect] when
// the command has not been published yet.
func (t *AckTracker) Wait(ctx context.Context, serial, action string, timeout time.Duration) (Ack, error) {
	return t.Expect(serial, action).Wait(ctx, timeout)
}

// Wait blocks until the ack arrives, the timeout elapses, the
// expectation is cancelled, or ctx is done. A non-positive timeout
// uses [DefaultAckTimeout].
func (p *PendingAck) Wait(ctx context.Context, timeout time.Duration) (Ack, error) {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer p.tracker.remove(p)

	select {
	case ack := <-p.ch:
		return ack, nil
	case <-p.done:
		return Ack{}, fmt.Errorf("%s: %w", p.key, ErrAckCancelled)
	case <-timer.C:
		return Ack{}, fmt.Errorf("%s after %s: %w", p.key, timeout, ErrAckTimeout)
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

func (p *PendingAck) cancel() {
	p.once.Do(func() { close(p.done) })
}

func (t *AckTracker) remove(p *PendingAck) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[p.key] == p {
		delete(t.pending, p.key)
	}
}

// Receive delivers ack to its waiter. It reports false, and logs a
// warning, when nobody is waiting for it.
func (t *AckTracker) Receive(ack Ack) bool {
	key := ackKey(ack.Serial, ack.Action)
	t.mu.Lock()
	p, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("unexpected device ack", "key", key, "success", ack.Success)
		return false
	}
	if ack.Timestamp.IsZero() {
		ack.Timestamp = time.Now()
	}
	p.ch <- ack
	t.logger.Debug("device ack received", "key", key, "success", ack.Success)
	return true
}

// Cancel abandons the waiter for serial and action, if any.
func (t *AckTracker) Cancel(serial, action string) {
	key := ackKey(serial, action)
	t.mu.Lock()
	p, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if ok {
		p.cancel()
		t.logger.Debug("device ack cancelled", "key", key)
	}
}

// Pending returns the number of outstanding waiters.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
