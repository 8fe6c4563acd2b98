// Package devicelink owns the serial connection to a microcontroller. It
// frames outbound commands as newline-delimited JSON, correlates inbound
// responses to pending requests by id, and surfaces everything else as
// telemetry.
package devicelink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arducord/arducord/internal/protocol"
)

var (
	ErrNotConnected   = errors.New("device not connected")
	ErrCommandTimeout = errors.New("command timed out")
)

// DefaultTimeout is the bridge-to-device response deadline.
const DefaultTimeout = 5 * time.Second

type outcome struct {
	resp protocol.DeviceResponse
	err  error
}

// Link is a single device connection. One Link owns one transport at a time;
// connecting a new transport closes the previous one first.
type Link struct {
	mu           sync.Mutex
	transport    io.ReadWriteCloser
	pending      map[string]chan outcome
	lastActivity time.Time

	timeout   time.Duration
	telemetry func(protocol.DeviceResponse)
	rawLine   func(string)
}

// Option configures a Link.
type Option func(*Link)

// WithTimeout overrides the response deadline.
func WithTimeout(d time.Duration) Option {
	return func(l *Link) { l.timeout = d }
}

// WithTelemetry receives unsolicited device frames (status, readings pushed
// without a pending request).
func WithTelemetry(fn func(protocol.DeviceResponse)) Option {
	return func(l *Link) { l.telemetry = fn }
}

// WithRawLines receives device output that is not JSON, passed through
// verbatim.
func WithRawLines(fn func(string)) Option {
	return func(l *Link) { l.rawLine = fn }
}

// New creates a Link with no transport attached.
func New(opts ...Option) *Link {
	l := &Link{
		pending: make(map[string]chan outcome),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect attaches a transport, failing any requests pending on the previous
// one and closing it.
func (l *Link) Connect(transport io.ReadWriteCloser) {
	l.mu.Lock()
	prev := l.transport
	l.transport = transport
	stale := l.pending
	l.pending = make(map[string]chan outcome)
	l.mu.Unlock()

	for _, ch := range stale {
		ch <- outcome{err: ErrNotConnected}
	}
	if prev != nil {
		prev.Close()
	}

	go l.readLoop(transport)
}

// Connected reports whether a transport is attached.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transport != nil
}

// LastActivity returns the time of the last successful exchange.
func (l *Link) LastActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActivity
}

// Close detaches and closes the transport and fails all pending requests.
func (l *Link) Close() error {
	l.mu.Lock()
	transport := l.transport
	l.transport = nil
	stale := l.pending
	l.pending = make(map[string]chan outcome)
	l.mu.Unlock()

	for _, ch := range stale {
		ch <- outcome{err: ErrNotConnected}
	}
	if transport != nil {
		return transport.Close()
	}
	return nil
}

// Send writes one command line and, when expectResponse is set, waits for the
// correlated response or the deadline. With expectResponse false it returns
// as soon as the write succeeds.
func (l *Link) Send(ctx context.Context, command string, params map[string]any, expectResponse bool) (protocol.DeviceResponse, error) {
	l.mu.Lock()
	transport := l.transport
	if transport == nil {
		l.mu.Unlock()
		return protocol.DeviceResponse{}, ErrNotConnected
	}

	id := uuid.NewString()
	var ch chan outcome
	if expectResponse {
		ch = make(chan outcome, 1)
		l.pending[id] = ch
	}
	l.mu.Unlock()

	req := protocol.DeviceRequest{
		ID:        id,
		Command:   command,
		Params:    params,
		Timestamp: protocol.NowMillis(),
	}
	line, err := json.Marshal(req)
	if err != nil {
		l.forget(id)
		return protocol.DeviceResponse{}, fmt.Errorf("encode request: %w", err)
	}

	if _, err := transport.Write(append(line, '\n')); err != nil {
		l.forget(id)
		return protocol.DeviceResponse{}, fmt.Errorf("%w: write failed: %v", ErrNotConnected, err)
	}

	if !expectResponse {
		l.touch()
		return protocol.DeviceResponse{}, nil
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return l.finish(out)
	case <-ctx.Done():
		l.forget(id)
		return protocol.DeviceResponse{}, ctx.Err()
	case <-timer.C:
		l.mu.Lock()
		_, still := l.pending[id]
		delete(l.pending, id)
		l.mu.Unlock()
		if still {
			return protocol.DeviceResponse{}, ErrCommandTimeout
		}
		// The resolver won the race against the deadline; its outcome is
		// already buffered.
		return l.finish(<-ch)
	}
}

func (l *Link) finish(out outcome) (protocol.DeviceResponse, error) {
	if out.err != nil {
		return protocol.DeviceResponse{}, out.err
	}
	l.touch()
	if out.resp.Success != nil && !*out.resp.Success {
		return out.resp, fmt.Errorf("device error: %s", out.resp.Message)
	}
	return out.resp, nil
}

// PendingCount reports outstanding requests, for health reporting.
func (l *Link) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Link) forget(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func (l *Link) touch() {
	l.mu.Lock()
	l.lastActivity = time.Now().UTC()
	l.mu.Unlock()
}

// resolve delivers a correlated response to its waiter. Each id resolves at
// most once: the entry is removed before the send, so a duplicate or late
// response finds nothing.
func (l *Link) resolve(resp protocol.DeviceResponse) bool {
	l.mu.Lock()
	ch, ok := l.pending[resp.ID]
	if ok {
		delete(l.pending, resp.ID)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	ch <- outcome{resp: resp}
	return true
}

func (l *Link) readLoop(transport io.ReadWriteCloser) {
	scanner := bufio.NewScanner(transport)
	scanner.Buffer(make([]byte, 0, 1024), 64*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp protocol.DeviceResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			// Non-JSON device output passes through untouched.
			if l.rawLine != nil {
				l.rawLine(line)
			}
			continue
		}

		if resp.Resolved() {
			if !l.resolve(resp) {
				log.Printf("[devicelink] dropping unmatched response id=%s", resp.ID)
			}
			continue
		}

		l.touch()
		if l.telemetry != nil {
			l.telemetry(resp)
		}
	}

	// Transport is gone. Only tear down state if it has not already been
	// replaced by a reconnect.
	l.mu.Lock()
	if l.transport != transport {
		l.mu.Unlock()
		return
	}
	l.transport = nil
	stale := l.pending
	l.pending = make(map[string]chan outcome)
	l.mu.Unlock()

	for _, ch := range stale {
		ch <- outcome{err: ErrNotConnected}
	}
	log.Printf("[devicelink] transport closed, %d pending requests failed", len(stale))
}
