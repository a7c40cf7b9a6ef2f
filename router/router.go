// Package router implements the connection mediator: it multiplexes
// concurrently-issued method calls, routes replies to their waiter, and
// dispatches signals and incoming calls to subscribed filters, all over a
// single full-duplex byte stream. It is the only concurrent package in this
// module (every other package is synchronous and I/O-free).
//
// Router does not own a socket. The caller drives inbound bytes into Feed
// (typically from a goroutine reading a net.Conn) and supplies an io.Writer
// for outbound bytes; this keeps concrete transport I/O a collaborator
// outside the module, per design.
package router

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/wirebus/busmux/message"
	"github.com/wirebus/busmux/metrics"
)

// Predicate decides whether a filter wants to receive m.
type Predicate func(m *message.Message) bool

// State is the router's lifecycle state.
type State int32

// Router lifecycle states.
const (
	StateRunning State = iota
	StateClosing
	StateClosed
)

// Errors returned by Router operations.
var (
	ErrClosed  = errors.New("dbus: router is closed")
	ErrTimeout = errors.New("dbus: timed out waiting for reply")
)

// Router is the concurrent mediator described in package doc.
type Router struct {
	order  binary.ByteOrder
	writer io.Writer

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	serial     uint32
	pending    map[uint32]chan *message.Message
	filters    []*Filter
	uniqueName string

	parser   *message.StreamParser
	closedCh chan struct{}
}

// New returns a Router that writes outbound frames to w in the given byte
// order and expects Feed to be driven by the caller's reader loop.
func New(w io.Writer, order binary.ByteOrder) *Router {
	return &Router{
		order:    order,
		writer:   w,
		pending:  make(map[uint32]chan *message.Message),
		parser:   message.NewStreamParser(),
		closedCh: make(chan struct{}),
	}
}

// State reports the router's current lifecycle state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// UniqueName returns the bus name assigned by Hello, or "" before Hello
// completes.
func (r *Router) UniqueName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uniqueName
}

func (r *Router) allocSerialLocked() uint32 {
	r.serial++
	if r.serial == 0 {
		r.serial = 1
	}
	return r.serial
}

// Send assigns the next serial, writes m to the stream, and returns. It
// does not wait for a reply.
func (r *Router) Send(m *message.Message) error {
	_, err := r.dispatchSend(m, false)
	return err
}

// SendAndGetReply assigns the next serial, registers a one-shot reply slot
// for it before writing, then waits for the matching method_return/error,
// the context to be cancelled, timeout to fire (if positive), or the router
// to close, whichever comes first.
func (r *Router) SendAndGetReply(ctx context.Context, m *message.Message, timeout time.Duration) (*message.Message, error) {
	ch, err := r.dispatchSend(m, true)
	if err != nil {
		return nil, err
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-timeoutC:
		r.removePending(m.Header.Serial)
		metrics.CallTimeoutsCounter.Inc()
		return nil, ErrTimeout
	case <-ctx.Done():
		r.removePending(m.Header.Serial)
		return nil, ctx.Err()
	case <-r.closedCh:
		return nil, ErrClosed
	}
}

// dispatchSend allocates a serial, optionally registers a pending-reply
// slot (before writing, so the reader can never observe a reply whose slot
// is missing), encodes m, and writes it, all under the single-writer lock.
// Serial allocation happens inside that same critical section, not before
// it, so that two concurrent callers can never acquire serials in one order
// and then hit the wire in the other.
func (r *Router) dispatchSend(m *message.Message, wantReply bool) (chan *message.Message, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	m.Header.Serial = r.allocSerialLocked()
	var ch chan *message.Message
	if wantReply {
		ch = make(chan *message.Message, 1)
		r.pending[m.Header.Serial] = ch
		metrics.PendingCallsGauge.Set(float64(len(r.pending)))
	}
	r.mu.Unlock()

	buf, err := message.Encode(m, r.order)
	if err != nil {
		if wantReply {
			r.removePending(m.Header.Serial)
		}
		return nil, err
	}

	if _, err := r.writer.Write(buf); err != nil {
		if wantReply {
			r.removePending(m.Header.Serial)
		}
		return nil, err
	}
	metrics.CallsSentCounter.WithLabelValues(fmt.Sprint(wantReply)).Inc()
	return ch, nil
}

func (r *Router) removePending(serial uint32) {
	r.mu.Lock()
	delete(r.pending, serial)
	metrics.PendingCallsGauge.Set(float64(len(r.pending)))
	r.mu.Unlock()
}

// Feed hands newly-arrived inbound bytes to the streaming message parser
// and dispatches every whole frame it yields. A non-nil error is fatal: the
// caller should stop feeding this Router and Close it.
func (r *Router) Feed(b []byte) error {
	msgs, err := r.parser.Feed(b)
	for _, m := range msgs {
		// Re-encode to learn this frame's own wire size; len(b) is the size
		// of the input chunk, which may hold several frames or a fragment
		// of one, so it is not a usable per-frame observation.
		if frame, encErr := message.Encode(m, r.order); encErr == nil {
			metrics.FramesParsedHistogram.Observe(float64(len(frame)))
		}
		r.dispatch(m)
	}
	if err != nil {
		metrics.FrameParseErrorsCounter.WithLabelValues("frame").Inc()
	}
	return err
}

// dispatch implements the reader-side routing: replies matching a pending
// call complete that call's waiter; everything else (signals, unmatched
// replies, and incoming method calls) is offered to active filters. The
// router never auto-replies to an unmatched call: it writes nothing here.
func (r *Router) dispatch(m *message.Message) {
	if m.Header.Type == message.TypeMethodReturn || m.Header.Type == message.TypeError {
		if m.Header.ReplySerial != 0 {
			r.mu.Lock()
			ch, ok := r.pending[m.Header.ReplySerial]
			if ok {
				delete(r.pending, m.Header.ReplySerial)
			}
			metrics.PendingCallsGauge.Set(float64(len(r.pending)))
			r.mu.Unlock()
			if ok {
				metrics.RepliesMatchedCounter.Inc()
				ch <- m
				return
			}
			metrics.RepliesUnmatchedCounter.Inc()
		}
	}
	r.dispatchToFilters(m)
}

func (r *Router) dispatchToFilters(m *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.filters {
		if !f.predicate(m) {
			continue
		}
		select {
		case f.ch <- m:
			metrics.FilterDeliveredCounter.Inc()
			continue
		default:
		}
		// Bounded sink is full: drop the oldest buffered message for this
		// filter rather than stall the reader. Back-pressure is per-filter,
		// never global.
		select {
		case <-f.ch:
		default:
		}
		select {
		case f.ch <- m:
			metrics.FilterDeliveredCounter.Inc()
		default:
		}
		metrics.FilterDroppedCounter.Inc()
	}
}

// Hello issues the bus Hello() call and stores the returned unique name.
// Operations that need the unique name should wait for this to return.
func (r *Router) Hello(ctx context.Context, timeout time.Duration) error {
	call, err := message.NewMethodCall(message.DBusAddress{
		Path:      "/org/freedesktop/DBus",
		BusName:   "org.freedesktop.DBus",
		Interface: "org.freedesktop.DBus",
	}, "Hello", "", nil, 0)
	if err != nil {
		return err
	}
	reply, err := r.SendAndGetReply(ctx, call, timeout)
	if err != nil {
		return err
	}
	if reply.Header.Type == message.TypeError {
		return fmt.Errorf("dbus: Hello failed: %v", reply.Body)
	}
	if len(reply.Body) != 1 {
		return errors.New("dbus: Hello reply has unexpected body shape")
	}
	name, ok := reply.Body[0].(string)
	if !ok {
		return errors.New("dbus: Hello reply body is not a string")
	}
	r.mu.Lock()
	r.uniqueName = name
	r.state = StateRunning
	r.mu.Unlock()
	return nil
}

// Close shuts the router down: every pending reply slot is failed (its
// waiter observes closedCh and returns ErrClosed), every filter is
// cancelled, and Send/SendAndGetReply begin returning ErrClosed. Feed keeps
// parsing input after Close but has no pending slot or filter left to
// deliver it to. Close is terminal and idempotent.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = StateClosing
	filters := r.filters
	r.filters = nil
	r.pending = make(map[uint32]chan *message.Message)
	r.state = StateClosed
	r.mu.Unlock()

	for _, f := range filters {
		close(f.ch)
	}
	close(r.closedCh)
	return nil
}
