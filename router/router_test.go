package router

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/wirebus/busmux/message"
)

// syncBuffer guards a bytes.Buffer so a test goroutine can poll the bytes a
// background Send/SendAndGetReply call has written without racing it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}

func mustCall(t *testing.T, serial uint32) *message.Message {
	t.Helper()
	m, err := message.NewMethodCall(message.DBusAddress{
		Path:      "/org/example/Thing",
		Interface: "org.example.Thing",
	}, "DoStuff", "", nil, 0)
	if err != nil {
		t.Fatalf("NewMethodCall: %v", err)
	}
	m.Header.Serial = serial
	m.Header.Sender = ":1.1"
	return m
}

// TestSendAssignsIncrementingSerials pins the serial-allocation invariant:
// starts at 1, increments per send, never emits 0.
func TestSendAssignsIncrementingSerials(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, binary.LittleEndian)
	for i := 0; i < 3; i++ {
		m, err := message.NewSignal("/org/example/Thing", "org.example.Thing", "Ping", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Send(m); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if m.Header.Serial != uint32(i+1) {
			t.Errorf("serial #%d = %d, want %d", i, m.Header.Serial, i+1)
		}
	}
}

// TestSendAndGetReplyMatchesOnSerial exercises the full round trip: a call
// registers a pending slot before the frame is written, and a reply fed
// back through Feed wakes the waiter.
func TestSendAndGetReplyMatchesOnSerial(t *testing.T) {
	buf := &syncBuffer{}
	r := New(buf, binary.LittleEndian)

	done := make(chan struct{})
	var reply *message.Message
	var sendErr error
	go func() {
		call, _ := message.NewMethodCall(message.DBusAddress{
			Path:      "/org/example/Thing",
			Interface: "org.example.Thing",
		}, "DoStuff", "", nil, 0)
		reply, sendErr = r.SendAndGetReply(context.Background(), call, time.Second)
		close(done)
	}()

	// Wait for the call to actually be written before crafting the reply,
	// since the reply's ReplySerial must match the serial Send assigned.
	deadline := time.Now().Add(time.Second)
	var written []byte
	for {
		written = buf.snapshot()
		if len(written) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for outbound frame")
		}
		time.Sleep(time.Millisecond)
	}

	parser := message.NewStreamParser()
	msgs, err := parser.Feed(written)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("parsing outbound call: msgs=%d err=%v", len(msgs), err)
	}
	call := msgs[0]

	retMsg, err := message.NewMethodReturn(call, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	retMsg.Header.Serial = 999
	frame, err := message.Encode(retMsg, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Feed(frame); err != nil {
		t.Fatalf("Feed(reply): %v", err)
	}

	<-done
	if sendErr != nil {
		t.Fatalf("SendAndGetReply: %v", sendErr)
	}
	if reply == nil || reply.Header.ReplySerial != call.Header.Serial {
		t.Fatalf("reply did not match call serial: %+v", reply)
	}
}

// TestUnmatchedReplyGoesToFilters pins the behavior that a method_return
// with no matching pending call is offered to filters instead of discarded.
func TestUnmatchedReplyGoesToFilters(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, binary.LittleEndian)
	f := r.Filter(MatchAll, 4)

	parent := mustCall(t, 42)
	parent.Header.Sender = ":1.9"
	ret, err := message.NewMethodReturn(parent, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	ret.Header.Serial = 1
	frame, err := message.Encode(ret, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Feed(frame); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-f.C():
		if got.Header.ReplySerial != 42 {
			t.Errorf("filter got reply_serial %d, want 42", got.Header.ReplySerial)
		}
	case <-time.After(time.Second):
		t.Fatal("unmatched reply was not delivered to filter")
	}
}

// TestSignalGoesToMatchingFilterOnly pins per-filter predicate matching.
func TestSignalGoesToMatchingFilterOnly(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, binary.LittleEndian)
	wanted := r.Filter(MatchSignal("org.example.Thing"), 4)
	other := r.Filter(MatchSignal("org.example.Other"), 4)

	sig, err := message.NewSignal("/org/example/Thing", "org.example.Thing", "Changed", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	sig.Header.Serial = 7
	frame, err := message.Encode(sig, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Feed(frame); err != nil {
		t.Fatal(err)
	}

	select {
	case <-wanted.C():
	case <-time.After(time.Second):
		t.Fatal("matching filter never received signal")
	}
	select {
	case <-other.C():
		t.Fatal("non-matching filter received signal")
	default:
	}
}

// TestFilterDropsOldestWhenFull pins the bounded, drop-oldest back-pressure
// policy: a filter with buffer size 1 keeps only the newest message.
func TestFilterDropsOldestWhenFull(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, binary.LittleEndian)
	f := r.Filter(MatchAll, 1)

	for i := 1; i <= 3; i++ {
		s, err := message.NewSignal("/org/example/Thing", "org.example.Thing", "Tick", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		s.Header.Serial = uint32(i)
		frame, err := message.Encode(s, binary.LittleEndian)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Feed(frame); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case got := <-f.C():
		if got.Header.Serial != 3 {
			t.Errorf("buffered message has serial %d, want 3 (the newest)", got.Header.Serial)
		}
	default:
		t.Fatal("filter channel is empty")
	}
}

// TestClosePendingCallsFailWithErrClosed pins the shutdown contract: a call
// awaiting reply when Close happens returns ErrClosed rather than hanging.
func TestClosePendingCallsFailWithErrClosed(t *testing.T) {
	buf := &syncBuffer{}
	r := New(buf, binary.LittleEndian)

	errCh := make(chan error, 1)
	go func() {
		call, _ := message.NewMethodCall(message.DBusAddress{
			Path:      "/org/example/Thing",
			Interface: "org.example.Thing",
		}, "DoStuff", "", nil, 0)
		_, err := r.SendAndGetReply(context.Background(), call, 0)
		errCh <- err
	}()

	for len(buf.snapshot()) == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Errorf("SendAndGetReply after Close = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SendAndGetReply never returned after Close")
	}
}

// TestSendAfterCloseFails pins that Send rejects new work once the router
// is closed.
func TestSendAfterCloseFails(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, binary.LittleEndian)
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	sig, err := message.NewSignal("/org/example/Thing", "org.example.Thing", "Changed", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Send(sig); err != ErrClosed {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

// TestBigEndianReplyRoutes pins scenario S5: a big-endian method_return
// with reply_serial=5 completes the waiter registered for serial 5, and the
// pending table no longer holds that slot afterward.
func TestBigEndianReplyRoutes(t *testing.T) {
	buf := &syncBuffer{}
	r := New(buf, binary.BigEndian)

	// Advance the serial counter to 4 with throwaway sends, so the call
	// below lands on serial 5, matching the scenario's literal numbering.
	for i := 0; i < 4; i++ {
		s, err := message.NewSignal("/org/example/Thing", "org.example.Thing", "Tick", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Send(s); err != nil {
			t.Fatal(err)
		}
	}

	baseline := len(buf.snapshot())

	done := make(chan struct{})
	var reply *message.Message
	var sendErr error
	go func() {
		call, _ := message.NewMethodCall(message.DBusAddress{
			Path:      "/org/example/Thing",
			Interface: "org.example.Thing",
		}, "DoStuff", "", nil, 0)
		reply, sendErr = r.SendAndGetReply(context.Background(), call, time.Second)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	var written []byte
	for {
		written = buf.snapshot()
		if len(written) > baseline {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for outbound frame")
		}
		time.Sleep(time.Millisecond)
	}

	parser := message.NewStreamParser()
	msgs, err := parser.Feed(written)
	if err != nil || len(msgs) != 5 {
		t.Fatalf("parsing outbound frames: msgs=%d err=%v", len(msgs), err)
	}
	call := msgs[4]
	if call.Header.Serial != 5 {
		t.Fatalf("fifth frame got serial %d, want 5", call.Header.Serial)
	}

	retMsg, err := message.NewMethodReturn(call, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	retMsg.Header.Serial = 1
	frame, err := message.Encode(retMsg, binary.BigEndian)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Feed(frame); err != nil {
		t.Fatalf("Feed(reply): %v", err)
	}

	<-done
	if sendErr != nil {
		t.Fatalf("SendAndGetReply: %v", sendErr)
	}
	if reply == nil || reply.Header.ReplySerial != call.Header.Serial {
		t.Fatalf("reply did not match call serial: %+v", reply)
	}

	r.mu.Lock()
	_, stillPending := r.pending[call.Header.Serial]
	r.mu.Unlock()
	if stillPending {
		t.Error("pending table still holds the matched serial after reply delivery")
	}
}

// TestTimeoutFailsWaiterThenDropsLateReply pins scenario S6: a call with a
// short timeout fails with ErrTimeout when the peer never replies, and a
// reply that arrives afterward for that same serial is not delivered to the
// (already-removed) waiter: here it is simply unmatched, since no filter
// is registered to claim it.
func TestTimeoutFailsWaiterThenDropsLateReply(t *testing.T) {
	buf := &syncBuffer{}
	r := New(buf, binary.LittleEndian)

	call, err := message.NewMethodCall(message.DBusAddress{
		Path:      "/org/example/Thing",
		Interface: "org.example.Thing",
	}, "DoStuff", "", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.SendAndGetReply(context.Background(), call, 10*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("SendAndGetReply = %v, want ErrTimeout", err)
	}

	r.mu.Lock()
	_, stillPending := r.pending[call.Header.Serial]
	r.mu.Unlock()
	if stillPending {
		t.Error("timed-out serial is still registered in the pending table")
	}

	late, err := message.NewMethodReturn(call, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	late.Header.Serial = 1
	frame, err := message.Encode(late, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	// Feed must not panic or block even though the slot is long gone; the
	// reply is simply treated as unmatched.
	if err := r.Feed(frame); err != nil {
		t.Fatalf("Feed(late reply): %v", err)
	}
}

// TestFilterCloseRemovesSubscription pins that a closed filter stops
// receiving further deliveries and its channel is closed.
func TestFilterCloseRemovesSubscription(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, binary.LittleEndian)
	f := r.Filter(MatchAll, 4)
	f.Close()

	if _, ok := <-f.C(); ok {
		t.Error("closed filter's channel yielded a value")
	}

	sig, err := message.NewSignal("/org/example/Thing", "org.example.Thing", "Changed", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	sig.Header.Serial = 1
	frame, err := message.Encode(sig, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Feed(frame); err != nil {
		t.Fatal(err)
	}
}

// TestHelloStoresUniqueName pins the bootstrap contract against a synthetic
// Hello reply.
func TestHelloStoresUniqueName(t *testing.T) {
	buf := &syncBuffer{}
	r := New(buf, binary.LittleEndian)

	done := make(chan error, 1)
	go func() {
		done <- r.Hello(context.Background(), time.Second)
	}()

	var written []byte
	for {
		written = buf.snapshot()
		if len(written) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	parser := message.NewStreamParser()
	msgs, err := parser.Feed(written)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("parsing Hello call: msgs=%d err=%v", len(msgs), err)
	}
	ret, err := message.NewMethodReturn(msgs[0], "s", []interface{}{":1.42"})
	if err != nil {
		t.Fatal(err)
	}
	ret.Header.Serial = 1
	frame, err := message.Encode(ret, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Feed(frame); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if got := r.UniqueName(); got != ":1.42" {
		t.Errorf("UniqueName() = %q, want :1.42", got)
	}
}
