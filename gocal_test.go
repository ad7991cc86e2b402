package gocal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fxsml/gocal/codec"
	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/memory"
)

// newRuntime returns a runtime whose sends wait for delivery, so callbacks
// have run when Send returns.
func newRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	tr := memory.New(memory.Config{AcknowledgeTimeout: 2 * time.Second})
	opts = append([]Option{WithTransport(tr)}, opts...)
	rt, err := Initialize(context.Background(), t.Name(), opts...)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = rt.Finalize() })
	return rt
}

type pose struct {
	Frame string  `json:"frame"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Seq   int     `json:"seq"`
}

type collector[T any] struct {
	mu  sync.Mutex
	got []ReceivedMessage[T]
}

func (c *collector[T]) receive(m ReceivedMessage[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, m)
}

func (c *collector[T]) messages() []ReceivedMessage[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ReceivedMessage[T](nil), c.got...)
}

func TestHello(t *testing.T) {
	rt := newRuntime(t)

	sub, err := NewSubscriber(rt, "hello", codec.String())
	if err != nil {
		t.Fatal(err)
	}
	c := &collector[string]{}
	sub.SetCallback(c.receive)

	pub, err := NewPublisher(rt, "hello", codec.String())
	if err != nil {
		t.Fatal(err)
	}
	if pub.SubscriberCount() != 1 || sub.PublisherCount() != 1 {
		t.Fatalf("expected matched endpoints, got %d/%d", pub.SubscriberCount(), sub.PublisherCount())
	}

	for i := range 3 {
		res, err := pub.Send(fmt.Sprintf("Hello from Go %d", i), Auto)
		if err != nil {
			t.Fatal(err)
		}
		if res.Delivered != 1 || res.Skipped {
			t.Errorf("unexpected result %+v", res)
		}
	}

	got := c.messages()
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	var last int64
	for i, m := range got {
		if m.Payload != fmt.Sprintf("Hello from Go %d", i) {
			t.Errorf("payload = %q", m.Payload)
		}
		md := m.Metadata
		if md.TopicName != "hello" || md.Encoding != "utf-8" || md.TypeName != "string" {
			t.Errorf("unexpected metadata %+v", md)
		}
		if md.Timestamp <= 0 || md.Timestamp < last {
			t.Errorf("timestamp %d not positive and monotonic (previous %d)", md.Timestamp, last)
		}
		last = md.Timestamp
		if md.PublisherID != pub.ID() {
			t.Errorf("publisher id = %q, want %q", md.PublisherID, pub.ID())
		}
	}
}

func TestSend_ExplicitTimestamp(t *testing.T) {
	rt := newRuntime(t)
	sub, _ := NewSubscriber(rt, "ts", codec.String())
	c := &collector[string]{}
	sub.SetCallback(c.receive)
	pub, _ := NewPublisher(rt, "ts", codec.String())

	if _, err := pub.Send("x", Explicit(42)); err != nil {
		t.Fatal(err)
	}
	if got := c.messages(); len(got) != 1 || got[0].Metadata.Timestamp != 42 {
		t.Errorf("unexpected messages %+v", got)
	}
}

type fillWriter struct {
	size  int
	value byte
	sizes []int
}

func (w *fillWriter) Size() int { return w.size }

func (w *fillWriter) WriteFull(buf []byte) bool {
	w.sizes = append(w.sizes, len(buf))
	for i := range buf {
		buf[i] = w.value
	}
	return true
}

func TestSendPayloadWriter(t *testing.T) {
	rt := newRuntime(t)
	sub, _ := NewSubscriber(rt, "blob", codec.Bytes())
	var got [][]byte
	sub.SetCallback(func(m ReceivedMessage[[]byte]) {
		got = append(got, bytes.Clone(m.Payload))
	})
	pub, _ := NewPublisher(rt, "blob", codec.Bytes())

	w := &fillWriter{size: 8, value: 0xAA}
	for range 2 {
		res, err := pub.SendPayloadWriter(w, Auto)
		if err != nil {
			t.Fatal(err)
		}
		if res.Delivered != 1 {
			t.Errorf("expected 1 delivery, got %+v", res)
		}
	}
	want := bytes.Repeat([]byte{0xAA}, 8)
	if len(got) != 2 || !bytes.Equal(got[0], want) || !bytes.Equal(got[1], want) {
		t.Errorf("unexpected payloads %x", got)
	}
}

func TestSendPayloadWriter_SizeContract(t *testing.T) {
	rt := newRuntime(t)
	pub, _ := NewPublisher(rt, "size", codec.Bytes())

	w := &fillWriter{value: 1}
	for _, size := range []int{0, 1, 8, 4096, 1 << 20, 3} {
		w.size = size
		if _, err := pub.SendPayloadWriter(w, Auto); err != nil {
			t.Fatal(err)
		}
		if got := w.sizes[len(w.sizes)-1]; got != size {
			t.Errorf("buffer length = %d, want %d", got, size)
		}
	}
}

// counterWriter writes a 16-byte frame: a repeated fill byte and a counter
// in the last byte. Its modified path only patches the counter.
type counterWriter struct {
	counter  byte
	full     int
	modified int
}

func (w *counterWriter) Size() int { return 16 }

func (w *counterWriter) WriteFull(buf []byte) bool {
	w.full++
	w.counter++
	for i := range buf {
		buf[i] = '*'
	}
	buf[len(buf)-1] = w.counter
	return true
}

func (w *counterWriter) WriteModified(buf []byte) bool {
	w.modified++
	w.counter++
	buf[len(buf)-1] = w.counter
	return true
}

func TestModifiedWriter_MatchesFullWriter(t *testing.T) {
	run := func(w PayloadWriter) [][]byte {
		rt := newRuntime(t)
		sub, _ := NewRawSubscriber(rt, "modified", topic.DataTypeInfo{})
		var got [][]byte
		sub.SetCallback(func(s *Sample) { got = append(got, s.Clone()) })
		pub, _ := NewRawPublisher(rt, "modified", topic.DataTypeInfo{})
		for range 5 {
			if _, err := pub.SendPayloadWriter(w, Auto); err != nil {
				t.Fatal(err)
			}
		}
		return got
	}

	modified := &counterWriter{}
	full := &counterWriter{}
	a := run(modified)
	b := run(FullOnly(full))

	if len(a) != 5 || len(b) != 5 {
		t.Fatalf("expected 5 payloads each, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Errorf("payload %d differs: %x vs %x", i, a[i], b[i])
		}
	}
	if modified.full != 1 || modified.modified != 4 {
		t.Errorf("modified writer: %d full, %d modified writes", modified.full, modified.modified)
	}
	if full.full != 5 || full.modified != 0 {
		t.Errorf("full-only writer: %d full, %d modified writes", full.full, full.modified)
	}
}

type decliningWriter struct{ calls int }

func (w *decliningWriter) Size() int { return 16 }

func (w *decliningWriter) WriteFull([]byte) bool {
	w.calls++
	return false
}

func TestSendPayloadWriter_Skip(t *testing.T) {
	rt := newRuntime(t)
	sub, _ := NewRawSubscriber(rt, "skip", topic.DataTypeInfo{})
	received := 0
	sub.SetCallback(func(*Sample) { received++ })
	pub, _ := NewRawPublisher(rt, "skip", topic.DataTypeInfo{})

	res, err := pub.SendPayloadWriter(&decliningWriter{}, Auto)
	if err != nil {
		t.Fatalf("skip must not be an error: %v", err)
	}
	if !res.Skipped || res.Delivered != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if received != 0 {
		t.Errorf("skipped send delivered %d buffers", received)
	}

	// After a failed write the next write is full.
	w := &counterWriter{}
	if _, err := pub.SendPayloadWriter(w, Auto); err != nil {
		t.Fatal(err)
	}
	if w.full != 1 || w.modified != 0 {
		t.Errorf("expected a full write, got %d full %d modified", w.full, w.modified)
	}
}

// panickingWriter panics in the method named by in.
type panickingWriter struct {
	in string
}

func (w panickingWriter) Size() int {
	if w.in == "Size" {
		panic("writer failed")
	}
	return 1
}

func (w panickingWriter) WriteFull([]byte) bool {
	if w.in == "WriteFull" {
		panic("writer failed")
	}
	return true
}

func (w panickingWriter) WriteModified([]byte) bool {
	if w.in == "WriteModified" {
		panic("writer failed")
	}
	return true
}

func TestSendPayloadWriter_Panic(t *testing.T) {
	for _, method := range []string{"Size", "WriteFull", "WriteModified"} {
		t.Run(method, func(t *testing.T) {
			rt := newRuntime(t)
			pub, _ := NewRawPublisher(rt, "panic", topic.DataTypeInfo{})
			w := panickingWriter{in: method}
			if method == "WriteModified" {
				// A successful full write makes the next one a modification.
				if _, err := pub.SendPayloadWriter(panickingWriter{}, Auto); err != nil {
					t.Fatal(err)
				}
			}

			_, err := pub.SendPayloadWriter(w, Auto)
			var re *RecoveryError
			if !errors.As(err, &re) || re.PanicValue != "writer failed" {
				t.Fatalf("expected RecoveryError, got %v", err)
			}
			if _, err := pub.Send([]byte("ok"), Auto); err != nil {
				t.Errorf("publisher unusable after writer panic: %v", err)
			}
		})
	}
}

func TestSubscriber_DropsUndecodableBuffers(t *testing.T) {
	var mu sync.Mutex
	var dropped []error
	rt := newRuntime(t, WithDecodeErrorHandler(func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		dropped = append(dropped, err)
	}))

	c := codec.JSON[pose]()
	sub, _ := NewSubscriber(rt, "pose", c)
	col := &collector[pose]{}
	sub.SetCallback(col.receive)

	raw, _ := NewRawPublisher(rt, "pose", c.DataType())
	pub, _ := NewPublisher(rt, "pose", c)

	valid, _ := c.Encode(pose{Frame: "map", X: 1, Y: 2, Seq: 1})
	if _, err := raw.Send(valid[:len(valid)/2], Auto); err != nil {
		t.Fatal(err)
	}
	if n := len(col.messages()); n != 0 {
		t.Fatalf("callback invoked for corrupt buffer: %d", n)
	}

	if _, err := pub.Send(pose{Frame: "map", Seq: 2}, Auto); err != nil {
		t.Fatal(err)
	}
	got := col.messages()
	if len(got) != 1 || got[0].Payload.Seq != 2 {
		t.Errorf("expected later delivery to continue, got %+v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || !errors.Is(dropped[0], codec.ErrDecoding) {
		t.Errorf("expected one decode error, got %v", dropped)
	}
}

func TestSubscriber_CallbackPanic(t *testing.T) {
	var reported error
	rt := newRuntime(t, WithDecodeErrorHandler(func(_ string, err error) { reported = err }))

	sub, _ := NewSubscriber(rt, "boom", codec.String())
	calls := 0
	sub.SetCallback(func(m ReceivedMessage[string]) {
		calls++
		if m.Payload == "panic" {
			panic("callback failed")
		}
	})
	pub, _ := NewPublisher(rt, "boom", codec.String())

	_, _ = pub.Send("panic", Auto)
	_, _ = pub.Send("fine", Auto)

	if calls != 2 {
		t.Errorf("expected delivery to continue after panic, got %d calls", calls)
	}
	var re *RecoveryError
	if !errors.As(reported, &re) {
		t.Errorf("expected RecoveryError to be reported, got %v", reported)
	}
}

func TestSubscriber_SetCallbackReplaces(t *testing.T) {
	rt := newRuntime(t)
	sub, _ := NewSubscriber(rt, "replace", codec.String())
	pub, _ := NewPublisher(rt, "replace", codec.String())

	first, second := 0, 0
	sub.SetCallback(func(ReceivedMessage[string]) { first++ })
	sub.SetCallback(func(ReceivedMessage[string]) { second++ })
	_, _ = pub.Send("x", Auto)
	if first != 0 || second != 1 {
		t.Errorf("expected only the replacement callback, got %d/%d", first, second)
	}

	sub.RemoveCallback()
	_, _ = pub.Send("y", Auto)
	if second != 1 {
		t.Errorf("callback invoked after RemoveCallback")
	}
}

func TestConcurrentSends(t *testing.T) {
	rt := newRuntime(t)
	c := codec.JSON[pose]()
	sub, _ := NewSubscriber(rt, "concurrent", c)

	var mu sync.Mutex
	seen := map[string]int{}
	sub.SetCallback(func(m ReceivedMessage[pose]) {
		mu.Lock()
		seen[m.Payload.Frame]++
		mu.Unlock()
	})
	pub, _ := NewPublisher(rt, "concurrent", c)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				if _, err := pub.Send(pose{Frame: fmt.Sprintf("writer-%d", w), Seq: i}, Auto); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for frame, n := range seen {
		var w int
		if _, err := fmt.Sscanf(frame, "writer-%d", &w); err != nil || w < 0 || w > 3 {
			t.Errorf("unexpected frame %q", frame)
		}
		total += n
	}
	if total == 0 {
		t.Error("no messages delivered")
	}
}

func TestEncodeFailure(t *testing.T) {
	rt := newRuntime(t)
	c := codec.JSON[map[string]any]()
	sub, _ := NewSubscriber(rt, "encode", c)
	received := 0
	sub.SetCallback(func(ReceivedMessage[map[string]any]) { received++ })
	pub, _ := NewPublisher(rt, "encode", c)

	_, err := pub.Send(map[string]any{"ch": make(chan int)}, Auto)
	if !errors.Is(err, codec.ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
	if received != 0 {
		t.Error("encoding failure published a buffer")
	}
}

func TestClose(t *testing.T) {
	rt := newRuntime(t)
	pub, _ := NewPublisher(rt, "close", codec.String())
	sub, _ := NewSubscriber(rt, "close", codec.String())

	if err := pub.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := pub.Send("late", Auto); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Send after Close: expected ErrInvalidState, got %v", err)
	}
	if _, err := pub.SendPayloadWriter(&fillWriter{size: 1}, Auto); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SendPayloadWriter after Close: expected ErrInvalidState, got %v", err)
	}
	if err := pub.Close(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Close: expected ErrInvalidState, got %v", err)
	}

	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second subscriber Close: expected ErrInvalidState, got %v", err)
	}
	if rt.HandleCount() != 0 {
		t.Errorf("expected no tracked handles, got %d", rt.HandleCount())
	}
}

func TestSubscriberClose_WaitsForCallback(t *testing.T) {
	rt, err := Initialize(context.Background(), "wait")
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Finalize()

	sub, _ := NewSubscriber(rt, "wait", codec.String())
	started := make(chan struct{})
	var mu sync.Mutex
	done := false
	sub.SetCallback(func(ReceivedMessage[string]) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		done = true
		mu.Unlock()
	})
	pub, _ := NewPublisher(rt, "wait", codec.String())
	if _, err := pub.Send("x", Auto); err != nil {
		t.Fatal(err)
	}

	<-started
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !done {
		t.Error("Close returned while the callback was running")
	}
}

func TestRawSample_Borrowed(t *testing.T) {
	rt := newRuntime(t)
	sub, _ := NewRawSubscriber(rt, "borrow", topic.DataTypeInfo{})
	var kept *Sample
	var clone []byte
	sub.SetCallback(func(s *Sample) {
		kept = s
		clone = s.Clone()
	})
	pub, _ := NewRawPublisher(rt, "borrow", topic.DataTypeInfo{})
	if _, err := pub.Send([]byte("borrowed"), Auto); err != nil {
		t.Fatal(err)
	}

	if string(clone) != "borrowed" {
		t.Errorf("clone = %q", clone)
	}
	defer func() {
		r := recover()
		if err, ok := r.(error); !ok || !errors.Is(err, transport.ErrBufferExpired) {
			t.Errorf("expected ErrBufferExpired panic, got %v", r)
		}
	}()
	_ = kept.Bytes()
}

func TestInitErrors(t *testing.T) {
	rt := newRuntime(t)

	tests := []struct {
		name  string
		topic string
	}{
		{"empty", ""},
		{"whitespace", "hello world"},
		{"control", "hello\x00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPublisher(rt, tt.topic, codec.String())
			var ie *InitError
			if !errors.As(err, &ie) || !errors.Is(err, ErrInit) || !errors.Is(err, topic.ErrInvalidName) {
				t.Errorf("expected InitError wrapping ErrInvalidName, got %v", err)
			}
		})
	}

	if err := rt.Finalize(); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSubscriber(rt, "late", codec.String()); !errors.Is(err, ErrInit) || !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrInit after Finalize, got %v", err)
	}
}

func TestFinalize_ClosesHandles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, err := Initialize(ctx, "finalize")
	if err != nil {
		t.Fatal(err)
	}
	pub, _ := NewPublisher(rt, "finalize", codec.String())
	sub, _ := NewSubscriber(rt, "finalize", codec.String())
	if rt.HandleCount() != 2 {
		t.Fatalf("expected 2 tracked handles, got %d", rt.HandleCount())
	}
	if !rt.Ok() {
		t.Fatal("expected runtime to be ok")
	}

	if err := rt.Finalize(); err != nil {
		t.Fatal(err)
	}
	if rt.Ok() || rt.Context().Err() == nil {
		t.Error("expected runtime to be done")
	}
	if _, err := pub.Send("x", Auto); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := sub.Close(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := rt.Finalize(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("second Finalize: expected ErrNotInitialized, got %v", err)
	}
}

func TestRuntime_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt, err := Initialize(ctx, "cancel")
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Finalize()

	cancel()
	if rt.Ok() {
		t.Error("expected Ok to be false after cancel")
	}
	if _, err := NewPublisher(rt, "cancel", codec.String()); !errors.Is(err, ErrInit) {
		t.Errorf("expected ErrInit, got %v", err)
	}

	if _, err := Initialize(ctx, "canceled"); !errors.Is(err, ErrInit) {
		t.Errorf("expected ErrInit for canceled context, got %v", err)
	}
}

func TestIncompatibleTopics(t *testing.T) {
	rt := newRuntime(t)
	sub, _ := NewSubscriber(rt, "mixed", codec.JSON[pose]())
	received := 0
	sub.SetCallback(func(ReceivedMessage[pose]) { received++ })
	pub, _ := NewPublisher(rt, "mixed", codec.String())

	res, err := pub.Send("not a pose", Auto)
	if err != nil {
		t.Fatal(err)
	}
	if res.Delivered != 0 || received != 0 {
		t.Errorf("incompatible endpoints exchanged data: %+v, %d", res, received)
	}
}
