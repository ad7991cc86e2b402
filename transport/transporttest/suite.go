// Package transporttest provides a conformance suite for transport
// implementations.
package transporttest

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
)

// Factory creates a transport for one test. Cleanup is registered by the
// factory through t.Cleanup.
type Factory func(t *testing.T) transport.Transport

// Suite runs a common set of tests against any transport implementation.
type Suite struct {
	// Name identifies the transport implementation being tested.
	Name string

	// New creates a new transport instance.
	New Factory

	// Timeout bounds every wait for discovery or delivery.
	// Default: 5 seconds.
	Timeout time.Duration

	// Skip lists test names to skip for this implementation.
	Skip map[string]string
}

// Run executes the suite.
func (s *Suite) Run(t *testing.T) {
	if s.Timeout == 0 {
		s.Timeout = 5 * time.Second
	}
	tests := []struct {
		name string
		fn   func(t *testing.T, tr transport.Transport)
	}{
		{"SendReceive", s.testSendReceive},
		{"ExplicitTimestamp", s.testExplicitTimestamp},
		{"ZeroCopy", s.testZeroCopy},
		{"Skip", s.testSkip},
		{"SizeContract", s.testSizeContract},
		{"MultipleSubscribers", s.testMultipleSubscribers},
		{"TopicIsolation", s.testTopicIsolation},
		{"NoSubscribers", s.testNoSubscribers},
		{"Unregister", s.testUnregister},
	}

	for _, tt := range tests {
		t.Run(s.Name+"/"+tt.name, func(t *testing.T) {
			if reason, ok := s.Skip[tt.name]; ok {
				t.Skip(reason)
			}
			tt.fn(t, s.New(t))
		})
	}
}

// Received is a copy of a delivered sample.
type Received struct {
	Topic       topic.Topic
	Data        []byte
	Timestamp   int64
	Clock       int64
	PublisherID topic.ID
	BufferID    uint64
}

// Collector records delivered samples.
type Collector struct {
	mu   sync.Mutex
	got  []Received
	recv chan struct{}
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{recv: make(chan struct{}, 1024)}
}

// Receive is a transport.ReceiveFunc.
func (c *Collector) Receive(s *transport.Sample) {
	r := Received{
		Topic:       s.Topic,
		Data:        s.Clone(),
		Timestamp:   s.Timestamp,
		Clock:       s.Clock,
		PublisherID: s.PublisherID,
		BufferID:    s.BufferID,
	}
	c.mu.Lock()
	c.got = append(c.got, r)
	c.mu.Unlock()
	select {
	case c.recv <- struct{}{}:
	default:
	}
}

// Samples returns a copy of everything received so far.
func (c *Collector) Samples() []Received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Received(nil), c.got...)
}

// WaitFor blocks until n samples were received or timeout elapses.
func (c *Collector) WaitFor(t *testing.T, n int, timeout time.Duration) []Received {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if got := c.Samples(); len(got) >= n {
			return got
		}
		select {
		case <-c.recv:
		case <-deadline:
			t.Fatalf("timeout waiting for %d samples, got %d", n, len(c.Samples()))
			return nil
		}
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var rawTopic = topic.DataTypeInfo{Encoding: "raw", TypeName: "bytes"}

func (s *Suite) connect(t *testing.T, tr transport.Transport, name string, subs int) (transport.PublisherHandle, []*Collector) {
	t.Helper()
	tp := topic.Topic{Name: name, DataType: rawTopic}

	collectors := make([]*Collector, subs)
	for i := range collectors {
		collectors[i] = NewCollector()
		sh, err := tr.RegisterSubscriber(tp, collectors[i].Receive)
		if err != nil {
			t.Fatalf("RegisterSubscriber: %v", err)
		}
		t.Cleanup(func() { _ = sh.Unregister() })
	}

	ph, err := tr.RegisterPublisher(tp)
	if err != nil {
		t.Fatalf("RegisterPublisher: %v", err)
	}
	t.Cleanup(func() { _ = ph.Unregister() })

	Eventually(t, s.Timeout, func() bool { return ph.SubscriberCount() >= subs }, "subscriber discovery")
	return ph, collectors
}

func (s *Suite) testSendReceive(t *testing.T, tr transport.Transport) {
	ph, cs := s.connect(t, tr, "suite/send_receive", 1)

	before := time.Now().UnixNano()
	n, err := ph.Publish([]byte("Hello from Go"), transport.Auto)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}

	got := cs[0].WaitFor(t, 1, s.Timeout)[0]
	if string(got.Data) != "Hello from Go" {
		t.Errorf("payload = %q", got.Data)
	}
	if got.Timestamp < before {
		t.Errorf("timestamp %d before send time %d", got.Timestamp, before)
	}
	if got.Clock <= 0 {
		t.Errorf("expected positive clock, got %d", got.Clock)
	}
	if got.PublisherID != ph.ID() {
		t.Errorf("publisher id = %q, want %q", got.PublisherID, ph.ID())
	}
	if got.Topic.Name != "suite/send_receive" || got.Topic.DataType.Encoding != "raw" {
		t.Errorf("unexpected topic %v", got.Topic)
	}

	if _, err := ph.Publish([]byte("second"), transport.Auto); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	all := cs[0].WaitFor(t, 2, s.Timeout)
	if all[1].Clock <= all[0].Clock {
		t.Errorf("clock not increasing: %d then %d", all[0].Clock, all[1].Clock)
	}
	if all[1].Timestamp < all[0].Timestamp {
		t.Errorf("timestamp not monotonic: %d then %d", all[0].Timestamp, all[1].Timestamp)
	}
}

func (s *Suite) testExplicitTimestamp(t *testing.T, tr transport.Transport) {
	ph, cs := s.connect(t, tr, "suite/explicit_ts", 1)

	if _, err := ph.Publish([]byte{1}, transport.Explicit(1234567)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := cs[0].WaitFor(t, 1, s.Timeout)[0]; got.Timestamp != 1234567 {
		t.Errorf("timestamp = %d, want 1234567", got.Timestamp)
	}
}

func (s *Suite) testZeroCopy(t *testing.T, tr transport.Transport) {
	ph, cs := s.connect(t, tr, "suite/zero_copy", 1)

	fill := func(buf []byte, _ bool) bool {
		for i := range buf {
			buf[i] = 0xAA
		}
		return true
	}
	want := bytes.Repeat([]byte{0xAA}, 8)
	for i := range 2 {
		n, err := ph.PublishZeroCopy(8, fill, transport.Auto)
		if err != nil {
			t.Fatalf("PublishZeroCopy: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 delivery, got %d", n)
		}
		// Wait between sends so a polling transport sees both.
		got := cs[0].WaitFor(t, i+1, s.Timeout)
		if !bytes.Equal(got[i].Data, want) {
			t.Errorf("send %d: payload = %x", i, got[i].Data)
		}
	}
}

func (s *Suite) testSkip(t *testing.T, tr transport.Transport) {
	ph, cs := s.connect(t, tr, "suite/skip", 1)

	n, err := ph.PublishZeroCopy(4, func([]byte, bool) bool { return false }, transport.Auto)
	if !errors.Is(err, transport.ErrSkipped) || n != 0 {
		t.Fatalf("expected ErrSkipped and 0 deliveries, got %d, %v", n, err)
	}

	var reused []bool
	fill := func(buf []byte, r bool) bool {
		reused = append(reused, r)
		copy(buf, "next")
		return true
	}
	if _, err := ph.PublishZeroCopy(4, fill, transport.Auto); err != nil {
		t.Fatalf("PublishZeroCopy: %v", err)
	}
	got := cs[0].WaitFor(t, 1, s.Timeout)
	if string(got[0].Data) != "next" {
		t.Errorf("payload = %q", got[0].Data)
	}
	if len(reused) != 1 || reused[0] {
		t.Errorf("expected a full write after a skipped send, got reused=%v", reused)
	}
	time.Sleep(20 * time.Millisecond)
	if len(cs[0].Samples()) != 1 {
		t.Errorf("skipped send was delivered")
	}
}

func (s *Suite) testSizeContract(t *testing.T, tr transport.Transport) {
	ph, cs := s.connect(t, tr, "suite/size", 1)

	sizes := []int{1, 4096, 0, 17}
	for i, size := range sizes {
		var got int
		_, err := ph.PublishZeroCopy(size, func(buf []byte, _ bool) bool {
			got = len(buf)
			for j := range buf {
				buf[j] = byte(j)
			}
			return true
		}, transport.Auto)
		if err != nil {
			t.Fatalf("PublishZeroCopy(%d): %v", size, err)
		}
		if got != size {
			t.Errorf("fill buffer length = %d, want %d", got, size)
		}
		recv := cs[0].WaitFor(t, i+1, s.Timeout)
		if len(recv[i].Data) != size {
			t.Errorf("received length = %d, want %d", len(recv[i].Data), size)
		}
	}
}

func (s *Suite) testMultipleSubscribers(t *testing.T, tr transport.Transport) {
	ph, cs := s.connect(t, tr, "suite/fanout", 3)

	n, err := ph.Publish([]byte("fanout"), transport.Auto)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 deliveries, got %d", n)
	}
	for i, c := range cs {
		if got := c.WaitFor(t, 1, s.Timeout); string(got[0].Data) != "fanout" {
			t.Errorf("subscriber %d: payload = %q", i, got[0].Data)
		}
	}
}

func (s *Suite) testTopicIsolation(t *testing.T, tr transport.Transport) {
	one, c1 := s.connect(t, tr, "suite/topic/one", 1)
	two, c2 := s.connect(t, tr, "suite/topic/two", 1)

	if _, err := one.Publish([]byte("one"), transport.Auto); err != nil {
		t.Fatal(err)
	}
	if _, err := two.Publish([]byte("two"), transport.Auto); err != nil {
		t.Fatal(err)
	}
	if got := c1[0].WaitFor(t, 1, s.Timeout); string(got[0].Data) != "one" {
		t.Errorf("topic one received %q", got[0].Data)
	}
	if got := c2[0].WaitFor(t, 1, s.Timeout); string(got[0].Data) != "two" {
		t.Errorf("topic two received %q", got[0].Data)
	}
	time.Sleep(20 * time.Millisecond)
	if len(c1[0].Samples()) != 1 || len(c2[0].Samples()) != 1 {
		t.Errorf("cross-topic delivery: %d, %d", len(c1[0].Samples()), len(c2[0].Samples()))
	}
}

func (s *Suite) testNoSubscribers(t *testing.T, tr transport.Transport) {
	ph, err := tr.RegisterPublisher(topic.Topic{Name: "suite/nobody", DataType: rawTopic})
	if err != nil {
		t.Fatal(err)
	}
	defer ph.Unregister()

	n, err := ph.Publish([]byte("anyone?"), transport.Auto)
	if err != nil || n != 0 {
		t.Errorf("expected 0 deliveries and no error, got %d, %v", n, err)
	}
	if c := ph.SubscriberCount(); c != 0 {
		t.Errorf("SubscriberCount = %d", c)
	}
}

func (s *Suite) testUnregister(t *testing.T, tr transport.Transport) {
	tp := topic.Topic{Name: "suite/unregister", DataType: rawTopic}
	c := NewCollector()
	sh, err := tr.RegisterSubscriber(tp, c.Receive)
	if err != nil {
		t.Fatal(err)
	}
	ph, err := tr.RegisterPublisher(tp)
	if err != nil {
		t.Fatal(err)
	}
	Eventually(t, s.Timeout, func() bool { return sh.PublisherCount() >= 1 }, "publisher discovery")
	Eventually(t, s.Timeout, func() bool { return ph.SubscriberCount() >= 1 }, "subscriber discovery")

	if err := sh.Unregister(); err != nil {
		t.Fatalf("subscriber Unregister: %v", err)
	}
	if err := sh.Unregister(); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("second Unregister: expected ErrClosed, got %v", err)
	}
	_, _ = ph.Publish([]byte("late"), transport.Auto)
	time.Sleep(50 * time.Millisecond)
	if n := len(c.Samples()); n != 0 {
		t.Errorf("received %d samples after Unregister", n)
	}

	if err := ph.Unregister(); err != nil {
		t.Fatalf("publisher Unregister: %v", err)
	}
	if _, err := ph.Publish([]byte("x"), transport.Auto); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Publish after Unregister: expected ErrClosed, got %v", err)
	}
}
