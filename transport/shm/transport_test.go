//go:build linux || darwin

package shm_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/internal/frame"
	"github.com/fxsml/gocal/transport/shm"
	"github.com/fxsml/gocal/transport/transporttest"
)

func testConfig(dir string) shm.Config {
	return shm.Config{
		Dir:               dir,
		MinCapacity:       64,
		PollInterval:      time.Millisecond,
		DiscoveryInterval: 10 * time.Millisecond,
	}
}

func newTransport(t *testing.T, cfg shm.Config) *shm.Transport {
	t.Helper()
	tr, err := shm.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestShmTransportSuite(t *testing.T) {
	suite := &transporttest.Suite{
		Name: "Shm",
		New: func(t *testing.T) transport.Transport {
			return newTransport(t, testConfig(t.TempDir()))
		},
	}
	suite.Run(t)
}

func TestShmTransportSuite_MultiBuffer(t *testing.T) {
	suite := &transporttest.Suite{
		Name: "ShmMultiBuffer",
		New: func(t *testing.T) transport.Transport {
			cfg := testConfig(t.TempDir())
			cfg.BufferCount = 3
			cfg.AcknowledgeTimeout = time.Second
			return newTransport(t, cfg)
		},
	}
	suite.Run(t)
}

var raw = topic.DataTypeInfo{Encoding: "raw", TypeName: "bytes"}

// Two transports on one directory behave like two processes.
func TestShm_CrossTransport(t *testing.T) {
	dir := t.TempDir()
	pubSide := newTransport(t, testConfig(dir))
	subSide := newTransport(t, testConfig(dir))
	tp := topic.Topic{Name: "cross/hello", DataType: raw}

	c := transporttest.NewCollector()
	sh, err := subSide.RegisterSubscriber(tp, c.Receive)
	if err != nil {
		t.Fatal(err)
	}
	defer sh.Unregister()
	ph, err := pubSide.RegisterPublisher(tp)
	if err != nil {
		t.Fatal(err)
	}
	defer ph.Unregister()

	transporttest.Eventually(t, time.Second, func() bool { return sh.PublisherCount() == 1 }, "publisher discovery")
	transporttest.Eventually(t, time.Second, func() bool { return ph.SubscriberCount() == 1 }, "subscriber discovery")

	if _, err := ph.Publish([]byte("across"), transport.Auto); err != nil {
		t.Fatal(err)
	}
	got := c.WaitFor(t, 1, time.Second)
	if string(got[0].Data) != "across" || got[0].PublisherID != ph.ID() {
		t.Errorf("received %+v", got[0])
	}
}

func TestPublishZeroCopy_Reuse(t *testing.T) {
	tr := newTransport(t, testConfig(t.TempDir()))
	ph, err := tr.RegisterPublisher(topic.Topic{Name: "reuse", DataType: raw})
	if err != nil {
		t.Fatal(err)
	}

	var reused []bool
	fill := func(buf []byte, r bool) bool {
		reused = append(reused, r)
		return true
	}
	for _, size := range []int{8, 8, 16, 16} {
		if _, err := ph.PublishZeroCopy(size, fill, transport.Auto); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := ph.PublishZeroCopy(16, func([]byte, bool) bool { return false }, transport.Auto); !errors.Is(err, transport.ErrSkipped) {
		t.Fatalf("expected ErrSkipped, got %v", err)
	}
	if _, err := ph.PublishZeroCopy(16, fill, transport.Auto); err != nil {
		t.Fatal(err)
	}

	want := []bool{false, true, false, true, false}
	if len(reused) != len(want) {
		t.Fatalf("fill called %d times, want %d", len(reused), len(want))
	}
	for i := range want {
		if reused[i] != want[i] {
			t.Errorf("send %d: reused = %v, want %v", i, reused[i], want[i])
		}
	}
}

func TestPublishZeroCopy_PanicInvalidatesBuffer(t *testing.T) {
	tr := newTransport(t, testConfig(t.TempDir()))
	ph, err := tr.RegisterPublisher(topic.Topic{Name: "panic", DataType: raw})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ph.Publish([]byte("ok"), transport.Auto); err != nil {
		t.Fatal(err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the fill panic to propagate")
			}
		}()
		_, _ = ph.PublishZeroCopy(2, func([]byte, bool) bool { panic("boom") }, transport.Auto)
	}()

	var reused bool
	if _, err := ph.PublishZeroCopy(2, func(_ []byte, r bool) bool { reused = r; return true }, transport.Auto); err != nil {
		t.Fatal(err)
	}
	if reused {
		t.Error("expected a full write after a panicking fill")
	}
}

func TestShm_GrowsBeyondMinCapacity(t *testing.T) {
	tr := newTransport(t, testConfig(t.TempDir()))
	tp := topic.Topic{Name: "grow", DataType: raw}
	c := transporttest.NewCollector()
	sh, err := tr.RegisterSubscriber(tp, c.Receive)
	if err != nil {
		t.Fatal(err)
	}
	defer sh.Unregister()
	ph, err := tr.RegisterPublisher(tp)
	if err != nil {
		t.Fatal(err)
	}
	defer ph.Unregister()
	transporttest.Eventually(t, time.Second, func() bool { return sh.PublisherCount() == 1 }, "publisher discovery")

	small := []byte("small")
	large := bytes.Repeat([]byte{0x5A}, 10_000)
	if _, err := ph.Publish(small, transport.Auto); err != nil {
		t.Fatal(err)
	}
	c.WaitFor(t, 1, time.Second)
	if _, err := ph.Publish(large, transport.Auto); err != nil {
		t.Fatal(err)
	}
	got := c.WaitFor(t, 2, time.Second)
	if !bytes.Equal(got[1].Data, large) {
		t.Errorf("large payload corrupted (%d bytes)", len(got[1].Data))
	}
	if got[0].BufferID == got[1].BufferID {
		t.Errorf("expected a new buffer id after growing, got %d twice", got[0].BufferID)
	}
}

func TestShm_IncompatibleDataType(t *testing.T) {
	tr := newTransport(t, testConfig(t.TempDir()))
	c := transporttest.NewCollector()
	sh, err := tr.RegisterSubscriber(topic.Topic{Name: "typed", DataType: topic.DataTypeInfo{Encoding: "json", TypeName: "A"}}, c.Receive)
	if err != nil {
		t.Fatal(err)
	}
	defer sh.Unregister()
	ph, err := tr.RegisterPublisher(topic.Topic{Name: "typed", DataType: topic.DataTypeInfo{Encoding: "json", TypeName: "B"}})
	if err != nil {
		t.Fatal(err)
	}
	defer ph.Unregister()

	time.Sleep(30 * time.Millisecond)
	if n, err := ph.Publish([]byte("{}"), transport.Auto); err != nil || n != 0 {
		t.Errorf("expected 0 deliveries, got %d, %v", n, err)
	}
	time.Sleep(30 * time.Millisecond)
	if sh.PublisherCount() != 0 || len(c.Samples()) != 0 {
		t.Errorf("incompatible publisher matched: count %d, samples %d", sh.PublisherCount(), len(c.Samples()))
	}
}

func TestShm_RemovesStaleRegistrations(t *testing.T) {
	cfg := testConfig(t.TempDir())
	tp := topic.Topic{Name: "stale", DataType: raw}
	dir := filepath.Join(cfg.Dir, "gocal", "t_stale")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	data, err := frame.EncodeRegistration(frame.Registration{ID: "dead", Topic: tp, Publisher: true, Buffers: 1, PID: 1})
	if err != nil {
		t.Fatal(err)
	}
	reg := filepath.Join(dir, "pub_dead.reg")
	mem := filepath.Join(dir, "pub_dead_0.mem")
	for _, path := range []string{reg, mem} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	tr := newTransport(t, cfg)
	sh, err := tr.RegisterSubscriber(tp, func(*transport.Sample) {})
	if err != nil {
		t.Fatal(err)
	}
	defer sh.Unregister()

	if n := sh.PublisherCount(); n != 0 {
		t.Errorf("PublisherCount = %d, want 0", n)
	}
	for _, path := range []string{reg, mem} {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s not removed: %v", filepath.Base(path), err)
		}
	}
}

func TestShm_Close(t *testing.T) {
	tr, err := shm.New(testConfig(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	ph, err := tr.RegisterPublisher(topic.Topic{Name: "close", DataType: raw})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("second Close: expected ErrClosed, got %v", err)
	}
	if _, err := ph.Publish([]byte("x"), transport.Auto); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Publish after Close: expected ErrClosed, got %v", err)
	}
	if _, err := tr.RegisterPublisher(topic.Topic{Name: "close"}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("RegisterPublisher after Close: expected ErrClosed, got %v", err)
	}
}

// A peer scribbling over a memfile header must not take down the
// subscriber; later valid writes are still delivered.
func TestShm_CorruptHeaderIsSkipped(t *testing.T) {
	tests := []struct {
		name   string
		offset int64
		value  uint64
	}{
		{"size beyond mapping", 24, 1 << 30},
		{"size beyond capacity", 24, 65},
		{"capacity beyond file", 32, 1 << 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			tr := newTransport(t, cfg)
			tp := topic.Topic{Name: "corrupt", DataType: raw}
			c := transporttest.NewCollector()
			sh, err := tr.RegisterSubscriber(tp, c.Receive)
			if err != nil {
				t.Fatal(err)
			}
			defer sh.Unregister()
			ph, err := tr.RegisterPublisher(tp)
			if err != nil {
				t.Fatal(err)
			}
			defer ph.Unregister()
			transporttest.Eventually(t, time.Second, func() bool { return sh.PublisherCount() == 1 }, "publisher discovery")

			if _, err := ph.Publish([]byte("ok"), transport.Auto); err != nil {
				t.Fatal(err)
			}
			c.WaitFor(t, 1, time.Second)

			path := filepath.Join(cfg.Dir, "gocal", "t_corrupt", "pub_"+string(ph.ID())+"_0.mem")
			f, err := os.OpenFile(path, os.O_RDWR, 0)
			if err != nil {
				t.Fatal(err)
			}
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], tt.value)
			_, err = f.WriteAt(b[:], tt.offset)
			if err == nil {
				binary.LittleEndian.PutUint64(b[:], 99)
				_, err = f.WriteAt(b[:], 16)
			}
			f.Close()
			if err != nil {
				t.Fatal(err)
			}
			time.Sleep(20 * time.Millisecond)
			if n := len(c.Samples()); n != 1 {
				t.Fatalf("corrupt buffer delivered: %d samples", n)
			}

			// Restore a sane capacity so the publisher can write again.
			if tt.offset == 32 {
				f, err := os.OpenFile(path, os.O_RDWR, 0)
				if err != nil {
					t.Fatal(err)
				}
				binary.LittleEndian.PutUint64(b[:], 64)
				_, err = f.WriteAt(b[:], 32)
				f.Close()
				if err != nil {
					t.Fatal(err)
				}
			}
			if _, err := ph.Publish([]byte("later"), transport.Auto); err != nil {
				t.Fatal(err)
			}
			got := c.WaitFor(t, 2, time.Second)
			if string(got[1].Data) != "later" {
				t.Errorf("received %q after corruption", got[1].Data)
			}
		})
	}
}
