package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/redis"
	"github.com/fxsml/gocal/transport/transporttest"
)

func newTransport(t *testing.T, addr string) *redis.Transport {
	t.Helper()
	tr, err := redis.New(context.Background(), redis.Config{
		Addr:             addr,
		AnnounceInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestRedisTransportSuite(t *testing.T) {
	suite := &transporttest.Suite{
		Name: "Redis",
		New: func(t *testing.T) transport.Transport {
			return newTransport(t, miniredis.RunT(t).Addr())
		},
	}
	suite.Run(t)
}

func TestRedis_TwoClients(t *testing.T) {
	srv := miniredis.RunT(t)
	pubSide := newTransport(t, srv.Addr())
	subSide := newTransport(t, srv.Addr())
	tp := topic.Topic{Name: "sensors/front", DataType: topic.DataTypeInfo{Encoding: "raw", TypeName: "bytes"}}

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

	transporttest.Eventually(t, 2*time.Second, func() bool { return ph.SubscriberCount() == 1 }, "subscriber discovery")
	transporttest.Eventually(t, 2*time.Second, func() bool { return sh.PublisherCount() == 1 }, "publisher discovery")

	n, err := pubSide.Listeners(context.Background(), tp.Name)
	if err != nil {
		t.Fatalf("Listeners: %v", err)
	}
	if n != 1 {
		t.Errorf("Listeners = %d, want 1", n)
	}

	if _, err := ph.Publish([]byte("via redis"), transport.Auto); err != nil {
		t.Fatal(err)
	}
	if got := c.WaitFor(t, 1, 2*time.Second); string(got[0].Data) != "via redis" {
		t.Errorf("payload = %q", got[0].Data)
	}
}

func TestRedis_ConnectFailure(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, err := redis.New(context.Background(), redis.Config{Addr: addr, ConnectTimeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("expected a connect error")
	}
}
