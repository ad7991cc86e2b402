package nats_test

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/nats"
	"github.com/fxsml/gocal/transport/transporttest"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func newTransport(t *testing.T, url string) *nats.Transport {
	t.Helper()
	tr, err := nats.New(nats.Config{URL: url, AnnounceInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestNatsTransportSuite(t *testing.T) {
	suite := &transporttest.Suite{
		Name: "Nats",
		New: func(t *testing.T) transport.Transport {
			return newTransport(t, runServer(t).ClientURL())
		},
	}
	suite.Run(t)
}

func TestNats_TwoConnections(t *testing.T) {
	ns := runServer(t)
	pubSide := newTransport(t, ns.ClientURL())
	subSide := newTransport(t, ns.ClientURL())
	// Wildcard characters in topic names must stay literal.
	tp := topic.Topic{Name: "orders.>", DataType: topic.DataTypeInfo{Encoding: "json", TypeName: "Order"}}
	other := topic.Topic{Name: "orders.created", DataType: tp.DataType}

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
	oh, err := pubSide.RegisterPublisher(other)
	if err != nil {
		t.Fatal(err)
	}
	defer oh.Unregister()

	transporttest.Eventually(t, 2*time.Second, func() bool { return ph.SubscriberCount() == 1 }, "subscriber discovery")
	if pubSide.ConnectedURL() == "" {
		t.Error("expected a connected server URL")
	}

	if _, err := oh.Publish([]byte(`{"id":2}`), transport.Auto); err != nil {
		t.Fatal(err)
	}
	if _, err := ph.Publish([]byte(`{"id":1}`), transport.Auto); err != nil {
		t.Fatal(err)
	}
	got := c.WaitFor(t, 1, 2*time.Second)
	time.Sleep(50 * time.Millisecond)
	if n := len(c.Samples()); n != 1 || string(got[0].Data) != `{"id":1}` {
		t.Errorf("received %d samples, first %q", n, got[0].Data)
	}
}
