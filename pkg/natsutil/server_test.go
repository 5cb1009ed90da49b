package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func TestConsumeRoundTrip(t *testing.T) {
	nc := startTestNATS(t)

	ch := make(chan testMsg, 1)
	sub, err := Consume(nc, "catalog.test", quiet(), func(_ context.Context, m testMsg) error {
		ch <- m
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "catalog.test", testMsg{Name: "hello", Value: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-ch:
		if got.Name != "hello" || got.Value != 1 {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestConsumeDeadLettersAfterRetries(t *testing.T) {
	nc := startTestNATS(t)

	dlq := make(chan *nats.Msg, 1)
	dsub, err := nc.ChanSubscribe("test.dlq", dlq)
	if err != nil {
		t.Fatal(err)
	}
	defer dsub.Unsubscribe()

	var calls atomic.Int32
	sub, err := Consume(nc, "catalog.fail", quiet(), func(context.Context, testMsg) error {
		calls.Add(1)
		return errors.New("embedder down")
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := Publish(context.Background(), nc, "catalog.fail", testMsg{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-dlq:
		var dl DeadLetter[testMsg]
		if err := json.Unmarshal(m.Data, &dl); err != nil {
			t.Fatal(err)
		}
		if dl.Retries != 3 || dl.Payload.Name != "x" || dl.Error != "embedder down" {
			t.Fatalf("dead letter %+v", dl)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no dead letter")
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("handler ran %d times, want 3", n)
	}
}
