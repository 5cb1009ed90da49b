package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"
)

type testMsg struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type recordingPublisher struct {
	msgs []*nats.Msg
	err  error
}

func (p *recordingPublisher) PublishMsg(m *nats.Msg) error {
	p.msgs = append(p.msgs, m)
	return p.err
}

func quiet() ConsumerOpts {
	return ConsumerOpts{MaxRetries: 3, DLQSubject: "test.dlq", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func encode(t *testing.T, subject string, v any, retries string) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	m := nats.NewMsg(subject)
	m.Data = data
	if retries != "" {
		m.Header.Set(RetryHeader, retries)
	}
	return m
}

func TestNatsHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)
	if carrier.Get("missing") != "" || carrier.Keys() != nil {
		t.Fatal("empty carrier should have no values")
	}
	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("expected traceparent, got %q", got)
	}
	if len(carrier.Keys()) != 1 {
		t.Fatalf("unexpected keys: %v", carrier.Keys())
	}
}

func TestPublishEncodesJSON(t *testing.T) {
	p := &recordingPublisher{}
	if err := Publish(context.Background(), p, "catalog.ingest", testMsg{Name: "x", Value: 2}); err != nil {
		t.Fatal(err)
	}
	if len(p.msgs) != 1 || p.msgs[0].Subject != "catalog.ingest" {
		t.Fatalf("unexpected publish: %+v", p.msgs)
	}
	var got testMsg
	if err := json.Unmarshal(p.msgs[0].Data, &got); err != nil || got.Value != 2 {
		t.Fatalf("bad payload: %s", p.msgs[0].Data)
	}
}

func TestDeliverSuccessPublishesNothing(t *testing.T) {
	p := &recordingPublisher{}
	var got testMsg
	deliver(p, encode(t, "s", testMsg{Name: "ok"}, ""), quiet(), func(_ context.Context, m testMsg) error {
		got = m
		return nil
	})
	if got.Name != "ok" || len(p.msgs) != 0 {
		t.Fatalf("got=%+v published=%d", got, len(p.msgs))
	}
}

func TestDeliverRetriesWithIncrementedHeader(t *testing.T) {
	p := &recordingPublisher{}
	deliver(p, encode(t, "s", testMsg{}, "1"), quiet(), func(context.Context, testMsg) error {
		return errors.New("boom")
	})
	if len(p.msgs) != 1 {
		t.Fatalf("expected one retry, got %d", len(p.msgs))
	}
	if p.msgs[0].Subject != "s" || RetryCount(p.msgs[0]) != 2 {
		t.Fatalf("retry subject=%s count=%d", p.msgs[0].Subject, RetryCount(p.msgs[0]))
	}
}

func TestDeliverDeadLettersAfterMaxRetries(t *testing.T) {
	p := &recordingPublisher{}
	deliver(p, encode(t, "s", testMsg{Name: "bad"}, "2"), quiet(), func(context.Context, testMsg) error {
		return errors.New("boom")
	})
	if len(p.msgs) != 1 || p.msgs[0].Subject != "test.dlq" {
		t.Fatalf("expected DLQ publish, got %+v", p.msgs)
	}
	var dl DeadLetter[testMsg]
	if err := json.Unmarshal(p.msgs[0].Data, &dl); err != nil {
		t.Fatal(err)
	}
	if dl.Payload.Name != "bad" || dl.Retries != 3 || dl.Error != "boom" {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}
}

func TestDeliverDropsMalformed(t *testing.T) {
	p := &recordingPublisher{}
	called := false
	msg := nats.NewMsg("s")
	msg.Data = []byte("{not json")
	deliver(p, msg, quiet(), func(context.Context, testMsg) error { called = true; return nil })
	if called || len(p.msgs) != 0 {
		t.Fatal("malformed message should be dropped")
	}
}

func TestRetryCount(t *testing.T) {
	if RetryCount(&nats.Msg{}) != 0 {
		t.Fatal("nil header should be 0")
	}
	m := nats.NewMsg("s")
	m.Header.Set(RetryHeader, "garbage")
	if RetryCount(m) != 0 {
		t.Fatal("bad header should be 0")
	}
}
