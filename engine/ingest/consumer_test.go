package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/pkg/natsutil"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	require.NoError(t, err)
	srv.Start()
	require.True(t, srv.ReadyForConnections(3*time.Second), "nats not ready")
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func (f *fakeIndex) flushedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flushed)
}

func TestConsumerIngestsPublishedProduct(t *testing.T) {
	nc := startTestNATS(t)
	e := newEnv()
	sub, err := e.ingester(1).StartConsumer(nc)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	require.NoError(t, PublishProduct(context.Background(), nc, backpack()))

	require.Eventually(t, func() bool { return e.idx.flushedCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	p, ok := e.cat.get("1")
	require.True(t, ok)
	assert.Equal(t, "A red backpack.", p.Caption)
}

func TestConsumerDeadLettersInvalidProduct(t *testing.T) {
	nc := startTestNATS(t)
	dlq := make(chan *nats.Msg, 1)
	dsub, err := nc.ChanSubscribe(DLQSubject, dlq)
	require.NoError(t, err)
	defer dsub.Unsubscribe()

	e := newEnv()
	sub, err := e.ingester(1).StartConsumer(nc)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	require.NoError(t, PublishProduct(context.Background(), nc, domain.Product{SourceID: "9"}))

	select {
	case m := <-dlq:
		var dl natsutil.DeadLetter[domain.Product]
		require.NoError(t, json.Unmarshal(m.Data, &dl))
		assert.Equal(t, "9", dl.Payload.SourceID)
		assert.Equal(t, MaxRetries, dl.Retries)
	case <-time.After(5 * time.Second):
		t.Fatal("no dead letter")
	}
	assert.Zero(t, e.idx.flushedCount())
}
