package test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lineq/lineq"
	"lineq/pkg/producer"
)

func startBroker(t *testing.T, dir string) (string, func()) {
	t.Helper()
	cfg := lineq.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.DataDir = dir
	cfg.DataWorkers = 2
	cfg.AckPolicy = lineq.AckOnFlush
	cfg.RequestTimeout = 2 * time.Second

	logger := logrus.WithField("Node", "broker-test")
	b := lineq.NewBroker(cfg, *logger)
	require.NoError(t, b.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	cleanup := func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("broker did not shut down in time")
		}
	}
	return b.Addr().String(), cleanup
}

func TestBrokerEndToEnd(t *testing.T) {
	addr, cleanup := startBroker(t, t.TempDir())
	defer cleanup()

	p, err := producer.NewProducer(addr)
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.CreateTopic(ctx, "orders", 2))

	// Duplicate creation fails and leaves the topic untouched.
	err = p.CreateTopic(ctx, "orders", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	topics, err := p.ListTopics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "orders", topics[0].Name)
	assert.EqualValues(t, 2, topics[0].Partitions)
	assert.NotZero(t, topics[0].CreatedAt)
	assert.NotEmpty(t, topics[0].CreatedBy)

	// Offsets are contiguous per partition.
	for want := int64(0); want < 5; want++ {
		off, err := p.ProduceTo(ctx, "orders", 0, "k", "v")
		require.NoError(t, err)
		assert.Equal(t, want, off)
	}
	off, err := p.ProduceTo(ctx, "orders", 1, "k", "v")
	require.NoError(t, err)
	assert.EqualValues(t, 0, off, "partitions count offsets independently")

	// Resize only grows.
	err = p.ResizePartitions(ctx, "orders", 2)
	require.Error(t, err)
	err = p.ResizePartitions(ctx, "orders", 1)
	require.Error(t, err)
	require.NoError(t, p.ResizePartitions(ctx, "orders", 4))

	off, err = p.ProduceTo(ctx, "orders", 3, "", "v")
	require.NoError(t, err)
	assert.EqualValues(t, 0, off, "a partition added by resize starts at zero")

	// Unknown topic fails fast.
	_, err = p.ProduceTo(ctx, "missing", 0, "", "v")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown topic")
}

func TestBrokerReadAfterWrite(t *testing.T) {
	addr, cleanup := startBroker(t, t.TempDir())
	defer cleanup()

	p, err := producer.NewProducer(addr)
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.CreateTopic(ctx, "fresh", 1))
	topics, err := p.ListTopics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "fresh", topics[0].Name, "a create is visible to an immediate list on the same connection")
}

func TestBrokerPartitionedProduce(t *testing.T) {
	addr, cleanup := startBroker(t, t.TempDir())
	defer cleanup()

	p, err := producer.NewProducer(addr)
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.CreateTopic(ctx, "orders", 2))
	p.SetPartitioner("roundrobin")

	offsets, err := p.Produce(ctx, "orders",
		[]string{"k1", "k2", "k3", "k4"},
		[]string{"v1", "v2", "v3", "v4"})
	require.NoError(t, err)
	// Round robin alternates partitions, so each partition hands out 0 then 1.
	assert.Equal(t, []int64{0, 0, 1, 1}, offsets)
}

func TestBrokerRecoversAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	addr, cleanup := startBroker(t, dir)

	p, err := producer.NewProducer(addr)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, p.CreateTopic(ctx, "orders", 1))
	require.NoError(t, p.ResizePartitions(ctx, "orders", 3))
	require.NoError(t, p.CreateTopic(ctx, "billing", 2))
	for i := 0; i < 3; i++ {
		_, err := p.ProduceTo(ctx, "orders", 0, "k", "v")
		require.NoError(t, err)
	}
	p.Close()
	cleanup()

	addr2, cleanup2 := startBroker(t, dir)
	defer cleanup2()
	p2, err := producer.NewProducer(addr2)
	require.NoError(t, err)
	defer p2.Close()

	topics, err := p2.ListTopics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 2)
	byName := map[string]int32{}
	for _, tp := range topics {
		byName[tp.Name] = tp.Partitions
	}
	assert.EqualValues(t, 3, byName["orders"], "WAL replay restores the resized count")
	assert.EqualValues(t, 2, byName["billing"])

	off, err := p2.ProduceTo(ctx, "orders", 0, "k", "v")
	require.NoError(t, err)
	assert.EqualValues(t, 3, off, "offsets continue where the previous run stopped")
}

func TestBrokerMalformedRecordKeepsSessionUsable(t *testing.T) {
	addr, cleanup := startBroker(t, t.TempDir())
	defer cleanup()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	readLine := func() map[string]interface{} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		line, err := r.ReadBytes('\n')
		require.NoError(t, err)
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(line), &m))
		return m
	}

	_, err = conn.Write([]byte("definitely not a record\n"))
	require.NoError(t, err)
	reply := readLine()
	assert.Equal(t, "error", reply["status"])

	_, err = conn.Write([]byte(`{"command":"list-topics"}` + "\n"))
	require.NoError(t, err)
	reply = readLine()
	assert.Equal(t, "success", reply["status"], "one bad record must not poison the connection")
}
