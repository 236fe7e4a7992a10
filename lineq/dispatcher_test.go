package lineq

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, dataMailboxes []chan *Request, timeout time.Duration) (*Dispatcher, chan *Request) {
	t.Helper()
	control := make(chan *Request, 8)
	boxes := make([]chan<- *Request, len(dataMailboxes))
	for i, m := range dataMailboxes {
		boxes[i] = m
	}
	replies := make(chan WorkerReply, 8)
	return NewDispatcher(control, boxes, replies, timeout, testLogger()), control
}

func attachConn(t *testing.T, d *Dispatcher) (string, net.Conn, *bufio.Reader) {
	t.Helper()
	server, client := net.Pipe()
	cc := d.acceptConnection(server)
	t.Cleanup(func() { client.Close() })
	return cc.id, client, bufio.NewReader(client)
}

func readReply(t *testing.T, client net.Conn, r *bufio.Reader) *Response {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(line), &resp))
	return &resp
}

func makeMailboxes(n, depth int) []chan *Request {
	boxes := make([]chan *Request, n)
	for i := range boxes {
		boxes[i] = make(chan *Request, depth)
	}
	return boxes
}

func TestDispatcherFastPathListTopics(t *testing.T) {
	data := makeMailboxes(2, 8)
	d, control := newTestDispatcher(t, data, time.Second)
	d.SeedMirror([]*TopicRecord{
		{Topic: "orders", Partitions: 2, CreatedBy: "c1", CreatedAt: 10},
		{Topic: "billing", Partitions: 1, CreatedBy: "c2", CreatedAt: 20},
	})
	connID, client, r := attachConn(t, d)

	d.route(&Request{Kind: CmdListTopics, ConnID: connID})
	resp := readReply(t, client, r)
	assert.Equal(t, StatusSuccess, resp.Status)
	require.Len(t, resp.Topics, 2)
	assert.Equal(t, "billing", resp.Topics[0].Name)

	// Fast path: nothing may reach any worker.
	assert.Empty(t, control)
	for _, m := range data {
		assert.Empty(t, m)
	}
}

func TestDispatcherForwardsMutationsUnvalidated(t *testing.T) {
	d, control := newTestDispatcher(t, makeMailboxes(1, 8), time.Second)
	// The mirror already knows the topic; the dispatcher must still forward
	// the duplicate create untouched, validation is the control worker's.
	d.SeedMirror([]*TopicRecord{{Topic: "orders", Partitions: 1}})
	connID, _, _ := attachConn(t, d)

	d.route(&Request{Kind: CmdCreateTopic, Topic: "orders", Partitions: 1, ConnID: connID})
	require.Len(t, control, 1)
	req := <-control
	assert.NotZero(t, req.ID)
	assert.Equal(t, connID, req.ConnID)
	_, pending := d.pending[req.ID]
	assert.True(t, pending)
}

func TestDispatcherProduceUnknownTopicFailsFast(t *testing.T) {
	data := makeMailboxes(2, 8)
	d, control := newTestDispatcher(t, data, time.Second)
	connID, client, r := attachConn(t, d)

	d.route(&Request{Kind: CmdProduce, Topic: "missing", Value: "v", ConnID: connID})
	resp := readReply(t, client, r)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "unknown topic")
	assert.Empty(t, control)
	for _, m := range data {
		assert.Empty(t, m)
	}
}

func TestDispatcherProduceRejectsPartitionOutOfRange(t *testing.T) {
	d, _ := newTestDispatcher(t, makeMailboxes(1, 8), time.Second)
	d.SeedMirror([]*TopicRecord{{Topic: "orders", Partitions: 2}})
	connID, client, r := attachConn(t, d)

	d.route(&Request{Kind: CmdProduce, Topic: "orders", Partition: 2, Value: "v", ConnID: connID})
	resp := readReply(t, client, r)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "out of range")
}

func TestDispatcherProduceRoutesByPartitionAffinity(t *testing.T) {
	data := makeMailboxes(4, 8)
	d, _ := newTestDispatcher(t, data, time.Second)
	d.SeedMirror([]*TopicRecord{{Topic: "orders", Partitions: 8}})
	connID, _, _ := attachConn(t, d)

	for round := 0; round < 2; round++ {
		for p := int32(0); p < 8; p++ {
			d.route(&Request{Kind: CmdProduce, Topic: "orders", Partition: p, Value: "v", ConnID: connID})
		}
	}
	// Same partition, same worker, every time.
	total := 0
	for idx, m := range data {
		for len(m) > 0 {
			req := <-m
			assert.Equal(t, idx, d.workerFor(req.Topic, req.Partition))
			require.NotNil(t, req.Meta, "produce must be enriched with topic metadata")
			total++
		}
	}
	assert.Equal(t, 16, total)
}

func TestDispatcherAppliesCommitBeforeReply(t *testing.T) {
	d, control := newTestDispatcher(t, makeMailboxes(1, 8), time.Second)
	connID, client, r := attachConn(t, d)

	d.route(&Request{Kind: CmdCreateTopic, Topic: "orders", Partitions: 3, ConnID: connID})
	req := <-control

	rec := &TopicRecord{Topic: "orders", Partitions: 3, CreatedBy: connID, CreatedAt: 10}
	d.onWorkerReply(WorkerReply{ConnID: connID, ReqID: req.ID, Resp: CommittedResponse(rec), Record: rec})

	// Mirror reflects the commit before the reply leaves: the next read on
	// any connection observes the mutation.
	assert.True(t, d.mirror.Exists("orders"))

	resp := readReply(t, client, r)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.EqualValues(t, 3, resp.Partitions)

	d.route(&Request{Kind: CmdListTopics, ConnID: connID})
	listResp := readReply(t, client, r)
	require.Len(t, listResp.Topics, 1)
	assert.Equal(t, "orders", listResp.Topics[0].Name)
}

func TestDispatcherDropsOrphanedReplies(t *testing.T) {
	d, control := newTestDispatcher(t, makeMailboxes(1, 8), time.Second)
	goneID, goneClient, _ := attachConn(t, d)
	liveID, liveClient, liveReader := attachConn(t, d)

	d.route(&Request{Kind: CmdCreateTopic, Topic: "orders", Partitions: 1, ConnID: goneID})
	req := <-control

	goneClient.Close()
	require.Eventually(t, func() bool {
		_, ok := d.conns.Load(goneID)
		return !ok
	}, time.Second, 10*time.Millisecond)

	// Must not panic, must not corrupt bookkeeping for other connections.
	rec := &TopicRecord{Topic: "orders", Partitions: 1}
	d.onWorkerReply(WorkerReply{ConnID: goneID, ReqID: req.ID, Resp: CommittedResponse(rec), Record: rec})
	assert.Empty(t, d.pending)

	d.route(&Request{Kind: CmdListTopics, ConnID: liveID})
	resp := readReply(t, liveClient, liveReader)
	assert.Equal(t, StatusSuccess, resp.Status)
}

func TestDispatcherTimesOutUnansweredRequests(t *testing.T) {
	d, control := newTestDispatcher(t, makeMailboxes(1, 8), 50*time.Millisecond)
	connID, client, r := attachConn(t, d)

	d.route(&Request{Kind: CmdCreateTopic, Topic: "orders", Partitions: 1, ConnID: connID})
	req := <-control

	d.expirePending(time.Now().Add(time.Minute))
	resp := readReply(t, client, r)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "timed out")

	// The worker answers after the deadline: the late reply is dropped.
	d.onWorkerReply(WorkerReply{ConnID: connID, ReqID: req.ID, Resp: CommittedResponse(&TopicRecord{Topic: "orders", Partitions: 1})})
	require.NoError(t, client.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := r.ReadBytes('\n')
	assert.Error(t, err, "no second reply may arrive for a timed-out request")
}

func TestDispatcherLateCommitStillReachesMirror(t *testing.T) {
	data := makeMailboxes(1, 8)
	d, control := newTestDispatcher(t, data, 50*time.Millisecond)
	connID, client, r := attachConn(t, d)

	d.route(&Request{Kind: CmdCreateTopic, Topic: "orders", Partitions: 2, ConnID: connID})
	req := <-control
	d.expirePending(time.Now().Add(time.Minute))
	resp := readReply(t, client, r)
	require.Equal(t, StatusError, resp.Status)

	// The control worker committed to the WAL before the deadline fired;
	// its late confirmation must still update the mirror even though the
	// reply itself is dropped.
	rec := &TopicRecord{Topic: "orders", Partitions: 2, CreatedBy: connID, CreatedAt: 10}
	d.onWorkerReply(WorkerReply{ConnID: connID, ReqID: req.ID, Resp: CommittedResponse(rec), Record: rec})
	assert.True(t, d.mirror.Exists("orders"), "committed record must reach the mirror even when the reply is late")

	// A produce for the committed topic now dispatches instead of failing
	// fast on a stale mirror.
	d.route(&Request{Kind: CmdProduce, Topic: "orders", Partition: 0, Value: "v", ConnID: connID})
	require.Len(t, data[0], 1)
	assert.Len(t, d.pending, 1)
}

func TestDispatcherFailsRequestWhenWorkerMailboxFull(t *testing.T) {
	// Unbuffered mailbox with no worker draining it.
	d, _ := newTestDispatcher(t, []chan *Request{make(chan *Request)}, time.Second)
	d.SeedMirror([]*TopicRecord{{Topic: "orders", Partitions: 1}})
	connID, client, r := attachConn(t, d)

	d.route(&Request{Kind: CmdProduce, Topic: "orders", Value: "v", ConnID: connID})
	resp := readReply(t, client, r)
	assert.Equal(t, StatusError, resp.Status)
	assert.Empty(t, d.pending)
}

func TestDispatcherConnectionIdentitiesAreUnique(t *testing.T) {
	d, _ := newTestDispatcher(t, makeMailboxes(1, 8), time.Second)
	idA, _, _ := attachConn(t, d)
	idB, _, _ := attachConn(t, d)
	assert.NotEqual(t, idA, idB)
}

func TestConnectionMalformedRecordKeepsConnectionOpen(t *testing.T) {
	d, _ := newTestDispatcher(t, makeMailboxes(1, 8), time.Second)
	connID, client, r := attachConn(t, d)

	_, err := client.Write([]byte("this is not json\n"))
	require.NoError(t, err)
	resp := readReply(t, client, r)
	assert.Equal(t, StatusError, resp.Status)

	// Still registered and still answering.
	_, ok := d.conns.Load(connID)
	assert.True(t, ok)
	_, err = client.Write([]byte(`{"command":"bogus"}` + "\n"))
	require.NoError(t, err)
	resp = readReply(t, client, r)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "unknown command")
}

func TestWorkerForIsDeterministic(t *testing.T) {
	d, _ := newTestDispatcher(t, makeMailboxes(3, 1), time.Second)
	for p := int32(0); p < 16; p++ {
		idx := d.workerFor("orders", p)
		assert.Equal(t, idx, d.workerFor("orders", p))
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 3)
	}
}
