package lineq

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync"
	"github.com/sirupsen/logrus"
)

// sweepInterval is how often the dispatcher checks in-flight requests
// against their deadlines.
const sweepInterval = 250 * time.Millisecond

// requestQueueDepth bounds the dispatcher mailbox shared by all connection
// readers.
const requestQueueDepth = 1024

// WorkerReply carries a worker's answer back to the dispatcher, tagged with
// the originating connection identity and correlation id. Record is set on
// a successful metadata commit so the dispatcher can update its mirror
// before replying.
type WorkerReply struct {
	ConnID string
	ReqID  uint64
	Resp   *Response
	Record *TopicRecord
}

type pendingRequest struct {
	connID   string
	kind     CommandKind
	deadline time.Time
}

// Dispatcher owns the listener, the connection registry, the metadata
// mirror, and the in-flight request table. Classification and routing run
// on a single goroutine (Run); only the connection registry is touched from
// other goroutines, which is why it alone is a concurrent map.
type Dispatcher struct {
	mirror      *TopicCache
	conns       *xsync.MapOf[string, *clientConn]
	requests    chan *Request
	replies     chan WorkerReply
	control     chan<- *Request
	dataWorkers []chan<- *Request
	pending     map[uint64]pendingRequest
	nextID      uint64
	acceptSeq   uint64
	timeout     time.Duration
	logger      logrus.Entry
}

// NewDispatcher builds a dispatcher routing mutations to control and
// produce requests across dataWorkers. replies is the shared channel every
// worker confirms on.
func NewDispatcher(control chan<- *Request, dataWorkers []chan<- *Request, replies chan WorkerReply, timeout time.Duration, logger logrus.Entry) *Dispatcher {
	return &Dispatcher{
		mirror:      NewTopicCache(),
		conns:       xsync.NewMapOf[*clientConn](),
		requests:    make(chan *Request, requestQueueDepth),
		replies:     replies,
		control:     control,
		dataWorkers: dataWorkers,
		pending:     make(map[uint64]pendingRequest),
		timeout:     timeout,
		logger:      logger,
	}
}

// SeedMirror loads the mirror from the control worker's post-replay
// snapshot. Must be called before Run.
func (d *Dispatcher) SeedMirror(recs []*TopicRecord) {
	for _, rec := range recs {
		d.mirror.Apply(rec)
	}
}

// Serve accepts connections until the listener is closed, registering each
// under a fresh identity and starting its reader and writer goroutines.
func (d *Dispatcher) Serve(ctx context.Context, lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		d.acceptConnection(conn)
	}
}

// acceptConnection registers conn under an identity that stays unique even
// when a client port is reused.
func (d *Dispatcher) acceptConnection(conn net.Conn) *clientConn {
	seq := atomic.AddUint64(&d.acceptSeq, 1)
	id := fmt.Sprintf("%s#%d", conn.RemoteAddr(), seq)
	cc := newClientConn(id, conn, d.requests, d.dropConn, d.logger)
	d.conns.Store(id, cc)
	d.logger.WithField("Topic", DDispatch).Infof("connection %s opened", id)
	go cc.writeLoop()
	go cc.readLoop()
	return cc
}

func (d *Dispatcher) dropConn(id string) {
	d.conns.Delete(id)
	d.logger.WithField("Topic", DDispatch).Infof("connection %s closed", id)
}

// Run is the routing loop: requests in, replies out, deadline sweeps in
// between. All dispatcher state except the connection registry is confined
// to this goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			d.conns.Range(func(_ string, cc *clientConn) bool {
				cc.close()
				return true
			})
			return nil
		case req := <-d.requests:
			d.route(req)
		case rep := <-d.replies:
			d.onWorkerReply(rep)
		case now := <-sweep.C:
			d.expirePending(now)
		}
	}
}

// route classifies a request and either answers it from the mirror or
// dispatches it to the worker that owns it.
func (d *Dispatcher) route(req *Request) {
	requestsTotal.WithLabelValues(req.Kind.String()).Inc()
	switch req.Kind {
	case CmdListTopics:
		// Fast path: answered entirely from the mirror.
		d.deliver(req.ConnID, &Response{Status: StatusSuccess, Topics: d.mirror.List()})

	case CmdCreateTopic, CmdResizePartitions:
		// No validation here; the control worker is the one validator.
		d.forward(req, d.control)

	case CmdProduce:
		rec, ok := d.mirror.Get(req.Topic)
		if !ok {
			d.failRequest(req, "unknown topic %q", req.Topic)
			return
		}
		if req.Partition < 0 || req.Partition >= rec.Partitions {
			d.failRequest(req, "partition %d out of range for topic %q (%d partitions)",
				req.Partition, req.Topic, rec.Partitions)
			return
		}
		req.Meta = rec
		d.forward(req, d.dataWorkers[d.workerFor(req.Topic, req.Partition)])

	default:
		d.failRequest(req, "unsupported command")
	}
}

// workerFor pins a partition to one pool member so a single worker is ever
// the offset authority for it.
func (d *Dispatcher) workerFor(topic string, partition int32) int {
	return int(Hash(TopicPartitionID(topic, partition)) % uint32(len(d.dataWorkers)))
}

// forward books the request into the pending table and hands it to the
// worker mailbox. A full mailbox fails the request immediately instead of
// blocking the routing loop.
func (d *Dispatcher) forward(req *Request, mailbox chan<- *Request) {
	d.nextID++
	req.ID = d.nextID
	d.pending[req.ID] = pendingRequest{
		connID:   req.ConnID,
		kind:     req.Kind,
		deadline: time.Now().Add(d.timeout),
	}
	select {
	case mailbox <- req:
	default:
		delete(d.pending, req.ID)
		d.failRequest(req, "broker overloaded, try again")
	}
}

// onWorkerReply correlates a reply with its in-flight entry and delivers it
// to the originating connection. A committed metadata record is applied to
// the mirror before the reply goes out, so the mutating client reads its
// own write.
func (d *Dispatcher) onWorkerReply(rep WorkerReply) {
	// A committed record reaches the mirror unconditionally: the commit is
	// durable in the WAL even when the reply arrives after the deadline
	// sweep, and the mirror must track committed state, not delivery.
	if rep.Record != nil {
		d.mirror.Apply(rep.Record)
	}
	p, ok := d.pending[rep.ReqID]
	if !ok {
		// Already expired by the deadline sweep; the client has its error.
		d.logger.WithField("Topic", DDispatch).Debugf("dropping late reply for request %d", rep.ReqID)
		return
	}
	delete(d.pending, rep.ReqID)
	if rep.Resp.Status == StatusError {
		requestErrors.WithLabelValues(p.kind.String()).Inc()
	}
	d.deliver(rep.ConnID, rep.Resp)
}

// expirePending times out in-flight requests whose worker never answered.
func (d *Dispatcher) expirePending(now time.Time) {
	for id, p := range d.pending {
		if p.deadline.Before(now) {
			delete(d.pending, id)
			timedOutRequests.Inc()
			requestErrors.WithLabelValues(p.kind.String()).Inc()
			d.logger.WithField("Topic", DDispatch).Warnf("%s request %d timed out", p.kind, id)
			d.deliver(p.connID, ErrorResponse("request timed out"))
		}
	}
}

// deliver writes a reply to the identified connection if it is still live;
// replies for closed connections are dropped, never buffered.
func (d *Dispatcher) deliver(connID string, resp *Response) {
	cc, ok := d.conns.Load(connID)
	if !ok {
		orphanedReplies.Inc()
		d.logger.WithField("Topic", DDispatch).Infof("dropping reply for closed connection %s", connID)
		return
	}
	cc.send(resp)
}

func (d *Dispatcher) failRequest(req *Request, format string, args ...interface{}) {
	requestErrors.WithLabelValues(req.Kind.String()).Inc()
	d.deliver(req.ConnID, ErrorResponse(format, args...))
}
