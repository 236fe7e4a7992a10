package lineq

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// workerQueueDepth bounds every worker mailbox. The dispatcher never blocks
// on a full mailbox; it fails the request instead.
const workerQueueDepth = 128

// flushInterval is how often an AckOnEnqueue worker drains its write buffer
// in the background.
const flushInterval = 200 * time.Millisecond

// DataWorker is one pool member: a sequential executor that appends
// produced records to its own log and assigns offsets. Partition-affinity
// routing in the dispatcher makes each worker the sole offset authority for
// the partitions hashed to it.
type DataWorker struct {
	id         int
	logPath    string
	policy     AckPolicy
	log        *DataLog
	nextOffset map[string]int64 // topic-partition id -> next offset
	requests   chan *Request
	replies    chan<- WorkerReply
	logger     logrus.Entry
	now        func() time.Time
}

// NewDataWorker builds pool member id writing to logPath.
func NewDataWorker(id int, logPath string, policy AckPolicy, replies chan<- WorkerReply, logger logrus.Entry) *DataWorker {
	return &DataWorker{
		id:         id,
		logPath:    logPath,
		policy:     policy,
		nextOffset: make(map[string]int64),
		requests:   make(chan *Request, workerQueueDepth),
		replies:    replies,
		logger:     logger,
		now:        time.Now,
	}
}

// Requests is the worker's mailbox; the dispatcher is its only sender.
func (w *DataWorker) Requests() chan<- *Request { return w.requests }

// Replay opens the log and rebuilds the per-partition offset counters from
// it, so offsets stay gap-free across restarts. Called once before Start.
func (w *DataWorker) Replay() error {
	log, err := OpenDataLog(w.logPath, w.policy, w.logger)
	if err != nil {
		return err
	}
	w.log = log
	applied, skipped, err := log.Replay(func(rec *DataRecord) {
		tp := TopicPartitionID(rec.Topic, rec.Partition)
		if rec.Offset >= w.nextOffset[tp] {
			w.nextOffset[tp] = rec.Offset + 1
		}
	})
	if err != nil {
		return err
	}
	if applied > 0 || skipped > 0 {
		w.logger.WithField("Topic", DData).Infof(
			"data log replayed: %d records, %d skipped, %d partitions", applied, skipped, len(w.nextOffset))
	}
	return nil
}

// Start runs the worker loop until ctx is cancelled, flushing the log in
// the background under AckOnEnqueue.
func (w *DataWorker) Start(ctx context.Context) error {
	if w.log == nil {
		return errors.New("data worker started before log replay")
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return w.log.Close()
		case req := <-w.requests:
			w.produce(req)
		case <-ticker.C:
			if w.policy == AckOnEnqueue {
				if err := w.log.Flush(); err != nil {
					w.logger.WithField("Topic", DData).Errorf("background flush failed: %v", err)
				}
			}
		}
	}
}

// produce assigns the next offset for the record's partition, appends it,
// and acknowledges with the offset and commit timestamp.
func (w *DataWorker) produce(req *Request) {
	tp := TopicPartitionID(req.Topic, req.Partition)
	offset := w.nextOffset[tp]
	rec := &DataRecord{
		Topic:      req.Topic,
		Partition:  req.Partition,
		Offset:     offset,
		Key:        req.Key,
		Value:      req.Value,
		Timestamp:  w.now().UnixMilli(),
		ProducedBy: req.ConnID,
	}

	reply := WorkerReply{ConnID: req.ConnID, ReqID: req.ID}
	if err := w.log.Append(rec); err != nil {
		w.logger.WithField("Topic", DData).Errorf("append to %s failed: %v", tp, err)
		reply.Resp = ErrorResponse("unable to append record to %s", tp)
	} else {
		w.nextOffset[tp] = offset + 1
		producedRecords.Inc()
		reply.Resp = ProducedResponse(offset, rec.Timestamp)
	}
	w.replies <- reply
}
