package lineq

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Validation failures surfaced to clients by the control worker.
var (
	ErrTopicExists       = errors.New("topic already exists")
	ErrUnknownTopic      = errors.New("unknown topic")
	ErrBadPartitionCount = errors.New("partition count must be a positive integer")
	ErrPartitionShrink   = errors.New("new partition count must exceed the current count")
)

type controlState int

const (
	controlInitializing controlState = iota
	controlReady
	controlValidating
	controlCommitting
)

// ControlWorker is the sole writer of topic metadata. It owns the metadata
// WAL and the authoritative topic cache, and processes one mutation at a
// time to completion, so mutation order equals WAL append order.
type ControlWorker struct {
	walPath  string
	wal      *WAL
	cache    *TopicCache
	requests chan *Request
	replies  chan<- WorkerReply
	state    controlState
	logger   logrus.Entry
	now      func() time.Time
}

// NewControlWorker builds a control worker that will replay and then append
// to the WAL at walPath, confirming commits on replies.
func NewControlWorker(walPath string, replies chan<- WorkerReply, logger logrus.Entry) *ControlWorker {
	return &ControlWorker{
		walPath:  walPath,
		cache:    NewTopicCache(),
		requests: make(chan *Request, workerQueueDepth),
		replies:  replies,
		state:    controlInitializing,
		logger:   logger,
		now:      time.Now,
	}
}

// Requests is the worker's mailbox; the dispatcher is its only sender.
func (c *ControlWorker) Requests() chan<- *Request { return c.requests }

// Snapshot returns the latest record per topic, for seeding the
// dispatcher's mirror after replay. Must be called before Start; afterwards
// the cache belongs to the worker goroutine.
func (c *ControlWorker) Snapshot() []*TopicRecord { return c.cache.Records() }

// Replay rebuilds the authoritative cache from the WAL and opens it for
// appending. Called once before Start.
func (c *ControlWorker) Replay() error {
	applied, skipped, err := ReplayWAL(c.walPath, c.logger, c.cache.Apply)
	if err != nil {
		return err
	}
	c.logger.WithField("Topic", DControl).Infof(
		"metadata WAL replayed: %d records applied, %d skipped, %d topics", applied, skipped, c.cache.Len())
	wal, err := OpenWAL(c.walPath, c.logger)
	if err != nil {
		return err
	}
	c.wal = wal
	c.state = controlReady
	return nil
}

// Start runs the worker loop until ctx is cancelled. Replay must have
// succeeded first.
func (c *ControlWorker) Start(ctx context.Context) error {
	if c.state == controlInitializing {
		return errors.New("control worker started before WAL replay")
	}
	for {
		select {
		case <-ctx.Done():
			return c.wal.Close()
		case req := <-c.requests:
			c.handle(req)
		}
	}
}

func (c *ControlWorker) handle(req *Request) {
	c.state = controlValidating
	var rec *TopicRecord
	var err error
	switch req.Kind {
	case CmdCreateTopic:
		rec, err = c.createTopic(req.Topic, req.Partitions, req.ConnID)
	case CmdResizePartitions:
		rec, err = c.resizePartitions(req.Topic, req.Partitions, req.ConnID)
	default:
		err = errors.Errorf("command %s is not a metadata mutation", req.Kind)
	}
	c.state = controlReady

	reply := WorkerReply{ConnID: req.ConnID, ReqID: req.ID}
	if err != nil {
		c.logger.WithField("Topic", DControl).Warnf("%s %q rejected: %v", req.Kind, req.Topic, err)
		reply.Resp = ErrorResponse("%v", err)
	} else {
		reply.Resp = CommittedResponse(rec)
		reply.Record = rec
	}
	c.replies <- reply
}

// createTopic validates and commits a new topic. The WAL append is the
// commit point: the cache is only touched after the append succeeds, so a
// failed commit is never partially applied.
func (c *ControlWorker) createTopic(name string, partitions int32, creator string) (*TopicRecord, error) {
	if c.cache.Exists(name) {
		return nil, errors.Wrap(ErrTopicExists, name)
	}
	if partitions <= 0 {
		return nil, errors.Wrapf(ErrBadPartitionCount, "%d", partitions)
	}
	return c.commit(&TopicRecord{
		Topic:      name,
		Partitions: partitions,
		CreatedBy:  creator,
		CreatedAt:  c.now().UnixMilli(),
	})
}

// resizePartitions validates and commits a partition-count increase.
// Partition counts are monotonically non-decreasing across a topic's
// records.
func (c *ControlWorker) resizePartitions(name string, newCount int32, creator string) (*TopicRecord, error) {
	current, ok := c.cache.Get(name)
	if !ok {
		return nil, errors.Wrap(ErrUnknownTopic, name)
	}
	if newCount <= current.Partitions {
		return nil, errors.Wrapf(ErrPartitionShrink, "%d -> %d", current.Partitions, newCount)
	}
	return c.commit(&TopicRecord{
		Topic:      name,
		Partitions: newCount,
		CreatedBy:  creator,
		CreatedAt:  c.now().UnixMilli(),
	})
}

func (c *ControlWorker) commit(rec *TopicRecord) (*TopicRecord, error) {
	c.state = controlCommitting
	if err := c.wal.Append(rec); err != nil {
		c.logger.WithField("Topic", DControl).Errorf("WAL append failed: %v", err)
		return nil, errors.New("metadata commit failed")
	}
	c.cache.Apply(rec)
	c.logger.WithField("Topic", DControl).Infof(
		"committed %s: %d partitions (by %s)", rec.Topic, rec.Partitions, rec.CreatedBy)
	return rec, nil
}
