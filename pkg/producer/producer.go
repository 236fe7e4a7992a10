// Package producer is the client library for a lineq broker: topic
// administration plus partitioned produce over the line protocol.
package producer

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"lineq/lineq"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Partitioner picks the partition for a key.
type Partitioner func(key string, numPartitions int) int

func defaultPartitioner(key string, numPartitions int) int {
	return int(lineq.Hash(key)) % numPartitions
}

type roundRobin struct {
	mu      sync.Mutex
	counter int
}

func (rr *roundRobin) partition(_ string, numPartitions int) int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	part := rr.counter % numPartitions
	rr.counter++
	return part
}

// request is the client-side wire shape of one command record.
type request struct {
	Command           string `json:"command"`
	Topic             string `json:"topic,omitempty"`
	Partitions        *int32 `json:"partitions,omitempty"`
	NewPartitionCount *int32 `json:"newPartitionCount,omitempty"`
	Partition         *int32 `json:"partition,omitempty"`
	Key               string `json:"key,omitempty"`
	Value             string `json:"value,omitempty"`
}

// Producer is a synchronous client over one broker connection. It keeps at
// most one request in flight, because replies carry no correlation id; the
// broker guarantees reply order only for a strictly request/reply client.
type Producer struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader

	partitioner Partitioner
	rrPartition *roundRobin

	// partition counts learned from admin replies and list-topics
	topicParts map[string]int32
}

// NewProducer dials the broker at addr.
func NewProducer(addr string) (*Producer, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to dial broker %s", addr)
	}
	return &Producer{
		conn:        conn,
		r:           bufio.NewReader(conn),
		partitioner: defaultPartitioner,
		rrPartition: &roundRobin{},
		topicParts:  make(map[string]int32),
	}, nil
}

func (p *Producer) Close() error {
	return p.conn.Close()
}

// SetPartitioner switches the partitioning strategy. "roundrobin" selects
// round robin; anything else restores the hash-based default.
func (p *Producer) SetPartitioner(strategy string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch strategy {
	case "roundrobin":
		p.partitioner = p.rrPartition.partition
	default:
		p.partitioner = defaultPartitioner
	}
}

// roundTrip sends one request record and reads one reply record. Callers
// hold p.mu.
func (p *Producer) roundTrip(ctx context.Context, req *request) (*lineq.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode request")
	}
	data = append(data, '\n')

	if deadline, ok := ctx.Deadline(); ok {
		if err := p.conn.SetDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, "unable to set connection deadline")
		}
		defer func() { _ = p.conn.SetDeadline(time.Time{}) }()
	}
	if _, err := p.conn.Write(data); err != nil {
		return nil, errors.Wrap(err, "unable to send request")
	}
	line, err := p.r.ReadBytes('\n')
	if err != nil {
		return nil, errors.Wrap(err, "unable to read reply")
	}
	var resp lineq.Response
	if err := json.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
		return nil, errors.Wrap(err, "malformed reply record")
	}
	return &resp, nil
}

// CreateTopic creates topic with the given partition count.
func (p *Producer) CreateTopic(ctx context.Context, topic string, partitions int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := int32(partitions)
	resp, err := p.roundTrip(ctx, &request{Command: "create-topic", Topic: topic, Partitions: &n})
	if err != nil {
		return err
	}
	if resp.Status != lineq.StatusSuccess {
		return errors.Errorf("create-topic %s: %s", topic, resp.Message)
	}
	p.topicParts[topic] = resp.Partitions
	return nil
}

// ResizePartitions grows topic to newCount partitions.
func (p *Producer) ResizePartitions(ctx context.Context, topic string, newCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := int32(newCount)
	resp, err := p.roundTrip(ctx, &request{Command: "resize-partitions", Topic: topic, NewPartitionCount: &n})
	if err != nil {
		return err
	}
	if resp.Status != lineq.StatusSuccess {
		return errors.Errorf("resize-partitions %s: %s", topic, resp.Message)
	}
	p.topicParts[topic] = resp.Partitions
	return nil
}

// ListTopics fetches every topic the broker knows.
func (p *Producer) ListTopics(ctx context.Context) ([]lineq.TopicSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp, err := p.roundTrip(ctx, &request{Command: "list-topics"})
	if err != nil {
		return nil, err
	}
	if resp.Status != lineq.StatusSuccess {
		return nil, errors.Errorf("list-topics: %s", resp.Message)
	}
	for _, t := range resp.Topics {
		p.topicParts[t.Name] = t.Partitions
	}
	return resp.Topics, nil
}

// ProduceTo appends one record to an explicit partition and returns the
// assigned offset.
func (p *Producer) ProduceTo(ctx context.Context, topic string, partition int, key, value string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.produceLocked(ctx, topic, int32(partition), key, value)
}

// Produce appends each key/value pair, partitioned by the configured
// strategy, and returns the assigned offsets in input order.
func (p *Producer) Produce(ctx context.Context, topic string, keys, values []string) ([]int64, error) {
	if len(keys) != len(values) {
		return nil, errors.New("mismatched keys and values length")
	}
	if len(keys) == 0 {
		return nil, errors.New("no messages to produce")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	numPartitions, err := p.partitionsLocked(ctx, topic)
	if err != nil {
		return nil, err
	}

	offsets := make([]int64, len(keys))
	for i := range keys {
		part := p.partitioner(keys[i], numPartitions)
		if part < 0 || part >= numPartitions {
			return nil, errors.Errorf("invalid partition index %d", part)
		}
		off, err := p.produceLocked(ctx, topic, int32(part), keys[i], values[i])
		if err != nil {
			return nil, err
		}
		offsets[i] = off
	}
	return offsets, nil
}

func (p *Producer) produceLocked(ctx context.Context, topic string, partition int32, key, value string) (int64, error) {
	resp, err := p.roundTrip(ctx, &request{
		Command:   "produce",
		Topic:     topic,
		Partition: &partition,
		Key:       key,
		Value:     value,
	})
	if err != nil {
		return 0, err
	}
	if resp.Status != lineq.StatusSuccess {
		return 0, errors.Errorf("produce to %s-%d: %s", topic, partition, resp.Message)
	}
	if resp.Offset == nil {
		return 0, errors.New("produce reply missing offset")
	}
	return *resp.Offset, nil
}

// partitionsLocked resolves the partition count for topic, refreshing from
// the broker on a cache miss.
func (p *Producer) partitionsLocked(ctx context.Context, topic string) (int, error) {
	if n, ok := p.topicParts[topic]; ok {
		return int(n), nil
	}
	resp, err := p.roundTrip(ctx, &request{Command: "list-topics"})
	if err != nil {
		return 0, err
	}
	if resp.Status != lineq.StatusSuccess {
		return 0, errors.Errorf("list-topics: %s", resp.Message)
	}
	for _, t := range resp.Topics {
		p.topicParts[t.Name] = t.Partitions
	}
	if n, ok := p.topicParts[topic]; ok {
		return int(n), nil
	}
	return 0, errors.Errorf("topic %s does not exist", topic)
}
