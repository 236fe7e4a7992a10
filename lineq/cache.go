package lineq

import "sort"

// TopicCache maps topic names to their latest committed TopicRecord. Two
// instances exist at runtime: the control worker's authoritative copy and
// the dispatcher's read mirror. Each instance is owned by exactly one
// executor goroutine and is never shared, so there is no locking here.
type TopicCache struct {
	topics map[string]*TopicRecord
}

func NewTopicCache() *TopicCache {
	return &TopicCache{topics: make(map[string]*TopicRecord)}
}

// Apply merges a committed record, last-write-wins in apply order. Applying
// the same record again is a no-op in effect, which makes WAL replay
// idempotent.
func (c *TopicCache) Apply(rec *TopicRecord) {
	c.topics[rec.Topic] = rec
}

func (c *TopicCache) Exists(name string) bool {
	_, ok := c.topics[name]
	return ok
}

func (c *TopicCache) Get(name string) (*TopicRecord, bool) {
	rec, ok := c.topics[name]
	return rec, ok
}

func (c *TopicCache) Len() int {
	return len(c.topics)
}

// Records returns the latest record for every topic, in no particular
// order.
func (c *TopicCache) Records() []*TopicRecord {
	out := make([]*TopicRecord, 0, len(c.topics))
	for _, rec := range c.topics {
		out = append(out, rec)
	}
	return out
}

// List returns a summary of every known topic, sorted by name so replies
// are deterministic.
func (c *TopicCache) List() []TopicSummary {
	out := make([]TopicSummary, 0, len(c.topics))
	for _, rec := range c.topics {
		out = append(out, TopicSummary{
			Name:       rec.Topic,
			Partitions: rec.Partitions,
			CreatedBy:  rec.CreatedBy,
			CreatedAt:  rec.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
