package lineq

import "fmt"

// Hash is FNV-1a, shared by the dispatcher's partition-affinity routing and
// the producer-side partitioner so both sides agree on placement.
func Hash(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h = (h ^ uint32(s[i])) * 16777619
	}
	return h
}

// TopicPartitionID is the canonical id for one partition of one topic,
// used as the offset-counter key and in log records and logs.
func TopicPartitionID(topic string, partition int32) string {
	return fmt.Sprintf("%s-%d", topic, partition)
}
