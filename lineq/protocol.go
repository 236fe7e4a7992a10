package lineq

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// json is the codec for the wire protocol and for both persisted logs.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CommandKind is the closed set of client commands. Decoding maps the wire
// tag to a kind exactly once; everything downstream switches on the kind.
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdCreateTopic
	CmdResizePartitions
	CmdListTopics
	CmdProduce
)

func (k CommandKind) String() string {
	switch k {
	case CmdCreateTopic:
		return "create-topic"
	case CmdResizePartitions:
		return "resize-partitions"
	case CmdListTopics:
		return "list-topics"
	case CmdProduce:
		return "produce"
	default:
		return "unknown"
	}
}

// ParseCommand maps a wire command tag to its CommandKind.
func ParseCommand(tag string) (CommandKind, error) {
	switch tag {
	case "create-topic":
		return CmdCreateTopic, nil
	case "resize-partitions":
		return CmdResizePartitions, nil
	case "list-topics":
		return CmdListTopics, nil
	case "produce":
		return CmdProduce, nil
	default:
		return CmdUnknown, errors.Errorf("unknown command %q", tag)
	}
}

// rawRequest is the wire shape of a single newline-terminated request record.
// Optional numeric fields are pointers so absent and zero are distinguishable.
type rawRequest struct {
	Command           string `json:"command"`
	Topic             string `json:"topic,omitempty"`
	Partitions        *int32 `json:"partitions,omitempty"`
	NewPartitionCount *int32 `json:"newPartitionCount,omitempty"`
	Partition         *int32 `json:"partition,omitempty"`
	Key               string `json:"key,omitempty"`
	Value             string `json:"value,omitempty"`
}

// Request is a decoded client command. The dispatcher assigns ConnID and ID;
// for produce it also resolves Meta from its mirror before dispatch. A
// Request is immutable once handed to a worker.
type Request struct {
	Kind       CommandKind
	Topic      string
	Partitions int32  // create: requested count, resize: new count
	Partition  int32  // produce target partition
	Key        string // produce, optional
	Value      string // produce

	ID     uint64       // dispatcher correlation id
	ConnID string       // originating connection identity
	Meta   *TopicRecord // resolved topic metadata, produce only
}

// DecodeRequest parses one wire record and validates the fields the command
// kind requires. Validation here is shape-only; semantic validation of
// metadata mutations belongs to the control worker alone.
func DecodeRequest(line []byte) (*Request, error) {
	var raw rawRequest
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, errors.Wrap(err, "malformed request record")
	}
	kind, err := ParseCommand(raw.Command)
	if err != nil {
		return nil, err
	}

	req := &Request{Kind: kind, Topic: raw.Topic}
	switch kind {
	case CmdCreateTopic:
		if raw.Topic == "" {
			return nil, errors.New("create-topic requires a topic")
		}
		req.Partitions = 1
		if raw.Partitions != nil {
			req.Partitions = *raw.Partitions
		}
	case CmdResizePartitions:
		if raw.Topic == "" {
			return nil, errors.New("resize-partitions requires a topic")
		}
		if raw.NewPartitionCount == nil {
			return nil, errors.New("resize-partitions requires newPartitionCount")
		}
		req.Partitions = *raw.NewPartitionCount
	case CmdListTopics:
		// no fields
	case CmdProduce:
		if raw.Topic == "" {
			return nil, errors.New("produce requires a topic")
		}
		if raw.Value == "" {
			return nil, errors.New("produce requires a value")
		}
		if raw.Partition != nil {
			req.Partition = *raw.Partition
		}
		req.Key = raw.Key
		req.Value = raw.Value
	}
	return req, nil
}

// TopicRecord is one committed metadata fact: the partition count of a topic
// as of CreatedAt. The metadata WAL is a sequence of these; the latest record
// per topic name is the topic's current state.
type TopicRecord struct {
	Topic      string `json:"topic"`
	Partitions int32  `json:"partitions"`
	CreatedBy  string `json:"createdBy"`
	CreatedAt  int64  `json:"createdAt"` // unix milliseconds
}

// DataRecord is one committed produced message in a data worker's log.
type DataRecord struct {
	Topic      string `json:"topic"`
	Partition  int32  `json:"partition"`
	Offset     int64  `json:"offset"`
	Key        string `json:"key,omitempty"`
	Value      string `json:"value"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	ProducedBy string `json:"producedBy"`
}

// TopicSummary is the list-topics reply element.
type TopicSummary struct {
	Name       string `json:"name"`
	Partitions int32  `json:"partitions"`
	CreatedBy  string `json:"createdBy"`
	CreatedAt  int64  `json:"createdAt"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the wire shape of a reply record. Payload fields are pointers
// or omitempty so each command's reply carries only its own fields.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`

	Topic      string `json:"topic,omitempty"`
	Partitions int32  `json:"partitions,omitempty"`
	Offset     *int64 `json:"offset,omitempty"`
	Timestamp  *int64 `json:"timestamp,omitempty"`

	Topics []TopicSummary `json:"topics,omitempty"`
}

// ErrorResponse builds an error reply with a human-readable message.
func ErrorResponse(format string, args ...interface{}) *Response {
	return &Response{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// CommittedResponse is the success reply for a metadata mutation.
func CommittedResponse(rec *TopicRecord) *Response {
	return &Response{Status: StatusSuccess, Topic: rec.Topic, Partitions: rec.Partitions}
}

// ProducedResponse is the success reply for a produce.
func ProducedResponse(offset, timestamp int64) *Response {
	return &Response{Status: StatusSuccess, Offset: &offset, Timestamp: &timestamp}
}
