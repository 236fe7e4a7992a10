package lineq

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// AckPolicy names the durability guarantee a data worker gives when it
// acknowledges a produce.
type AckPolicy int

const (
	// AckOnEnqueue acknowledges once the record is queued in the OS-bound
	// write buffer; the buffer is flushed in the background. Favors
	// throughput over durability.
	AckOnEnqueue AckPolicy = iota
	// AckOnFlush acknowledges only after the write buffer has been flushed
	// to the file.
	AckOnFlush
)

func (p AckPolicy) String() string {
	if p == AckOnFlush {
		return "flush"
	}
	return "enqueue"
}

// ParseAckPolicy maps a config string to an AckPolicy.
func ParseAckPolicy(s string) (AckPolicy, error) {
	switch s {
	case "", "enqueue":
		return AckOnEnqueue, nil
	case "flush":
		return AckOnFlush, nil
	default:
		return AckOnEnqueue, errors.Errorf("unknown ack_policy %q", s)
	}
}

// Config holds the broker's runtime configuration.
type Config struct {
	ListenAddress  string
	MetricsAddress string // empty disables the metrics endpoint
	DataDir        string
	DataWorkers    int
	AckPolicy      AckPolicy
	RequestTimeout time.Duration
	LogLevel       string
}

// DefaultConfig returns a config with every field at its default.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:  "127.0.0.1:7370",
		DataDir:        "data",
		DataWorkers:    4,
		AckPolicy:      AckOnEnqueue,
		RequestTimeout: 5 * time.Second,
		LogLevel:       "info",
	}
}

// Parse overlays YAML config data onto c, validating as it goes. Fields
// absent from the file keep their current values.
func (c *Config) Parse(data []byte) error {
	var aux struct {
		ListenAddress  string `yaml:"listen_address"`
		MetricsAddress string `yaml:"metrics_address"`
		DataDir        string `yaml:"data_dir"`
		DataWorkers    int    `yaml:"data_workers"`
		AckPolicy      string `yaml:"ack_policy"`
		RequestTimeout string `yaml:"request_timeout"`
		LogLevel       string `yaml:"log_level"`
	}
	if err := yaml.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "unable to parse config")
	}

	if aux.ListenAddress != "" {
		c.ListenAddress = aux.ListenAddress
	}
	if aux.MetricsAddress != "" {
		c.MetricsAddress = aux.MetricsAddress
	}
	if aux.DataDir != "" {
		c.DataDir = aux.DataDir
	}
	if aux.DataWorkers != 0 {
		if aux.DataWorkers < 0 {
			return errors.Errorf("data_workers must be positive, got %d", aux.DataWorkers)
		}
		c.DataWorkers = aux.DataWorkers
	}
	if aux.AckPolicy != "" {
		policy, err := ParseAckPolicy(aux.AckPolicy)
		if err != nil {
			return err
		}
		c.AckPolicy = policy
	}
	if aux.RequestTimeout != "" {
		d, err := time.ParseDuration(aux.RequestTimeout)
		if err != nil {
			return errors.Wrapf(err, "invalid request_timeout %q", aux.RequestTimeout)
		}
		if d <= 0 {
			return errors.Errorf("request_timeout must be positive, got %s", d)
		}
		c.RequestTimeout = d
	}
	if aux.LogLevel != "" {
		c.LogLevel = aux.LogLevel
	}
	return nil
}
