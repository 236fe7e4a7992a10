package lineq

import (
	"bufio"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DataLog is one data worker's append-only record log: newline-delimited
// JSON, one DataRecord per line, never rewritten in place. Unlike the
// metadata WAL, flushing is governed by the configured AckPolicy.
type DataLog struct {
	path   string
	f      *os.File
	w      *bufio.Writer
	policy AckPolicy
	logger logrus.Entry
}

// OpenDataLog opens the log for appending, creating it if absent.
func OpenDataLog(path string, policy AckPolicy, logger logrus.Entry) (*DataLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open data log %s", path)
	}
	return &DataLog{path: path, f: f, w: bufio.NewWriter(f), policy: policy, logger: logger}, nil
}

// Append writes one record. Under AckOnFlush the record has been flushed to
// the file when Append returns; under AckOnEnqueue it may still sit in the
// write buffer until the next Flush.
func (l *DataLog) Append(rec *DataRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "unable to encode data record")
	}
	if _, err := l.w.Write(data); err != nil {
		return errors.Wrap(err, "unable to append data record")
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "unable to append data record")
	}
	if l.policy == AckOnFlush {
		if err := l.w.Flush(); err != nil {
			return errors.Wrap(err, "unable to flush data log")
		}
	}
	return nil
}

func (l *DataLog) Flush() error {
	return l.w.Flush()
}

func (l *DataLog) Close() error {
	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return errors.Wrap(err, "unable to flush data log on close")
	}
	return l.f.Close()
}

// Replay reads the log from the beginning, applying every well-formed
// record in file order. Same skip policy as the metadata WAL: malformed or
// truncated lines are logged and ignored. A missing file is a fresh log.
func (l *DataLog) Replay(apply func(*DataRecord)) (applied, skipped int, err error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, errors.Wrapf(err, "unable to open data log %s", l.path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec DataRecord
		if uerr := json.Unmarshal(line, &rec); uerr != nil || rec.Topic == "" {
			skipped++
			l.logger.WithField("Topic", DData).Warnf("skipping malformed data log line %d in %s", lineNo, l.path)
			continue
		}
		apply(&rec)
		applied++
	}
	if serr := scanner.Err(); serr != nil {
		return applied, skipped, errors.Wrapf(serr, "unable to read data log %s", l.path)
	}
	return applied, skipped, nil
}
