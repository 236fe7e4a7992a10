package lineq

import (
	"bufio"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// WAL is the append-only metadata write-ahead log: one JSON record per
// committed create/resize event, newline-delimited, never rewritten in
// place. Append flushes before returning because the WAL append is the
// commit point for every metadata mutation.
type WAL struct {
	path   string
	f      *os.File
	w      *bufio.Writer
	logger logrus.Entry
}

// OpenWAL opens the log for appending, creating it if absent.
func OpenWAL(path string, logger logrus.Entry) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open metadata WAL %s", path)
	}
	return &WAL{path: path, f: f, w: bufio.NewWriter(f), logger: logger}, nil
}

// Append commits one record. The record is on its way to disk when Append
// returns without error.
func (w *WAL) Append(rec *TopicRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "unable to encode WAL record")
	}
	if _, err := w.w.Write(data); err != nil {
		return errors.Wrap(err, "unable to append WAL record")
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "unable to append WAL record")
	}
	if err := w.w.Flush(); err != nil {
		return errors.Wrap(err, "unable to flush WAL")
	}
	return nil
}

func (w *WAL) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return errors.Wrap(err, "unable to flush WAL on close")
	}
	return w.f.Close()
}

// ReplayWAL reads the log from the beginning and applies every well-formed
// record in file order. A missing file is an empty history. Malformed lines,
// including a truncated trailing line from an interrupted append, are
// skipped with a warning; replay never aborts on record content. Returns
// the number of records applied and skipped.
func ReplayWAL(path string, logger logrus.Entry, apply func(*TopicRecord)) (applied, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, errors.Wrapf(err, "unable to open metadata WAL %s", path)
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
		var rec TopicRecord
		if uerr := json.Unmarshal(line, &rec); uerr != nil || rec.Topic == "" {
			skipped++
			walRecordsSkipped.Inc()
			logger.WithField("Topic", DWAL).Warnf("skipping malformed WAL line %d in %s", lineNo, path)
			continue
		}
		apply(&rec)
		applied++
		walRecordsReplayed.Inc()
	}
	if serr := scanner.Err(); serr != nil {
		return applied, skipped, errors.Wrapf(serr, "unable to read metadata WAL %s", path)
	}
	return applied, skipped, nil
}
