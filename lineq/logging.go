package lineq

// Debug topics for logrus entries, attached as
// logger.WithField("Topic", D...). Grep-friendly when reading
// interleaved logs from all executors.
const (
	DDispatch = "DISPATCH"
	DControl  = "CONTROL"
	DData     = "DATA"
	DWAL      = "WAL"
	DClient   = "CLIENT"
)
