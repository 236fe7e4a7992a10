package lineq

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Broker assembles the dispatcher, the control worker, and the data worker
// pool into one process. Each component is a sequential executor; they
// communicate only over the request and reply channels wired up here.
type Broker struct {
	cfg        *Config
	logger     logrus.Entry
	lis        net.Listener
	dispatcher *Dispatcher
	control    *ControlWorker
	workers    []*DataWorker
}

// NewBroker wires the executors together from cfg. Nothing is opened or
// started until Listen/Run.
func NewBroker(cfg *Config, logger logrus.Entry) *Broker {
	replies := make(chan WorkerReply, requestQueueDepth)

	control := NewControlWorker(filepath.Join(cfg.DataDir, "metadata.wal"), replies, logger)

	workers := make([]*DataWorker, cfg.DataWorkers)
	mailboxes := make([]chan<- *Request, cfg.DataWorkers)
	for i := range workers {
		logPath := filepath.Join(cfg.DataDir, fmt.Sprintf("records-%d.log", i))
		workers[i] = NewDataWorker(i, logPath, cfg.AckPolicy, replies, logger)
		mailboxes[i] = workers[i].Requests()
	}

	dispatcher := NewDispatcher(control.Requests(), mailboxes, replies, cfg.RequestTimeout, logger)

	return &Broker{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		control:    control,
		workers:    workers,
	}
}

// Listen replays persisted state, seeds the dispatcher mirror, and binds
// the listener. Safe to call before Run to learn the bound address.
func (b *Broker) Listen() error {
	if err := os.MkdirAll(b.cfg.DataDir, 0755); err != nil {
		return errors.Wrapf(err, "unable to create data dir %s", b.cfg.DataDir)
	}
	if err := b.control.Replay(); err != nil {
		return err
	}
	b.dispatcher.SeedMirror(b.control.Snapshot())
	for _, w := range b.workers {
		if err := w.Replay(); err != nil {
			return err
		}
	}

	lis, err := net.Listen("tcp", b.cfg.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "unable to listen on %s", b.cfg.ListenAddress)
	}
	b.lis = lis
	b.logger.WithField("Topic", DDispatch).Infof(
		"broker listening on %s (%d data workers, ack policy %s)", lis.Addr(), len(b.workers), b.cfg.AckPolicy)
	return nil
}

// Addr returns the bound listener address; nil before Listen.
func (b *Broker) Addr() net.Addr {
	if b.lis == nil {
		return nil
	}
	return b.lis.Addr()
}

// Run serves until ctx is cancelled, then shuts everything down and flushes
// the logs. The first executor error cancels the rest.
func (b *Broker) Run(ctx context.Context) error {
	if b.lis == nil {
		if err := b.Listen(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return b.lis.Close()
	})
	g.Go(func() error { return b.dispatcher.Serve(ctx, b.lis) })
	g.Go(func() error { return b.dispatcher.Run(ctx) })
	g.Go(func() error { return b.control.Start(ctx) })
	for _, w := range b.workers {
		w := w
		g.Go(func() error { return w.Start(ctx) })
	}

	if b.cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: b.cfg.MetricsAddress, Handler: mux}
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			b.logger.WithField("Topic", DDispatch).Infof("metrics on %s/metrics", b.cfg.MetricsAddress)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
