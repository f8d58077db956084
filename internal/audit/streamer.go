package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/canonical"
	"github.com/ILLUVRSE/driftguard/internal/metrics"
)

// Producer is the small subset of kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (partition int, offset int64, producedAt time.Time, err error)
	Close() error
}

// StreamerConfig configures the streamer.
type StreamerConfig struct {
	// QueueSize bounds the entries waiting to be streamed. Entries published
	// while the queue is full are dropped; they stay in the ledger store.
	QueueSize int

	// MaxConcurrency bounds concurrent produce/archive operations.
	MaxConcurrency int

	// EntryTimeout bounds produce+archive of a single entry.
	EntryTimeout time.Duration

	// DrainTimeout bounds delivery of the entries still queued when Run is
	// cancelled.
	DrainTimeout time.Duration
}

// Streamer forwards persisted entries to Kafka and object storage. It runs
// after the ledger store accepted a batch, so its failures never affect the
// chain.
type Streamer struct {
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	logger   *zap.Logger
	queue    chan *Entry
	wg       sync.WaitGroup
}

// NewStreamer constructs a streamer. Either producer or archiver may be nil.
func NewStreamer(producer Producer, archiver Archiver, cfg StreamerConfig, logger *zap.Logger) *Streamer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Streamer{
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.Named("audit.streamer"),
		queue:    make(chan *Entry, cfg.QueueSize),
	}
}

// Publish enqueues entries without blocking the ledger writer.
func (s *Streamer) Publish(entries []*Entry) {
	for _, e := range entries {
		select {
		case s.queue <- e:
		default:
			metrics.LedgerStreamed.WithLabelValues("dropped").Inc()
			s.logger.Warn("stream queue full, entry not streamed",
				zap.String("entry_id", e.ID), zap.Uint64("sequence", e.Sequence))
		}
	}
}

// Run processes queued entries until ctx is cancelled, then delivers what is
// still queued within DrainTimeout. Entries in flight are not cut short by the
// cancellation; each is bounded by EntryTimeout.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Info("starting", zap.Int("concurrency", s.cfg.MaxConcurrency))
	defer s.logger.Info("stopped")

	work := context.WithoutCancel(ctx)
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	for {
		select {
		case <-ctx.Done():
			s.drain(work, sem, nil)
			return ctx.Err()
		case e := <-s.queue:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				s.drain(work, sem, e)
				return ctx.Err()
			}
			s.wg.Add(1)
			go func(e *Entry) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				s.deliver(work, e)
			}(e)
		}
	}
}

// drain delivers pending (if any) and the queued entries, then waits for the
// workers and closes the producer.
func (s *Streamer) drain(parent context.Context, sem chan struct{}, pending *Entry) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.DrainTimeout)
	defer cancel()

	var entries []*Entry
	if pending != nil {
		entries = append(entries, pending)
	}
	for done := false; !done; {
		select {
		case e := <-s.queue:
			entries = append(entries, e)
		default:
			done = true
		}
	}
	if len(entries) > 0 {
		s.logger.Info("draining stream queue", zap.Int("entries", len(entries)))
	}
	for i, e := range entries {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			metrics.LedgerStreamed.WithLabelValues("dropped").Add(float64(len(entries) - i))
			s.logger.Warn("drain timed out, entries not streamed", zap.Int("remaining", len(entries)-i))
			s.wg.Wait()
			s.closeProducer()
			return
		}
		s.wg.Add(1)
		go func(e *Entry) {
			defer func() {
				<-sem
				s.wg.Done()
			}()
			s.deliver(ctx, e)
		}(e)
	}
	s.wg.Wait()
	s.closeProducer()
}

func (s *Streamer) deliver(ctx context.Context, e *Entry) {
	if err := s.process(ctx, e); err != nil {
		metrics.LedgerStreamed.WithLabelValues("failure").Inc()
		s.logger.Error("stream entry", zap.String("entry_id", e.ID), zap.Error(err))
		return
	}
	metrics.LedgerStreamed.WithLabelValues("success").Inc()
}

func (s *Streamer) closeProducer() {
	if s.producer == nil {
		return
	}
	if err := s.producer.Close(); err != nil {
		s.logger.Warn("close producer", zap.Error(err))
	}
}

func (s *Streamer) process(parent context.Context, e *Entry) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.EntryTimeout)
	defer cancel()

	if s.producer != nil {
		body, err := canonical.Marshal(e)
		if err != nil {
			return fmt.Errorf("canonicalize entry: %w", err)
		}
		if _, _, _, err := s.producer.Produce(ctx, []byte(e.ID), body); err != nil {
			return fmt.Errorf("kafka produce: %w", err)
		}
	}
	if s.archiver != nil {
		key, err := s.archiver.ArchiveEntry(ctx, e)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		s.logger.Debug("entry streamed", zap.String("entry_id", e.ID), zap.String("archive_key", key))
	}
	return nil
}
