package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/metrics"
	"github.com/ILLUVRSE/driftguard/internal/signer"
)

// Config tunes batching and the in-memory window of the ledger.
type Config struct {
	// BatchSize is the number of pending entries that triggers a flush.
	BatchSize int

	// FlushInterval bounds how long a non-critical entry stays unpersisted.
	FlushInterval time.Duration

	// HistoryCap is the number of entries kept in memory for queries and
	// verification. Older entries remain in the store.
	HistoryCap int

	// WriteTimeout bounds a single store write.
	WriteTimeout time.Duration

	// QueueSize is the capacity of the append queue.
	QueueSize int
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 10000
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// FailureHandler is invoked from the writer goroutine when a flush fails.
// pending holds the entries that remain unpersisted.
type FailureHandler func(err error, pending []*Entry)

type appendRequest struct {
	ev    Event
	reply chan appendResult
}

type appendResult struct {
	entry *Entry
	err   error
}

// Ledger is the append-only hash chain. All appends are serialized through a
// single writer goroutine; readers take a snapshot under mtx.
type Ledger struct {
	cfg       Config
	signer    signer.Signer
	keys      *signer.Keyring
	store     Store
	publisher Publisher
	onFailure FailureHandler
	logger    *zap.Logger
	now       func() time.Time

	reqs    chan appendRequest
	flushes chan chan error
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	mtx       sync.RWMutex
	entries   []*Entry
	anchor    string
	anchorSeq uint64

	// owned by the writer goroutine
	tail     string
	seq      uint64
	pending  []*Entry
	degraded bool
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithPublisher hands every persisted batch to p.
func WithPublisher(p Publisher) Option { return func(l *Ledger) { l.publisher = p } }

// WithFailureHandler registers the operator hook for persistence failures.
func WithFailureHandler(h FailureHandler) Option { return func(l *Ledger) { l.onFailure = h } }

// WithKeyring verifies entries against keys, which should include retired
// signers. The active signer is always added.
func WithKeyring(k *signer.Keyring) Option { return func(l *Ledger) { l.keys = k } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// Open recovers the chain tail from store and starts the writer goroutine.
func Open(ctx context.Context, s signer.Signer, store Store, cfg Config, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if s == nil || store == nil {
		return nil, errors.New("audit ledger: signer and store required")
	}
	cfg.setDefaults()
	l := &Ledger{
		cfg:     cfg,
		signer:  s,
		store:   store,
		logger:  logger.Named("audit.ledger"),
		now:     func() time.Time { return time.Now().UTC() },
		reqs:    make(chan appendRequest, cfg.QueueSize),
		flushes: make(chan chan error),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.keys == nil {
		l.keys = signer.NewKeyring()
	}
	if err := l.keys.AddSigner(s); err != nil {
		return nil, err
	}
	if err := l.recover(ctx); err != nil {
		return nil, err
	}
	go l.run()
	l.logger.Info("ledger opened",
		zap.Uint64("sequence", l.seq),
		zap.String("tail", l.tail),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.FlushInterval))
	return l, nil
}

func (l *Ledger) recover(ctx context.Context) error {
	persisted, err := l.store.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("recover ledger tail: %w", err)
	}
	if len(persisted) == 0 {
		return nil
	}
	last := persisted[len(persisted)-1]
	l.tail = last.Integrity.Hash
	l.seq = last.Sequence

	start := 0
	if len(persisted) > l.cfg.HistoryCap {
		start = len(persisted) - l.cfg.HistoryCap
		l.anchor = persisted[start-1].Integrity.Hash
		l.anchorSeq = persisted[start-1].Sequence
	}
	l.entries = append([]*Entry(nil), persisted[start:]...)
	return nil
}

// Append seals ev into the chain. Critical entries are persisted before
// Append returns; an error means the entry is not part of the chain.
func (l *Ledger) Append(ctx context.Context, ev Event) (*Entry, error) {
	if err := validateEvent(&ev); err != nil {
		return nil, err
	}
	req := appendRequest{ev: ev, reply: make(chan appendResult, 1)}
	select {
	case l.reqs <- req:
	case <-l.stop:
		return nil, ErrLedgerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.entry, res.err
	case <-l.done:
		select {
		case res := <-req.reply:
			return res.entry, res.err
		default:
			return nil, ErrLedgerClosed
		}
	case <-ctx.Done():
		// The writer still completes the request; the caller just stops waiting.
		return nil, ctx.Err()
	}
}

// Flush persists all pending entries.
func (l *Ledger) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case l.flushes <- reply:
	case <-l.stop:
		return ErrLedgerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer after a final flush.
func (l *Ledger) Close(ctx context.Context) error {
	l.once.Do(func() { close(l.stop) })
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tail returns the sequence number and hash of the last sealed entry.
func (l *Ledger) Tail() (uint64, string) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Sequence, l.entries[n-1].Integrity.Hash
	}
	return l.anchorSeq, l.anchor
}

func (l *Ledger) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-l.reqs:
			entry, err := l.handleAppend(req.ev)
			req.reply <- appendResult{entry: entry, err: err}
		case reply := <-l.flushes:
			reply <- l.flush()
		case <-ticker.C:
			if len(l.pending) > 0 {
				_ = l.flush()
			}
		case <-l.stop:
			l.drain()
			if err := l.flush(); err != nil {
				l.logger.Error("final flush failed", zap.Error(err), zap.Int("pending", len(l.pending)))
			}
			return
		}
	}
}

// drain serves requests that were queued before stop was closed.
func (l *Ledger) drain() {
	for {
		select {
		case req := <-l.reqs:
			entry, err := l.handleAppend(req.ev)
			req.reply <- appendResult{entry: entry, err: err}
		default:
			return
		}
	}
}

func (l *Ledger) handleAppend(ev Event) (*Entry, error) {
	if l.degraded && len(l.pending) > 0 {
		if err := l.flush(); err != nil {
			return nil, fmt.Errorf("%w: %d entries awaiting persistence: %v", ErrLedgerUnavailable, len(l.pending), err)
		}
	}

	entry, err := l.build(ev)
	if err != nil {
		return nil, err
	}

	prevTail, prevSeq := l.tail, l.seq
	trimmed := l.commit(entry)
	l.pending = append(l.pending, entry)
	metrics.LedgerPending.Set(float64(len(l.pending)))

	critical := entry.Severity == SeverityCritical
	if critical || len(l.pending) >= l.cfg.BatchSize {
		if err := l.flush(); err != nil {
			if critical {
				l.rollback(entry, trimmed, prevTail, prevSeq)
				return nil, fmt.Errorf("%w: persist critical entry: %v", ErrLedgerUnavailable, err)
			}
			// The entry stays pending and is retried before the next append.
		}
	}
	metrics.LedgerAppends.WithLabelValues(string(entry.Severity)).Inc()
	return entry.clone(), nil
}

func (l *Ledger) build(ev Event) (*Entry, error) {
	// Postgres keeps microseconds; hashing a finer timestamp would not survive a reload.
	ts := l.now().UTC().Truncate(time.Microsecond)
	e := &Entry{
		ID:          NewUUID(),
		Sequence:    l.seq + 1,
		Timestamp:   ts,
		EventType:   ev.EventType,
		Severity:    ev.Severity,
		Actor:       ev.Actor,
		Source:      ev.Source,
		Target:      ev.Target,
		Action:      ev.Action,
		Description: ev.Description,
		Retention:   RetentionFor(ev.Target.Type, ev.Severity, ts),
	}
	var err error
	if e.Before, err = rawJSON(ev.Before); err != nil {
		return nil, fmt.Errorf("%w: before: %v", ErrInvalidEvent, err)
	}
	if e.After, err = rawJSON(ev.After); err != nil {
		return nil, fmt.Errorf("%w: after: %v", ErrInvalidEvent, err)
	}
	e.Integrity.PreviousHash = l.tail
	if err := seal(e, l.signer); err != nil {
		return nil, err
	}
	return e, nil
}

// commit advances the chain tail and returns the entry trimmed from the
// in-memory window, if any.
func (l *Ledger) commit(e *Entry) *Entry {
	l.tail = e.Integrity.Hash
	l.seq = e.Sequence

	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) <= l.cfg.HistoryCap {
		return nil
	}
	trimmed := l.entries[0]
	l.entries[0] = nil
	l.entries = l.entries[1:]
	l.anchor = trimmed.Integrity.Hash
	l.anchorSeq = trimmed.Sequence
	return trimmed
}

func (l *Ledger) rollback(e, trimmed *Entry, prevTail string, prevSeq uint64) {
	l.tail, l.seq = prevTail, prevSeq
	if n := len(l.pending); n > 0 && l.pending[n-1] == e {
		l.pending = l.pending[:n-1]
	}
	metrics.LedgerPending.Set(float64(len(l.pending)))

	l.mtx.Lock()
	defer l.mtx.Unlock()
	if n := len(l.entries); n > 0 && l.entries[n-1] == e {
		l.entries = l.entries[:n-1]
	}
	if trimmed != nil {
		l.entries = append([]*Entry{trimmed}, l.entries...)
		l.anchor = trimmed.Integrity.PreviousHash
		l.anchorSeq = trimmed.Sequence - 1
	}
}

func (l *Ledger) flush() error {
	if len(l.pending) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()

	batch := l.pending
	if err := l.store.WriteBatch(ctx, batch); err != nil {
		l.degraded = true
		metrics.LedgerFlushes.WithLabelValues("failure").Inc()
		l.logger.Error("ledger persistence failed",
			zap.Error(err),
			zap.Int("pending", len(batch)),
			zap.Uint64("first_sequence", batch[0].Sequence))
		if l.onFailure != nil {
			l.onFailure(err, cloneEntries(batch))
		}
		return err
	}

	l.pending = nil
	l.degraded = false
	metrics.LedgerFlushes.WithLabelValues("success").Inc()
	metrics.LedgerPending.Set(0)
	if l.publisher != nil {
		l.publisher.Publish(cloneEntries(batch))
	}
	return nil
}

func validateEvent(ev *Event) error {
	if ev.EventType == "" {
		return fmt.Errorf("%w: event type required", ErrInvalidEvent)
	}
	if ev.Action == "" {
		ev.Action = ev.EventType
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if !ev.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, ev.Severity)
	}
	if ev.Actor == "" {
		ev.Actor = "system"
	}
	return nil
}

func rawJSON(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func cloneEntries(in []*Entry) []*Entry {
	out := make([]*Entry, len(in))
	for i, e := range in {
		out[i] = e.clone()
	}
	return out
}
