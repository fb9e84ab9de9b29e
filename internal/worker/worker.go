package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"callwatch/internal/logger"
	"callwatch/internal/metrics"
	"callwatch/internal/models"
)

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("worker pool is closed")

// Handler evaluates one envelope on behalf of one shard.
type Handler func(shard int, envelope *models.Envelope)

// Pool runs a fixed set of shards. Every submitted envelope is delivered to
// every shard; each shard drains its own bounded queue in order, so work
// owned by a shard is never evaluated concurrently with itself.
type Pool struct {
	handler Handler
	queues  []chan *models.Envelope

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Shards    int
	QueueSize int
	Handler   Handler
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		handler: cfg.Handler,
		queues:  make([]chan *models.Envelope, cfg.Shards),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan *models.Envelope, cfg.QueueSize)
	}
	return p
}

// Shards returns the number of shards.
func (p *Pool) Shards() int { return len(p.queues) }

// ShardFor maps a key onto a shard. The mapping is stable for the life of
// the pool.
func (p *Pool) ShardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.queues)))
}

// Start begins processing envelopes
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("shards", len(p.queues)).
		Int("queue_size", cap(p.queues[0])).
		Msg("starting worker pool")

	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit hands an envelope to every shard. It never blocks: a full shard
// queue sheds its oldest envelope to make room.
func (p *Pool) Submit(envelope *models.Envelope) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	for i := range p.queues {
		p.enqueue(i, envelope)
	}
	return nil
}

func (p *Pool) enqueue(shard int, envelope *models.Envelope) {
	q := p.queues[shard]
	for {
		select {
		case q <- envelope:
			return
		default:
		}

		select {
		case old := <-q:
			p.dropped.Add(1)
			metrics.EngineEventsDropped.Inc()
			log := logger.WithComponent("worker_pool")
			log.Warn().
				Int("shard", shard).
				Str("event_id", old.Event.ID).
				Msg("shard queue full, dropped oldest event")
		default:
		}
	}
}

// Stop refuses new envelopes, drains every queue and waits for the shards.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	log.Info().Msg("stopping worker pool")
	p.wg.Wait()
	p.cancel()
	log.Info().Msg("worker pool stopped")
}

// Context is cancelled once the pool has fully stopped.
func (p *Pool) Context() context.Context { return p.ctx }

// worker drains one shard queue until it is closed
func (p *Pool) worker(shard int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("shard", shard).Logger()
	label := strconv.Itoa(shard)

	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for envelope := range p.queues[shard] {
		p.handle(shard, envelope)
		metrics.EngineQueueDepth.WithLabelValues(label).Set(float64(len(p.queues[shard])))
	}
}

// handle runs the handler with panic recovery so one bad envelope does not
// take the shard down.
func (p *Pool) handle(shard int, envelope *models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log := logger.WithComponent("worker")
			log.Error().
				Int("shard", shard).
				Str("event_id", envelope.Event.ID).
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("worker panic recovered")
			p.panics.Add(1)
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	p.handler(shard, envelope)
	p.processed.Add(1)
	metrics.EngineEventsProcessed.Inc()
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	queued := 0
	for _, q := range p.queues {
		queued += len(q)
	}
	return Stats{
		Processed: p.processed.Load(),
		Dropped:   p.dropped.Load(),
		Panics:    p.panics.Load(),
		Queued:    queued,
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Panics    uint64 `json:"panics"`
	Queued    int    `json:"queued"`
}
