package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callwatch/internal/alertstore"
	"callwatch/internal/bus"
	"callwatch/internal/config"
	"callwatch/internal/engine"
	"callwatch/internal/handlers"
	"callwatch/internal/kafka"
	"callwatch/internal/logger"
	"callwatch/internal/middleware"
	"callwatch/internal/notify"
	"callwatch/internal/render"
	"callwatch/internal/rules"
	"callwatch/internal/storage"
	"callwatch/internal/templates"
)

// Processor is the high-level coordinator: it wires ingest transports into
// the engine and the engine into storage and notification handoff.
type Processor struct {
	cfg *config.Config

	backend    *storage.Backend
	store      *alertstore.Store
	templates  *templates.Repository
	engine     *engine.Engine
	producer   *kafka.Producer
	consumer   *kafka.Consumer
	publisher  *bus.Publisher
	subscriber *bus.Subscriber

	router     chi.Router
	httpServer *http.Server
	wg         sync.WaitGroup
	sources    sync.WaitGroup
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{cfg: cfg}
}

// Init builds every component without starting background work. Run calls
// it; tests call it directly to drive the HTTP handler.
func (p *Processor) Init(ctx context.Context) error {
	if err := p.initStorage(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	repo, err := templates.NewRepository(templates.DefaultEmail, templates.DefaultTeams, templates.DefaultWebhook)
	if err != nil {
		return err
	}
	p.templates = repo

	notifier, err := p.initNotifiers()
	if err != nil {
		return fmt.Errorf("failed to initialize notifiers: %w", err)
	}

	p.engine = engine.New(engine.Config{
		Shards:          p.cfg.Engine.Workers,
		QueueSize:       p.cfg.Engine.QueueSize,
		Lateness:        p.cfg.Engine.Lateness,
		MaxFutureSkew:   p.cfg.Engine.MaxFutureSkew,
		MaxEventIDs:     p.cfg.Engine.MaxEventIDs,
		PersistAttempts: p.cfg.Engine.PersistAttempts,
		PersistBackoff:  p.cfg.Engine.PersistBackoff,
	}, p.store, render.New(repo, p.cfg.DashboardURL), notifier)

	if err := p.loadRules(); err != nil {
		return err
	}

	p.initRouter()
	return nil
}

// initStorage opens the durable backend, if any, and restores its alerts.
func (p *Processor) initStorage(ctx context.Context) error {
	log := logger.WithComponent("processor")

	backend, err := storage.Open(p.cfg.Storage.Driver, p.cfg.Storage.DSN)
	if err != nil {
		return err
	}
	if backend == nil {
		p.store = alertstore.New(nil)
		log.Info().Msg("alerts kept in memory only")
		return nil
	}

	p.backend = backend
	p.store = alertstore.New(backend)
	n, err := p.store.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore alerts: %w", err)
	}
	log.Info().Str("driver", p.cfg.Storage.Driver).Int("restored", n).Msg("alert storage initialized")
	return nil
}

// initNotifiers builds the handoff notifier from cfg.Notifier.
func (p *Processor) initNotifiers() (notify.Notifier, error) {
	log := logger.WithComponent("processor")
	var out notify.Multi

	for _, name := range p.cfg.Notifier {
		switch name {
		case "log":
			out = append(out, notify.LogNotifier{})
		case "kafka":
			producer, err := kafka.NewProducer(p.cfg.Kafka.Brokers, p.cfg.Kafka.NotifyTopic, p.cfg.Kafka.Producer)
			if err != nil {
				return nil, err
			}
			p.producer = producer
			out = append(out, producer)
			log.Info().
				Strs("brokers", p.cfg.Kafka.Brokers).
				Str("topic", p.cfg.Kafka.NotifyTopic).
				Msg("kafka notifier initialized")
		case "nats":
			publisher, err := bus.NewPublisher(p.cfg.NATS.URL, p.cfg.NATS.NotifyPrefix)
			if err != nil {
				return nil, err
			}
			p.publisher = publisher
			out = append(out, publisher)
			log.Info().Str("prefix", p.cfg.NATS.NotifyPrefix).Msg("nats notifier initialized")
		default:
			return nil, fmt.Errorf("unknown notifier %q", name)
		}
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

// loadRules reads the rules file into the template repository and the
// engine. Invalid rules are logged and skipped.
func (p *Processor) loadRules() error {
	log := logger.WithComponent("processor")
	if p.cfg.RulesFile == "" {
		log.Warn().Msg("no rules file configured")
		return nil
	}

	f, err := rules.Load(p.cfg.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	loaded, err := rules.NewValidator(p.templates).Build(f, p.templates)
	if err != nil {
		log.Error().Err(err).Msg("rules file has problems, skipping invalid entries")
	}
	for _, r := range loaded {
		if err := p.engine.AddRule(r); err != nil {
			log.Error().Err(err).Str("rule_id", r.ID).Msg("rule rejected by engine")
		}
	}
	log.Info().
		Str("file", p.cfg.RulesFile).
		Int("rules", len(loaded)).
		Int("templates", len(p.templates.List())).
		Msg("rules loaded")
	return nil
}

// initRouter mounts the HTTP surface
func (p *Processor) initRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recovery, middleware.Logging)

	r.Method(http.MethodPost, "/ingest", handlers.NewIngestHandler(handlers.IngestConfig{
		Submitter:   p.engine,
		MaxBodySize: 10 * 1024 * 1024,
	}))
	r.Get("/health", p.healthHandler)
	r.Get("/stats", p.statsHandler)
	r.Handle("/metrics", promhttp.Handler())

	p.router = r
}

// Handler returns the HTTP handler. Init must have run.
func (p *Processor) Handler() http.Handler { return p.router }

// Engine returns the engine. Init must have run.
func (p *Processor) Engine() *engine.Engine { return p.engine }

// Alerts returns the alert store. Init must have run.
func (p *Processor) Alerts() *alertstore.Store { return p.store }

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")

	if err := p.Init(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize")
		p.closeOutputs()
		return err
	}

	if err := p.startSources(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start event sources")
		p.engine.Shutdown(context.Background())
		p.closeOutputs()
		return err
	}

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTPAddr,
		Handler:      p.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.cfg.HTTPAddr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.sweep(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return p.shutdown()
}

// startSources starts the Kafka consumer and NATS subscriber, if configured.
func (p *Processor) startSources(ctx context.Context) error {
	log := logger.WithComponent("processor")

	if len(p.cfg.Kafka.Brokers) > 0 && p.cfg.Kafka.EventsTopic != "" {
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: p.cfg.Kafka.Brokers,
			Topic:   p.cfg.Kafka.EventsTopic,
			GroupID: p.cfg.Kafka.GroupID,
		}, p.engine)
		if err != nil {
			return err
		}
		p.consumer = consumer

		p.sources.Add(1)
		go func() {
			defer p.sources.Done()
			if err := consumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
		log.Info().Str("topic", p.cfg.Kafka.EventsTopic).Str("group", p.cfg.Kafka.GroupID).Msg("kafka event source started")
	}

	if p.cfg.NATS.URL != "" && p.cfg.NATS.EventsSubject != "" {
		subscriber, err := bus.NewSubscriber(p.cfg.NATS.URL, p.engine)
		if err != nil {
			return err
		}
		if _, err := subscriber.Subscribe(p.cfg.NATS.EventsSubject); err != nil {
			subscriber.Close()
			return err
		}
		p.subscriber = subscriber
		log.Info().Str("subject", p.cfg.NATS.EventsSubject).Msg("nats event source started")
	}
	return nil
}

// sweep ages every rule's window on a wall-clock ticker.
func (p *Processor) sweep(ctx context.Context) {
	interval := p.cfg.Engine.SweepInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.engine.Tick(ctx, now)
		}
	}
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 1. Stop intake
	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if p.subscriber != nil {
		p.subscriber.Close()
	}
	p.sources.Wait()
	if p.consumer != nil {
		if err := p.consumer.Close(); err != nil {
			log.Error().Err(err).Msg("kafka consumer close error")
		}
	}

	// 2. Drain the engine and flush pending alerts
	var shutdownErr error
	if err := p.engine.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("engine shutdown error")
		shutdownErr = err
	}

	// 3. Close outputs
	p.closeOutputs()

	p.wg.Wait()
	log.Info().Msg("processor stopped gracefully")
	return shutdownErr
}

func (p *Processor) closeOutputs() {
	log := logger.WithComponent("processor")
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
	if p.publisher != nil {
		p.publisher.Close()
	}
	if p.backend != nil {
		if err := p.backend.Close(); err != nil {
			log.Error().Err(err).Msg("storage close error")
		}
	}
}

// Stats is the /stats payload.
type Stats struct {
	Engine   engine.Stats         `json:"engine"`
	Alerts   int                  `json:"alerts"`
	Producer *kafka.ProducerStats `json:"producer,omitempty"`
	Consumer *kafka.ConsumerStats `json:"consumer,omitempty"`
	NATS     *NATSStats           `json:"nats,omitempty"`
}

type NATSStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

func (p *Processor) Stats() Stats {
	s := Stats{
		Engine: p.engine.Stats(),
		Alerts: p.store.Count(),
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		s.Producer = &ps
	}
	if p.consumer != nil {
		cs := p.consumer.Stats()
		s.Consumer = &cs
	}
	if p.subscriber != nil {
		a, r := p.subscriber.Counts()
		s.NATS = &NATSStats{Accepted: a, Rejected: r}
	}
	return s
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			log.Info().
				Int("rules", s.Engine.Rules).
				Uint64("fired", s.Engine.Fired).
				Int("pending", s.Engine.Pending).
				Uint64("processed", s.Engine.Pool.Processed).
				Uint64("dropped", s.Engine.Pool.Dropped).
				Int("alerts", s.Alerts).
				Msg("stats")
		}
	}
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	s := p.engine.Stats()
	status, code := "healthy", http.StatusOK
	if s.Pending > 0 {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"rules":     s.Rules,
		"pending":   s.Pending,
	})
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(p.Stats())
}
