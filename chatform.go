// Package chatform wires the conversational survey engine together:
// session storage, form access, the turn controller, and the background
// extraction pipeline, all configured from one Config.
package chatform

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/errgroup"

	"github.com/chatform-dev/chatform/internal/completion"
	"github.com/chatform-dev/chatform/internal/conversation"
	"github.com/chatform-dev/chatform/internal/extraction"
	"github.com/chatform-dev/chatform/internal/observability"
	"github.com/chatform-dev/chatform/internal/policy"
	"github.com/chatform-dev/chatform/pkg/config"
	"github.com/chatform-dev/chatform/pkg/form"
	obs "github.com/chatform-dev/chatform/pkg/observability"
	"github.com/chatform-dev/chatform/pkg/session"
)

// Engine is the assembled application.
type Engine struct {
	cfg        *config.Config
	sessions   *session.Repository
	forms      form.Provider
	controller *conversation.Controller
	queue      *extraction.Queue
	worker     *extraction.Worker
	sweeper    *extraction.Sweeper
	obsServer  *obs.Server

	// fsClient is set when firestore backs storage; closed on shutdown.
	fsClient *firestore.Client
}

// Option overrides a default collaborator, mainly for tests and the REPL.
type Option func(*options)

type options struct {
	forms      form.Provider
	completion completion.Client
	notifier   extraction.Notifier
}

// WithFormProvider substitutes the form provider.
func WithFormProvider(p form.Provider) Option {
	return func(o *options) { o.forms = p }
}

// WithCompletionClient substitutes the completion client.
func WithCompletionClient(c completion.Client) Option {
	return func(o *options) { o.completion = c }
}

// WithNotifier substitutes the milestone notifier.
func WithNotifier(n extraction.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// New assembles an engine from configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	obs.InitMetrics()

	e := &Engine{cfg: cfg}

	if err := e.initStorage(ctx, cfg, &o); err != nil {
		return nil, err
	}

	client := o.completion
	if client == nil {
		client = completion.NewOpenAIClient(cfg.OpenAIKey, completion.OpenAIOptions{
			DefaultModel: cfg.ChatModel,
		})
	}

	classifier := policy.NewModelClassifier(client, cfg.ChatModel)
	engine := policy.NewEngine(classifier, policy.EngineConfig{
		MaxRedirects: cfg.Conversation.MaxRedirects,
	})

	e.queue = extraction.NewQueue(cfg.Extraction.QueueSize)

	e.controller = conversation.NewController(e.sessions, e.forms, engine, e.queue, conversation.Config{
		CompletionThreshold: cfg.Conversation.CompletionThreshold,
		SessionTTL:          cfg.Conversation.SessionTTL,
		RecapGap:            cfg.Conversation.RecapGap,
	})

	chain := extraction.NewChain(client, extraction.ChainConfig{
		Model:               cfg.ExtractionModel,
		ConfidenceThreshold: cfg.Extraction.ConfidenceThreshold,
	})

	store := e.responseStore()

	notifier := o.notifier
	if notifier == nil {
		notifier = extraction.LogNotifier{}
	}

	e.worker = extraction.NewWorker(e.queue, e.sessions, chain, store, e.forms, notifier, extraction.WorkerConfig{
		Milestones: cfg.Extraction.Milestones,
	})

	e.sweeper = extraction.NewSweeper(e.sessions, store, e.queue, cfg.Extraction.SweepWindow)
	e.obsServer = obs.NewServer(cfg.Server.MetricsPort)

	e.registerHealthChecks()

	return e, nil
}

func (e *Engine) initStorage(ctx context.Context, cfg *config.Config, o *options) error {
	var backend session.Backend
	switch cfg.Storage {
	case "redis":
		rb, err := session.NewRedisBackend(session.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Prefix:     cfg.Redis.Prefix,
			SessionTTL: 2 * cfg.Conversation.SessionTTL,
		})
		if err != nil {
			return fmt.Errorf("redis backend: %w", err)
		}
		backend = rb

	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.GCPProject)
		if err != nil {
			return fmt.Errorf("firestore client: %w", err)
		}
		e.fsClient = client
		backend = session.NewFirestoreBackendFromClient(client, "chat_sessions")

	default:
		backend = session.NewMemoryBackend()
	}
	e.sessions = session.NewRepository(backend)

	if o.forms != nil {
		e.forms = o.forms
	} else if e.fsClient != nil {
		e.forms = form.NewFirestoreProviderFromClient(e.fsClient, "forms", "users")
	} else {
		e.forms = form.NewMemoryProvider()
	}

	return nil
}

func (e *Engine) responseStore() extraction.ResponseStore {
	if e.fsClient != nil {
		return extraction.NewFirestoreResponseStore(e.fsClient, "responses")
	}
	return extraction.NewMemoryResponseStore()
}

func (e *Engine) registerHealthChecks() {
	checker := obs.InitHealthChecker()
	checker.RegisterCheck(obs.PingCheck())
	checker.RegisterCheck(obs.SessionStoreCheck(func(ctx context.Context) error {
		_, err := e.sessions.Load(ctx, "health-probe")
		if conversation.IsNotFound(err) {
			return nil
		}
		return err
	}))
	checker.RegisterCheck(obs.ExtractionQueueCheck(e.queue.Depth, e.cfg.Extraction.QueueSize, 0.9))
	if e.fsClient != nil {
		checker.RegisterCheck(obs.FormProviderCheck(func(ctx context.Context) error {
			_, err := e.forms.Snapshot(ctx, "health-probe")
			if errors.Is(err, form.ErrFormNotFound) || errors.Is(err, form.ErrFormInactive) {
				return nil
			}
			return err
		}))
	}
}

// Controller exposes the conversation API.
func (e *Engine) Controller() *conversation.Controller {
	return e.controller
}

// Queue exposes the extraction queue, mainly for maintenance tooling.
func (e *Engine) Queue() *extraction.Queue {
	return e.queue
}

// Sweep runs one extraction sweep immediately.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	return e.sweeper.Sweep(ctx)
}

// Drain processes queued extraction jobs until the queue is empty.
// It is meant for one-shot tooling, not for serving.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		job, err := e.queue.Dequeue(ctx, 100*time.Millisecond)
		if errors.Is(err, extraction.ErrNoJob) || errors.Is(err, extraction.ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		e.worker.Process(ctx, job)
	}
}

// Run starts the worker, the sweeper schedule, and the observability
// server, and blocks until the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Server.Tracing {
		if err := observability.InitFromEnv(); err != nil {
			log.Printf("tracing init failed: %v", err)
		}
	}

	if spec := e.cfg.Extraction.SweepInterval; spec != "" {
		if err := e.sweeper.Start(spec); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
		defer e.sweeper.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.worker.Run(ctx)
	})

	g.Go(func() error {
		err := e.obsServer.Start()
		if err != nil {
			log.Printf("observability server stopped: %v", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return e.obsServer.Shutdown(context.Background())
	})

	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				obs.SetMemoryUsage(m.Alloc)
				obs.SetGoroutines(runtime.NumGoroutine())
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases storage and tracing resources.
func (e *Engine) Close() error {
	e.queue.Close()
	err := e.sessions.Close()

	if e.fsClient != nil {
		// The session repository does not own the shared client.
		if cerr := e.fsClient.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	if terr := observability.Shutdown(context.Background()); terr != nil && err == nil {
		err = terr
	}
	return err
}
