package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/analytics"
	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/backend"
	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/cache"
	httpadapter "github.com/AnalineS/roteirosdedispersacao/internal/adapters/http"
	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/knowledge"
	"github.com/AnalineS/roteirosdedispersacao/internal/adapters/llm"
	firestorestore "github.com/AnalineS/roteirosdedispersacao/internal/adapters/storage/firestore"
	memstore "github.com/AnalineS/roteirosdedispersacao/internal/adapters/storage/memory"
	sqlitestore "github.com/AnalineS/roteirosdedispersacao/internal/adapters/storage/sqlite"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/fallback"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/persona"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/retrieval"
	"github.com/AnalineS/roteirosdedispersacao/internal/app/session"
	"github.com/AnalineS/roteirosdedispersacao/internal/config"
	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
	"github.com/AnalineS/roteirosdedispersacao/internal/observability"
)

func main() {
	if err := run(); err != nil {
		observability.Logger().Error("roteiros-api stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := observability.Configure(os.Stdout, cfg.LogLevel)
	log.Info("starting", "mode", cfg.Mode, "storage", cfg.StorageBackend, "kv", cfg.KVBackend)

	// Storage: Firestore or Memory

	var (
		sessionStore     domain.SessionStore
		messageStore     domain.MessageStore
		interactionStore domain.InteractionStore
		fsStore          *firestorestore.Store
	)
	if cfg.StorageBackend == "firestore" || cfg.KVBackend == "firestore" {
		fsStore, err = firestorestore.NewStore(ctx, cfg.GCPProjectID)
		if err != nil {
			return fmt.Errorf("init firestore: %w", err)
		}
		defer fsStore.Close()
		log.Info("using firestore", "project", cfg.GCPProjectID)
	}

	switch cfg.StorageBackend {
	case "firestore":
		// 1 store, implements 3 interfaces
		sessionStore, messageStore, interactionStore = fsStore, fsStore, fsStore
	default:
		sessionStore = memstore.NewSessionStore()
		messageStore = memstore.NewMessageStore(0)
		interactionStore = memstore.NewInteractionStore(0)
	}

	// Cache and its durable backing store

	var (
		kv     domain.KVStore
		purger *sqlitestore.KV
	)
	switch cfg.KVBackend {
	case "firestore":
		kv = fsStore
	case "sqlite":
		sq, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite kv: %w", err)
		}
		defer sq.Close()
		kv, purger = sq, sq
		log.Info("using sqlite kv", "path", cfg.SQLitePath)
	}
	c := cache.New(cache.Options{MaxEntries: cfg.CacheMaxEntries, Backend: kv})

	// Analytics

	counter := analytics.NewCounter()
	events := analytics.NewAsync(analytics.Fanout{analytics.NewLog(log), counter}, cfg.AnalyticsBuffer)
	events.Start(ctx)
	defer events.Close()

	// Knowledge base and model

	docs, err := knowledge.LoadDocuments(cfg.KnowledgeFile)
	if err != nil {
		return fmt.Errorf("load knowledge: %w", err)
	}
	kb, err := knowledge.New(ctx, docs, cfg.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("index knowledge: %w", err)
	}
	log.Info("knowledge base indexed", "documents", kb.Count())

	var model llm.Client
	if cfg.UseMockLLM {
		log.Info("using mock LLM client")
		model = llm.NewMockLLM()
	} else {
		vc, err := llm.NewVertexClient(ctx, cfg.GCPProjectID, cfg.GCPLocation, cfg.ModelName)
		if err != nil {
			return fmt.Errorf("init vertex client: %w", err)
		}
		log.Info("using vertex LLM client", "model", cfg.ModelName)
		model = vc
	}

	// Retrieval backends

	var primary domain.PrimaryBackend = backend.NewGenerative(kb, model, 0)
	if cfg.PrimaryURL != "" {
		primary = backend.NewContextualClient(cfg.PrimaryURL)
	}
	var secondary domain.SecondaryBackend = kb
	if cfg.SecondaryURL != "" {
		secondary = backend.NewSearchClient(cfg.SecondaryURL)
	}

	gw := retrieval.New(primary, secondary, c, events, retrieval.Config{
		Timeout:        cfg.BackendTimeout,
		EnhanceWithLLM: cfg.EnhanceWithLLM,
	})
	fb := fallback.New(c.Namespace("fallback:", cfg.FallbackTTL), events, fallback.Config{CacheTTL: cfg.FallbackTTL})

	profiles, err := persona.LoadProfiles(cfg.PersonasFile)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}
	orch := persona.NewOrchestrator(profiles, gw, fb, persona.NewTracker(c, interactionStore, nil), events, persona.Config{
		DefaultMinConfidence: cfg.DefaultMinConfidence,
		UseCache:             true,
	})

	mgr := session.NewManager(session.Deps{
		Answerer:  orch,
		Personas:  profiles,
		Sessions:  sessionStore,
		Messages:  messageStore,
		Prefs:     c,
		Events:    events,
		Cache:     c,
		Retrieval: gw,
		Fallback:  fb,
	}, session.Config{
		MaxActive:   cfg.MaxActiveSessions,
		IdleTimeout: cfg.IdleTimeout,
	})

	// HTTP server

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpadapter.NewServer(mgr, orch, counter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mgr.Run(gctx, cfg.SweepEvery)
		return nil
	})
	if purger != nil {
		g.Go(func() error {
			purgeExpired(gctx, purger, cfg.SweepEvery)
			return nil
		})
	}
	g.Go(func() error {
		log.Info("roteiros API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// purgeExpired drops expired rows from the sqlite kv; reads already ignore them.
func purgeExpired(ctx context.Context, kv *sqlitestore.KV, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := kv.PurgeExpired(ctx, now)
			if err != nil {
				observability.Logger().Warn("kv purge failed", "error", err)
				continue
			}
			if n > 0 {
				observability.Logger().Debug("kv purged", "rows", n)
			}
		}
	}
}
