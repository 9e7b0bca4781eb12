package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/kycgate/backend/internal/api"
	"github.com/kycgate/backend/internal/audit"
	"github.com/kycgate/backend/internal/biometric"
	"github.com/kycgate/backend/internal/clock"
	"github.com/kycgate/backend/internal/config"
	"github.com/kycgate/backend/internal/decision"
	"github.com/kycgate/backend/internal/events"
	"github.com/kycgate/backend/internal/extraction"
	"github.com/kycgate/backend/internal/messages"
	"github.com/kycgate/backend/internal/metrics"
	"github.com/kycgate/backend/internal/quality"
	"github.com/kycgate/backend/internal/session"
	"github.com/kycgate/backend/internal/thresholds"
	"github.com/kycgate/backend/internal/vendorhub"
	"github.com/kycgate/backend/internal/websocket"
)

func main() {
	log.Println("🔥 Starting KYC Capture Backend...")

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	clk := clock.New()
	met := metrics.New()
	reg, err := thresholds.New(cfg.ThresholdOverrides())
	if err != nil {
		log.Fatalf("thresholds: %v", err)
	}

	// 1. Message catalog, optionally overlaid from disk.
	catalog := messages.NewCatalog()
	if cfg.Messages.OverlayPath != "" {
		catalog, err = messages.NewCatalogWithOverlay(cfg.Messages.OverlayPath)
		if err != nil {
			log.Fatalf("messages: %v", err)
		}
	}

	// 2. Audit chain. A broken chain on disk is fatal.
	auditLog, err := audit.Open(cfg.Audit.Path, clk, met)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}
	defer auditLog.Close()

	var pgIdx *audit.PGIndex
	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer db.Close()
		pgIdx = audit.NewPGIndex(db)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pgIdx.EnsureSchema(ctx); err != nil {
			log.Printf("⚠️  audit index schema: %v (index disabled)", err)
			pgIdx = nil
		} else {
			auditLog.SetAppendHook(pgIdx.Hook())
		}
		cancel()
	}

	// 3. Event bus.
	busCfg := events.Config{
		QueueCapacity:  reg.GetInt("event_queue_capacity"),
		MaxSubscribers: reg.GetInt("max_subscribers"),
		Heartbeat:      time.Duration(reg.GetInt("heartbeat_interval_s")) * time.Second,
		StaleAfter:     time.Duration(reg.GetInt("stale_cleanup_s")) * time.Second,
		CleanupEvery:   time.Duration(reg.GetInt("stale_cleanup_s")) * time.Second,
	}
	bus := events.NewBus(busCfg, clk, met)
	bus.Start()
	defer bus.Stop()

	// 4. Vendor hub with configured adapter chains.
	hub := vendorhub.NewHub(buildChains(cfg), vendorhub.DefaultBreakerTuning(), met)

	// 5. Coordinators and the decision engine.
	gate := quality.NewGate(reg)
	extractor := extraction.NewCoordinator(hub, bus)
	bio := biometric.NewCoordinator(hub, bus, reg)
	engine := decision.NewEngine(reg, auditLog, clk, met)

	// 6. Optional Redis checkpoints.
	var store *session.Checkpoints
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		ttl := time.Duration(reg.GetInt("session_ttl_min")) * time.Minute
		store = session.NewCheckpoints(rdb, ttl)
		log.Printf("💾 session checkpoints on %s", cfg.Redis.Addr)
	}

	manager := session.NewManager(session.Deps{
		Registry:   reg,
		Gate:       gate,
		Bus:        bus,
		Hub:        hub,
		Extraction: extractor,
		Biometric:  bio,
		Engine:     engine,
		Audit:      auditLog,
		Catalog:    catalog,
		Clock:      clk,
		Metrics:    met,
		Store:      store,
	})
	manager.Start()
	defer manager.Stop()

	// 7. Telemetry mirror.
	telemetry := websocket.NewTelemetryHub()
	go telemetry.Run()
	go telemetry.Consume(bus.Tap())

	// 8. Audit bundle exporter.
	var exporter *api.Exporter
	if cfg.Audit.MasterSecret != "" {
		key, err := audit.DeriveSigningKey([]byte(cfg.Audit.MasterSecret), cfg.Audit.SigningKeyID)
		if err != nil {
			log.Fatalf("audit signing key: %v", err)
		}
		exporter = &api.Exporter{
			Log:   auditLog,
			Dir:   cfg.Audit.ExportDir,
			Key:   key,
			KeyID: cfg.Audit.SigningKeyID,
			PGIdx: pgIdx,
		}
	} else {
		log.Println("⚠️  AUDIT_MASTER_SECRET unset; audit export disabled")
	}

	server := api.NewServer(api.Deps{
		Manager:   manager,
		Hub:       hub,
		Audit:     auditLog,
		Registry:  reg,
		Catalog:   catalog,
		Clock:     clk,
		Telemetry: telemetry,
		Exporter:  exporter,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx, cfg.Server.Port); err != nil {
		log.Fatalf("server failed: %v", err)
	}
	log.Println("👋 shutdown complete")
}

// buildChains turns the vendor config into adapter chains, falling back to
// the simulated adapter for capabilities with no configured upstream.
func buildChains(cfg *config.Config) map[vendorhub.Capability][]vendorhub.Adapter {
	chains := make(map[vendorhub.Capability][]vendorhub.Adapter, len(vendorhub.Capabilities))
	for _, cap := range vendorhub.Capabilities {
		entries := cfg.Vendors.Chains[string(cap)]
		var adapters []vendorhub.Adapter
		for _, e := range entries {
			if e.URL == "" {
				adapters = append(adapters, vendorhub.NewSimulatedAdapter(e.Name, cap, 20*time.Millisecond))
				continue
			}
			adapters = append(adapters, vendorhub.NewHTTPAdapter(e.Name, e.URL))
		}
		if len(adapters) == 0 {
			adapters = []vendorhub.Adapter{vendorhub.NewSimulatedAdapter("sim-primary", cap, 20*time.Millisecond)}
		}
		chains[cap] = adapters
	}
	return chains
}
