// Command govcored is the governance enforcement engine's service binary:
// it loads configuration, wires storage and the forge client, and serves
// the webhook ingress that drives every change through the engine's
// five-step reconciliation.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/btcdecoded/govcore/internal/audit"
	"github.com/btcdecoded/govcore/internal/change"
	"github.com/btcdecoded/govcore/internal/config"
	"github.com/btcdecoded/govcore/internal/engine"
	"github.com/btcdecoded/govcore/internal/forgeclient"
	"github.com/btcdecoded/govcore/internal/ingress"
	"github.com/btcdecoded/govcore/internal/observability"
	"github.com/btcdecoded/govcore/internal/ruleset"
)

func main() {
	os.Exit(run())
}

// lockerAdapter narrows *change.Locker's concrete *change.Lease return down
// to the engine.Lease interface the engine package depends on, so the
// engine never imports the change package's Redis-specific lock type.
type lockerAdapter struct {
	locker *change.Locker
}

func (a lockerAdapter) Acquire(ctx context.Context, changeID string) (engine.Lease, error) {
	return a.locker.Acquire(ctx, changeID)
}

func run() int {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("[govcored] config: %v", err)
		return 1
	}
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	slog.SetLogLoggerLevel(level)

	ctx := context.Background()

	db, err := openDB(cfg)
	if err != nil {
		log.Printf("[govcored] database: %v", err)
		return 1
	}
	defer db.Close()

	auditBackend, err := audit.NewSQLBackend(ctx, db, cfg.StorageDialect)
	if err != nil {
		log.Printf("[govcored] audit backend: %v", err)
		return 1
	}
	auditLog := audit.NewLog(auditBackend)

	changeStore, err := change.NewStore(ctx, db, cfg.StorageDialect)
	if err != nil {
		log.Printf("[govcored] change store: %v", err)
		return 1
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	locker := change.NewLocker(redisClient, 30*time.Second)
	seenStore := ingress.NewRedisSeenStore(redisClient, 24*time.Hour)

	ruleStore := ruleset.NewStore(auditLog)
	if bundle, err := loadRuleBundle(cfg.RuleBundlePath); err != nil {
		log.Printf("[govcored] rule bundle: %v", err)
		return 1
	} else if bundle != nil {
		if err := ruleStore.Reload(ctx, bundle); err != nil {
			log.Printf("[govcored] initial ruleset reload: %v", err)
			return 1
		}
	}

	if cfg.AuditExportBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AuditExportRegion))
		if err != nil {
			log.Printf("[govcored] aws config: %v", err)
			return 1
		}
		exporter := audit.NewExporter(s3.NewFromConfig(awsCfg), cfg.AuditExportBucket)
		go runAuditExport(ctx, auditLog, exporter)
	}

	observer, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		log.Printf("[govcored] observability: %v", err)
		return 1
	}

	eng := engine.New(engine.Stores{
		Changes:   changeStore,
		Audit:     auditLog,
		RuleStore: ruleStore,
		Locker:    lockerAdapter{locker: locker},
	}).WithObserver(observer)

	issuer := forgeclient.NewTokenIssuer(cfg.ForgeAppID, cfg.ForgePrivateKey)
	forge := forgeclient.New(http.DefaultClient, issuer, cfg.ForgeBaseURL, auditLog)

	handler := &ingress.Handler{
		Secret:    cfg.WebhookSecret,
		Seen:      seenStore,
		AuditLog:  auditLog,
		Changes:   changeStore,
		RuleStore: ruleStore,
		Locker:    locker,
		Engine:    eng,
		Logger:    logger,
		Forge:     forge,
	}

	scheduler := ingress.NewExpiryScheduler(handler.DeliverInternal)
	handler.Expiry = scheduler
	defer scheduler.Stop()

	// Re-arm the expiry timers a previous process was holding; lapsed
	// activations fire immediately and re-derive through the normal path.
	if active, err := changeStore.ListEmergencyActive(ctx); err != nil {
		log.Printf("[govcored] emergency rehydration: %v", err)
	} else {
		for _, rec := range active {
			if !rec.EmergencyExpiresAt.IsZero() {
				scheduler.Schedule(rec.ID, rec.EmergencyExpiresAt)
			}
		}
	}

	limiter := ingress.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	mux := http.NewServeMux()
	mux.Handle("/webhook", limiter.Middleware(handler))

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	go func() {
		log.Printf("[govcored] health server :8081")
		if err := http.ListenAndServe(":8081", healthMux); err != nil {
			log.Printf("[govcored] health server error: %v", err)
		}
	}()

	go func() {
		log.Printf("[govcored] webhook server :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[govcored] webhook server error: %v", err)
		}
	}()

	log.Println("[govcored] ready")
	log.Println("[govcored] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[govcored] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return 0
}

// runAuditExport periodically archives any audit entries appended since the
// last export as an evidence bundle in S3. Export is retention, not
// durability: a failed upload is retried on the next tick from the same
// low-water mark, never dropped.
func runAuditExport(ctx context.Context, auditLog *audit.Log, exporter *audit.Exporter) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	var exportedThrough uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tail, ok, err := auditLog.Tail(ctx)
		if err != nil || !ok || tail.Seq <= exportedThrough {
			continue
		}
		bundle, err := auditLog.BuildBundle(ctx, exportedThrough+1, tail.Seq)
		if err != nil {
			log.Printf("[govcored] audit export: build bundle: %v", err)
			continue
		}
		if err := exporter.Export(ctx, bundle); err != nil {
			log.Printf("[govcored] audit export: upload: %v", err)
			continue
		}
		exportedThrough = tail.Seq
	}
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	switch cfg.StorageDialect {
	case audit.DialectPostgres:
		return sql.Open("postgres", cfg.DatabaseURL)
	default:
		return sql.Open("sqlite", cfg.SQLitePath)
	}
}

func loadRuleBundle(path string) (*ruleset.RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No bundle at startup is not fatal: an operator may push the
			// first RuleSet through the rule-repo-updated webhook instead.
			return nil, nil
		}
		return nil, err
	}
	return ruleset.ParseBundle(raw)
}
