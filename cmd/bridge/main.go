// Command bridge relays customer-service conversations between the WeCom KF
// channel and an Open WebUI backend.
//
// @title       KF Bridge API
// @version     1.0
// @description Channel callback and read-only diagnostics of the customer-service to chat-backend bridge.
// @BasePath    /
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-kf-bridge/internal/backend/owui"
	"github.com/tbourn/go-kf-bridge/internal/channel/wecom"
	"github.com/tbourn/go-kf-bridge/internal/config"
	"github.com/tbourn/go-kf-bridge/internal/cooldown"
	"github.com/tbourn/go-kf-bridge/internal/dedup"
	"github.com/tbourn/go-kf-bridge/internal/domain"
	httpapi "github.com/tbourn/go-kf-bridge/internal/http"
	"github.com/tbourn/go-kf-bridge/internal/observability"
	"github.com/tbourn/go-kf-bridge/internal/outbox"
	"github.com/tbourn/go-kf-bridge/internal/poller"
	"github.com/tbourn/go-kf-bridge/internal/repo"
	"github.com/tbourn/go-kf-bridge/internal/services"
	"github.com/tbourn/go-kf-bridge/internal/sysutil"
	"github.com/tbourn/go-kf-bridge/internal/workerpool"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// userRepo adapts the repository free functions to services.UserRepo.
type userRepo struct{}

// GetOrCreateUser proxies repo.GetOrCreateUser.
func (userRepo) GetOrCreateUser(ctx context.Context, db *gorm.DB, externalID, defaultModel string) (*domain.User, error) {
	return repo.GetOrCreateUser(ctx, db, externalID, defaultModel)
}

// SaveUser proxies repo.SaveUser.
func (userRepo) SaveUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	return repo.SaveUser(ctx, db, u)
}

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()
	observability.SetupLogger(cfg.LogLevel, cfg.LogPretty, nil)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("bridge stopped")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := observability.TraceDB(db); err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	tracker, closeTracker := newCooldownTracker(ctx, cfg)
	defer closeTracker()

	crypto, err := wecom.NewCrypto(cfg.WeCom.Token, cfg.WeCom.AESKey, cfg.WeCom.CorpID)
	if err != nil {
		return err
	}
	kf := wecom.New(cfg.WeCom.CorpID, cfg.WeCom.Secret, cfg.WeCom.OpenKfID)
	if cfg.WeCom.BaseURL != "" {
		kf.BaseURL = cfg.WeCom.BaseURL
	}
	backend := owui.New(cfg.OWUI.BaseURL, cfg.OWUI.Timeout)

	// Outbound: queue mirror restored from disk, immediate relay, retry worker.
	queue := outbox.NewQueue(db, cfg.Outbox.Max, cfg.Outbox.PerUserMax)
	if err := queue.Load(ctx); err != nil {
		return err
	}
	relay := &outbox.Relay{
		Sender:         kf,
		Cooldown:       tracker,
		Queue:          queue,
		CooldownWindow: cfg.WeCom.CooldownWindow,
		FragmentDelay:  cfg.WeCom.FragmentDelay,
	}
	worker := &outbox.Worker{
		Queue:          queue,
		Sender:         kf,
		Cooldown:       tracker,
		Batch:          cfg.Outbox.Batch,
		MaxRetries:     cfg.Outbox.MaxRetries,
		BackoffBase:    cfg.Outbox.BackoffBase,
		BackoffCap:     cfg.Outbox.BackoffCap,
		CooldownWindow: cfg.WeCom.CooldownWindow,
	}
	sched, err := outbox.NewScheduler(cfg.Outbox.Tick, worker.Tick)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	// Inbound: dedup gate, state machine, ingestion pool.
	conv := services.NewConversationService(db, userRepo{}, backend, relay,
		poller.New(cfg.OWUI.PollInterval, cfg.OWUI.PollShortWindow, cfg.OWUI.PollTimeout))
	conv.DefaultModel = cfg.OWUI.DefaultModel
	conv.ImageTTL = cfg.WeCom.ImageTTL
	conv.ContextMessages = cfg.OWUI.MaxContextMsgs
	conv.ModelsCacheTTL = cfg.OWUI.ModelsCacheTTL
	conv.ReplyImages = cfg.OWUI.MaxReplyImages

	ingest := services.NewIngestService(kf, dedup.New(db, cfg.Ingest.SeenMax, cfg.Ingest.SeenCacheTTL), conv, relay)
	ingest.DropOlderThan = cfg.Ingest.DropOlderThan

	pool := workerpool.New("ingest", cfg.Ingest.Workers, cfg.Ingest.Queue, func(ctx context.Context, b services.Batch) {
		st, err := ingest.Process(ctx, b)
		if err != nil {
			log.Error().Err(err).Str("open_kfid", b.OpenKfID).Msg("ingest batch failed")
			return
		}
		log.Debug().Interface("stats", st).Msg("ingest batch done")
	})

	// HTTP
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:        db,
		Crypto:    crypto,
		Ingest:    pool,
		Cooldowns: tracker,
		Outbox:    queue,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Str("owui", cfg.OWUI.BaseURL).
			Str("corp_id", sysutil.Mask(cfg.WeCom.CorpID)).
			Int("outbox_pending", queue.Len()).
			Msg("bridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := pool.Close(sctx); err != nil {
		log.Warn().Err(err).Int("queued", pool.Len()).Msg("ingest pool did not drain")
	}
	return nil
}

// newCooldownTracker shares cooldowns through Redis when REDIS_ADDR is set
// and reachable, and keeps them in memory otherwise.
func newCooldownTracker(ctx context.Context, cfg config.Config) (cooldown.Tracker, func()) {
	if cfg.RedisAddr == "" {
		return cooldown.NewMemory(), func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, cooldowns kept in memory")
		_ = rdb.Close()
		return cooldown.NewMemory(), func() {}
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("cooldowns shared via redis")
	return cooldown.NewRedis(rdb), func() { _ = rdb.Close() }
}
