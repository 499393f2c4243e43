// Package warden wires the token, session and MFA services into a runnable
// application from a config.Config.
package warden

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/warden/adapters/events"
	"github.com/layer-3/warden/adapters/hasher"
	"github.com/layer-3/warden/adapters/otp"
	"github.com/layer-3/warden/adapters/sealer"
	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/adapters/tokenizer"
	"github.com/layer-3/warden/config"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/metrics"
	"github.com/layer-3/warden/ports"
	"github.com/layer-3/warden/service"
	transport "github.com/layer-3/warden/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App holds the wired services and the resources they own
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	auth      *service.AuthService
	sessions  *service.SessionManager
	blacklist *service.Blacklist
	rotation  *service.RotationEngine
	mfa       *service.MFAManager
	router    *gin.Engine
	registry  *prometheus.Registry
	publisher message.Publisher
	redis     redis.UniversalClient
}

type stores struct {
	blacklist   ports.BlacklistStore
	refresh     ports.RefreshStore
	sessions    ports.SessionStore
	mfa         ports.MFAStore
	credentials ports.CredentialStore
}

// New builds an App. With cfg.RedisURL set, state lives in Redis and events go
// to Redis streams; otherwise everything stays in process.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}

	signingKey, err := loadSigningKey(cfg.JWTPrivateKey)
	if err != nil {
		return nil, err
	}
	if cfg.JWTPrivateKey == "" {
		logger.Warn("no JWT_PRIVATE_KEY configured; using an ephemeral signing key")
	}
	sealKey, err := loadSealKey(cfg.MFAEncryptionKey)
	if err != nil {
		return nil, err
	}
	if cfg.MFAEncryptionKey == "" {
		logger.Warn("no MFA_ENCRYPTION_KEY configured; enrolled secrets will not survive a restart")
	}

	var st stores
	if cfg.RedisURL != "" {
		client, err := newRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		app.redis = client

		st = stores{
			blacklist:   store.NewRedisBlacklist(client, cfg.RedisPrefix),
			refresh:     store.NewRedisRefreshStore(client, cfg.RedisPrefix),
			sessions:    store.NewRedisSessionStore(client, cfg.RedisPrefix),
			mfa:         store.NewRedisMFAStore(client, cfg.RedisPrefix),
			credentials: store.NewRedisCredentialStore(client, cfg.RedisPrefix),
		}
		app.publisher, err = redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, events.NewZapLogger(logger))
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to create redis stream publisher: %w", err)
		}
	} else {
		st = stores{
			blacklist:   store.NewMemoryBlacklist(),
			refresh:     store.NewMemoryRefreshStore(),
			sessions:    store.NewMemorySessionStore(),
			mfa:         store.NewMemoryMFAStore(),
			credentials: store.NewMemoryCredentialStore(),
		}
		app.publisher = gochannel.NewGoChannel(gochannel.Config{}, events.NewZapLogger(logger))
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(app.registry)

	clock := core.SystemClock{}
	tok, err := tokenizer.NewJWTTokenizer(signingKey, tokenizer.Config{
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
		Clock:      clock,
	})
	if err != nil {
		return nil, app.closeWith(err)
	}
	hash, err := hasher.NewArgon2(hasher.DefaultConfig())
	if err != nil {
		return nil, app.closeWith(err)
	}
	totp, err := otp.NewTOTP(otp.Config{Issuer: cfg.MFAIssuer})
	if err != nil {
		return nil, app.closeWith(err)
	}
	seal, err := sealer.NewXChaCha(sealKey)
	if err != nil {
		return nil, app.closeWith(err)
	}

	publisher := events.NewWatermillPublisher(app.publisher)

	app.blacklist = service.NewBlacklist(st.blacklist, clock, logger.Named("blacklist"), m, cfg.SweepInterval)
	app.rotation = service.NewRotationEngine(tok, st.refresh, app.blacklist, publisher, clock, logger.Named("rotation"), m,
		service.RotationConfig{Rotate: cfg.RefreshRotation, GraceWindow: cfg.RefreshGrace})
	risk := service.NewRiskScorer(service.RiskConfig{
		Weights: service.RiskWeights{
			IPMismatch:        cfg.RiskIPWeight,
			UserAgentMismatch: cfg.RiskUAWeight,
			Velocity:          cfg.RiskVelocityWeight,
		},
		VelocityLimit:   cfg.RiskVelocityLimit,
		VelocityWindow:  cfg.RiskVelocityWindow,
		StepUpThreshold: cfg.RiskStepUpThreshold,
	})
	app.sessions = service.NewSessionManager(st.sessions, risk, publisher, clock, logger.Named("sessions"), m, service.SessionConfig{
		MaxPerUser:  cfg.SessionMaxPerUser,
		IdleTimeout: cfg.SessionIdleTimeout,
		Lifetime:    cfg.SessionLifetime,
	}).WithRevoker(app.rotation)
	app.mfa = service.NewMFAManager(st.mfa, totp, seal, clock, logger.Named("mfa"), m, service.MFAConfig{ChallengeTTL: cfg.MFAChallengeTTL})

	app.auth = service.NewAuthService(service.AuthDeps{
		Tokenizer:   tok,
		Hasher:      hash,
		Credentials: st.credentials,
		Blacklist:   app.blacklist,
		Rotation:    app.rotation,
		Sessions:    app.sessions,
		MFA:         app.mfa,
		Events:      publisher,
		Clock:       clock,
		Logger:      logger.Named("auth"),
		Metrics:     m,
	})

	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	if len(cfg.ServiceKeys()) == 0 {
		logger.Warn("no SERVICE_API_KEYS configured; login, token, session and MFA routes reject every request")
	}
	app.router = transport.SetupRouter(app.auth, transport.RouterConfig{
		Logger:      logger.Named("http"),
		Gatherer:    app.registry,
		ServiceKeys: cfg.ServiceKeys(),
	})

	return app, nil
}

// Auth returns the authentication facade
func (a *App) Auth() *service.AuthService {
	return a.auth
}

// Router returns the HTTP handler
func (a *App) Router() *gin.Engine {
	return a.router
}

// Registry returns the Prometheus registry the services record into
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// RunJanitors sweeps stale sessions, expired blacklist entries, expired refresh
// records and expired MFA challenges every interval until ctx is cancelled.
func (a *App) RunJanitors(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.sessions.Run(ctx, interval)
		return nil
	})
	g.Go(func() error {
		return every(ctx, interval, func() {
			if _, err := a.blacklist.Prune(ctx); err != nil {
				a.logger.Error("blacklist prune failed", zap.Error(err))
			}
		})
	})
	g.Go(func() error {
		return every(ctx, interval, func() {
			n, err := a.rotation.PruneExpired(ctx)
			if err != nil {
				a.logger.Error("refresh record prune failed", zap.Error(err))
				return
			}
			if n > 0 {
				a.logger.Debug("expired refresh records removed", zap.Int("count", n))
			}
		})
	})
	g.Go(func() error {
		return every(ctx, interval, func() {
			n, err := a.mfa.PruneChallenges(ctx)
			if err != nil {
				a.logger.Error("mfa challenge prune failed", zap.Error(err))
				return
			}
			if n > 0 {
				a.logger.Debug("expired mfa challenges removed", zap.Int("count", n))
			}
		})
	})
	return g.Wait()
}

// Close releases the publisher and the Redis client
func (a *App) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

func (a *App) closeWith(err error) error {
	return errors.Join(err, a.Close())
}

func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}
