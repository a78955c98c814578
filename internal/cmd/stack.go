package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shardline/shardline/internal/config"
	"github.com/shardline/shardline/internal/observability"
	"github.com/shardline/shardline/internal/ratelimit"
	"github.com/shardline/shardline/internal/rest"
	"github.com/shardline/shardline/internal/store"
)

// restStack is the REST client with the admission controller, statistics
// and incident storage it was built with.
type restStack struct {
	client     *rest.Client
	controller *ratelimit.Controller
	stats      *ratelimit.MemoryStats
	incidents  ratelimit.IncidentStore

	closers []func() error
}

// Close releases the redis client and the incident database.
func (s *restStack) Close() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	s.closers = nil
	return err
}

func buildRESTStack(ctx context.Context, cfg *config.Config, logger observability.Logger) (_ *restStack, err error) {
	stack := &restStack{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, stack.Close())
		}
	}()

	recorder, err := stack.openStats(ctx, cfg.Stats, logger)
	if err != nil {
		return nil, err
	}
	if err := stack.openIncidents(ctx, cfg.Store, logger); err != nil {
		return nil, err
	}

	stack.controller = ratelimit.NewController(ratelimit.ControllerConfig{
		GlobalRate:  cfg.REST.GlobalRate,
		GlobalBurst: cfg.REST.GlobalBurst,
		Logger:      logger,
		Stats:       recorder,
	})

	userAgent := cfg.REST.UserAgent
	if strings.TrimSpace(userAgent) == "" {
		userAgent = fmt.Sprintf("DiscordBot (https://github.com/shardline/shardline, %s)", versionInfo.Version)
	}
	stack.client, err = rest.New(rest.Config{
		BaseURL:    cfg.REST.BaseURL,
		Token:      cfg.RESTToken(),
		UserAgent:  userAgent,
		Timeout:    cfg.REST.Timeout,
		ProxyURL:   cfg.REST.ProxyURL,
		Controller: stack.controller,
		Incidents:  stack.incidents,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return stack, nil
}

// openStats returns the recorder for the configured backend. The memory
// counters are kept for every backend except none so the status server
// can report them.
func (s *restStack) openStats(ctx context.Context, cfg config.StatsConfig, logger observability.Logger) (ratelimit.StatsRecorder, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "none" {
		return nil, nil
	}
	s.stats = ratelimit.NewMemoryStats()
	if backend != "redis" {
		return s.stats, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse stats redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	s.closers = append(s.closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Statistics are best-effort; a redis outage must not stop the bot.
		logger.Warn("Stats redis unreachable, recording anyway", zap.String("addr", opts.Addr), zap.Error(err))
	}

	var redisOpts []ratelimit.RedisStatsOption
	if cfg.Prefix != "" {
		redisOpts = append(redisOpts, ratelimit.WithStatsPrefix(cfg.Prefix))
	}
	if cfg.TTL > 0 {
		redisOpts = append(redisOpts, ratelimit.WithStatsTTL(cfg.TTL))
	}
	return ratelimit.MultiStats{s.stats, ratelimit.NewRedisStats(rdb, redisOpts...)}, nil
}

// openIncidents uses the database when the store is enabled and an
// in-memory log otherwise.
func (s *restStack) openIncidents(ctx context.Context, cfg config.StoreConfig, logger observability.Logger) error {
	if !cfg.Enabled {
		s.incidents = ratelimit.NewIncidentLog(0)
		return nil
	}
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, db.Close)
	s.incidents = db
	logger.Debug("Incident store opened", zap.String("driver", db.Driver()))
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*store.Store, error) {
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
