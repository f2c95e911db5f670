package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/track-enricher/internal/config"
	"github.com/sells-group/track-enricher/internal/enrich"
	"github.com/sells-group/track-enricher/internal/metrics"
	"github.com/sells-group/track-enricher/internal/model"
	"github.com/sells-group/track-enricher/internal/pacer"
	"github.com/sells-group/track-enricher/internal/resilience"
	"github.com/sells-group/track-enricher/internal/store"
	anthropicpkg "github.com/sells-group/track-enricher/pkg/anthropic"
	"github.com/sells-group/track-enricher/pkg/jina"
	"github.com/sells-group/track-enricher/pkg/songlink"
)

// enrichEnv holds the store and the coordinator shared by serve and enrich.
type enrichEnv struct {
	Store   store.Gateway
	Coord   *enrich.Coordinator
	Metrics *metrics.Metrics
}

// Close releases resources held by the environment.
func (e *enrichEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Gateway, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "tracks.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates the config for mode, opens and migrates the store, and
// builds one pipeline per enabled kind. reg may be nil to skip metrics.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, reg prometheus.Registerer) (*enrichEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &enrichEnv{Store: st}
	opts := []enrich.Option{enrich.WithRetention(cfg.Enrich.TaskRetention())}
	if reg != nil {
		env.Metrics = metrics.New(reg)
		opts = append(opts, enrich.WithObserver(env.Metrics.Observe))
	}
	env.Coord = enrich.NewCoordinator(st, enrich.NewRegistry(), buildPipelines(cfg), opts...)
	return env, nil
}

// buildPipelines creates a strategy and pacer for every enabled kind.
func buildPipelines(c *config.Config) []enrich.Pipeline {
	var out []enrich.Pipeline
	for _, kind := range c.EnabledKinds() {
		var s enrich.Strategy
		switch kind {
		case model.KindEmbedding:
			client := jina.NewClient(c.Jina.Key,
				jina.WithBaseURL(c.Jina.BaseURL),
				jina.WithModel(c.Jina.Model),
				jina.WithDimensions(c.Jina.Dimensions),
				jina.WithRateLimit(c.Jina.RequestsPerMinute),
			)
			s = enrich.NewEmbeddingStrategy(client, c.Jina.Dimensions)
		case model.KindPlatforms:
			client := songlink.NewClient(c.Songlink.Key,
				songlink.WithBaseURL(c.Songlink.BaseURL),
				songlink.WithUserCountry(c.Songlink.UserCountry),
				songlink.WithRateLimit(c.Songlink.RequestsPerMinute),
			)
			s = enrich.NewPlatformStrategy(client)
		case model.KindReleaseDate:
			var ai anthropicpkg.Client
			if c.Anthropic.Key != "" {
				ai = anthropicpkg.NewClient(c.Anthropic.Key)
			} else {
				zap.L().Info("anthropic key not set, release dates use the genre heuristic")
			}
			s = enrich.NewReleaseDateStrategy(ai, c.Anthropic.Model, c.Anthropic.MaxTokens)
		default:
			continue
		}
		out = append(out, enrich.Pipeline{Strategy: s, Pacer: pacer.New(pacerConfig(c.Strategy(kind)))})
	}
	return out
}

func pacerConfig(s config.StrategyConfig) pacer.Config {
	return pacer.Config{
		BatchDelay:     time.Duration(s.BatchDelayMs) * time.Millisecond,
		MaxPerInterval: s.MaxPerInterval,
		Interval:       time.Duration(s.IntervalSecs) * time.Second,
		BatchSize:      s.BatchSize,
	}
}

func supervisorConfig(c *config.Config) enrich.SupervisorConfig {
	return enrich.SupervisorConfig{
		Kinds:        c.EnabledKinds(),
		Continuous:   c.Enrich.Continuous,
		IdleInterval: c.Enrich.IdleInterval(),
		MaxRestarts:  c.Enrich.MaxRestarts,
		Backoff: resilience.RetryConfig{
			InitialBackoff: time.Duration(c.Enrich.RestartInitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(c.Enrich.RestartMaxBackoffMs) * time.Millisecond,
			Multiplier:     2,
			JitterFraction: 0.2,
		},
	}
}
