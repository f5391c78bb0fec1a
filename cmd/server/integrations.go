package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-market-backend/internal/cache"
	"github.com/tbourn/go-market-backend/internal/config"
	"github.com/tbourn/go-market-backend/internal/events"
	httpapi "github.com/tbourn/go-market-backend/internal/http"
)

// connectIntegrations dials the optional Redis cache and NATS publisher.
// Either one failing to connect is logged and left out: listings are then
// ranked on every request and events go to a no-op publisher. The returned
// func closes whatever was connected.
func connectIntegrations(ctx context.Context, cfg config.Config, logger zerolog.Logger) (httpapi.Integrations, func()) {
	var (
		in      httpapi.Integrations
		closers []func()
	)

	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisRankCache(ctx, cfg.Redis.Addr, cfg.Redis.RankCacheTTL)
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("rank cache unavailable, ranking without cache")
		} else {
			in.Cache = rc
			closers = append(closers, func() { _ = rc.Close() })
			logger.Info().Str("addr", cfg.Redis.Addr).Msg("rank cache enabled")
		}
	}

	in.Events = events.Noop{}
	if cfg.NATS.URL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, cfg.OTEL.ServiceName)
		if err != nil {
			logger.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("nats unavailable, events are discarded")
		} else {
			in.Events = pub
			closers = append(closers, pub.Close)
			logger.Info().Str("url", cfg.NATS.URL).Str("prefix", cfg.NATS.SubjectPrefix).Msg("event publishing enabled")
		}
	}

	return in, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}
