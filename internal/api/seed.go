package api

import (
	"context"
	"log/slog"

	"figwatch/internal/config"
	"figwatch/internal/model"
)

// SeedSources registers the configured marketplace sources in the database.
// Runs at startup; existing rows keep their health counters and only pick up
// configuration changes.
func (s *Server) SeedSources(ctx context.Context) error {
	sources := map[string]config.SourceConfig{
		"brickset":  s.cfg.Sources.Brickset,
		"ebay":      s.cfg.Sources.EBay,
		"bricklink": s.cfg.Sources.BrickLink,
	}

	for name, sc := range sources {
		src := &model.DataSource{
			Name:              name,
			BaseURL:           sc.BaseURL,
			RequestsPerMinute: sc.RequestsPerMinute,
			Enabled:           sc.Enabled,
		}
		if err := s.store.UpsertSource(ctx, src); err != nil {
			return err
		}
		s.logger.Info("source registered",
			slog.String("source", name),
			slog.Bool("enabled", sc.Enabled),
			slog.Int("requests_per_minute", sc.RequestsPerMinute))
	}
	return nil
}
