package source

import (
	"fmt"
	"log/slog"

	"loadiq/internal/config"
	"loadiq/internal/types"
)

// New builds the SeriesSource selected by cfg.Backend.
func New(cfg *config.Config, logger *slog.Logger) (SeriesSource, error) {
	userAgent := fmt.Sprintf("LoadIQ/%s", cfg.Build.Version)
	switch cfg.Backend {
	case config.BackendInfluxDB:
		return NewInfluxSource(InfluxConfig{
			URL:       cfg.Influx.URL,
			Token:     cfg.Influx.Token,
			Org:       cfg.Influx.Org,
			Bucket:    cfg.Influx.Bucket,
			Timeout:   cfg.Influx.Timeout,
			VerifySSL: cfg.Influx.VerifySSL,
			UserAgent: userAgent,
			Logger:    logger,
		}), nil
	case config.BackendHomeAssistant:
		return NewHomeAssistantSource(HomeAssistantConfig{
			URL:       cfg.HomeAssistant.URL,
			Token:     cfg.HomeAssistant.Token,
			Timeout:   cfg.HomeAssistant.Timeout,
			UserAgent: userAgent,
			Logger:    logger,
		}), nil
	case config.BackendCSV:
		return NewCSVSource(cfg.CSV.Path), nil
	}
	return nil, types.NewAppErrorWithDetails(types.ErrCodeConfigInvalid,
		fmt.Sprintf("unsupported backend %q", cfg.Backend), nil,
		map[string]any{"backend": cfg.Backend})
}
