package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"loadiq/internal/external"
	"loadiq/internal/types"
)

// HomeAssistantConfig holds the configuration for creating a
// HomeAssistantSource.
type HomeAssistantConfig struct {
	URL       string
	Token     types.SecretString
	Timeout   time.Duration
	UserAgent string
	Logger    *slog.Logger
}

// HomeAssistantSource reads the recorder history through the REST API.
type HomeAssistantSource struct {
	base   *external.BaseClient
	cfg    HomeAssistantConfig
	logger *slog.Logger
}

// haState is one entry of GET /api/history/period. With minimal_response
// only the first entry carries entity_id and attributes.
type haState struct {
	EntityID    string `json:"entity_id"`
	State       string `json:"state"`
	LastChanged string `json:"last_changed"`
	LastUpdated string `json:"last_updated"`
}

// NewHomeAssistantSource creates a HomeAssistantSource with the default retry
// policy.
func NewHomeAssistantSource(cfg HomeAssistantConfig, opts ...external.BaseClientOption) *HomeAssistantSource {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "LoadIQ/1.0"
	}
	base := external.NewBaseClient(external.ClientConfig{
		Name:      "homeassistant",
		Timeout:   cfg.Timeout,
		Retry:     external.DefaultRetryPolicy(),
		UserAgent: cfg.UserAgent,
		Logger:    logger,
	}, opts...)
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	return &HomeAssistantSource{base: base, cfg: cfg, logger: logger}
}

// Fetch returns the numeric state changes of one entity, bucketed by every
// and forward-filled between changes. Non-numeric states ("unavailable",
// "unknown") are skipped.
func (s *HomeAssistantSource) Fetch(ctx context.Context, ref types.EntityRef, start, end time.Time, every time.Duration) (types.Series, error) {
	entityID := haEntityID(ref)

	q := url.Values{}
	q.Set("filter_entity_id", entityID)
	q.Set("end_time", end.UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/api/history/period/%s?%s&minimal_response&no_attributes",
		s.cfg.URL, url.PathEscape(start.UTC().Format(time.RFC3339)), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeSourceBadQuery, "failed to build history request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token.Unmask())
	req.Header.Set("Accept", "application/json")

	resp, err := s.base.Do(req)
	if err != nil {
		return nil, err
	}
	if err := external.CheckStatus(resp, "homeassistant"); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var history [][]haState
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeSourceBadQuery,
			"failed to decode history response", err,
			map[string]any{"entity_id": entityID})
	}

	var raw types.Series
	skipped := 0
	for _, states := range history {
		for _, st := range states {
			v, err := strconv.ParseFloat(st.State, 64)
			if err != nil {
				skipped++
				continue
			}
			ts := st.LastChanged
			if ts == "" {
				ts = st.LastUpdated
			}
			t, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				skipped++
				continue
			}
			raw = append(raw, types.Sample{Time: t, Value: v})
		}
	}
	if skipped > 0 {
		s.logger.Debug("skipped non-numeric states", "entity_id", entityID, "skipped", skipped)
	}

	return forwardFill(aggregate(raw, every), every), nil
}

// haEntityID returns the full "domain.object_id" form Home Assistant expects.
func haEntityID(ref types.EntityRef) string {
	if strings.Contains(ref.EntityID, ".") {
		return ref.EntityID
	}
	domain := ref.Domain
	if domain == "" {
		domain = "sensor"
	}
	return domain + "." + ref.EntityID
}
