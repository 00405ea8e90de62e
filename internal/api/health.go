package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout bounds all probes of one health request.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency of the monitor.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe reports a dependency healthy when Ping succeeds.
type PingProbe struct {
	Label  string
	Target Pinger
}

func (p PingProbe) Name() string                    { return p.Label }
func (p PingProbe) Check(ctx context.Context) error { return p.Target.Ping(ctx) }

// FreshnessProbe fails when the session has no result or its last window
// ended more than MaxAge ago.
type FreshnessProbe struct {
	Session SessionService
	MaxAge  time.Duration
	Now     func() time.Time
}

func (p FreshnessProbe) Name() string { return "refresh" }

func (p FreshnessProbe) Check(context.Context) error {
	last := p.Session.Last()
	if last == nil {
		return fmt.Errorf("no refresh has completed")
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	if age := now().Sub(last.WindowEnd); age > p.MaxAge {
		return fmt.Errorf("last refresh is %s old", age.Round(time.Second))
	}
	return nil
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs all probes concurrently. It answers 200 when every probe
// passes within the timeout and 503 otherwise.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	results := make([]error, len(s.probes))
	done := make([]bool, len(s.probes))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i, probe := range s.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runProbe(ctx, probe)
			mu.Lock()
			results[i], done[i] = err, true
			mu.Unlock()
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	resp := healthResponse{Status: "healthy", Components: make(map[string]componentStatus, len(s.probes))}
	for i, probe := range s.probes {
		st := componentStatus{Status: "healthy"}
		switch {
		case !done[i]:
			st = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case results[i] != nil:
			st = componentStatus{Status: "unhealthy", Message: results[i].Error()}
		}
		if st.Status != "healthy" {
			resp.Status = "unhealthy"
		}
		resp.Components[probe.Name()] = st
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}

func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("probe panicked: %v", rvr)
		}
	}()
	return p.Check(ctx)
}
