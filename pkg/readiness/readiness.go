// Package readiness gates dependent service launches. A service with a
// configured probe is polled with exponential backoff until it answers or the
// probe budget runs out; a service without one falls back to its fixed settle
// delay.
package readiness

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ttcn-0906/game-store-system/pkg/config"
)

const (
	defaultProbeTimeout = 30 * time.Second
	baseInterval        = 200 * time.Millisecond
	maxInterval         = 2 * time.Second
)

// DependencyNotReadyError reports probe exhaustion for a service another
// service depends on.
type DependencyNotReadyError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *DependencyNotReadyError) Error() string {
	return "service " + e.Service + " not ready after probing: " + e.Err.Error()
}

func (e *DependencyNotReadyError) Unwrap() error { return e.Err }

type Gate struct {
	// Sleep overrides time.Sleep in tests.
	Sleep func(time.Duration)
}

func New() *Gate {
	return &Gate{}
}

// Wait blocks until the service counts as settled: probe success when a probe
// is configured, otherwise the fixed settle delay.
func (g *Gate) Wait(ctx context.Context, svc config.Service) error {
	if svc.Ready == nil {
		if svc.SettleDelay <= 0 {
			return nil
		}
		log.Debug().Str("service", svc.Name).Dur("delay", svc.SettleDelay).Msg("settling on fixed delay")
		return g.sleep(ctx, svc.SettleDelay)
	}

	timeout := svc.Ready.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := baseInterval
	attempts := 0
	var lastErr error
	for {
		attempts++
		lastErr = probe(probeCtx, svc)
		if lastErr == nil {
			log.Debug().Str("service", svc.Name).Int("attempts", attempts).Msg("service ready")
			return nil
		}
		if err := g.sleep(probeCtx, interval); err != nil {
			return &DependencyNotReadyError{Service: svc.Name, Attempts: attempts, Err: lastErr}
		}
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

// IsReady runs a single probe attempt without retrying.
func (g *Gate) IsReady(ctx context.Context, svc config.Service) bool {
	if svc.Ready == nil {
		return true
	}
	return probe(ctx, svc) == nil
}

func probe(ctx context.Context, svc config.Service) error {
	switch strings.ToLower(svc.Ready.Type) {
	case "tcp":
		return probeTCP(ctx, svc.Ready.Address)
	case "http":
		url := svc.Ready.URL
		if url == "" {
			url = svc.Ready.Address
		}
		return probeHTTP(ctx, url)
	default:
		return errors.Errorf("unsupported probe type %q", svc.Ready.Type)
	}
}

func probeTCP(ctx context.Context, address string) error {
	d := net.Dialer{Timeout: 200 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	_ = conn.Close()
	return nil
}

func probeHTTP(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "get")
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errors.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (g *Gate) sleep(ctx context.Context, d time.Duration) error {
	if g.Sleep != nil {
		g.Sleep(d)
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
