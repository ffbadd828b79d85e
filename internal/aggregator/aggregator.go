// Package aggregator implements the C8 aggregator sink (spec.md §4.8):
// a periodic, best-effort JSON POST of a summary of this debugger's
// store to a configured collector endpoint. Delivery failures are
// logged and retried on the next tick; they never propagate as a fatal
// error (model.ErrAggregator is advisory only, per the closed error
// taxonomy in internal/model/errors.go).
package aggregator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openmina/mina-network-debugger/internal/circuitbreaker"
	"github.com/openmina/mina-network-debugger/internal/events"
	"github.com/openmina/mina-network-debugger/internal/model"
	"github.com/openmina/mina-network-debugger/internal/store"
)

// RecentBlocks bounds how many of the most recent block records each
// summary payload carries (spec.md §4.8 "a bounded window of recent
// block observations").
const RecentBlocks = 20

// Sink periodically summarizes st and POSTs the result to url, wrapped
// in a circuit breaker so a wedged or unreachable collector cannot pile
// up blocked goroutines on every tick.
type Sink struct {
	store   *store.Store
	client  *http.Client
	url     string
	name    string
	breaker *circuitbreaker.CircuitBreaker
}

// New builds an aggregator sink. url may be empty, in which case Run
// returns immediately without ever POSTing (aggregation is optional per
// spec.md §4.8).
func New(st *store.Store, url, name string) *Sink {
	return &Sink{
		store:   st,
		client:  &http.Client{Timeout: 10 * time.Second},
		url:     url,
		name:    name,
		breaker: circuitbreaker.NewAggregatorBreaker(),
	}
}

// Run POSTs a summary every interval until ctx is cancelled. It is meant
// to run in its own goroutine from cmd/debuggerd; shutdown simply
// cancels ctx.
func (s *Sink) Run(ctx context.Context, interval time.Duration) {
	if s.url == "" {
		slog.Info("aggregator: no AGGREGATOR url configured, summaries disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				slog.Warn("aggregator: summary delivery failed", "error", err)
			}
		}
	}
}

func (s *Sink) tick(ctx context.Context) error {
	summary, err := s.store.Summary(RecentBlocks)
	if err != nil {
		return fmt.Errorf("%w: compute summary: %v", model.ErrAggregator, err)
	}

	event := events.NewCloudEvent("com.minadebugger.summary", s.name, "", map[string]interface{}{
		"connection_count": summary.ConnectionCount,
		"message_count":     summary.MessageCount,
		"recent_blocks":     summary.RecentBlocks,
	})
	body, err := event.JSON()
	if err != nil {
		return fmt.Errorf("%w: encode summary: %v", model.ErrAggregator, err)
	}

	_, err = circuitbreaker.ExecuteWithFallback(s.breaker,
		func() (struct{}, error) { return struct{}{}, s.post(ctx, body) },
		func(err error) (struct{}, error) { return struct{}{}, err },
	)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrAggregator, err)
	}
	return nil
}

func (s *Sink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/cloudevents+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("aggregator: collector responded %s", resp.Status)
	}
	return nil
}
