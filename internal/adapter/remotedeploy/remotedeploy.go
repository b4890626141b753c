// Package remotedeploy polls an HTTP status endpoint on an interval
// until it reports a terminal state, grounded on the teacher's
// provider_perplexity.go / provider_brave.go (poll-an-external-API,
// translate-response pattern) with exponential backoff and
// consecutive-failure counting shaped like engine.FailoverBrain's
// circuit breaker (trip after a threshold, not on the first error).
package remotedeploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/axonstream/axonstream/internal/adapter"
	"github.com/axonstream/axonstream/internal/store"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultMaxBackoff    = 30 * time.Second
	defaultFailThreshold = 5 // consecutive transport failures before giving up, mirrors failover.go's threshold
)

type statusResponse struct {
	Status  string `json:"status"` // "pending" | "running" | "succeeded" | "failed"
	Message string `json:"message,omitempty"`
}

type Adapter struct {
	httpClient *http.Client
}

func New() (adapter.Adapter, error) {
	return &Adapter{httpClient: &http.Client{Timeout: 10 * time.Second}}, nil
}

// Start implements adapter.Adapter. args shape:
//
//	{"status_url": "https://deploy.example.com/status/abc123", "poll_interval_sec": 2}
func (a *Adapter) Start(ctx context.Context, args map[string]any, cancel <-chan struct{}) (<-chan adapter.Event, error) {
	statusURL, _ := args["status_url"].(string)
	if statusURL == "" {
		return nil, fmt.Errorf("remotedeploy adapter: missing status_url")
	}
	interval := defaultPollInterval
	if v, ok := args["poll_interval_sec"]; ok {
		if secs := toInt(v); secs > 0 {
			interval = time.Duration(secs) * time.Second
		}
	}

	out := make(chan adapter.Event, 8)
	go a.run(ctx, statusURL, interval, cancel, out)
	return out, nil
}

func (a *Adapter) run(ctx context.Context, statusURL string, interval time.Duration, cancel <-chan struct{}, out chan<- adapter.Event) {
	defer close(out)
	out <- adapter.Event{Kind: store.KindStarted, Payload: map[string]any{"status_url": statusURL}}

	consecutiveFailures := 0
	backoff := interval

	for {
		select {
		case <-cancel:
			out <- adapter.Event{Kind: store.KindCanceled, Payload: map[string]any{}}
			return
		case <-ctx.Done():
			out <- adapter.Event{Kind: store.KindTimedOut, Payload: map[string]any{}}
			return
		case <-time.After(backoff):
		}

		status, err := a.poll(ctx, statusURL)
		if err != nil {
			consecutiveFailures++
			out <- adapter.Event{Kind: store.KindProgress, Payload: map[string]any{"poll_error": err.Error(), "consecutive_failures": consecutiveFailures}}
			if consecutiveFailures >= defaultFailThreshold {
				out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": "remote status endpoint unreachable after repeated attempts"}}
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		consecutiveFailures = 0
		backoff = interval

		switch status.Status {
		case "succeeded":
			out <- adapter.Event{Kind: store.KindSuccess, Payload: map[string]any{"message": status.Message}}
			return
		case "failed":
			out <- adapter.Event{Kind: store.KindError, Payload: map[string]any{"message": status.Message}}
			return
		default:
			out <- adapter.Event{Kind: store.KindProgress, Payload: map[string]any{"status": status.Status}}
		}
	}
}

func (a *Adapter) poll(ctx context.Context, statusURL string) (statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return statusResponse{}, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return statusResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return statusResponse{}, fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return statusResponse{}, err
	}
	var out statusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return statusResponse{}, fmt.Errorf("parse status response: %w", err)
	}
	return out, nil
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > defaultMaxBackoff {
		next = defaultMaxBackoff
	}
	return next
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
