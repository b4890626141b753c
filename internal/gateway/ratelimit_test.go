package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/axonstream/axonstream/internal/identity"
	"github.com/axonstream/axonstream/internal/quota"
	"github.com/axonstream/axonstream/internal/store"
)

type zeroUsage struct{}

func (zeroUsage) GetUsage(ctx context.Context, tenantID, period string) (store.UsageCounter, error) {
	return store.UsageCounter{}, nil
}
func (zeroUsage) CountRunningTasks(ctx context.Context, tenantID string) (int, error) { return 0, nil }

func TestRateLimitMiddlewareAllowsWithinBurst(t *testing.T) {
	gate := quota.New(zeroUsage{}, nil)
	rl := NewRateLimitMiddleware(gate, func(string) store.Plan { return store.PlanEnterprise })
	called := 0
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called++ }))

	ctx := identity.WithIdentity(context.Background(), identity.Identity{TenantID: "t1", UserID: "k1"})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/tasks/abc", nil).WithContext(ctx)
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if called != 1 {
		t.Fatalf("expected handler to run once, ran %d times", called)
	}
}

func TestRateLimitMiddlewareRejectsWithoutIdentity(t *testing.T) {
	gate := quota.New(zeroUsage{}, nil)
	rl := NewRateLimitMiddleware(gate, nil)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tasks/abc", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRateLimitMiddlewareExhaustsBucket(t *testing.T) {
	gate := quota.New(zeroUsage{}, nil)
	rl := NewRateLimitMiddleware(gate, func(string) store.Plan { return store.PlanTrial })
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	ctx := identity.WithIdentity(context.Background(), identity.Identity{TenantID: "t1", UserID: "k1"})
	var lastCode int
	// Trial's "other" bucket has a burst of 10; the 11th immediate request should be limited.
	for i := 0; i < 11; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/tasks/abc", nil).WithContext(ctx)
		h.ServeHTTP(w, r)
		lastCode = w.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exhausting burst, got %d", lastCode)
	}
}
