package gateway

import (
	"net/http"
	"strconv"

	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/identity"
	"github.com/axonstream/axonstream/internal/quota"
	"github.com/axonstream/axonstream/internal/store"
)

// RateLimitMiddleware admits every non-task-submission request through
// the quota gate's "other" class, keyed by (tenant, api_key, route).
// It generalizes the teacher's RateLimitMiddleware.Wrap (single
// per-key token bucket, 429 with Retry-After on exhaustion) onto
// quota.Gate's composite admission decision; task submission itself is
// admitted by internal/lifecycle.Engine.SubmitTask, not here, since that
// path also needs the period/concurrency counters this middleware skips.
type RateLimitMiddleware struct {
	gate  *quota.Gate
	plans func(tenantID string) store.Plan
}

// NewRateLimitMiddleware builds a middleware that looks up each
// request's plan via planOf (e.g. a cached tenant-plan lookup); unknown
// tenants are treated as PlanTrial, the most conservative tier.
func NewRateLimitMiddleware(gate *quota.Gate, planOf func(tenantID string) store.Plan) *RateLimitMiddleware {
	if planOf == nil {
		planOf = func(string) store.Plan { return store.PlanTrial }
	}
	return &RateLimitMiddleware{gate: gate, plans: planOf}
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUnauthenticatedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		id, ok := identity.FromContext(r.Context())
		if !ok {
			writeError(w, apierr.New(apierr.CodeUnauthorized, "no identity on request"))
			return
		}

		subject := quota.Subject{TenantID: id.TenantID, APIKeyID: id.UserID, Route: r.URL.Path}
		plan := rl.plans(id.TenantID)

		decision, err := rl.gate.Admit(r.Context(), subject, plan, quota.ClassOther)
		if err != nil {
			writeError(w, err)
			return
		}
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryIn.Seconds())+1))
			writeError(w, apierr.Newf(apierr.CodeRateLimited, "rate limit exceeded: %s", decision.Reason))
			return
		}

		next.ServeHTTP(w, r)
	})
}
