// Package quota is the quota gate (C4). It generalizes the teacher's
// gateway.TokenBucket (a float-accumulator bucket with lazy refill) from
// a single per-key rate limiter into a composite admission check keyed
// by (tenant, api_key_id, route): token buckets, a concurrency counter,
// and period counters, composed into one admit() decision. Priority
// lanes for Pro/Enterprise plans get their own bucket pool with richer
// parameters, mirroring the teacher's per-key bucket map with an added
// plan dimension.
package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/audit"
	"github.com/axonstream/axonstream/internal/store"
)

// Class is the kind of admission being requested.
type Class string

const (
	ClassCreateTask   Class = "create_task"
	ClassAttachStream Class = "attach_stream"
	ClassOther        Class = "other"
)

// Subject identifies who is being admission-checked.
type Subject struct {
	TenantID string
	APIKeyID string
	Route    string
}

func (s Subject) bucketKey(class Class) string {
	return s.TenantID + "|" + s.APIKeyID + "|" + s.Route + "|" + string(class)
}

// BucketParams mirrors the teacher's NewTokenBucket(requestsPerMinute, burstSize) inputs.
type BucketParams struct {
	RequestsPerMinute int
	BurstSize         int
}

// PlanLimits is the admission configuration for one plan tier.
type PlanLimits struct {
	CreateTask   BucketParams
	AttachStream BucketParams
	Other        BucketParams

	MaxConcurrentTasks int
	MaxTasksPerDay     int
	MaxMinutesPerMonth int
	MaxStreamsAtOnce   int
}

// DefaultPlanLimits mirrors spec.md §9's plan table; Pro/Enterprise get
// the wider buckets that back the priority lanes.
var DefaultPlanLimits = map[store.Plan]PlanLimits{
	store.PlanTrial: {
		CreateTask:         BucketParams{RequestsPerMinute: 6, BurstSize: 2},
		AttachStream:       BucketParams{RequestsPerMinute: 30, BurstSize: 5},
		Other:              BucketParams{RequestsPerMinute: 60, BurstSize: 10},
		MaxConcurrentTasks: 2,
		MaxTasksPerDay:     20,
		MaxMinutesPerMonth: 60,
		MaxStreamsAtOnce:   4,
	},
	store.PlanEntry: {
		CreateTask:         BucketParams{RequestsPerMinute: 30, BurstSize: 10},
		AttachStream:       BucketParams{RequestsPerMinute: 120, BurstSize: 20},
		Other:              BucketParams{RequestsPerMinute: 300, BurstSize: 50},
		MaxConcurrentTasks: 10,
		MaxTasksPerDay:     500,
		MaxMinutesPerMonth: 2000,
		MaxStreamsAtOnce:   20,
	},
	store.PlanPro: {
		CreateTask:         BucketParams{RequestsPerMinute: 120, BurstSize: 40},
		AttachStream:       BucketParams{RequestsPerMinute: 600, BurstSize: 100},
		Other:              BucketParams{RequestsPerMinute: 1200, BurstSize: 200},
		MaxConcurrentTasks: 50,
		MaxTasksPerDay:     10000,
		MaxMinutesPerMonth: 20000,
		MaxStreamsAtOnce:   100,
	},
	store.PlanEnterprise: {
		CreateTask:         BucketParams{RequestsPerMinute: 600, BurstSize: 200},
		AttachStream:       BucketParams{RequestsPerMinute: 3000, BurstSize: 500},
		Other:              BucketParams{RequestsPerMinute: 6000, BurstSize: 1000},
		MaxConcurrentTasks: 500,
		MaxTasksPerDay:     200000,
		MaxMinutesPerMonth: 500000,
		MaxStreamsAtOnce:   1000,
	},
}

func paramsFor(limits PlanLimits, class Class) BucketParams {
	switch class {
	case ClassCreateTask:
		return limits.CreateTask
	case ClassAttachStream:
		return limits.AttachStream
	default:
		return limits.Other
	}
}

// Decision is the outcome of admit().
type Decision struct {
	Allowed   bool
	Reason    string
	RetryIn   time.Duration
	Remaining float64
}

// UsageSource is the narrow view onto C2's usage_counters / running-task
// count the period-counter check needs.
type UsageSource interface {
	GetUsage(ctx context.Context, tenantID, period string) (store.UsageCounter, error)
	CountRunningTasks(ctx context.Context, tenantID string) (int, error)
}

// Gate is the process-wide quota registry.
type Gate struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	plans   map[store.Plan]PlanLimits
	usage   UsageSource
	logger  *slog.Logger

	concMu      sync.Mutex
	concurrency map[string]int // tenantID -> in-flight task count (in-process mirror)
}

func New(usage UsageSource, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	plans := make(map[store.Plan]PlanLimits, len(DefaultPlanLimits))
	for k, v := range DefaultPlanLimits {
		plans[k] = v
	}
	return &Gate{
		buckets:     make(map[string]*tokenBucket),
		plans:       plans,
		usage:       usage,
		logger:      logger,
		concurrency: make(map[string]int),
	}
}

// Admit implements the admit(subject, class) decision function from
// spec.md §4.4: period-counter check, then concurrency-counter check,
// then token-bucket Allow(). CreateTask never fails open; Other may.
func (g *Gate) Admit(ctx context.Context, subject Subject, plan store.Plan, class Class) (Decision, error) {
	d, err := g.admit(ctx, subject, plan, class)
	if err == nil {
		decision := "allow"
		reason := "ok"
		if !d.Allowed {
			decision = "deny"
			reason = d.Reason
		}
		audit.Record(decision, subject.Route, reason, string(plan), subject.TenantID)
	}
	return d, err
}

func (g *Gate) admit(ctx context.Context, subject Subject, plan store.Plan, class Class) (Decision, error) {
	limits, ok := g.plans[plan]
	if !ok {
		limits = g.plans[store.PlanTrial]
	}

	if class == ClassCreateTask {
		if d, err := g.checkPeriodCounters(ctx, subject, limits); err != nil {
			return Decision{}, apierr.Wrap(apierr.CodeQuotaExceeded, "period counter check unavailable", err)
		} else if !d.Allowed {
			return d, nil
		}
		if d := g.checkConcurrency(subject, limits); !d.Allowed {
			return d, nil
		}
	}
	if class == ClassAttachStream {
		if d, err := g.checkStreamCounters(ctx, subject, limits); err == nil && !d.Allowed {
			return d, nil
		}
	}

	bucket := g.bucketFor(subject, class, limits)
	if bucket.Allow() {
		return Decision{Allowed: true, Remaining: bucket.Remaining()}, nil
	}
	return Decision{Allowed: false, Reason: "rate_limited", RetryIn: bucket.RetryIn()}, nil
}

func (g *Gate) checkPeriodCounters(ctx context.Context, subject Subject, limits PlanLimits) (Decision, error) {
	if g.usage == nil {
		return Decision{Allowed: true}, nil
	}
	day := time.Now().UTC().Format("2006-01-02")
	month := time.Now().UTC().Format("2006-01")

	daily, err := g.usage.GetUsage(ctx, subject.TenantID, day)
	if err != nil {
		return Decision{}, err
	}
	if limits.MaxTasksPerDay > 0 && daily.TasksCreated >= int64(limits.MaxTasksPerDay) {
		return Decision{Allowed: false, Reason: "tasks_per_day_exceeded", RetryIn: time.Until(nextUTCMidnight())}, nil
	}

	monthly, err := g.usage.GetUsage(ctx, subject.TenantID, month)
	if err != nil {
		return Decision{}, err
	}
	if limits.MaxMinutesPerMonth > 0 && monthly.TaskMinutes >= int64(limits.MaxMinutesPerMonth) {
		return Decision{Allowed: false, Reason: "minutes_per_month_exceeded", RetryIn: time.Hour}, nil
	}
	return Decision{Allowed: true}, nil
}

func (g *Gate) checkStreamCounters(ctx context.Context, subject Subject, limits PlanLimits) (Decision, error) {
	if g.usage == nil || limits.MaxStreamsAtOnce <= 0 {
		return Decision{Allowed: true}, nil
	}
	period := time.Now().UTC().Format("2006-01-02")
	u, err := g.usage.GetUsage(ctx, subject.TenantID, period)
	if err != nil {
		return Decision{}, err
	}
	if u.Streams >= int64(limits.MaxStreamsAtOnce) {
		return Decision{Allowed: false, Reason: "concurrent_streams_exceeded", RetryIn: time.Second}, nil
	}
	return Decision{Allowed: true}, nil
}

func (g *Gate) checkConcurrency(subject Subject, limits PlanLimits) Decision {
	if limits.MaxConcurrentTasks <= 0 {
		return Decision{Allowed: true}
	}
	g.concMu.Lock()
	defer g.concMu.Unlock()
	if g.concurrency[subject.TenantID] >= limits.MaxConcurrentTasks {
		return Decision{Allowed: false, Reason: "concurrent_tasks_exceeded", RetryIn: 5 * time.Second}
	}
	return Decision{Allowed: true}
}

// OnTaskAdmitted increments the in-process concurrency mirror; call on
// successful CreateTask admission.
func (g *Gate) OnTaskAdmitted(tenantID string) {
	g.concMu.Lock()
	g.concurrency[tenantID]++
	g.concMu.Unlock()
}

// OnTaskTerminal decrements the in-process concurrency mirror; call when
// a task reaches a terminal state.
func (g *Gate) OnTaskTerminal(tenantID string) {
	g.concMu.Lock()
	if g.concurrency[tenantID] > 0 {
		g.concurrency[tenantID]--
	}
	g.concMu.Unlock()
}

// SetPlanLimits replaces the plan table wholesale, e.g. with operator
// overrides loaded from config at startup. Safe to call before the gate
// starts serving Admit calls; existing token buckets are left as-is and
// pick up the new limits on their next refill.
func (g *Gate) SetPlanLimits(plans map[store.Plan]PlanLimits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.plans = plans
}

func (g *Gate) bucketFor(subject Subject, class Class, limits PlanLimits) *tokenBucket {
	key := subject.bucketKey(class)
	g.mu.RLock()
	b, ok := g.buckets[key]
	g.mu.RUnlock()
	if ok {
		return b
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.buckets[key]; ok {
		return b
	}
	params := paramsFor(limits, class)
	b = newTokenBucket(params.RequestsPerMinute, params.BurstSize)
	g.buckets[key] = b
	return b
}

// StartEviction mirrors the teacher's RateLimitMiddleware.StartEviction:
// a background goroutine that periodically drops idle buckets.
func (g *Gate) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.evictStale(maxAge)
			}
		}
	}()
}

func (g *Gate) evictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	evicted := 0
	for key, b := range g.buckets {
		if b.LastAccess().Before(cutoff) {
			delete(g.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		g.logger.Debug("quota_bucket_eviction", slog.Int("evicted", evicted), slog.Int("remaining", len(g.buckets)))
	}
}

// BucketCount reports the number of tracked buckets, for metrics/tests.
func (g *Gate) BucketCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.buckets)
}

func nextUTCMidnight() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
