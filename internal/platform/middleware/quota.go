package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/careaccess/careaccess/internal/platform/auth"
)

// Actor quotas sit above the burst limiter in ratelimit.go and are keyed by
// the authenticated actor rather than the connection. Plans are role-shaped:
// a patient confirms or denies consent a handful of times an hour, a
// clinician pages through delegation rosters, and an integration account
// syncs in bulk. The tight patient plan also backstops the per-challenge
// attempt ceiling against an actor cycling codes across many delegations.

// QuotaPlan caps an actor's request volume over two windows plus in-flight
// requests.
type QuotaPlan struct {
	Name       string `json:"name"`
	PerMinute  int    `json:"per_minute"`
	PerHour    int    `json:"per_hour"`
	Concurrent int    `json:"concurrent"`
}

// QuotaDecision reports the outcome of an Allow call.
type QuotaDecision struct {
	Allowed    bool   `json:"allowed"`
	Remaining  int    `json:"remaining"`
	Limit      int    `json:"limit"`
	RetryAfter int    `json:"retry_after"`
	Plan       string `json:"plan"`
}

// ActorUsage is a point-in-time snapshot of an actor's consumption.
type ActorUsage struct {
	ActorID         string `json:"actor_id"`
	Plan            string `json:"plan"`
	MinuteUsed      int    `json:"minute_used"`
	MinuteLimit     int    `json:"minute_limit"`
	HourUsed        int    `json:"hour_used"`
	HourLimit       int    `json:"hour_limit"`
	ConcurrentUsed  int    `json:"concurrent_used"`
	ConcurrentLimit int    `json:"concurrent_limit"`
}

// DefaultQuotaPlans returns the built-in plans. "care_team" is the fallback
// for actors with no explicit assignment.
func DefaultQuotaPlans() []QuotaPlan {
	return []QuotaPlan{
		{Name: "patient", PerMinute: 30, PerHour: 300, Concurrent: 3},
		{Name: "care_team", PerMinute: 120, PerHour: 3000, Concurrent: 10},
		{Name: "integration", PerMinute: 600, PerHour: 20000, Concurrent: 40},
	}
}

const fallbackQuotaPlan = "care_team"

// actorWindows tracks one actor's consumption. Counters reset when their
// window rolls over; concurrent is a gauge released after each request.
type actorWindows struct {
	mu          sync.Mutex
	minuteUsed  int
	hourUsed    int
	concurrent  int
	minuteRolls time.Time
	hourRolls   time.Time
}

func (w *actorWindows) roll(now time.Time) {
	if now.After(w.minuteRolls) {
		w.minuteUsed = 0
		w.minuteRolls = now.Add(time.Minute)
	}
	if now.After(w.hourRolls) {
		w.hourUsed = 0
		w.hourRolls = now.Add(time.Hour)
	}
}

// ActorQuotaLimiter holds the plan table and per-actor windows.
type ActorQuotaLimiter struct {
	mu         sync.RWMutex
	plans      map[string]*QuotaPlan
	actorPlans map[string]string
	windows    map[string]*actorWindows
}

// NewActorQuotaLimiter creates a limiter preloaded with the default plans.
func NewActorQuotaLimiter() *ActorQuotaLimiter {
	l := &ActorQuotaLimiter{
		plans:      make(map[string]*QuotaPlan),
		actorPlans: make(map[string]string),
		windows:    make(map[string]*actorWindows),
	}
	for _, p := range DefaultQuotaPlans() {
		plan := p
		l.plans[plan.Name] = &plan
	}
	return l
}

// RegisterPlan adds or replaces a plan by name.
func (l *ActorQuotaLimiter) RegisterPlan(plan QuotaPlan) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := plan
	l.plans[p.Name] = &p
}

// AssignPlan binds an actor to a named plan.
func (l *ActorQuotaLimiter) AssignPlan(actorID, planName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.plans[planName]; !ok {
		return fmt.Errorf("quota plan %q not found", planName)
	}
	l.actorPlans[actorID] = planName
	return nil
}

// PlanFor resolves the actor's plan, falling back to the care_team plan.
func (l *ActorQuotaLimiter) PlanFor(actorID string) *QuotaPlan {
	l.mu.RLock()
	defer l.mu.RUnlock()
	name, ok := l.actorPlans[actorID]
	if !ok {
		name = fallbackQuotaPlan
	}
	plan, ok := l.plans[name]
	if !ok {
		plan = l.plans[fallbackQuotaPlan]
	}
	return plan
}

func (l *ActorQuotaLimiter) windowsFor(actorID string) *actorWindows {
	l.mu.RLock()
	w, ok := l.windows[actorID]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[actorID]; ok {
		return w
	}
	now := time.Now()
	w = &actorWindows{minuteRolls: now.Add(time.Minute), hourRolls: now.Add(time.Hour)}
	l.windows[actorID] = w
	return w
}

// Allow consumes one request from the actor's quota. On success the caller
// must pair it with Release to return the concurrent slot.
func (l *ActorQuotaLimiter) Allow(actorID string) (bool, *QuotaDecision) {
	plan := l.PlanFor(actorID)
	w := l.windowsFor(actorID)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.roll(now)

	decision := &QuotaDecision{Plan: plan.Name, Limit: plan.PerMinute}

	switch {
	case plan.Concurrent > 0 && w.concurrent >= plan.Concurrent:
		decision.RetryAfter = 1
		return false, decision
	case w.minuteUsed >= plan.PerMinute:
		decision.RetryAfter = secondsUntil(w.minuteRolls, now)
		return false, decision
	case w.hourUsed >= plan.PerHour:
		decision.RetryAfter = secondsUntil(w.hourRolls, now)
		return false, decision
	}

	w.minuteUsed++
	w.hourUsed++
	w.concurrent++
	decision.Allowed = true
	decision.Remaining = plan.PerMinute - w.minuteUsed
	return true, decision
}

// Release returns the actor's concurrent slot. Safe to call without a
// matching Allow; the gauge never goes negative.
func (l *ActorQuotaLimiter) Release(actorID string) {
	w := l.windowsFor(actorID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.concurrent > 0 {
		w.concurrent--
	}
}

// Usage snapshots the actor's current consumption.
func (l *ActorQuotaLimiter) Usage(actorID string) *ActorUsage {
	plan := l.PlanFor(actorID)
	w := l.windowsFor(actorID)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(time.Now())

	return &ActorUsage{
		ActorID:         actorID,
		Plan:            plan.Name,
		MinuteUsed:      w.minuteUsed,
		MinuteLimit:     plan.PerMinute,
		HourUsed:        w.hourUsed,
		HourLimit:       plan.PerHour,
		ConcurrentUsed:  w.concurrent,
		ConcurrentLimit: plan.Concurrent,
	}
}

// ResetUsage zeroes the actor's windows.
func (l *ActorQuotaLimiter) ResetUsage(actorID string) {
	w := l.windowsFor(actorID)
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.minuteUsed = 0
	w.hourUsed = 0
	w.concurrent = 0
	w.minuteRolls = now.Add(time.Minute)
	w.hourRolls = now.Add(time.Hour)
}

// StartCleanup launches a janitor that drops windows idle past both resets.
// It returns immediately; the janitor stops when ctx is cancelled.
func (l *ActorQuotaLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				l.mu.Lock()
				for id, w := range l.windows {
					w.mu.Lock()
					idle := now.After(w.hourRolls) && w.concurrent == 0
					w.mu.Unlock()
					if idle {
						delete(l.windows, id)
					}
				}
				l.mu.Unlock()
			}
		}
	}()
}

// ActorQuota enforces the limiter on every request. The quota key is the
// authenticated actor; unauthenticated requests fall back to the client
// address so public endpoints stay covered.
func ActorQuota(limiter *ActorQuotaLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actorID := auth.UserIDFromContext(c.Request().Context())
			if actorID == "" {
				actorID = c.RealIP()
			}

			ok, decision := limiter.Allow(actorID)
			h := c.Response().Header()
			h.Set("X-Quota-Limit", strconv.Itoa(decision.Limit))
			h.Set("X-Quota-Remaining", strconv.Itoa(decision.Remaining))
			if !ok {
				h.Set("Retry-After", strconv.Itoa(decision.RetryAfter))
				return echo.NewHTTPError(http.StatusTooManyRequests, "request quota exceeded")
			}

			err := next(c)
			limiter.Release(actorID)
			return err
		}
	}
}

// secondsUntil returns whole seconds from now until t, minimum 1.
func secondsUntil(t, now time.Time) int {
	s := int(t.Sub(now).Seconds())
	if s < 1 {
		return 1
	}
	return s
}

// QuotaHandler exposes admin endpoints for inspecting and adjusting actor
// quotas.
type QuotaHandler struct {
	limiter *ActorQuotaLimiter
}

func NewQuotaHandler(limiter *ActorQuotaLimiter) *QuotaHandler {
	return &QuotaHandler{limiter: limiter}
}

// RegisterRoutes mounts the quota admin endpoints on the given group.
func (h *QuotaHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/quotas/plans", h.ListPlans)
	g.POST("/quotas/plans", h.UpsertPlan)
	g.GET("/quotas/actors/:id", h.GetActorUsage)
	g.PUT("/quotas/actors/:id/plan", h.AssignActorPlan)
	g.POST("/quotas/actors/:id/reset", h.ResetActor)
}

func (h *QuotaHandler) ListPlans(c echo.Context) error {
	h.limiter.mu.RLock()
	plans := make([]QuotaPlan, 0, len(h.limiter.plans))
	for _, p := range h.limiter.plans {
		plans = append(plans, *p)
	}
	h.limiter.mu.RUnlock()
	return c.JSON(http.StatusOK, plans)
}

func (h *QuotaHandler) UpsertPlan(c echo.Context) error {
	var plan QuotaPlan
	if err := c.Bind(&plan); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid plan: "+err.Error())
	}
	if plan.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "plan name is required")
	}
	h.limiter.RegisterPlan(plan)
	return c.JSON(http.StatusOK, plan)
}

func (h *QuotaHandler) GetActorUsage(c echo.Context) error {
	return c.JSON(http.StatusOK, h.limiter.Usage(c.Param("id")))
}

func (h *QuotaHandler) AssignActorPlan(c echo.Context) error {
	var body struct {
		Plan string `json:"plan"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	actorID := c.Param("id")
	if err := h.limiter.AssignPlan(actorID, body.Plan); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"actor_id": actorID, "plan": body.Plan})
}

func (h *QuotaHandler) ResetActor(c echo.Context) error {
	actorID := c.Param("id")
	h.limiter.ResetUsage(actorID)
	return c.JSON(http.StatusOK, map[string]string{"actor_id": actorID, "status": "reset"})
}
