package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careaccess/careaccess/internal/platform/auth"
)

type breakGlassContextKey string

const (
	breakGlassKey       breakGlassContextKey = "break_glass"
	breakGlassReasonKey breakGlassContextKey = "break_glass_reason"
)

// BreakGlassConfig bounds how often and how casually the emergency override
// can be used.
type BreakGlassConfig struct {
	// MaxPerWindow is the per-clinician cap on override requests in one window.
	MaxPerWindow int
	// Window is the rolling interval the cap applies to.
	Window time.Duration
	// MinReasonLength rejects throwaway justifications; the reason lands in
	// the audit trail and is reviewed after the fact.
	MinReasonLength int
}

func DefaultBreakGlassConfig() BreakGlassConfig {
	return BreakGlassConfig{
		MaxPerWindow:    10,
		Window:          time.Hour,
		MinReasonLength: 8,
	}
}

const breakGlassCleanupPeriod = 5 * time.Minute

// overrideLog tracks when each clinician last used the override, for the
// rolling-window cap.
type overrideLog struct {
	mu     sync.Mutex
	grants map[string][]time.Time
}

func newOverrideLog() *overrideLog {
	return &overrideLog{grants: make(map[string][]time.Time)}
}

// allow records the use and reports whether actorID is still under the cap.
// The caller supplies the clock so tests can be deterministic.
func (l *overrideLog) allow(actorID string, now time.Time, cfg BreakGlassConfig) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-cfg.Window)
	kept := l.grants[actorID][:0]
	for _, ts := range l.grants[actorID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= cfg.MaxPerWindow {
		l.grants[actorID] = kept
		return false
	}

	l.grants[actorID] = append(kept, now)
	return true
}

func (l *overrideLog) cleanup(now time.Time, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-window)
	for actorID, timestamps := range l.grants {
		kept := timestamps[:0]
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(l.grants, actorID)
		} else {
			l.grants[actorID] = kept
		}
	}
}

func isProtectedAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

// BreakGlass implements the emergency override for care data access. A
// request carrying X-Break-Glass with a justification gets "admin" appended
// to its roles, so the access evaluator's admin rule grants it regardless
// of delegation state. The override is authenticated-only, capped per
// clinician, and every use is logged at WARN; the HTTP audit layer picks
// the reason up from the request context.
//
// Must sit after the auth middleware in the chain.
func BreakGlass(logger zerolog.Logger) echo.MiddlewareFunc {
	return BreakGlassWithConfig(logger, DefaultBreakGlassConfig())
}

func BreakGlassWithConfig(logger zerolog.Logger, cfg BreakGlassConfig) echo.MiddlewareFunc {
	log := newOverrideLog()

	go func() {
		ticker := time.NewTicker(breakGlassCleanupPeriod)
		defer ticker.Stop()
		for range ticker.C {
			log.cleanup(time.Now(), cfg.Window)
		}
	}()

	return breakGlassMiddleware(logger, log, cfg, time.Now)
}

// breakGlassMiddleware takes the clock and override log as arguments so
// tests can drive them.
func breakGlassMiddleware(logger zerolog.Logger, log *overrideLog, cfg BreakGlassConfig, nowFn func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isProtectedAPIPath(path) {
				return next(c)
			}

			reason := strings.TrimSpace(req.Header.Get("X-Break-Glass"))
			if reason == "" {
				return next(c)
			}
			if len(reason) < cfg.MinReasonLength {
				return echo.NewHTTPError(http.StatusBadRequest,
					"break-glass requires a meaningful justification")
			}

			ctx := req.Context()
			actorID := auth.UserIDFromContext(ctx)
			if actorID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "break-glass requires authentication")
			}

			now := nowFn()
			if !log.allow(actorID, now, cfg) {
				return echo.NewHTTPError(http.StatusTooManyRequests,
					"break-glass rate limit exceeded")
			}

			roles := auth.RolesFromContext(ctx)
			hasAdmin := false
			for _, r := range roles {
				if r == "admin" {
					hasAdmin = true
					break
				}
			}
			if !hasAdmin {
				roles = append(roles, "admin")
			}

			ctx = context.WithValue(ctx, breakGlassKey, true)
			ctx = context.WithValue(ctx, breakGlassReasonKey, reason)
			ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
			c.SetRequest(req.WithContext(ctx))

			logger.Warn().
				Str("type", "break_glass").
				Str("actor_id", actorID).
				Strs("original_roles", auth.RolesFromContext(req.Context())).
				Str("break_glass_reason", reason).
				Str("path", path).
				Str("method", req.Method).
				Str("remote_ip", c.RealIP()).
				Time("timestamp", now).
				Msg("break_glass_override")

			return next(c)
		}
	}
}

// IsBreakGlass reports whether the request runs under the emergency override.
func IsBreakGlass(ctx context.Context) bool {
	v, _ := ctx.Value(breakGlassKey).(bool)
	return v
}

// BreakGlassReason returns the justification from the X-Break-Glass header,
// or an empty string when the override was not invoked.
func BreakGlassReason(ctx context.Context) string {
	v, _ := ctx.Value(breakGlassReasonKey).(string)
	return v
}
