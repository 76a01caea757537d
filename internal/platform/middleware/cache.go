package middleware

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// CacheConfig controls the revalidation headers on read endpoints. Everything
// this API serves is scoped to a care team or a patient, so responses are
// always marked private; there is no shared response cache. Consent state in
// particular must never be served stale past MaxAge, which is why the default
// is short.
type CacheConfig struct {
	MaxAge       int      // Cache-Control max-age in seconds
	NoStore      bool     // disable storage entirely for sensitive endpoints
	VaryHeaders  []string // headers that select the representation
	ExcludePaths []string // paths to leave untouched
}

// DefaultCacheConfig suits delegation and directory reads: private, a short
// max-age, and ETag revalidation so list polling stays cheap.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxAge:      60,
		VaryHeaders: []string{"Accept", "Authorization"},
	}
}

// etagBuffer captures the response body so the ETag can be computed before
// anything reaches the wire.
type etagBuffer struct {
	writer     http.ResponseWriter
	body       bytes.Buffer
	statusCode int
}

func newETagBuffer(w http.ResponseWriter) *etagBuffer {
	return &etagBuffer{writer: w, statusCode: http.StatusOK}
}

func (b *etagBuffer) Header() http.Header { return b.writer.Header() }

func (b *etagBuffer) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *etagBuffer) WriteHeader(code int) { b.statusCode = code }

func (b *etagBuffer) Flush() {}

// release sends the buffered status and body to the real writer.
func (b *etagBuffer) release() error {
	b.writer.WriteHeader(b.statusCode)
	if b.body.Len() == 0 {
		return nil
	}
	_, err := b.writer.Write(b.body.Bytes())
	return err
}

// ETagMiddleware adds Cache-Control, Vary, and a weak ETag to successful
// GET/HEAD responses, and answers If-None-Match with 304 when the
// representation is unchanged.
func ETagMiddleware(cfg CacheConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet && req.Method != http.MethodHead {
				return next(c)
			}
			for _, ex := range cfg.ExcludePaths {
				if req.URL.Path == ex {
					return next(c)
				}
			}

			res := c.Response()
			orig := res.Writer
			buf := newETagBuffer(orig)
			res.Writer = buf

			if err := next(c); err != nil {
				res.Writer = orig
				return err
			}
			res.Writer = orig

			if buf.statusCode >= 400 {
				return buf.release()
			}

			res.Header().Set("Cache-Control", cacheControlValue(cfg))
			if len(cfg.VaryHeaders) > 0 {
				res.Header().Set("Vary", strings.Join(cfg.VaryHeaders, ", "))
			}

			etag := weakETag(buf.body.Bytes())
			res.Header().Set("ETag", etag)
			if inm := req.Header.Get("If-None-Match"); inm != "" && etagMatch(inm, etag) {
				orig.WriteHeader(http.StatusNotModified)
				return nil
			}

			return buf.release()
		}
	}
}

// weakETag derives a weak validator from the body. Weak is enough here: the
// goal is saving bandwidth on unchanged delegation lists, not byte-identity.
func weakETag(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf(`W/"%x"`, sum[:16])
}

func cacheControlValue(cfg CacheConfig) string {
	if cfg.NoStore {
		return "no-store"
	}
	return fmt.Sprintf("private, max-age=%d", cfg.MaxAge)
}

// etagMatch reports whether an If-None-Match header value matches the ETag.
// Handles comma-separated candidates, the "*" wildcard, and weak comparison.
func etagMatch(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		if opaqueTag(strings.TrimSpace(candidate)) == opaqueTag(etag) {
			return true
		}
	}
	return false
}

func opaqueTag(etag string) string {
	return strings.TrimPrefix(etag, "W/")
}
