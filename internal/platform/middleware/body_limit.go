package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const defaultBodyLimit = 1 << 20 // 1 MB

// BodyLimit caps the request body size. Delegation requests and verify
// payloads are small JSON documents, so anything near the cap is either a
// client bug or abuse; oversized bodies get 413.
//
// The limit is a human-readable size: "1M", "512K", "64". A bare number is
// bytes. Unparseable strings fall back to 1 MB.
func BodyLimit(maxSize string) echo.MiddlewareFunc {
	limit := parseSizeLimit(maxSize)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			// Declared length lets us reject before reading anything.
			if req.ContentLength > limit {
				return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
					"error": fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit),
				})
			}

			// Chunked or lying clients are caught while the body is read.
			req.Body = &cappedBody{inner: req.Body, left: limit}

			return next(c)
		}
	}
}

// cappedBody fails reads once more than the allowed number of bytes has
// come off the wire.
type cappedBody struct {
	inner    io.ReadCloser
	left     int64
	exceeded bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	// Read one byte past the remaining allowance so overflow is detectable.
	if max := b.left + 1; int64(len(p)) > max {
		p = p[:max]
	}

	n, err := b.inner.Read(p)
	b.left -= int64(n)
	if b.left < 0 {
		b.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	return n, err
}

func (b *cappedBody) Close() error {
	return b.inner.Close()
}

var sizeSuffixes = []struct {
	suffix     string
	multiplier int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"G", 1 << 30},
	{"M", 1 << 20},
	{"K", 1 << 10},
}

func parseSizeLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return defaultBodyLimit
	}

	var multiplier int64 = 1
	for _, ss := range sizeSuffixes {
		if rest, ok := strings.CutSuffix(s, ss.suffix); ok {
			multiplier = ss.multiplier
			s = rest
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return defaultBodyLimit
	}

	return n * multiplier
}
