package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/bytes"
)

// BatchPath is the staging endpoint, which accepts whole upload batches.
const BatchPath = "/api/v1/batches"

const fallbackLimit = 1 << 20

// BodyLimit caps request bodies. batchLimit applies to POST BatchPath,
// defaultLimit to everything else. Limits use the "512K", "1M", "2G"
// notation; an unparsable limit falls back to 1 MB.
//
// Oversized bodies get a JSON 413, whether Content-Length announces them or
// the handler runs into the cap while reading.
func BodyLimit(defaultLimit, batchLimit string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	batchBytes := parseLimit(batchLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost && strings.TrimSuffix(req.URL.Path, "/") == BatchPath {
				limit = batchBytes
			}
			if req.ContentLength > limit {
				return payloadTooLarge(c, limit)
			}

			body := &cappedBody{ReadCloser: http.MaxBytesReader(c.Response(), req.Body, limit)}
			req.Body = body

			err := next(c)
			if body.exceeded {
				return payloadTooLarge(c, limit)
			}
			return err
		}
	}
}

// cappedBody remembers whether the reader hit its cap, since handlers
// usually wrap the read error into a 400.
type cappedBody struct {
	io.ReadCloser
	exceeded bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		b.exceeded = true
	}
	return n, err
}

func payloadTooLarge(c echo.Context, limit int64) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
		"message": fmt.Sprintf("request body exceeds the %s limit", bytes.Format(limit)),
	})
}

func parseLimit(s string) int64 {
	n, err := bytes.Parse(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return fallbackLimit
	}
	return n
}
