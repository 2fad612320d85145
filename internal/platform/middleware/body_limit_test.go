package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1024", 1024},
		{" 2048 ", 2048},
		{"", fallbackLimit},
		{"invalid", fallbackLimit},
		{"-1K", fallbackLimit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLimit(tt.input), tt.input)
	}

	assert.Greater(t, parseLimit("512K"), int64(500_000))
	assert.Greater(t, parseLimit("1M"), parseLimit("512K"))
	assert.Greater(t, parseLimit("64M"), parseLimit("1M"))
}

func serve(t *testing.T, mw echo.MiddlewareFunc, req *http.Request, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	require.NoError(t, mw(handler)(e.NewContext(req, rec)))
	return rec
}

func TestBodyLimit(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 2048)
	tests := []struct {
		name   string
		path   string
		body   []byte
		limits [2]string
		called bool
		code   int
	}{
		{"small body", "/api/v1/remediations", []byte(`{"rule_ids":["vol-period-current"]}`), [2]string{"1M", "64M"}, true, http.StatusOK},
		{"oversized body", "/api/v1/remediations", big, [2]string{"1K", "64M"}, false, http.StatusRequestEntityTooLarge},
		{"batch uses larger limit", "/api/v1/batches", big, [2]string{"1K", "64M"}, true, http.StatusOK},
		{"batch over its limit", "/api/v1/batches/", big, [2]string{"512", "1K"}, false, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			req := httptest.NewRequest(http.MethodPost, tt.path, bytes.NewReader(tt.body))
			rec := serve(t, BodyLimit(tt.limits[0], tt.limits[1]), req, func(c echo.Context) error {
				called = true
				return c.String(http.StatusOK, "ok")
			})
			assert.Equal(t, tt.called, called)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestBodyLimit_SkipsEmptyBody(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
	serve(t, BodyLimit("1M", "64M"), req, func(c echo.Context) error {
		called = true
		return nil
	})
	assert.True(t, called)
}

// Without Content-Length the cap is only hit while the handler reads; the
// handler's own error is replaced by 413.
func TestBodyLimit_EnforcesLimitDuringRead(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/remediations", strings.NewReader(strings.Repeat("a", 1024)))
	req.ContentLength = -1

	rec := serve(t, BodyLimit("512", "64M"), req, func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.NoContent(http.StatusOK)
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["message"], "limit")
}
