package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callWithKey(t *testing.T, keys []string, header string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	handler := APIKeyMiddleware(keys)(func(c echo.Context) error {
		key, ok := APIKeyFromCtx(c)
		require.True(t, ok)
		return c.String(http.StatusOK, key)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("X-API-Key", header)
	}
	rec := httptest.NewRecorder()
	_ = handler(e.NewContext(req, rec))
	return rec
}

func TestAPIKeyMiddleware(t *testing.T) {
	keys := []string{"k1", "k2"}

	rec := callWithKey(t, keys, "k2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "k2", rec.Body.String())

	rec = callWithKey(t, keys, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = callWithKey(t, keys, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// surrounding whitespace is tolerated
	rec = callWithKey(t, keys, "  k1  ")
	assert.Equal(t, http.StatusOK, rec.Code)
}
