package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMailer(t *testing.T, handler http.HandlerFunc) (*HTTPMailer, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m := NewHTTPMailer(Config{
		BaseURL:    srv.URL,
		SendPath:   "/v1/messages",
		TimeoutMs:  2000,
		BucketRPS:  1000,
		BucketSize: 1000,
	}, Credential{Token: "tok-1", From: "Ops <ops@example.com>"})
	return m, srv
}

func TestSendSuccess(t *testing.T) {
	m, _ := newTestMailer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var req sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ada@example.com", req.To)
		assert.Equal(t, "Ops <ops@example.com>", req.From)

		_ = json.NewEncoder(w).Encode(sendResponse{MessageID: "prov-42"})
	})

	id, err := m.Send(context.Background(), "ada@example.com", "Hi", "Body")
	require.NoError(t, err)
	assert.Equal(t, "prov-42", id)
}

func TestSendClassification(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{http.StatusUnauthorized, ClassAuthExpired},
		{http.StatusForbidden, ClassAuthExpired},
		{http.StatusTooManyRequests, ClassRateLimited},
		{http.StatusUnprocessableEntity, ClassRecipientRejected},
		{http.StatusNotFound, ClassRecipientRejected},
		{http.StatusInternalServerError, ClassTransient},
		{http.StatusBadGateway, ClassTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			m, _ := newTestMailer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			_, err := m.Send(context.Background(), "x@example.com", "s", "b")
			require.Error(t, err)

			var se *SendError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.want, se.Class)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.want, Classify(err))
		})
	}
}

func TestSendTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	m := NewHTTPMailer(Config{
		BaseURL:    srv.URL,
		SendPath:   "/v1/messages",
		TimeoutMs:  50,
		BucketRPS:  1000,
		BucketSize: 1000,
	}, Credential{Token: "tok"})

	_, err := m.Send(context.Background(), "x@example.com", "s", "b")
	require.Error(t, err)
	assert.Equal(t, ClassTransient, Classify(err))
}

func TestTokenBucketPacesCalls(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(sendResponse{MessageID: "id"})
	}))
	t.Cleanup(srv.Close)

	// capacity 1, 20 tokens/sec: 4 sends need >=3 refills, ~150ms.
	m := NewHTTPMailer(Config{
		BaseURL:    srv.URL,
		SendPath:   "/v1/messages",
		TimeoutMs:  2000,
		BucketRPS:  20,
		BucketSize: 1,
	}, Credential{Token: "tok"})

	start := time.Now()
	for i := 0; i < 4; i++ {
		_, err := m.Send(context.Background(), "x@example.com", "s", "b")
		require.NoError(t, err)
	}

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.EqualValues(t, 4, calls.Load())
}

func TestClassifyUnknownErrorIsTransient(t *testing.T) {
	assert.Equal(t, ClassTransient, Classify(errors.New("boom")))
}
