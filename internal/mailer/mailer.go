package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Mailer is the single-identity send capability the dispatch core consumes.
// Implementations classify failures into *SendError and never retry
// internally; retry policy lives with the scheduler.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) (providerMessageID string, err error)
}

// Credential is the explicit credential handle injected at run start. The
// core never refreshes it; an expired token surfaces as ClassAuthExpired and
// halts the run.
type Credential struct {
	Token string
	From  string // authenticated sender identity, e.g. "Ada <ada@example.com>"
}

type Config struct {
	BaseURL    string
	SendPath   string // e.g. "/v1/messages"
	TimeoutMs  int
	BucketRPS  float64 // token refill rate
	BucketSize int     // burst capacity
}

// HTTPMailer posts one personalized message per call to the external mail
// provider. A shared token bucket throttles all callers: Send blocks until a
// token is available rather than failing, so a pool of workers is paced
// without any extra coordination.
type HTTPMailer struct {
	cfg     Config
	cred    Credential
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPMailer(cfg Config, cred Credential) *HTTPMailer {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 10000
	}
	if cfg.BucketRPS <= 0 {
		cfg.BucketRPS = 10
	}
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = 1
	}

	return &HTTPMailer{
		cfg:     cfg,
		cred:    cred,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		limiter: rate.NewLimiter(rate.Limit(cfg.BucketRPS), cfg.BucketSize),
	}
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

func (m *HTTPMailer) Send(ctx context.Context, to, subject, body string) (string, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return "", &SendError{Class: ClassTransient, Err: err}
	}

	payload, err := json.Marshal(sendRequest{
		From:    m.cred.From,
		To:      to,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		return "", &SendError{Class: ClassTransient, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+m.cfg.SendPath, bytes.NewReader(payload))
	if err != nil {
		return "", &SendError{Class: ClassTransient, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.cred.Token)

	res, err := m.client.Do(req)
	if err != nil {
		// network error or timeout
		return "", &SendError{Class: ClassTransient, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode/100 == 2 {
		var sr sendResponse
		if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&sr); err != nil {
			// accepted by the provider; a missing id must not count as failure
			return "", nil
		}
		return sr.MessageID, nil
	}

	return "", &SendError{
		Class:      classifyStatus(res.StatusCode),
		StatusCode: res.StatusCode,
		Err:        fmt.Errorf("provider returned %s", res.Status),
	}
}

func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassAuthExpired
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code >= 400 && code < 500:
		return ClassRecipientRejected
	default:
		return ClassTransient
	}
}
