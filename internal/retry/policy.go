package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/outreachly/campd/internal/mailer"
	"github.com/outreachly/campd/internal/model"
)

// Decision is the controller's verdict for one failed attempt.
type Decision struct {
	Retry  bool
	After  time.Duration // backoff delay, only when Retry
	Reason string        // give-up reason, only when !Retry
}

// Policy decides whether a failed attempt is retried, when, and how many
// times. Deterministic given identical inputs unless JitterFrac is set, in
// which case a bounded perturbation is drawn from the seeded source.
type Policy struct {
	Base        time.Duration // first retry delay
	Cap         time.Duration // max delay
	MaxAttempts int           // attempts (not retries) per recipient

	// JitterFrac in [0,1): each delay is stretched by up to that fraction.
	JitterFrac float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPolicy(base, cap time.Duration, maxAttempts int) *Policy {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Policy{Base: base, Cap: cap, MaxAttempts: maxAttempts}
}

// WithJitter enables bounded jitter from a fixed seed. Returns p for chaining.
func (p *Policy) WithJitter(frac float64, seed int64) *Policy {
	if frac < 0 {
		frac = 0
	}
	if frac >= 1 {
		frac = 0.99
	}
	p.JitterFrac = frac
	p.rng = rand.New(rand.NewSource(seed))
	return p
}

// Decide maps (attemptCount, errorClass) to Retry(after) or GiveUp(reason).
// attemptCount is the number of attempts already made, including the one
// that just failed.
func (p *Policy) Decide(attemptCount int, class mailer.ErrorClass) Decision {
	switch class {
	case mailer.ClassAuthExpired:
		// no retry budget consumed; the scheduler halts the whole run
		return Decision{Reason: model.RunFailureAuth}
	case mailer.ClassRecipientRejected:
		return Decision{Reason: model.FailReasonRecipientRejected}
	}

	if attemptCount >= p.MaxAttempts {
		return Decision{Reason: model.FailReasonMaxAttempts}
	}

	return Decision{Retry: true, After: p.delay(attemptCount)}
}

func (p *Policy) delay(attemptCount int) time.Duration {
	d := p.Base
	for i := 0; i < attemptCount && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}

	if p.JitterFrac > 0 && p.rng != nil {
		p.mu.Lock()
		d += time.Duration(p.rng.Float64() * p.JitterFrac * float64(d))
		p.mu.Unlock()
		if d > p.Cap {
			d = p.Cap
		}
	}
	return d
}
