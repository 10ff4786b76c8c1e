package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/outreachly/campd/internal/events"
	"github.com/outreachly/campd/internal/mailer"
	"github.com/outreachly/campd/internal/metrics"
	"github.com/outreachly/campd/internal/model"
	"github.com/outreachly/campd/internal/repository"
	"github.com/outreachly/campd/internal/retry"
	"github.com/outreachly/campd/internal/template"
)

// RunState is the per-run state machine: Idle → Running → {Paused,
// Completed, Halted}; Paused → Running on resume; Halted is terminal for
// the run and needs operator intervention before a new run starts.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunCompleted RunState = "completed"
	RunHalted    RunState = "halted"
)

// intent records why the current session was asked to stop.
type intent int32

const (
	intentNone intent = iota
	intentPause
	intentCancel
	intentAuthHalt
)

// errStorageUnavailable wraps ledger/campaign-store failures. The one error
// class a run must treat as unconditionally fatal: keep claiming against a
// broken ledger and double sends become possible.
var errStorageUnavailable = errors.New("storage unavailable")

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", errStorageUnavailable, err)
}

type Config struct {
	Workers      int           // bounded concurrency, worker slots
	BatchSize    int           // pending-contact fetch size
	PollInterval time.Duration // wait while in-flight attempts drain
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	return c
}

type Deps struct {
	Campaigns repository.CampaignsRepository
	Contacts  repository.ContactsRepository
	Ledger    repository.DispatchLedger
	Mailer    mailer.Mailer
	Policy    *retry.Policy
	Events    events.Sink
	Log       *zap.Logger
}

// Run is one execution of the scheduler against a campaign. All workers
// share one ledger and one rate-limited mailer; the ledger's atomic claim is
// the only coordination between them.
type Run struct {
	ID       string
	Campaign *model.Campaign

	deps Deps
	cfg  Config
	log  *zap.Logger

	mu       sync.Mutex
	state    RunState
	failure  string
	cancelFn context.CancelFunc // cancels the active session
	done     chan struct{}      // closed when the active session's loop exits

	intent   atomic.Int32
	inflight atomic.Int64
}

func newRun(id string, campaign *model.Campaign, deps Deps, cfg Config) *Run {
	return &Run{
		ID:       id,
		Campaign: campaign,
		deps:     deps,
		cfg:      cfg.withDefaults(),
		log:      deps.Log.With(zap.String("run_id", id), zap.Int64("campaign_id", campaign.ID)),
		state:    RunIdle,
	}
}

func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) FailureReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// start transitions Idle/Paused → Running and spawns the session. Campaign
// status moves to `sending` before any claim is issued; re-entering a
// campaign already marked sending is a no-op apart from reaping stale
// claims and re-deriving pending work from the ledger.
func (r *Run) start(base context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != RunIdle && r.state != RunPaused {
		return fmt.Errorf("run %s cannot start from state %s", r.ID, r.state)
	}

	ctx := context.WithoutCancel(base)

	// no session is active for this run, so every in_flight row is a stale
	// claim from a crash or a previous session
	if _, err := r.deps.Ledger.ReapStale(ctx, r.Campaign.ID, 0); err != nil {
		return storageErr(err)
	}
	if err := r.deps.Campaigns.SetStatus(ctx, r.Campaign.ID, model.CampaignSending, ""); err != nil {
		return storageErr(err)
	}

	sessionCtx, cancel := context.WithCancel(base)
	done := make(chan struct{})
	r.cancelFn = cancel
	r.done = done
	r.intent.Store(int32(intentNone))
	r.state = RunRunning

	r.publish(ctx, model.RunEvent{Type: model.RunEventStarted})
	r.log.Info("run started",
		zap.Int("workers", r.cfg.Workers),
		zap.String("campaign_status", model.CampaignSending.String()))

	go r.loop(sessionCtx, done)
	return nil
}

// wait blocks until the active session's loop has fully exited.
func (r *Run) wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// signal stops the current session with the given intent. New claims stop;
// in-flight attempts finish or fail out on their own.
func (r *Run) signal(want intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != RunRunning {
		return fmt.Errorf("run %s is %s", r.ID, r.state)
	}
	r.intent.CompareAndSwap(int32(intentNone), int32(want))
	if r.cancelFn != nil {
		r.cancelFn()
	}
	return nil
}

func (r *Run) pause() error  { return r.signal(intentPause) }
func (r *Run) cancel() error { return r.signal(intentCancel) }

func (r *Run) haltAuth() {
	// first failure wins; later classes must not overwrite the reason
	if r.intent.CompareAndSwap(int32(intentNone), int32(intentAuthHalt)) {
		r.mu.Lock()
		if r.cancelFn != nil {
			r.cancelFn()
		}
		r.mu.Unlock()
	}
}

// loop drives one session to a resting state and records the outcome.
func (r *Run) loop(sessionCtx context.Context, done chan struct{}) {
	defer close(done)

	// status writes below must survive session/base cancellation
	ctx := context.WithoutCancel(sessionCtx)

	for {
		err := r.session(sessionCtx)

		switch {
		case err != nil:
			r.log.Error("run halted: storage unavailable", zap.Error(err))
			r.finish(ctx, RunHalted, model.CampaignFailed, model.RunFailureStorage, "halted")
			return

		case r.currentIntent() == intentAuthHalt:
			r.log.Warn("run halted: credential expired")
			r.finish(ctx, RunHalted, model.CampaignFailed, model.RunFailureAuth, "halted")
			return

		case r.currentIntent() == intentCancel:
			r.finalizeCancel(ctx)
			return

		case r.currentIntent() == intentPause, sessionCtx.Err() != nil:
			// explicit pause, or the process is shutting down
			r.log.Info("run paused")
			r.finish(ctx, RunPaused, model.CampaignPaused, "", "paused")
			return
		}

		// drained; a worker that finished after the feeder's last scan may
		// have reopened a recipient for retry, so check before finishing
		waiting, _, werr := r.deps.Ledger.NextRetryAt(ctx, r.Campaign.ID)
		if werr != nil {
			r.finish(ctx, RunHalted, model.CampaignFailed, model.RunFailureStorage, "halted")
			return
		}
		if waiting > 0 {
			continue
		}

		r.finalizeDrained(ctx)
		return
	}
}

func (r *Run) currentIntent() intent { return intent(r.intent.Load()) }

func (r *Run) finish(ctx context.Context, state RunState, status model.CampaignStatus, reason, metric string) {
	if err := r.deps.Campaigns.SetStatus(ctx, r.Campaign.ID, status, reason); err != nil {
		// likely the same storage outage; the ledger keeps the run recoverable
		r.log.Error("set campaign status failed", zap.String("status", status.String()), zap.Error(err))
	}

	r.mu.Lock()
	r.state = state
	r.failure = reason
	r.mu.Unlock()

	metrics.RunsTotal.WithLabelValues(metric).Inc()
	r.publish(ctx, model.RunEvent{Type: model.RunEventFinished, Status: status.String(), Reason: reason})
}

// finalizeDrained: pendingContacts is empty and no workers are in flight.
func (r *Run) finalizeDrained(ctx context.Context) {
	_, permanent, err := r.deps.Ledger.CountStates(ctx, r.Campaign.ID)
	if err != nil {
		r.log.Error("run halted: storage unavailable at finalize", zap.Error(err))
		r.finish(ctx, RunHalted, model.CampaignFailed, model.RunFailureStorage, "halted")
		return
	}

	status := model.CampaignCompleted
	if permanent > 0 {
		status = model.CampaignCompletedWithErrors
	}
	r.log.Info("run completed", zap.Int64("permanent_failures", permanent))
	r.finish(ctx, RunCompleted, status, "", "completed")
}

// finalizeCancel marks every remaining pending recipient permanent_failed
// (cancelled) so the campaign reaches a terminal state deterministically.
func (r *Run) finalizeCancel(ctx context.Context) {
	cancelled, err := r.deps.Ledger.CancelPending(ctx, r.Campaign.ID, r.Campaign.ContactListID)
	if err != nil {
		r.log.Error("run halted: storage unavailable at cancel", zap.Error(err))
		r.finish(ctx, RunHalted, model.CampaignFailed, model.RunFailureStorage, "halted")
		return
	}
	if cancelled > 0 {
		if err := r.deps.Campaigns.IncrementCounters(ctx, r.Campaign.ID, 0, cancelled); err != nil {
			r.finish(ctx, RunHalted, model.CampaignFailed, model.RunFailureStorage, "halted")
			return
		}
	}

	_, permanent, err := r.deps.Ledger.CountStates(ctx, r.Campaign.ID)
	status := model.CampaignCompleted
	if err != nil || permanent > 0 || cancelled > 0 {
		status = model.CampaignCompletedWithErrors
	}
	r.log.Info("run cancelled", zap.Int64("recipients_cancelled", cancelled))
	r.finish(ctx, RunCompleted, status, "", "cancelled")
}

// session runs the feeder and the worker pool until the pending set drains
// or the session context is cancelled. Returns nil unless storage failed.
func (r *Run) session(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	work := make(chan model.Contact)

	g.Go(func() error {
		defer close(work)
		return r.feed(gctx, work)
	})
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			return r.work(gctx, work)
		})
	}

	return g.Wait()
}

// feed pulls pending recipients in list order and hands them to workers.
// A recipient may be queued twice across rescans; the ledger claim makes
// the second delivery a no-op.
func (r *Run) feed(ctx context.Context, work chan<- model.Contact) error {
	var cursor int64

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := r.deps.Ledger.PendingContacts(ctx, r.Campaign.ID, r.Campaign.ContactListID, cursor, r.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return storageErr(err)
		}

		if len(batch) == 0 {
			if r.inflight.Load() > 0 {
				// their outcomes may reopen recipients; wait and rescan
				if !sleepCtx(ctx, r.cfg.PollInterval) {
					return nil
				}
				cursor = 0
				continue
			}

			waiting, earliest, err := r.deps.Ledger.NextRetryAt(ctx, r.Campaign.ID)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return storageErr(err)
			}
			if waiting == 0 {
				return nil // drained
			}

			d := time.Until(earliest)
			if d < r.cfg.PollInterval {
				d = r.cfg.PollInterval
			}
			if !sleepCtx(ctx, d) {
				return nil
			}
			cursor = 0
			continue
		}

		for _, c := range batch {
			select {
			case work <- c:
				cursor = c.ID
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (r *Run) work(ctx context.Context, work <-chan model.Contact) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-work:
			if !ok {
				return nil
			}
			if err := r.attempt(ctx, c); err != nil {
				return err
			}
		}
	}
}

// attempt is one claim → render → send → record cycle for one recipient.
// Per-recipient failures are recorded locally and never propagate; only
// storage errors are returned.
func (r *Run) attempt(ctx context.Context, c model.Contact) error {
	r.inflight.Add(1)
	defer r.inflight.Add(-1)

	claim, attempts, err := r.deps.Ledger.Claim(ctx, r.Campaign.ID, c.ID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err // already wrapped by the ledger; treat as storage
	}
	if claim != repository.ClaimAccepted {
		r.log.Debug("claim skipped",
			zap.Int64("contact_id", c.ID),
			zap.String("result", claim.String()))
		return nil
	}

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	subject, body := template.Render(r.Campaign.Subject, r.Campaign.Body, c)

	// the claim must be resolved even when the session is being torn down
	sendCtx := context.WithoutCancel(ctx)
	msgID, sendErr := r.deps.Mailer.Send(sendCtx, c.Email, subject, body)
	if sendErr == nil {
		return r.recordSuccess(sendCtx, c, msgID)
	}
	return r.recordFailure(sendCtx, c, attempts+1, sendErr)
}

func (r *Run) recordSuccess(ctx context.Context, c model.Contact, msgID string) error {
	if err := r.deps.Ledger.RecordSuccess(ctx, r.Campaign.ID, c.ID, msgID); err != nil {
		return err
	}
	if err := r.deps.Campaigns.IncrementCounters(ctx, r.Campaign.ID, 1, 0); err != nil {
		return storageErr(err)
	}

	metrics.AttemptsTotal.WithLabelValues(model.AttemptSucceeded.String()).Inc()
	r.publish(ctx, model.RunEvent{
		Type:      model.RunEventRecipient,
		ContactID: c.ID,
		Outcome:   model.AttemptSucceeded.String(),
	})
	r.log.Debug("recipient sent", zap.Int64("contact_id", c.ID), zap.String("provider_message_id", msgID))
	return nil
}

func (r *Run) recordFailure(ctx context.Context, c model.Contact, attempts int, sendErr error) error {
	class := mailer.Classify(sendErr)

	if class == mailer.ClassAuthExpired {
		// the credential affects every future send: stop the whole run,
		// leave this recipient retryable with no budget consumed
		if err := r.deps.Ledger.ReleaseClaim(ctx, r.Campaign.ID, c.ID, sendErr.Error()); err != nil {
			return err
		}
		r.haltAuth()
		return nil
	}

	dec := r.deps.Policy.Decide(attempts, class)
	if dec.Retry {
		if err := r.deps.Ledger.RecordTransientFailure(ctx, r.Campaign.ID, c.ID, time.Now().Add(dec.After), sendErr.Error()); err != nil {
			return err
		}
		metrics.AttemptsTotal.WithLabelValues(model.AttemptTransientFailed.String()).Inc()
		r.log.Debug("recipient retry scheduled",
			zap.Int64("contact_id", c.ID),
			zap.Int("attempts", attempts),
			zap.Duration("after", dec.After),
			zap.String("class", class.String()))
		return nil
	}

	if err := r.deps.Ledger.RecordPermanentFailure(ctx, r.Campaign.ID, c.ID, dec.Reason, sendErr.Error()); err != nil {
		return err
	}
	if err := r.deps.Campaigns.IncrementCounters(ctx, r.Campaign.ID, 0, 1); err != nil {
		return storageErr(err)
	}

	metrics.AttemptsTotal.WithLabelValues(model.AttemptPermanentFailed.String()).Inc()
	r.publish(ctx, model.RunEvent{
		Type:      model.RunEventRecipient,
		ContactID: c.ID,
		Outcome:   model.AttemptPermanentFailed.String(),
		Reason:    dec.Reason,
	})
	r.log.Info("recipient failed permanently",
		zap.Int64("contact_id", c.ID),
		zap.Int("attempts", attempts),
		zap.String("reason", dec.Reason))
	return nil
}

func (r *Run) publish(ctx context.Context, ev model.RunEvent) {
	ev.RunID = r.ID
	ev.CampaignID = r.Campaign.ID
	ev.At = time.Now().UTC()
	if err := r.deps.Events.Publish(ctx, ev); err != nil {
		r.log.Warn("run event publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// sleepCtx waits d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
