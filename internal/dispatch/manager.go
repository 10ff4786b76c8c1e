package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/outreachly/campd/internal/util"
)

var (
	ErrRunNotFound     = errors.New("run not found")
	ErrRunActive       = errors.New("campaign already has an active run")
	ErrNotDispatchable = errors.New("campaign status does not allow dispatch")
)

// Manager is the dispatch API surface: it owns the in-memory run registry
// and enforces one active run per campaign. Runs and the ledger carry the
// durable state; the registry is rebuilt empty after a restart and pending
// work is re-derived from the ledger on the next start.
type Manager struct {
	deps Deps
	cfg  Config

	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	runs       map[string]*Run
	byCampaign map[int64]*Run
}

func NewManager(deps Deps, cfg Config) *Manager {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:       deps,
		cfg:        cfg.withDefaults(),
		baseCtx:    ctx,
		cancel:     cancel,
		runs:       make(map[string]*Run),
		byCampaign: make(map[int64]*Run),
	}
}

// StartRun begins a dispatch run for the campaign and returns its run id.
func (m *Manager) StartRun(ctx context.Context, campaignID int64) (string, error) {
	campaign, err := m.deps.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if !campaign.Status.Dispatchable() {
		return "", fmt.Errorf("%w: status=%s", ErrNotDispatchable, campaign.Status)
	}

	m.mu.Lock()
	if existing, ok := m.byCampaign[campaignID]; ok {
		st := existing.State()
		if st == RunRunning || st == RunPaused {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: run=%s state=%s", ErrRunActive, existing.ID, st)
		}
	}

	run := newRun(util.NewID(), campaign, m.deps, m.cfg)
	m.runs[run.ID] = run
	m.byCampaign[campaignID] = run
	m.mu.Unlock()

	if err := run.start(m.baseCtx); err != nil {
		m.mu.Lock()
		delete(m.runs, run.ID)
		delete(m.byCampaign, campaignID)
		m.mu.Unlock()
		return "", err
	}
	return run.ID, nil
}

func (m *Manager) get(runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// Pause stops new claims; in-flight attempts finish first.
func (m *Manager) Pause(runID string) error {
	run, err := m.get(runID)
	if err != nil {
		return err
	}
	if err := run.pause(); err != nil {
		return err
	}
	run.wait()
	return nil
}

// Resume re-enters the paused run using the same ledger; no recipient that
// already succeeded is ever sent again.
func (m *Manager) Resume(runID string) error {
	run, err := m.get(runID)
	if err != nil {
		return err
	}
	if run.State() != RunPaused {
		return fmt.Errorf("run %s is %s", runID, run.State())
	}
	return run.start(m.baseCtx)
}

// Cancel stops the run and closes out every remaining pending recipient as
// permanent_failed(cancelled).
func (m *Manager) Cancel(runID string) error {
	run, err := m.get(runID)
	if err != nil {
		return err
	}

	// a paused run has no session to signal; finalize it directly
	if run.State() == RunPaused {
		run.intent.Store(int32(intentCancel))
		run.finalizeCancel(context.WithoutCancel(m.baseCtx))
		return nil
	}

	if err := run.cancel(); err != nil {
		return err
	}
	run.wait()
	return nil
}

// Progress is the run's externally visible state.
type Progress struct {
	RunID          string `json:"run_id"`
	CampaignID     int64  `json:"campaign_id"`
	RunState       string `json:"run_state"`
	CampaignStatus string `json:"campaign_status"`
	FailureReason  string `json:"failure_reason,omitempty"`
	Sent           int64  `json:"sent"`
	Failed         int64  `json:"failed"`
	Pending        int64  `json:"pending"`
}

func (m *Manager) Progress(ctx context.Context, runID string) (Progress, error) {
	run, err := m.get(runID)
	if err != nil {
		return Progress{}, err
	}

	campaign, err := m.deps.Campaigns.GetByID(ctx, run.Campaign.ID)
	if err != nil {
		return Progress{}, err
	}
	total, err := m.deps.Contacts.CountByList(ctx, campaign.ContactListID)
	if err != nil {
		return Progress{}, err
	}
	succeeded, permanent, err := m.deps.Ledger.CountStates(ctx, campaign.ID)
	if err != nil {
		return Progress{}, err
	}

	pending := total - succeeded - permanent
	if pending < 0 {
		pending = 0
	}

	return Progress{
		RunID:          run.ID,
		CampaignID:     campaign.ID,
		RunState:       string(run.State()),
		CampaignStatus: campaign.Status.String(),
		FailureReason:  run.FailureReason(),
		Sent:           campaign.SentCount,
		Failed:         campaign.FailedCount,
		Pending:        pending,
	}, nil
}

// Shutdown pauses every active run and waits for in-flight attempts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, r := range runs {
			r.wait()
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
