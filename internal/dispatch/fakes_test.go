package dispatch

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/outreachly/campd/internal/mailer"
	"github.com/outreachly/campd/internal/model"
	"github.com/outreachly/campd/internal/repository"
)

// fakeStore backs the campaign store, the contact reader and the dispatch
// ledger with in-memory maps guarded by one mutex, mirroring the SQL
// implementations' semantics closely enough for scheduler tests.
type fakeStore struct {
	mu        sync.Mutex
	campaigns map[int64]*model.Campaign
	contacts  []model.Contact
	ledger    map[int64]*ledgerRow // keyed by contact id; single campaign per test

	failPending bool // simulate a storage outage on the pending scan
}

type ledgerRow struct {
	state          model.AttemptState
	attemptCount   int
	failReason     string
	lastError      string
	msgID          string
	nextEligibleAt time.Time
}

func newFakeStore(campaign *model.Campaign, contacts []model.Contact) *fakeStore {
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].ID < contacts[j].ID })
	return &fakeStore{
		campaigns: map[int64]*model.Campaign{campaign.ID: campaign},
		contacts:  contacts,
		ledger:    make(map[int64]*ledgerRow),
	}
}

var errFakeStorage = errors.New("mysql gone away")

// ---- CampaignsRepository ----

func (s *fakeStore) GetByID(_ context.Context, id int64) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, repository.ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) SetStatus(_ context.Context, id int64, status model.CampaignStatus, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return repository.ErrCampaignNotFound
	}
	c.Status = status
	c.FailureReason.String = failureReason
	c.FailureReason.Valid = failureReason != ""
	return nil
}

func (s *fakeStore) IncrementCounters(_ context.Context, id int64, sentDelta, failedDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return repository.ErrCampaignNotFound
	}
	c.SentCount += sentDelta
	c.FailedCount += failedDelta
	return nil
}

// ---- ContactsRepository ----

func (s *fakeStore) CountByList(_ context.Context, listID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.contacts {
		if c.ListID == listID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) GetContactByID(_ context.Context, id int64) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.ID == id {
			cp := c
			return &cp, nil
		}
	}
	return nil, errors.New("contact not found")
}

// contactsView adapts fakeStore to repository.ContactsRepository without a
// method-name clash on GetByID.
type contactsView struct{ s *fakeStore }

func (v contactsView) CountByList(ctx context.Context, listID int64) (int64, error) {
	return v.s.CountByList(ctx, listID)
}

func (v contactsView) GetByID(ctx context.Context, id int64) (*model.Contact, error) {
	return v.s.GetContactByID(ctx, id)
}

// ---- DispatchLedger ----

func (s *fakeStore) Claim(_ context.Context, _ int64, contactID int64) (repository.ClaimResult, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.ledger[contactID]
	if !ok {
		s.ledger[contactID] = &ledgerRow{state: model.AttemptInFlight}
		return repository.ClaimAccepted, 0, nil
	}

	switch row.state {
	case model.AttemptTransientFailed:
		if !row.nextEligibleAt.After(time.Now()) {
			row.state = model.AttemptInFlight
			return repository.ClaimAccepted, row.attemptCount, nil
		}
		return repository.ClaimNotEligible, row.attemptCount, nil
	case model.AttemptInFlight:
		return repository.ClaimAlreadyInFlight, row.attemptCount, nil
	case model.AttemptSucceeded:
		return repository.ClaimAlreadySucceeded, row.attemptCount, nil
	default:
		return repository.ClaimNotEligible, row.attemptCount, nil
	}
}

func (s *fakeStore) RecordSuccess(_ context.Context, _ int64, contactID int64, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.ledger[contactID]
	row.state = model.AttemptSucceeded
	row.attemptCount++
	row.msgID = providerMessageID
	return nil
}

func (s *fakeStore) RecordTransientFailure(_ context.Context, _ int64, contactID int64, nextEligibleAt time.Time, sendErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.ledger[contactID]
	row.state = model.AttemptTransientFailed
	row.attemptCount++
	row.lastError = sendErr
	row.nextEligibleAt = nextEligibleAt
	return nil
}

func (s *fakeStore) RecordPermanentFailure(_ context.Context, _ int64, contactID int64, reason, sendErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.ledger[contactID]
	row.state = model.AttemptPermanentFailed
	row.attemptCount++
	row.failReason = reason
	row.lastError = sendErr
	return nil
}

func (s *fakeStore) ReleaseClaim(_ context.Context, _ int64, contactID int64, sendErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.ledger[contactID]
	if row.state == model.AttemptInFlight {
		row.state = model.AttemptTransientFailed
		row.lastError = sendErr
		row.nextEligibleAt = time.Now()
	}
	return nil
}

func (s *fakeStore) PendingContacts(_ context.Context, _ int64, listID, afterContactID int64, limit int) ([]model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPending {
		return nil, errFakeStorage
	}

	now := time.Now()
	var out []model.Contact
	for _, c := range s.contacts {
		if c.ListID != listID || c.ID <= afterContactID {
			continue
		}
		row, ok := s.ledger[c.ID]
		if !ok || (row.state == model.AttemptTransientFailed && !row.nextEligibleAt.After(now)) {
			out = append(out, c)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) NextRetryAt(_ context.Context, _ int64) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var waiting int64
	var earliest time.Time
	for _, row := range s.ledger {
		if row.state != model.AttemptTransientFailed {
			continue
		}
		waiting++
		if earliest.IsZero() || row.nextEligibleAt.Before(earliest) {
			earliest = row.nextEligibleAt
		}
	}
	return waiting, earliest, nil
}

func (s *fakeStore) ReapStale(_ context.Context, _ int64, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, row := range s.ledger {
		if row.state == model.AttemptInFlight {
			row.state = model.AttemptTransientFailed
			row.nextEligibleAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CancelPending(_ context.Context, _ int64, listID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, row := range s.ledger {
		if row.state == model.AttemptInFlight || row.state == model.AttemptTransientFailed {
			row.state = model.AttemptPermanentFailed
			row.failReason = model.FailReasonCancelled
			n++
		}
	}
	for _, c := range s.contacts {
		if c.ListID != listID {
			continue
		}
		if _, ok := s.ledger[c.ID]; !ok {
			s.ledger[c.ID] = &ledgerRow{state: model.AttemptPermanentFailed, failReason: model.FailReasonCancelled}
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CountStates(_ context.Context, _ int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var succeeded, permanent int64
	for _, row := range s.ledger {
		switch row.state {
		case model.AttemptSucceeded:
			succeeded++
		case model.AttemptPermanentFailed:
			permanent++
		}
	}
	return succeeded, permanent, nil
}

func (s *fakeStore) row(contactID int64) (ledgerRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.ledger[contactID]
	if !ok {
		return ledgerRow{}, false
	}
	return *row, true
}

func (s *fakeStore) campaign(id int64) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *fakeStore) setFailPending(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPending = fail
}

// fakeMailer replays a scripted error sequence per recipient; once the
// script is exhausted every further send succeeds. Tracks peak concurrency.
type fakeMailer struct {
	mu      sync.Mutex
	script  map[string][]error
	sends   map[string]int
	delay   time.Duration
	cur     int
	peak    int
	counter int
}

func newFakeMailer(delay time.Duration) *fakeMailer {
	return &fakeMailer{
		script: make(map[string][]error),
		sends:  make(map[string]int),
		delay:  delay,
	}
}

func (m *fakeMailer) failWith(email string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[email] = append(m.script[email], errs...)
}

func (m *fakeMailer) Send(_ context.Context, to, _, _ string) (string, error) {
	m.mu.Lock()
	m.sends[to]++
	m.counter++
	m.cur++
	if m.cur > m.peak {
		m.peak = m.cur
	}
	var err error
	if q := m.script[to]; len(q) > 0 {
		err, m.script[to] = q[0], q[1:]
	}
	id := m.counter
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	m.cur--
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	return "msg-" + to + "-" + strconv.Itoa(id), nil
}

func (m *fakeMailer) sendCount(email string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends[email]
}

func (m *fakeMailer) peakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

func transientErr() error {
	return &mailer.SendError{Class: mailer.ClassTransient, StatusCode: 503, Err: errors.New("provider returned 503")}
}

func rejectedErr() error {
	return &mailer.SendError{Class: mailer.ClassRecipientRejected, StatusCode: 400, Err: errors.New("provider returned 400")}
}

func authErr() error {
	return &mailer.SendError{Class: mailer.ClassAuthExpired, StatusCode: 401, Err: errors.New("provider returned 401")}
}

// recordingSink captures published run events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []model.RunEvent
}

func (s *recordingSink) Publish(_ context.Context, ev model.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) all() []model.RunEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RunEvent, len(s.events))
	copy(out, s.events)
	return out
}
