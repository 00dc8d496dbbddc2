package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dailyprompt/internal/types"
)

// ============================================================
// Shared Test Helpers
// ============================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var errStoreDown = errors.New("connection refused")

// ============================================================
// In-memory Store
// ============================================================

// memStore implements Store and ContentSelector. An open transaction holds
// mu until Commit or Rollback, so transactions are fully serialized; a
// rollback restores the snapshot taken at BeginTx.
type memStore struct {
	mu sync.Mutex

	recipients   map[string]*types.Recipient
	entries      map[string]*types.QueueEntry
	interactions map[string]*types.OpenInteraction
	content      []types.Content

	// Fault injection.
	listRecipientsErr    error
	listDueErr           error
	insertInteractionErr error
	forceFailErr         error
	commitErr            error

	forceFailed []string
	maxOpen     int
}

func newMemStore() *memStore {
	return &memStore{
		recipients:   map[string]*types.Recipient{},
		entries:      map[string]*types.QueueEntry{},
		interactions: map[string]*types.OpenInteraction{},
	}
}

func (s *memStore) addRecipient(r types.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[r.ID] = &r
}

func (s *memStore) addContent(items ...types.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = append(s.content, items...)
}

func (s *memStore) addEntry(e types.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = &e
}

func (s *memStore) addInteraction(in types.OpenInteraction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions[in.ID] = &in
}

func (s *memStore) entry(id string) types.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.entries[id]
}

func (s *memStore) recipient(id string) types.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recipients[id]
}

func (s *memStore) allEntries() []types.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecipientID != out[j].RecipientID {
			return out[i].RecipientID < out[j].RecipientID
		}
		return out[i].LocalDate.Before(out[j].LocalDate)
	})
	return out
}

func (s *memStore) openInteractions(recipientID string) []types.OpenInteraction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(recipientID)
}

func (s *memStore) openLocked(recipientID string) []types.OpenInteraction {
	var out []types.OpenInteraction
	for _, in := range s.interactions {
		if in.RecipientID == recipientID && in.Response == nil {
			out = append(out, *in)
		}
	}
	return out
}

func (s *memStore) hasActiveLocked(recipientID string, localDate time.Time) bool {
	for _, e := range s.entries {
		if e.RecipientID == recipientID && e.LocalDate.Equal(localDate) && e.Status != types.QueueStatusFailed {
			return true
		}
	}
	return false
}

func (s *memStore) ListActiveRecipients(_ context.Context, afterID string, limit int) ([]types.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listRecipientsErr != nil {
		return nil, s.listRecipientsErr
	}
	var out []types.Recipient
	for _, r := range s.recipients {
		if r.Active && r.ID > afterID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetRecipient(_ context.Context, id string) (*types.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundRecipient, "recipient not found", nil)
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) HasActiveEntry(_ context.Context, recipientID string, localDate time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasActiveLocked(recipientID, localDate), nil
}

func (s *memStore) ListConsumedContentIDs(_ context.Context, recipientID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		if e.RecipientID == recipientID && e.Status != types.QueueStatusFailed && e.ContentID != nil {
			out = append(out, *e.ContentID)
		}
	}
	for _, in := range s.interactions {
		if in.RecipientID == recipientID {
			out = append(out, in.ContentID)
		}
	}
	return out, nil
}

func (s *memStore) ListDueEntries(_ context.Context, from, to time.Time, limit int) ([]types.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listDueErr != nil {
		return nil, s.listDueErr
	}
	var out []types.QueueEntry
	for _, e := range s.entries {
		if e.Status == types.QueueStatusPending && e.Attempts == 0 &&
			!e.ScheduledFor.Before(from) && !e.ScheduledFor.After(to) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListEntries(_ context.Context, from, to time.Time) ([]types.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.QueueEntry
	for _, e := range s.entries {
		if !e.ScheduledFor.Before(from) && e.ScheduledFor.Before(to) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (s *memStore) FindEntry(_ context.Context, recipientID string, localDate time.Time) (*types.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.RecipientID == recipientID && e.LocalDate.Equal(localDate) && e.Status != types.QueueStatusFailed {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) ForceFailEntry(_ context.Context, entryID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forceFailErr != nil {
		return s.forceFailErr
	}
	e, ok := s.entries[entryID]
	if !ok || e.Attempts != 0 {
		return nil
	}
	e.Status = types.QueueStatusFailed
	e.Attempts = 1
	e.ErrorMessage = &reason
	s.forceFailed = append(s.forceFailed, entryID)
	return nil
}

func (s *memStore) PurgeEntries(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.entries {
		if e.Status != types.QueueStatusSent && e.ScheduledFor.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteStaleInteractions(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, in := range s.interactions {
		if in.Response == nil && in.CreatedAt.Before(cutoff) {
			delete(s.interactions, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) SelectContent(_ context.Context, _ string, excluded []string, categoryHint string) (*types.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}
	for _, c := range s.content {
		if skip[c.ID] || (categoryHint != "" && c.Category != categoryHint) {
			continue
		}
		cp := c
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) BeginTx(_ context.Context) (Tx, error) {
	s.mu.Lock()
	return &memTx{
		s:            s,
		recipients:   cloneMap(s.recipients),
		entries:      cloneMap(s.entries),
		interactions: cloneMap(s.interactions),
	}, nil
}

func cloneMap[T any](m map[string]*T) map[string]*T {
	out := make(map[string]*T, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

// ============================================================
// In-memory Tx
// ============================================================

type memTx struct {
	s    *memStore
	done bool

	recipients   map[string]*types.Recipient
	entries      map[string]*types.QueueEntry
	interactions map[string]*types.OpenInteraction
}

func (tx *memTx) LockRecipient(_ context.Context, recipientID string) (*types.Recipient, error) {
	r, ok := tx.s.recipients[recipientID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (tx *memTx) CountOpenInteractions(_ context.Context, recipientID string) (int, error) {
	return len(tx.s.openLocked(recipientID)), nil
}

func (tx *memTx) InsertInteraction(_ context.Context, in *types.OpenInteraction) (bool, error) {
	if tx.s.insertInteractionErr != nil {
		return false, tx.s.insertInteractionErr
	}
	if len(tx.s.openLocked(in.RecipientID)) > 0 {
		return false, nil
	}
	cp := *in
	tx.s.interactions[in.ID] = &cp
	if n := len(tx.s.openLocked(in.RecipientID)); n > tx.s.maxOpen {
		tx.s.maxOpen = n
	}
	return true, nil
}

func (tx *memTx) HasActiveEntry(_ context.Context, recipientID string, localDate time.Time) (bool, error) {
	return tx.s.hasActiveLocked(recipientID, localDate), nil
}

func (tx *memTx) InsertEntry(_ context.Context, entry *types.QueueEntry) (bool, error) {
	if tx.s.hasActiveLocked(entry.RecipientID, entry.LocalDate) {
		return false, nil
	}
	cp := *entry
	tx.s.entries[entry.ID] = &cp
	return true, nil
}

func (tx *memTx) LockPendingEntry(_ context.Context, entryID string) (*types.QueueEntry, error) {
	e, ok := tx.s.entries[entryID]
	if !ok || e.Status != types.QueueStatusPending || e.Attempts != 0 {
		return nil, nil
	}
	cp := *e
	if cp.ContentID != nil {
		for _, c := range tx.s.content {
			if c.ID == *cp.ContentID {
				cp.Body = c.Body
			}
		}
	}
	return &cp, nil
}

func (tx *memTx) FinalizeEntry(_ context.Context, entryID string, status types.QueueStatus, sentAt *time.Time, reason *string) error {
	e, ok := tx.s.entries[entryID]
	if !ok {
		return errors.New("entry not found")
	}
	e.Status = status
	e.Attempts = 1
	e.SentAt = sentAt
	e.ErrorMessage = reason
	return nil
}

func (tx *memTx) TouchLastDelivery(_ context.Context, recipientID string, at time.Time) error {
	if r, ok := tx.s.recipients[recipientID]; ok {
		r.LastDeliveryAt = &at
	}
	return nil
}

func (tx *memTx) LockOpenInteraction(_ context.Context, recipientID string) (*types.OpenInteraction, error) {
	open := tx.s.openLocked(recipientID)
	if len(open) == 0 {
		return nil, nil
	}
	return &open[0], nil
}

func (tx *memTx) CloseInteraction(_ context.Context, in *types.OpenInteraction) error {
	cp := *in
	tx.s.interactions[in.ID] = &cp
	return nil
}

func (tx *memTx) GetContent(_ context.Context, contentID string) (*types.Content, error) {
	for _, c := range tx.s.content {
		if c.ID == contentID {
			cp := c
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundContent, "content not found", nil)
}

func (tx *memTx) Commit(_ context.Context) error {
	if tx.done {
		return errors.New("transaction already closed")
	}
	if err := tx.s.commitErr; err != nil {
		return err
	}
	tx.done = true
	tx.s.mu.Unlock()
	return nil
}

func (tx *memTx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.s.recipients = tx.recipients
	tx.s.entries = tx.entries
	tx.s.interactions = tx.interactions
	tx.s.mu.Unlock()
	return nil
}

// ============================================================
// Fake Transport
// ============================================================

type sentMessage struct {
	To   string
	Body string
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
	// block makes Send wait for ctx cancellation.
	block bool
}

func (f *fakeTransport) Send(ctx context.Context, to, body string) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{To: to, Body: body})
	return nil
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// ============================================================
// Recording Metrics
// ============================================================

type recordingMetrics struct {
	mu         sync.Mutex
	deliveries map[types.DeliveryResult]int
	populates  [][3]int
	jobs       []string
	jobErrs    int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{deliveries: map[types.DeliveryResult]int{}}
}

func (m *recordingMetrics) RecordDelivery(_ context.Context, result types.DeliveryResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[result]++
}

func (m *recordingMetrics) RecordPopulate(_ context.Context, created, skipped, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.populates = append(m.populates, [3]int{created, skipped, failed})
}

func (m *recordingMetrics) RecordJob(_ context.Context, task string, _ time.Duration, _ int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, task)
	if err != nil {
		m.jobErrs++
	}
}

func (m *recordingMetrics) RecordBreakerTransition(string, string) {}
