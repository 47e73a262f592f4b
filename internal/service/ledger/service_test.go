package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/cellfn/credits-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// ---------------------------------------------------------------------------
// In-memory mocks for the repository interfaces. These let us test the real
// Service logic without a database; tx is always nil here.
// ---------------------------------------------------------------------------

type creditRow struct {
	balance  int64
	reserved int64
	seq      int64
}

type mockCredit struct {
	mu       sync.Mutex
	accounts map[string]bool
	rows     map[string]*creditRow
}

func newMockCredit(accountIDs ...string) *mockCredit {
	m := &mockCredit{accounts: make(map[string]bool), rows: make(map[string]*creditRow)}
	for _, id := range accountIDs {
		m.accounts[id] = true
	}
	return m
}

func (m *mockCredit) EnsureRow(_ context.Context, _ *sqlx.Tx, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accounts[accountID] {
		return nil
	}
	if _, ok := m.rows[accountID]; !ok {
		m.rows[accountID] = &creditRow{}
	}
	return nil
}

func (m *mockCredit) GetForUpdate(_ context.Context, _ *sqlx.Tx, accountID string) (int64, int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[accountID]
	if !ok {
		return 0, 0, 0, sql.ErrNoRows
	}
	return r.balance, r.reserved, r.seq, nil
}

func (m *mockCredit) Adjust(_ context.Context, _ *sqlx.Tx, accountID string, dBal, dRsv, dSeq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[accountID]
	if !ok {
		return fmt.Errorf("no credit row for %s", accountID)
	}
	r.balance += dBal
	r.reserved += dRsv
	r.seq += dSeq
	return nil
}

func (m *mockCredit) GetSnapshot(_ context.Context, accountID string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accounts[accountID] {
		return 0, 0, sql.ErrNoRows
	}
	r, ok := m.rows[accountID]
	if !ok {
		return 0, 0, nil
	}
	return r.balance, r.reserved, nil
}

func (m *mockCredit) row(accountID string) creditRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[accountID]
}

// ---

type mockEntries struct {
	mu      sync.Mutex
	entries []model.LedgerEntry
}

func (m *mockEntries) Insert(_ context.Context, _ *sqlx.Tx, e *model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *mockEntries) GetByID(_ context.Context, _ *sqlx.Tx, id string) (*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == id {
			cp := m.entries[i]
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockEntries) ListByAccount(_ context.Context, accountID string, limit, offset int) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []model.LedgerEntry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockEntries) all() []model.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.LedgerEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ---

type mockIdem struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMockIdem() *mockIdem {
	return &mockIdem{keys: make(map[string]string)}
}

func (m *mockIdem) InsertIfAbsent(_ context.Context, _ *sqlx.Tx, key, _, entryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = entryID
	return true, nil
}

func (m *mockIdem) GetEntryID(_ context.Context, _ *sqlx.Tx, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[key]
	if !ok {
		return "", sql.ErrNoRows
	}
	return id, nil
}

// ---

type outboxEvent struct {
	aggregate   string
	aggregateID string
	topic       string
	payload     []byte
}

type mockOutbox struct {
	mu     sync.Mutex
	events []outboxEvent
}

func (m *mockOutbox) Insert(_ context.Context, _ *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, outboxEvent{aggregate, aggregateID, topic, payload})
	return nil
}

func (m *mockOutbox) all() []outboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]outboxEvent, len(m.events))
	copy(out, m.events)
	return out
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const acctA = "11111111-1111-1111-1111-111111111111"

type fixture struct {
	svc     *Service
	credit  *mockCredit
	entries *mockEntries
	idem    *mockIdem
	outbox  *mockOutbox
}

func newFixture(accountIDs ...string) *fixture {
	f := &fixture{
		credit:  newMockCredit(accountIDs...),
		entries: &mockEntries{},
		idem:    newMockIdem(),
		outbox:  &mockOutbox{},
	}
	f.svc = New(nil, f.credit, f.entries, f.idem, f.outbox)
	return f
}

func mustApply(t *testing.T, f *fixture, p ApplyParams) *model.LedgerEntry {
	t.Helper()
	e, err := f.svc.Apply(context.Background(), p)
	if err != nil {
		t.Fatalf("Apply(%+v): %v", p, err)
	}
	return e
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestApplyGrantThenDebit(t *testing.T) {
	f := newFixture(acctA)

	grant := mustApply(t, f, ApplyParams{
		AccountID: acctA, Delta: 50, Reason: model.ReasonPurchase, ExternalRef: "evt_1",
	})
	if grant.Seq != 1 || grant.BalanceAfter != 50 {
		t.Fatalf("grant entry = seq %d, balance_after %d; want 1, 50", grant.Seq, grant.BalanceAfter)
	}

	debit := mustApply(t, f, ApplyParams{
		AccountID: acctA, Delta: -2, Reason: model.ReasonDebit, ExternalRef: "inv_1",
	})
	if debit.Seq != 2 || debit.BalanceAfter != 48 {
		t.Fatalf("debit entry = seq %d, balance_after %d; want 2, 48", debit.Seq, debit.BalanceAfter)
	}

	if row := f.credit.row(acctA); row.balance != 48 || row.seq != 2 {
		t.Fatalf("credit row = %+v; want balance 48, seq 2", row)
	}
}

func TestApplyInsufficientBalance(t *testing.T) {
	f := newFixture(acctA)
	mustApply(t, f, ApplyParams{AccountID: acctA, Delta: 5, Reason: model.ReasonPurchase})

	_, err := f.svc.Apply(context.Background(), ApplyParams{
		AccountID: acctA, Delta: -10, Reason: model.ReasonDebit,
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v; want ErrInsufficientBalance", err)
	}

	// Nothing may change on a rejected debit.
	if got := len(f.entries.all()); got != 1 {
		t.Fatalf("entries = %d; want 1", got)
	}
	if row := f.credit.row(acctA); row.balance != 5 || row.seq != 1 {
		t.Fatalf("credit row = %+v; want balance 5, seq 1", row)
	}
}

func TestApplyDebitToExactlyZero(t *testing.T) {
	f := newFixture(acctA)
	mustApply(t, f, ApplyParams{AccountID: acctA, Delta: 3, Reason: model.ReasonPurchase})

	e := mustApply(t, f, ApplyParams{AccountID: acctA, Delta: -3, Reason: model.ReasonDebit})
	if e.BalanceAfter != 0 {
		t.Fatalf("balance_after = %d; want 0", e.BalanceAfter)
	}
}

func TestApplyUnknownAccount(t *testing.T) {
	f := newFixture(acctA)

	_, err := f.svc.Apply(context.Background(), ApplyParams{
		AccountID: "22222222-2222-2222-2222-222222222222", Delta: 10, Reason: model.ReasonPurchase,
	})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v; want ErrAccountNotFound", err)
	}
}

func TestApplyRejectsZeroDeltaAndBadReason(t *testing.T) {
	f := newFixture(acctA)

	if _, err := f.svc.Apply(context.Background(), ApplyParams{
		AccountID: acctA, Delta: 0, Reason: model.ReasonDebit,
	}); err == nil {
		t.Fatal("zero delta: want error")
	}
	if _, err := f.svc.Apply(context.Background(), ApplyParams{
		AccountID: acctA, Delta: 1, Reason: model.EntryReason("bogus"),
	}); err == nil {
		t.Fatal("bad reason: want error")
	}
	if got := len(f.entries.all()); got != 0 {
		t.Fatalf("entries = %d; want 0", got)
	}
}

func TestApplyDuplicateIdemKeyReturnsOriginal(t *testing.T) {
	f := newFixture(acctA)

	first := mustApply(t, f, ApplyParams{
		AccountID: acctA, Delta: 50, Reason: model.ReasonPurchase,
		ExternalRef: "evt_1", IdemKey: "evt_1", IdemScope: "fulfillment",
	})

	replay, err := f.svc.Apply(context.Background(), ApplyParams{
		AccountID: acctA, Delta: 50, Reason: model.ReasonPurchase,
		ExternalRef: "evt_1", IdemKey: "evt_1", IdemScope: "fulfillment",
	})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("err = %v; want ErrDuplicateKey", err)
	}
	if replay == nil || replay.ID != first.ID {
		t.Fatalf("replay entry = %+v; want original %s", replay, first.ID)
	}

	// The replay must not write a second entry, bump the balance, or emit a
	// second outbox event.
	if got := len(f.entries.all()); got != 1 {
		t.Fatalf("entries = %d; want 1", got)
	}
	if row := f.credit.row(acctA); row.balance != 50 || row.seq != 1 {
		t.Fatalf("credit row = %+v; want balance 50, seq 1", row)
	}
	if got := len(f.outbox.all()); got != 1 {
		t.Fatalf("outbox events = %d; want 1", got)
	}
}

func TestApplyReplayConsistency(t *testing.T) {
	f := newFixture(acctA)

	deltas := []struct {
		delta  int64
		reason model.EntryReason
	}{
		{25, model.ReasonTrialGrant},
		{50, model.ReasonPurchase},
		{-2, model.ReasonDebit},
		{-3, model.ReasonDebit},
		{3, model.ReasonRefund},
		{-1, model.ReasonDebit},
	}
	for i, d := range deltas {
		mustApply(t, f, ApplyParams{
			AccountID: acctA, Delta: d.delta, Reason: d.reason,
			ExternalRef: fmt.Sprintf("ref_%d", i),
		})
	}

	// Replaying the entries in seq order from zero must land on the cached
	// balance, with each balance_after matching the running sum and seq
	// gapless from 1.
	entries := f.entries.all()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	var running int64
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("entry %d: seq = %d; want %d", i, e.Seq, i+1)
		}
		running += e.Delta
		if e.BalanceAfter != running {
			t.Fatalf("entry seq %d: balance_after = %d; want %d", e.Seq, e.BalanceAfter, running)
		}
	}
	if row := f.credit.row(acctA); row.balance != running {
		t.Fatalf("cached balance = %d; replayed = %d", row.balance, running)
	}
}

func TestApplyWritesOutboxEnvelope(t *testing.T) {
	f := newFixture(acctA)

	e := mustApply(t, f, ApplyParams{
		AccountID: acctA, Delta: -2, Reason: model.ReasonDebit, ExternalRef: "inv_9",
	})

	events := f.outbox.all()
	if len(events) != 1 {
		t.Fatalf("outbox events = %d; want 1", len(events))
	}
	ev := events[0]
	if ev.topic != EntriesTopic || ev.aggregate != "entry" || ev.aggregateID != e.ID {
		t.Fatalf("outbox event = %+v; want topic %s, aggregate entry, id %s", ev, EntriesTopic, e.ID)
	}

	var env model.EntryEnvelope
	if err := json.Unmarshal(ev.payload, &env); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if env.EntryID != e.ID || env.AccountID != acctA || env.Delta != -2 ||
		env.Reason != "debit" || env.ExternalRef != "inv_9" || env.BalanceAfter != e.BalanceAfter {
		t.Fatalf("envelope = %+v; want fields of entry %+v", env, e)
	}
}

func TestBalanceSnapshot(t *testing.T) {
	f := newFixture(acctA)
	mustApply(t, f, ApplyParams{AccountID: acctA, Delta: 50, Reason: model.ReasonPurchase})

	// Holds reduce what is spendable without touching the balance.
	if err := f.credit.Adjust(context.Background(), nil, acctA, 0, 20, 0); err != nil {
		t.Fatal(err)
	}

	snap, err := f.svc.Balance(context.Background(), acctA)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if snap.Balance != 50 || snap.Reserved != 20 || snap.Available != 30 {
		t.Fatalf("snapshot = %+v; want balance 50, reserved 20, available 30", snap)
	}

	_, err = f.svc.Balance(context.Background(), "33333333-3333-3333-3333-333333333333")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("unknown account err = %v; want ErrAccountNotFound", err)
	}
}

func TestBalanceZeroBeforeFirstEntry(t *testing.T) {
	f := newFixture(acctA)

	snap, err := f.svc.Balance(context.Background(), acctA)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if snap.Balance != 0 || snap.Available != 0 {
		t.Fatalf("snapshot = %+v; want zeros", snap)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	f := newFixture(acctA)
	for i := 0; i < 5; i++ {
		mustApply(t, f, ApplyParams{AccountID: acctA, Delta: 10, Reason: model.ReasonPurchase})
	}

	page, err := f.svc.History(context.Background(), acctA, 3, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("page size = %d; want 3", len(page))
	}
	if page[0].Seq != 5 || page[1].Seq != 4 || page[2].Seq != 3 {
		t.Fatalf("page seqs = %d,%d,%d; want 5,4,3", page[0].Seq, page[1].Seq, page[2].Seq)
	}

	next, err := f.svc.History(context.Background(), acctA, 3, 3)
	if err != nil {
		t.Fatalf("History page 2: %v", err)
	}
	if len(next) != 2 || next[0].Seq != 2 {
		t.Fatalf("page 2 = %+v; want seqs 2,1", next)
	}
}
