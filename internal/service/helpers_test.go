package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/termfi/termvault/internal/domain"
	"github.com/termfi/termvault/internal/ledger"
	"github.com/termfi/termvault/internal/notify"
	"github.com/termfi/termvault/internal/yield"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addr(n byte) common.Address {
	var a common.Address
	a[19] = n
	return a
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// fakePositionJournal records writes; the func fields inject failures.
type fakePositionJournal struct {
	mu         sync.Mutex
	insertFunc func(ctx context.Context, pos domain.Position) error
	markFunc   func(ctx context.Context, id uint64, at time.Time) error
	inserted   []domain.Position
	marked     []uint64
	listAll    []domain.Position
	listErr    error
}

func (f *fakePositionJournal) Insert(ctx context.Context, pos domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertFunc != nil {
		if err := f.insertFunc(ctx, pos); err != nil {
			return err
		}
	}
	f.inserted = append(f.inserted, pos)
	return nil
}

func (f *fakePositionJournal) MarkRedeemed(ctx context.Context, id uint64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markFunc != nil {
		if err := f.markFunc(ctx, id, at); err != nil {
			return err
		}
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakePositionJournal) GetByID(ctx context.Context, id uint64) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (f *fakePositionJournal) ListAll(ctx context.Context) ([]domain.Position, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listAll, nil
}

func (f *fakePositionJournal) ListRedeemed(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakePositionJournal) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.inserted)), nil
}

// fakeYieldJournal records inserted events.
type fakeYieldJournal struct {
	mu         sync.Mutex
	insertFunc func(ctx context.Context, ev domain.YieldEvent) error
	inserted   []domain.YieldEvent
	listAll    []domain.YieldEvent
	listErr    error
}

func (f *fakeYieldJournal) Insert(ctx context.Context, ev domain.YieldEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertFunc != nil {
		if err := f.insertFunc(ctx, ev); err != nil {
			return err
		}
	}
	f.inserted = append(f.inserted, ev)
	return nil
}

func (f *fakeYieldJournal) ListAll(ctx context.Context) ([]domain.YieldEvent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listAll, nil
}

func (f *fakeYieldJournal) ListRange(ctx context.Context, since, until time.Time) ([]domain.YieldEvent, error) {
	return nil, nil
}

func (f *fakeYieldJournal) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.YieldEvent, error) {
	return nil, nil
}

func (f *fakeYieldJournal) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.inserted)), nil
}

// fakeRunsJournal records inserted distribution runs.
type fakeRunsJournal struct {
	mu         sync.Mutex
	insertFunc func(ctx context.Context, run domain.DistributionRun) error
	inserted   []domain.DistributionRun
	listRecent []domain.DistributionRun
}

func (f *fakeRunsJournal) Insert(ctx context.Context, run domain.DistributionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertFunc != nil {
		if err := f.insertFunc(ctx, run); err != nil {
			return err
		}
	}
	f.inserted = append(f.inserted, run)
	return nil
}

func (f *fakeRunsJournal) GetByID(ctx context.Context, id string) (domain.DistributionRun, error) {
	return domain.DistributionRun{}, domain.ErrNotFound
}

func (f *fakeRunsJournal) ListRecent(ctx context.Context, limit int) ([]domain.DistributionRun, error) {
	return f.listRecent, nil
}

func (f *fakeRunsJournal) SumDistributed(ctx context.Context, since time.Time) (string, error) {
	return "0", nil
}

type allocationCall struct {
	Addr  string
	Delta string
}

// fakeBeneficiaryStore records beneficiary writes and serves canned reads.
type fakeBeneficiaryStore struct {
	mu          sync.Mutex
	insertFunc  func(ctx context.Context, b domain.Beneficiary) error
	inserted    []domain.Beneficiary
	deleted     []string
	sink        string
	sinkSet     bool
	allocations []allocationCall

	listAll      []domain.Beneficiary
	listAllocRet map[string]string
}

func (f *fakeBeneficiaryStore) Insert(ctx context.Context, b domain.Beneficiary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertFunc != nil {
		if err := f.insertFunc(ctx, b); err != nil {
			return err
		}
	}
	f.inserted = append(f.inserted, b)
	return nil
}

func (f *fakeBeneficiaryStore) Delete(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, addr)
	return nil
}

func (f *fakeBeneficiaryStore) ListAll(ctx context.Context) ([]domain.Beneficiary, error) {
	return f.listAll, nil
}

func (f *fakeBeneficiaryStore) SetSink(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = addr
	f.sinkSet = true
	return nil
}

func (f *fakeBeneficiaryStore) ClearSink(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = ""
	f.sinkSet = false
	return nil
}

func (f *fakeBeneficiaryStore) GetSink(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sinkSet {
		return "", domain.ErrNotFound
	}
	return f.sink, nil
}

func (f *fakeBeneficiaryStore) AddAllocation(ctx context.Context, addr string, delta string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocations = append(f.allocations, allocationCall{Addr: addr, Delta: delta})
	return nil
}

func (f *fakeBeneficiaryStore) ListAllocations(ctx context.Context) (map[string]string, error) {
	if f.listAllocRet == nil {
		return map[string]string{}, nil
	}
	return f.listAllocRet, nil
}

// fakeTotalsStore records every Save and serves a canned Load.
type fakeTotalsStore struct {
	mu          sync.Mutex
	saveFunc    func(ctx context.Context, received, distributed string) error
	saved       [][2]string
	received    string
	distributed string
}

func (f *fakeTotalsStore) Save(ctx context.Context, received, distributed string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveFunc != nil {
		if err := f.saveFunc(ctx, received, distributed); err != nil {
			return err
		}
	}
	f.saved = append(f.saved, [2]string{received, distributed})
	return nil
}

func (f *fakeTotalsStore) Load(ctx context.Context) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	received, distributed := f.received, f.distributed
	if received == "" {
		received = "0"
	}
	if distributed == "" {
		distributed = "0"
	}
	return received, distributed, nil
}

type rateSetCall struct {
	RateBps uint64
	TS      time.Time
}

// fakeRateCache records writes; fixedSet selects between a canned hit and
// a miss on reads.
type fakeRateCache struct {
	mu        sync.Mutex
	fixedSet  bool
	fixedRate uint64
	fixedTS   time.Time
	rateSets  []rateSetCall

	predictions    map[time.Duration]string
	predictionSets map[time.Duration]string
}

func (f *fakeRateCache) SetFixedRate(ctx context.Context, rateBps uint64, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateSets = append(f.rateSets, rateSetCall{RateBps: rateBps, TS: ts})
	f.fixedSet = true
	f.fixedRate = rateBps
	f.fixedTS = ts
	return nil
}

func (f *fakeRateCache) GetFixedRate(ctx context.Context) (uint64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fixedSet {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return f.fixedRate, f.fixedTS, nil
}

func (f *fakeRateCache) SetPrediction(ctx context.Context, timeframe time.Duration, amount string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.predictionSets == nil {
		f.predictionSets = make(map[time.Duration]string)
	}
	f.predictionSets[timeframe] = amount
	return nil
}

func (f *fakeRateCache) GetPrediction(ctx context.Context, timeframe time.Duration) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if amount, ok := f.predictions[timeframe]; ok {
		return amount, testStart, nil
	}
	return "", time.Time{}, domain.ErrNotFound
}

// fakeBus records published payloads per channel and stream appends.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  [][]byte
}

func (f *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[channel] = append(f.published[channel], payload)
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (f *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamed = append(f.streamed, payload)
	return nil
}

func (f *fakeBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

// eventNames decodes the "event" field of every payload published on a
// channel, in order.
func (f *fakeBus) eventNames(t *testing.T, channel string) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, payload := range f.published[channel] {
		var decoded map[string]any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("bad payload on %s: %v", channel, err)
		}
		name, _ := decoded["event"].(string)
		names = append(names, name)
	}
	return names
}

type auditCall struct {
	Event  string
	Detail map[string]any
}

// fakeAudit records audit entries.
type fakeAudit struct {
	mu      sync.Mutex
	entries []auditCall
}

func (f *fakeAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, auditCall{Event: event, Detail: detail})
	return nil
}

func (f *fakeAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (f *fakeAudit) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		names = append(names, e.Event)
	}
	return names
}

type transferCall struct {
	To     common.Address
	Amount *big.Int
}

// fakeTransferor records transfers; transferFunc injects failures.
type fakeTransferor struct {
	mu           sync.Mutex
	transferFunc func(ctx context.Context, to common.Address, amount *big.Int) (string, error)
	calls        []transferCall
}

func (f *fakeTransferor) Transfer(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferFunc != nil {
		hash, err := f.transferFunc(ctx, to, amount)
		if err != nil {
			return "", err
		}
		f.calls = append(f.calls, transferCall{To: to, Amount: new(big.Int).Set(amount)})
		return hash, nil
	}
	f.calls = append(f.calls, transferCall{To: to, Amount: new(big.Int).Set(amount)})
	return "0xtransfer", nil
}

type redeemCall struct {
	Token  common.Address
	Amount *big.Int
}

// fakeRedeemer records redemptions; redeemFunc injects failures.
type fakeRedeemer struct {
	mu         sync.Mutex
	redeemFunc func(ctx context.Context, token common.Address, amount *big.Int) (string, error)
	calls      []redeemCall
}

func (f *fakeRedeemer) Redeem(ctx context.Context, token common.Address, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redeemFunc != nil {
		hash, err := f.redeemFunc(ctx, token, amount)
		if err != nil {
			return "", err
		}
		f.calls = append(f.calls, redeemCall{Token: token, Amount: new(big.Int).Set(amount)})
		return hash, nil
	}
	f.calls = append(f.calls, redeemCall{Token: token, Amount: new(big.Int).Set(amount)})
	return "0xredeem", nil
}

type lockCall struct {
	Market common.Address
	Amount *big.Int
}

// fakeLocker records deposits; lockFunc injects failures.
type fakeLocker struct {
	mu       sync.Mutex
	lockFunc func(ctx context.Context, market common.Address, amount *big.Int) (string, error)
	calls    []lockCall
}

func (f *fakeLocker) Lock(ctx context.Context, market common.Address, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockFunc != nil {
		hash, err := f.lockFunc(ctx, market, amount)
		if err != nil {
			return "", err
		}
		f.calls = append(f.calls, lockCall{Market: market, Amount: new(big.Int).Set(amount)})
		return hash, nil
	}
	f.calls = append(f.calls, lockCall{Market: market, Amount: new(big.Int).Set(amount)})
	return "0xlock", nil
}

// fakeLocks hands out locks unless err is set.
type fakeLocks struct {
	mu       sync.Mutex
	err      error
	acquired []string
	unlocked int
}

func (f *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired = append(f.acquired, key)
	return func() {
		f.mu.Lock()
		f.unlocked++
		f.mu.Unlock()
	}, nil
}

// fakeMarkets serves a canned market listing.
type fakeMarkets struct {
	markets []domain.PTMarket
	err     error
}

func (f *fakeMarkets) ActiveMarkets(ctx context.Context) ([]domain.PTMarket, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.markets, nil
}

// recordingSender captures notifications as "title: message" strings.
type recordingSender struct {
	mu    sync.Mutex
	notes []string
}

func (r *recordingSender) Send(ctx context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, title+": "+message)
	return nil
}

func (r *recordingSender) Name() string { return "recorder" }

func (r *recordingSender) Notes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes...)
}

// vaultFixture wires a VaultService around a real ledger and fakes.
type vaultFixture struct {
	svc     *VaultService
	clock   *clockwork.FakeClock
	journal *fakePositionJournal
	bus     *fakeBus
	audit   *fakeAudit
}

func newVaultFixture() *vaultFixture {
	clock := clockwork.NewFakeClockAt(testStart)
	journal := &fakePositionJournal{}
	bus := &fakeBus{}
	audit := &fakeAudit{}
	svc := NewVaultService(ledger.New(clock), journal, bus, audit, discardLogger())
	return &vaultFixture{svc: svc, clock: clock, journal: journal, bus: bus, audit: audit}
}

// yieldFixture wires a YieldService around a real accountant and fakes. The
// fixture's own sender captures service-level alerts; engine tests pass the
// engines separate senders.
type yieldFixture struct {
	svc        *YieldService
	clock      *clockwork.FakeClock
	transferor *fakeTransferor
	events     *fakeYieldJournal
	runs       *fakeRunsJournal
	bens       *fakeBeneficiaryStore
	totals     *fakeTotalsStore
	rates      *fakeRateCache
	bus        *fakeBus
	audit      *fakeAudit
	sender     *recordingSender
}

func newYieldFixture() *yieldFixture {
	clock := clockwork.NewFakeClockAt(testStart)
	transferor := &fakeTransferor{}
	events := &fakeYieldJournal{}
	runs := &fakeRunsJournal{}
	bens := &fakeBeneficiaryStore{}
	totals := &fakeTotalsStore{}
	rates := &fakeRateCache{}
	bus := &fakeBus{}
	audit := &fakeAudit{}
	sender := &recordingSender{}
	svc := NewYieldService(
		yield.New(transferor, clock),
		events, runs, bens, totals, rates, bus, audit,
		notify.NewNotifier([]notify.Sender{sender}, nil, discardLogger()),
		discardLogger(),
	)
	return &yieldFixture{
		svc: svc, clock: clock, transferor: transferor,
		events: events, runs: runs, bens: bens,
		totals: totals, rates: rates, bus: bus, audit: audit,
		sender: sender,
	}
}
