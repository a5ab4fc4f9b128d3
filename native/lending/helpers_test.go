package lending

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nhblend/core/events"
	"nhblend/core/state"
	"nhblend/state/bank"
	"nhblend/storage"
)

var (
	treasuryAddr = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	custodyAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	alice        = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob          = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol        = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	dave         = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	adminAddr    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubOracle serves fixed prices. Unless pinned, observations are always as
// fresh as the clock.
type stubOracle struct {
	mu         sync.Mutex
	clock      *testClock
	prices     map[string]*big.Int
	updatedAt  map[string]time.Time
	confidence uint64
}

func newStubOracle(clock *testClock) *stubOracle {
	return &stubOracle{
		clock:      clock,
		prices:     make(map[string]*big.Int),
		updatedAt:  make(map[string]time.Time),
		confidence: BasisPoints,
	}
}

// setPrice sets the USD price of one whole token as numerator/denominator.
func (o *stubOracle) setPrice(asset string, numerator, denominator int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	price := new(big.Int).Mul(PriceScale, big.NewInt(numerator))
	price.Quo(price, big.NewInt(denominator))
	o.prices[asset] = price
}

func (o *stubOracle) pin(asset string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updatedAt[asset] = at
}

func (o *stubOracle) GetPrice(_ context.Context, asset string) (PriceData, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	price, ok := o.prices[asset]
	if !ok {
		return PriceData{}, ErrNoPrice
	}
	at, pinned := o.updatedAt[asset]
	if !pinned {
		at = o.clock.Now()
	}
	return PriceData{Price: new(big.Int).Set(price), UpdatedAt: at, Confidence: o.confidence}, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType()
	}
	return out
}

func (r *recordingEmitter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	engine  *Engine
	state   *state.Manager
	ledger  *bank.Ledger
	oracle  *stubOracle
	clock   *testClock
	emitter *recordingEmitter
}

func testParams() Params {
	return Params{
		Treasury:         treasuryAddr.Hex(),
		StalenessSeconds: 600,
		RateHistorySize:  8,
		Markets: []MarketConfig{{
			Asset:   "USDC",
			Enabled: true,
			Rate: RateModel{
				BaseRateBps:           200,
				Slope1Bps:             400,
				Slope2Bps:             6000,
				OptimalUtilizationBps: 8000,
				ReserveFactorBps:      1000,
				MaxRateBps:            5000,
			},
			Liquidation: LiquidationConfig{
				Mode:               ModeDirect,
				PenaltyBps:         1000,
				LiquidatorShareBps: 5000,
				ProtocolShareBps:   5000,
			},
		}},
		Collateral: []CollateralConfig{{
			Asset:                   "ETH",
			Enabled:                 true,
			MaxLtvBps:               5000,
			LiquidationThresholdBps: 6000,
		}},
	}
}

func newHarnessWithBank(t *testing.T, mutate func(*Params), wrap func(Bank) Bank) *harness {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)

	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	oracle := newStubOracle(clock)
	oracle.setPrice("ETH", 1, 1)
	oracle.setPrice("USDC", 1, 1)

	params := testParams()
	if mutate != nil {
		mutate(&params)
	}
	ledger := bank.NewLedger(custodyAddr)
	var b Bank = ledger
	if wrap != nil {
		b = wrap(ledger)
	}
	emitter := &recordingEmitter{}
	mgr := state.NewManager(db)
	engine, err := NewEngine(mgr, b, oracle, params, WithClock(clock.Now), WithEmitter(emitter))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &harness{
		t:       t,
		ctx:     context.Background(),
		engine:  engine,
		state:   mgr,
		ledger:  ledger,
		oracle:  oracle,
		clock:   clock,
		emitter: emitter,
	}
}

func newHarness(t *testing.T, mutate func(*Params)) *harness {
	return newHarnessWithBank(t, mutate, nil)
}

func borrowerAuth(addr common.Address) Principal {
	return NewPrincipal(addr, RoleBorrower)
}

func liquidatorAuth(addr common.Address) Principal {
	return NewPrincipal(addr, RoleLiquidator)
}

func adminAuth() Principal {
	return NewPrincipal(adminAddr, RoleAdmin, RoleRiskManager)
}

func (h *harness) credit(asset string, addr common.Address, amount int64) {
	h.t.Helper()
	err := h.state.Update(func(kv state.KV) error {
		return h.ledger.Credit(kv, asset, addr, big.NewInt(amount))
	})
	if err != nil {
		h.t.Fatalf("credit %s: %v", asset, err)
	}
}

func (h *harness) balance(asset string, addr common.Address) *big.Int {
	h.t.Helper()
	var out *big.Int
	err := h.state.View(func(kv state.KV) error {
		var err error
		out, err = h.ledger.Balance(kv, asset, addr)
		return err
	})
	if err != nil {
		h.t.Fatalf("balance %s: %v", asset, err)
	}
	return out
}

func (h *harness) supply(amount int64) {
	h.t.Helper()
	h.credit("USDC", carol, amount)
	if _, err := h.engine.SupplyLiquidity(h.ctx, NewPrincipal(carol, RoleSupplier), "USDC", big.NewInt(amount)); err != nil {
		h.t.Fatalf("supply: %v", err)
	}
}

func (h *harness) depositCollateral(owner common.Address, amount int64) {
	h.t.Helper()
	h.credit("ETH", owner, amount)
	if _, err := h.engine.DepositCollateral(h.ctx, borrowerAuth(owner), "ETH", big.NewInt(amount)); err != nil {
		h.t.Fatalf("deposit collateral: %v", err)
	}
}

// openPosition deposits collateral for alice and borrows against all of it.
func (h *harness) openPosition(borrow, collateral int64) *BorrowPosition {
	h.t.Helper()
	h.depositCollateral(alice, collateral)
	position, err := h.engine.CreatePosition(h.ctx, borrowerAuth(alice), "USDC", "ETH", big.NewInt(borrow), big.NewInt(collateral))
	if err != nil {
		h.t.Fatalf("create position: %v", err)
	}
	return position
}

func (h *harness) collateralAccount(owner common.Address) *CollateralAccount {
	h.t.Helper()
	acct, err := h.engine.GetCollateralAccount(h.ctx, owner, "ETH")
	if err != nil {
		h.t.Fatalf("collateral account: %v", err)
	}
	return acct
}

func (h *harness) market() *MarketState {
	h.t.Helper()
	market, err := h.engine.GetMarketRates(h.ctx, "USDC")
	if err != nil {
		h.t.Fatalf("market: %v", err)
	}
	return market
}

func (h *harness) position(id string) *BorrowPosition {
	h.t.Helper()
	position, err := h.engine.GetPosition(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get position: %v", err)
	}
	return position
}

func requireAmount(t *testing.T, label string, got *big.Int, want int64) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s: expected %d, got %v", label, want, got)
	}
}
