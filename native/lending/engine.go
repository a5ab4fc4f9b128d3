package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"nhblend/core/events"
	"nhblend/core/state"
	nativecommon "nhblend/native/common"
)

var errNilEngine = errors.New("lending engine: not configured")

// Bank moves fungible balances in and out of the engine's custody inside the
// caller's unit of work. The engine lock is held for the duration of each
// call. An implementation that calls back into the engine must pass the ctx
// it was given, or a derivative of it: that is how the nested call is
// recognised and rejected with ErrReentrant. A callback made with a fresh
// context blocks on the engine lock forever.
type Bank interface {
	TransferIn(ctx context.Context, kv state.KV, asset string, from common.Address, amount *big.Int) error
	TransferOut(ctx context.Context, kv state.KV, asset string, to common.Address, amount *big.Int) error
}

// Observer is notified once per completed engine operation.
type Observer interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
}

// Engine is the lending and liquidation state machine. Every mutating entry
// point runs as one serialised unit of work: either all of its writes commit
// or none do.
type Engine struct {
	mu sync.Mutex

	store  Store
	bank   Bank
	oracle PriceOracle

	// cfgMu guards the configuration maps for readers outside the unit of
	// work; writers also hold mu.
	cfgMu            sync.RWMutex
	treasury         common.Address
	staleness        time.Duration
	minConfidenceBps uint64
	historySize      int
	markets          map[string]MarketConfig
	collateral       map[string]CollateralConfig
	whitelist        map[common.Address]struct{}
	actions          *nativecommon.PauseSet

	pauses   nativecommon.PauseView
	clock    func() time.Time
	emitter  events.Emitter
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer

	opCounter  metric.Int64Counter
	opDuration metric.Float64Histogram
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithEmitter sets the sink for committed events.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPauses installs an external pause view checked alongside the engine's
// own per-action switches.
func WithPauses(p nativecommon.PauseView) Option {
	return func(e *Engine) { e.pauses = p }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithMeterProvider records operation counts and latency through mp instead
// of the global otel provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		if mp != nil {
			e.initMeter(mp)
		}
	}
}

// NewEngine validates params and builds an engine over the given collaborators.
func NewEngine(store Store, bank Bank, oracle PriceOracle, params Params, opts ...Option) (*Engine, error) {
	if store == nil || bank == nil || oracle == nil {
		return nil, errNilEngine
	}
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:            store,
		bank:             bank,
		oracle:           oracle,
		treasury:         params.TreasuryAddress(),
		staleness:        time.Duration(params.StalenessSeconds) * time.Second,
		minConfidenceBps: params.MinConfidenceBps,
		historySize:      int(params.RateHistorySize),
		markets:          make(map[string]MarketConfig),
		collateral:       make(map[string]CollateralConfig),
		whitelist:        make(map[common.Address]struct{}),
		actions:          nativecommon.NewPauseSet(),
		clock:            time.Now,
		emitter:          events.NoopEmitter{},
		logger:           slog.Default(),
		tracer:           otel.Tracer("nhblend/native/lending"),
	}
	for _, m := range params.Markets {
		e.markets[m.Asset] = m.Clone()
	}
	for _, c := range params.Collateral {
		e.collateral[c.Asset] = c.Clone()
	}
	for _, addr := range params.Whitelist {
		e.whitelist[common.HexToAddress(addr)] = struct{}{}
	}
	for action, paused := range params.Pauses.byAction() {
		e.actions.Set(action, paused)
	}
	var overrides configOverrides
	err := store.View(func(kv state.KV) error {
		var err error
		overrides, err = loadConfigOverrides(kv)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load lending config overrides: %w", err)
	}
	e.applyOverrides(overrides)
	e.initMeter(otel.GetMeterProvider())
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) initMeter(mp metric.MeterProvider) {
	meter := mp.Meter("nhblend/native/lending")
	counter, err := meter.Int64Counter("nhb.lending.operations",
		metric.WithDescription("Engine operations by name and outcome."))
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("nhblend/native/lending").Int64Counter("nhb.lending.operations")
	}
	duration, err := meter.Float64Histogram("nhb.lending.operation.duration",
		metric.WithDescription("Engine operation latency."),
		metric.WithUnit("s"))
	if err != nil {
		duration, _ = noop.NewMeterProvider().Meter("nhblend/native/lending").Float64Histogram("nhb.lending.operation.duration")
	}
	e.opCounter = counter
	e.opDuration = duration
}

// Treasury returns the protocol treasury account.
func (e *Engine) Treasury() common.Address { return e.treasury }

type guardKey struct{}

// unit is the state handed to a single operation.
type unit struct {
	ctx      context.Context
	kv       state.KV
	now      time.Time
	events   []events.Event
	onCommit []func()
}

func (u *unit) emit(ev events.Event) { u.events = append(u.events, ev) }

// afterCommit defers fn until the unit's writes are durable. Hooks run in
// order while the engine lock is still held.
func (u *unit) afterCommit(fn func()) { u.onCommit = append(u.onCommit, fn) }

// update runs fn as one atomic, serialised unit of work. Reentrant calls made
// with a context derived from a running operation are rejected before they
// can touch the engine lock.
func (e *Engine) update(ctx context.Context, op string, fn func(*unit) error) error {
	if e == nil || e.store == nil {
		return errNilEngine
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if running, ok := ctx.Value(guardKey{}).(string); ok {
		return fmt.Errorf("%w: %s called during %s", ErrReentrant, op, running)
	}
	ctx = context.WithValue(ctx, guardKey{}, op)
	ctx, span := e.tracer.Start(ctx, "lending."+op)
	defer span.End()

	started := time.Now()
	pending, err := e.commit(ctx, fn)
	elapsed := time.Since(started)
	if e.observer != nil {
		e.observer.ObserveOperation(op, err, elapsed)
	}
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", KindOf(err)))
	e.opCounter.Add(ctx, 1, attrs)
	e.opDuration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		span.SetAttributes(attribute.String("lending.error_kind", KindOf(err)))
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debug("lending operation rejected", "op", op, "kind", KindOf(err), "error", err)
		return err
	}
	for _, ev := range pending {
		e.emitter.Emit(ev)
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, fn func(*unit) error) ([]events.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var done *unit
	err := e.store.Update(func(kv state.KV) error {
		u := &unit{ctx: ctx, kv: kv, now: e.clock().UTC()}
		if err := fn(u); err != nil {
			return err
		}
		done = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, hook := range done.onCommit {
		hook()
	}
	return done.events, nil
}

// view runs fn against committed state without taking the engine lock.
func (e *Engine) view(ctx context.Context, fn func(*unit) error) error {
	if e == nil || e.store == nil {
		return errNilEngine
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return e.store.View(func(kv state.KV) error {
		return fn(&unit{ctx: ctx, kv: kv, now: e.clock().UTC()})
	})
}

func (e *Engine) guard(action string) error {
	if err := nativecommon.Guard(e.actions, action); err != nil {
		return withKind(ErrState, "action paused", err)
	}
	if err := nativecommon.Guard(e.pauses, action); err != nil {
		return withKind(ErrState, "action paused", err)
	}
	return nil
}

func (e *Engine) marketConfig(asset string) (MarketConfig, error) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	cfg, ok := e.markets[asset]
	if !ok {
		return MarketConfig{}, fmt.Errorf("%w: market %s", ErrUnknownAsset, asset)
	}
	return cfg.Clone(), nil
}

func (e *Engine) collateralConfig(asset string) (CollateralConfig, bool) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	cfg, ok := e.collateral[asset]
	return cfg.Clone(), ok
}

func (e *Engine) whitelisted(addr common.Address) bool {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	_, ok := e.whitelist[addr]
	return ok
}

// ensureMarket loads the market state, seeding it from configuration on first
// use.
func (e *Engine) ensureMarket(u *unit, asset string) (*MarketState, MarketConfig, error) {
	cfg, err := e.marketConfig(asset)
	if err != nil {
		return nil, MarketConfig{}, err
	}
	market, existed, err := loadMarket(u.kv, asset)
	if err != nil {
		return nil, MarketConfig{}, err
	}
	if !existed {
		market.LastUpdateTime = u.now
	}
	market.ReserveFactorBps = cfg.Rate.ReserveFactorBps
	return market, cfg, nil
}

// refreshMarket recomputes utilization and rates, appends a history sample
// and persists the market.
func (e *Engine) refreshMarket(u *unit, market *MarketState, cfg MarketConfig) error {
	market.UtilizationBps = Utilization(market.TotalBorrowed, market.AvailableSupply())
	market.BorrowRateBps = cfg.Rate.BorrowRate(market.UtilizationBps)
	market.SupplyRateBps = cfg.Rate.SupplyRate(market.UtilizationBps)
	market.ReserveFactorBps = cfg.Rate.ReserveFactorBps
	market.LastUpdateTime = u.now
	if value, ok := e.collateralValue(u, market.CollateralLocked); ok {
		market.TotalCollateralValue = value
	}
	if err := storeMarket(u.kv, market); err != nil {
		return err
	}

	history, err := loadRateHistory(u.kv, market.Asset, e.historySize)
	if err != nil {
		return err
	}
	history.Push(RateSample{
		Timestamp:      u.now,
		BorrowRateBps:  market.BorrowRateBps,
		SupplyRateBps:  market.SupplyRateBps,
		UtilizationBps: market.UtilizationBps,
	})
	if err := storeRateHistory(u.kv, market.Asset, history); err != nil {
		return err
	}
	u.emit(events.MarketRates{
		Asset:          market.Asset,
		UtilizationBps: market.UtilizationBps,
		BorrowRateBps:  market.BorrowRateBps,
		SupplyRateBps:  market.SupplyRateBps,
		TotalBorrowed:  cloneBig(market.TotalBorrowed),
		TotalSupplied:  cloneBig(market.TotalSupplied),
		Timestamp:      u.now.Unix(),
	})
	return nil
}

// collateralValue values the market's locked collateral. Any unusable price
// leaves the previous valuation in place.
func (e *Engine) collateralValue(u *unit, locked []AssetAmount) (*big.Int, bool) {
	total := big.NewInt(0)
	for _, entry := range locked {
		if !isPositive(entry.Amount) {
			continue
		}
		value, err := e.valueOf(u.ctx, u.now, entry.Asset, entry.Amount)
		if err != nil {
			return nil, false
		}
		total.Add(total, value)
	}
	return total, true
}

// adjustLocked moves the market's per-asset collateral tally by delta.
func adjustLocked(market *MarketState, asset string, delta *big.Int) {
	for i, entry := range market.CollateralLocked {
		if entry.Asset != asset {
			continue
		}
		next := new(big.Int).Add(cloneBig(entry.Amount), delta)
		if next.Sign() < 0 {
			next.SetInt64(0)
		}
		market.CollateralLocked[i].Amount = next
		return
	}
	if delta.Sign() > 0 {
		market.CollateralLocked = append(market.CollateralLocked, AssetAmount{Asset: asset, Amount: new(big.Int).Set(delta)})
	}
}

// accrue brings a position's interest up to now at the market's current
// borrow rate. Queued positions keep the debt frozen at auction open.
func (e *Engine) accrue(now time.Time, position *BorrowPosition, market *MarketState, cfg MarketConfig) {
	if !position.Active || position.InAuction {
		return
	}
	if !now.After(position.LastInterestUpdate) {
		return
	}
	elapsed := uint64(now.Unix() - position.LastInterestUpdate.Unix())
	rate := cfg.Rate.BorrowRate(Utilization(market.TotalBorrowed, market.AvailableSupply()))
	interest, remainder := accrueInterest(position.Principal, position.InterestRemainder, rate, elapsed)
	position.AccruedInterest = new(big.Int).Add(cloneBig(position.AccruedInterest), interest)
	position.InterestRemainder = remainder
	position.LastInterestUpdate = now
}

// settleDebt applies a payment to a position's interest first, then its
// principal, and books the proceeds on the market. It returns the interest
// and principal portions.
func settleDebt(position *BorrowPosition, market *MarketState, amount *big.Int) (*big.Int, *big.Int) {
	interestPaid := minBig(amount, cloneBig(position.AccruedInterest))
	principalPaid := new(big.Int).Sub(amount, interestPaid)
	if principalPaid.Cmp(cloneBig(position.Principal)) > 0 {
		principalPaid = cloneBig(position.Principal)
	}
	position.AccruedInterest = new(big.Int).Sub(cloneBig(position.AccruedInterest), interestPaid)
	position.Principal = new(big.Int).Sub(cloneBig(position.Principal), principalPaid)

	reserveShare := applyBps(interestPaid, market.ReserveFactorBps)
	market.TotalReserves = new(big.Int).Add(cloneBig(market.TotalReserves), reserveShare)
	market.TotalSupplied = new(big.Int).Add(cloneBig(market.TotalSupplied), new(big.Int).Sub(interestPaid, reserveShare))
	market.TotalBorrowed = new(big.Int).Sub(cloneBig(market.TotalBorrowed), principalPaid)
	if market.TotalBorrowed.Sign() < 0 {
		market.TotalBorrowed.SetInt64(0)
	}
	return interestPaid, principalPaid
}

// closePosition moves a position to its terminal state and releases whatever
// collateral it still holds back to the borrower's free balance.
func (e *Engine) closePosition(u *unit, position *BorrowPosition, market *MarketState, liquidated bool) error {
	if isPositive(position.CollateralAmount) {
		if err := e.unlock(u, position.Borrower, position.CollateralAsset, position.CollateralAmount); err != nil {
			return err
		}
		adjustLocked(market, position.CollateralAsset, new(big.Int).Neg(position.CollateralAmount))
	}
	position.CollateralAmount = big.NewInt(0)
	position.InterestRemainder = big.NewInt(0)
	position.Active = false
	position.InAuction = false
	position.Liquidated = liquidated
	if market.ActivePositions > 0 {
		market.ActivePositions--
	}
	return nil
}

// health values a position at current prices.
func (e *Engine) health(u *unit, position *BorrowPosition) (*PositionHealth, error) {
	debtValue, err := e.valueOf(u.ctx, u.now, position.BorrowAsset, position.TotalDebt())
	if err != nil {
		return nil, err
	}
	collValue, err := e.valueOf(u.ctx, u.now, position.CollateralAsset, position.CollateralAmount)
	if err != nil {
		return nil, err
	}
	ltv := ltvBps(debtValue, collValue)
	h := &PositionHealth{
		PositionID:              position.ID,
		CurrentLtvBps:           ltv,
		LiquidationThresholdBps: position.LiquidationThresholdBps,
		IsLiquidatable:          ltv >= position.LiquidationThresholdBps && debtValue.Sign() > 0,
		DebtValue:               debtValue,
		CollateralValue:         collValue,
	}
	if ltv == 0 {
		h.Infinite = true
	} else {
		h.HealthFactorBps = mulDiv(new(big.Int).SetUint64(position.LiquidationThresholdBps), basisPoints, new(big.Int).SetUint64(ltv)).Uint64()
	}
	return h, nil
}

// projectPosition returns a copy of the position with interest accrued to now.
func (e *Engine) projectPosition(u *unit, id string) (*BorrowPosition, error) {
	position, err := loadPosition(u.kv, id)
	if err != nil {
		return nil, err
	}
	if !position.Active || position.InAuction {
		return position, nil
	}
	cfg, err := e.marketConfig(position.BorrowAsset)
	if err != nil {
		return nil, err
	}
	market, _, err := loadMarket(u.kv, position.BorrowAsset)
	if err != nil {
		return nil, err
	}
	e.accrue(u.now, position, market, cfg)
	return position, nil
}
