// Package risk implements pre-trade order checks, position sizing, the
// drawdown circuit breaker, and portfolio risk metrics.
package risk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/quantmill/tradecore/errs"
	"github.com/quantmill/tradecore/internal/observability"
	"github.com/quantmill/tradecore/internal/telemetry"
)

// BreakerState is the drawdown circuit breaker state.
type BreakerState int32

const (
	// BreakerNormal allows all orders.
	BreakerNormal BreakerState = iota
	// BreakerWarning allows orders; drawdown is approaching the limit.
	BreakerWarning
	// BreakerTriggered rejects all orders until a manual reset.
	BreakerTriggered
)

// String returns the wire name of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerWarning:
		return "warning"
	case BreakerTriggered:
		return "triggered"
	default:
		return "normal"
	}
}

// MarshalJSON encodes the state by name.
func (s BreakerState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Machine-readable rejection reasons attached to risk_rejected errors.
const (
	ReasonCircuitBreaker = "circuit_breaker_triggered"
	ReasonOrderRate      = "order_rate_limit_exceeded"
	ReasonPositionSize   = "position_size_limit_exceeded"
	ReasonConcentration  = "concentration_limit_exceeded"
	ReasonLeverage       = "leverage_limit_exceeded"
	ReasonDailyLoss      = "daily_loss_limit_exceeded"
	ReasonInstrument     = "instrument_limit_exceeded"
)

// Limits configures the risk gates. Zero-valued limits disable their check.
type Limits struct {
	// Capital is the starting account equity, the base for position sizing.
	Capital float64
	// MaxPositionSize caps single-order notional.
	MaxPositionSize float64
	// MaxDrawdownPct trips the circuit breaker. Values in (0, 1] are read as
	// a fraction (0.20), values above 1 as percentage points (20).
	MaxDrawdownPct float64
	// MaxConcentrationPct caps per-symbol exposure relative to equity. Same
	// units as MaxDrawdownPct.
	MaxConcentrationPct float64
	// MaxPortfolioLeverage caps gross exposure as a multiple of equity.
	MaxPortfolioLeverage float64
	// MaxDailyLoss rejects new orders once the UTC-day loss reaches this amount.
	MaxDailyLoss float64
	// MinSharpeRatio zeroes Kelly sizing when the observed Sharpe ratio falls
	// below it. Only applied once enough return history has accumulated.
	MinSharpeRatio float64
	// MaxOrdersPerSecond throttles order admission. Zero disables throttling.
	MaxOrdersPerSecond float64
	// VaRConfidence is the quantile for VaR/CVaR estimation. Defaults to 0.95.
	VaRConfidence float64
}

func (l Limits) normalize() Limits {
	// Percentage limits accept either a fraction (0.20) or percentage
	// points (20); anything above 1 is taken as points.
	if l.MaxDrawdownPct > 1 {
		l.MaxDrawdownPct /= 100
	}
	if l.MaxConcentrationPct > 1 {
		l.MaxConcentrationPct /= 100
	}
	if l.VaRConfidence <= 0 || l.VaRConfidence >= 1 {
		l.VaRConfidence = 0.95
	}
	return l
}

// warningFraction of the drawdown limit at which the breaker enters Warning.
const warningFraction = 0.75

// halfKellyCap bounds the sizing fraction regardless of the Kelly estimate.
const halfKellyCap = 0.25

// minSharpeSamples is the return history required before MinSharpeRatio
// applies; below it the Sharpe estimate is too noisy to gate on.
const minSharpeSamples = 30

// fixedFraction is the sizing fallback when the Kelly inputs are unusable.
const fixedFraction = 0.02

type exposure struct {
	quantity float64
	avgPrice float64
}

// Manager enforces pre-trade risk limits and tracks portfolio health. Order
// admission reads the breaker from an atomic, so the hot path takes no lock
// until a limit actually needs portfolio state.
type Manager struct {
	limits Limits

	breaker atomic.Int32
	limiter *rate.Limiter

	now func() time.Time

	mu             sync.RWMutex
	positions      map[string]*exposure
	instrumentMax  map[string]float64
	equity         float64
	peakEquity     float64
	maxDrawdown    float64
	dayStart       time.Time
	dayStartEquity float64
	returns        []float64
	trades         []float64

	rejectedCounter metric.Int64Counter
	breakerCounter  metric.Int64Counter
}

// NewManager constructs a manager with equity initialized to Limits.Capital.
func NewManager(limits Limits) *Manager {
	limits = limits.normalize()
	m := &Manager{
		limits:         limits,
		now:            time.Now,
		positions:      make(map[string]*exposure),
		instrumentMax:  make(map[string]float64),
		equity:         limits.Capital,
		peakEquity:     limits.Capital,
		dayStartEquity: limits.Capital,
	}
	m.dayStart = m.now().UTC().Truncate(24 * time.Hour)
	if limits.MaxOrdersPerSecond > 0 {
		burst := int(limits.MaxOrdersPerSecond)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(limits.MaxOrdersPerSecond), burst)
	}

	meter := otel.Meter("tradecore/risk")
	m.rejectedCounter, _ = meter.Int64Counter("risk.orders.rejected",
		metric.WithDescription("Number of orders rejected by pre-trade checks"),
		metric.WithUnit("{order}"))
	m.breakerCounter, _ = meter.Int64Counter("risk.breaker.transitions",
		metric.WithDescription("Number of circuit breaker state transitions"),
		metric.WithUnit("{transition}"))

	return m
}

// BreakerStatus returns the current circuit breaker state.
func (m *Manager) BreakerStatus() BreakerState {
	return BreakerState(m.breaker.Load())
}

// KellySize returns the suggested position notional using the half-Kelly
// criterion, clamped to [0, 0.25] of capital. Returns zero when the edge is
// non-positive or the loss estimate is degenerate.
func (m *Manager) KellySize(winRate, avgWin, avgLoss float64) float64 {
	if avgLoss <= 0 || avgWin <= 0 || winRate <= 0 || winRate > 1 {
		return 0
	}
	b := avgWin / avgLoss
	kelly := winRate - (1-winRate)/b
	if kelly <= 0 {
		return 0
	}
	if m.limits.MinSharpeRatio > 0 {
		m.mu.RLock()
		returns := make([]float64, len(m.returns))
		copy(returns, m.returns)
		m.mu.RUnlock()
		if len(returns) >= minSharpeSamples && sharpeRatio(returns) < m.limits.MinSharpeRatio {
			return 0
		}
	}
	fraction := kelly / 2
	if fraction > halfKellyCap {
		fraction = halfKellyCap
	}
	return fraction * m.limits.Capital
}

// SuggestSize returns the Kelly suggestion when the trade statistics support
// one, and a fixed fraction of capital when they are unusable. A genuinely
// negative edge still sizes zero.
func (m *Manager) SuggestSize(winRate, avgWin, avgLoss float64) float64 {
	if avgLoss <= 0 || avgWin <= 0 || winRate <= 0 || winRate > 1 {
		return fixedFraction * m.limits.Capital
	}
	return m.KellySize(winRate, avgWin, avgLoss)
}

// CheckOrderRisk gates an order before routing. A nil return admits the
// order; rejections carry a machine-readable reason.
func (m *Manager) CheckOrderRisk(symbol string, quantity, price float64) error {
	const op = "risk/check_order"

	if m.BreakerStatus() == BreakerTriggered {
		return m.reject(op, ReasonCircuitBreaker, "circuit breaker is triggered")
	}
	if m.limiter != nil && !m.limiter.Allow() {
		return m.reject(op, ReasonOrderRate, "order rate limit exceeded")
	}

	notional := quantity * price
	if m.limits.MaxPositionSize > 0 && notional > m.limits.MaxPositionSize {
		return m.reject(op, ReasonPositionSize, "order notional exceeds max position size")
	}

	m.mu.RLock()
	equity := m.equity
	dayLoss := m.dayStartEquity - m.equity
	instrumentMax, hasInstrumentMax := m.instrumentMax[symbol]
	existing := 0.0
	gross := 0.0
	for sym, pos := range m.positions {
		exp := pos.quantity * pos.avgPrice
		gross += exp
		if sym == symbol {
			existing = exp
		}
	}
	m.mu.RUnlock()

	if hasInstrumentMax && existing+notional > instrumentMax {
		return m.reject(op, ReasonInstrument, "symbol exposure exceeds instrument limit")
	}
	if m.limits.MaxDailyLoss > 0 && dayLoss >= m.limits.MaxDailyLoss {
		return m.reject(op, ReasonDailyLoss, "daily loss limit reached")
	}
	if m.limits.MaxConcentrationPct > 0 && equity > 0 &&
		(existing+notional)/equity > m.limits.MaxConcentrationPct {
		return m.reject(op, ReasonConcentration, "symbol exposure exceeds concentration limit")
	}
	if m.limits.MaxPortfolioLeverage > 0 && equity > 0 &&
		(gross+notional)/equity > m.limits.MaxPortfolioLeverage {
		return m.reject(op, ReasonLeverage, "gross exposure exceeds portfolio leverage limit")
	}
	return nil
}

// SetInstrumentLimit caps total exposure notional for a single symbol,
// overriding nothing else; the portfolio-wide limits still apply. A
// non-positive limit removes the override.
func (m *Manager) SetInstrumentLimit(symbol string, maxNotional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxNotional <= 0 {
		delete(m.instrumentMax, symbol)
		return
	}
	m.instrumentMax[symbol] = maxNotional
}

// UpdatePosition applies a signed quantity delta at the given price. Adds use
// a volume-weighted average entry; reductions keep the entry and drop the
// exposure once quantity reaches zero.
func (m *Manager) UpdatePosition(symbol string, quantityDelta, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		if quantityDelta <= 0 {
			return
		}
		m.positions[symbol] = &exposure{quantity: quantityDelta, avgPrice: price}
		return
	}

	if quantityDelta > 0 {
		total := pos.quantity + quantityDelta
		pos.avgPrice = (pos.quantity*pos.avgPrice + quantityDelta*price) / total
		pos.quantity = total
		return
	}

	pos.quantity += quantityDelta
	if pos.quantity <= 1e-12 {
		delete(m.positions, symbol)
	}
}

// Exposure returns the tracked quantity and volume-weighted entry for symbol.
func (m *Manager) Exposure(symbol string) (quantity, avgPrice float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, found := m.positions[symbol]
	if !found {
		return 0, 0, false
	}
	return pos.quantity, pos.avgPrice, true
}

// UpdateEquity records a new equity observation, updates the drawdown
// tracking, and drives the circuit breaker. Triggered latches until
// ResetCircuitBreaker; Warning and Normal are re-derived on every update.
func (m *Manager) UpdateEquity(equity float64) {
	m.mu.Lock()
	day := m.now().UTC().Truncate(24 * time.Hour)
	if day.After(m.dayStart) {
		m.dayStart = day
		m.dayStartEquity = m.equity
	}
	if m.equity > 0 {
		m.returns = append(m.returns, (equity-m.equity)/m.equity)
	}
	m.equity = equity
	if equity > m.peakEquity {
		m.peakEquity = equity
	}
	drawdown := 0.0
	if m.peakEquity > 0 {
		drawdown = (m.peakEquity - equity) / m.peakEquity
	}
	if drawdown > m.maxDrawdown {
		m.maxDrawdown = drawdown
	}
	m.mu.Unlock()

	m.driveBreaker(drawdown)
}

func (m *Manager) driveBreaker(drawdown float64) {
	if m.limits.MaxDrawdownPct <= 0 {
		return
	}
	next := BreakerNormal
	switch {
	case drawdown >= m.limits.MaxDrawdownPct:
		next = BreakerTriggered
	case drawdown >= warningFraction*m.limits.MaxDrawdownPct:
		next = BreakerWarning
	}

	// Triggered latches: only ResetCircuitBreaker may leave it. The CAS loop
	// keeps a concurrent trip from being overwritten by a stale derivation.
	for {
		current := BreakerState(m.breaker.Load())
		if current == BreakerTriggered || next == current {
			return
		}
		if m.breaker.CompareAndSwap(int32(current), int32(next)) {
			break
		}
	}
	m.countTransition(next)
	switch next {
	case BreakerTriggered:
		observability.Log().Error("risk: circuit breaker triggered",
			observability.F("drawdown", drawdown),
			observability.F("limit", m.limits.MaxDrawdownPct))
	case BreakerWarning:
		observability.Log().Info("risk: drawdown warning",
			observability.F("drawdown", drawdown),
			observability.F("limit", m.limits.MaxDrawdownPct))
	}
}

// ResetCircuitBreaker clears a triggered breaker. The next equity update
// re-derives Warning if the drawdown still warrants it.
func (m *Manager) ResetCircuitBreaker() {
	prev := BreakerState(m.breaker.Swap(int32(BreakerNormal)))
	if prev != BreakerNormal {
		m.countTransition(BreakerNormal)
		observability.Log().Info("risk: circuit breaker reset",
			observability.F("previous", prev.String()))
	}
}

// RecordTrade appends a realized trade PnL to the history used by the trade
// statistics and sizing inputs.
func (m *Manager) RecordTrade(pnl float64) {
	m.mu.Lock()
	m.trades = append(m.trades, pnl)
	m.mu.Unlock()
}

// Snapshot computes the full risk metrics set from current state.
func (m *Manager) Snapshot() Metrics {
	m.mu.RLock()
	equity := m.equity
	peak := m.peakEquity
	maxDD := m.maxDrawdown
	dayLoss := m.dayStartEquity - m.equity
	gross := 0.0
	for _, pos := range m.positions {
		gross += pos.quantity * pos.avgPrice
	}
	returns := make([]float64, len(m.returns))
	copy(returns, m.returns)
	trades := make([]float64, len(m.trades))
	copy(trades, m.trades)
	m.mu.RUnlock()

	current := 0.0
	if peak > 0 {
		current = (peak - equity) / peak
	}
	winRate, profitFactor := tradeStats(trades)

	return Metrics{
		Equity:          equity,
		PeakEquity:      peak,
		CurrentDrawdown: current,
		MaxDrawdown:     maxDD,
		DailyLoss:       dayLoss,
		GrossExposure:   gross,
		ExposurePct:     exposurePct(gross, equity),
		SharpeRatio:     sharpeRatio(returns),
		SortinoRatio:    sortinoRatio(returns),
		CalmarRatio:     calmarRatio(returns, maxDD),
		VaR:             historicalVaR(returns, m.limits.VaRConfidence) * m.limits.Capital,
		CVaR:            historicalCVaR(returns, m.limits.VaRConfidence) * m.limits.Capital,
		WinRate:         winRate,
		ProfitFactor:    profitFactor,
		TradeCount:      len(trades),
		BreakerState:    m.BreakerStatus(),
	}
}

func (m *Manager) reject(op, reason, msg string) error {
	if m.rejectedCounter != nil {
		m.rejectedCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrReason.String(reason)))
	}
	return errs.New(op, errs.CodeRiskRejected, errs.WithReason(reason), errs.WithMessage(msg))
}

func (m *Manager) countTransition(next BreakerState) {
	if m.breakerCounter == nil {
		return
	}
	m.breakerCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrState.String(next.String())))
}
