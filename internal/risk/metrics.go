package risk

import (
	"math"
	"sort"
)

// tradingDaysPerYear is the annualization base for return-series ratios.
const tradingDaysPerYear = 252

// Metrics is a point-in-time snapshot of portfolio risk measures. Ratio
// fields are zero when the underlying series is too short to estimate them.
type Metrics struct {
	Equity          float64      `json:"equity"`
	PeakEquity      float64      `json:"peak_equity"`
	CurrentDrawdown float64      `json:"current_drawdown"`
	MaxDrawdown     float64      `json:"max_drawdown"`
	DailyLoss       float64      `json:"daily_loss"`
	GrossExposure   float64      `json:"gross_exposure"`
	ExposurePct     float64      `json:"exposure_pct"`
	SharpeRatio     float64      `json:"sharpe_ratio"`
	SortinoRatio    float64      `json:"sortino_ratio"`
	CalmarRatio     float64      `json:"calmar_ratio"`
	// VaR and CVaR are currency amounts, the return quantile scaled by capital.
	VaR             float64      `json:"var"`
	CVaR            float64      `json:"cvar"`
	WinRate         float64      `json:"win_rate"`
	ProfitFactor    float64      `json:"profit_factor"`
	TradeCount      int          `json:"trade_count"`
	BreakerState    BreakerState `json:"breaker_state"`
}

func exposurePct(gross, equity float64) float64 {
	if equity <= 0 {
		return 0
	}
	return gross / equity
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, mu float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

// sharpeRatio annualizes mean return over return volatility.
func sharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mu := mean(returns)
	sigma := stddev(returns, mu)
	if sigma == 0 {
		return 0
	}
	return mu / sigma * math.Sqrt(tradingDaysPerYear)
}

// sortinoRatio penalizes downside volatility only.
func sortinoRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mu := mean(returns)
	downside := 0.0
	for _, r := range returns {
		if r < 0 {
			downside += r * r
		}
	}
	dd := math.Sqrt(downside / float64(len(returns)))
	if dd == 0 {
		return 0
	}
	return mu / dd * math.Sqrt(tradingDaysPerYear)
}

// calmarRatio divides annualized return by the worst observed drawdown.
func calmarRatio(returns []float64, maxDrawdown float64) float64 {
	if len(returns) == 0 || maxDrawdown <= 0 {
		return 0
	}
	return mean(returns) * tradingDaysPerYear / maxDrawdown
}

// historicalVaR returns the loss at the given confidence as a positive
// fraction, estimated from the empirical return distribution. Needs at least
// two observations.
func historicalVaR(returns []float64, confidence float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int(math.Floor((1 - confidence) * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	v := -sorted[idx]
	if v < 0 {
		return 0
	}
	return v
}

// historicalCVaR averages the losses at or beyond the VaR quantile.
func historicalCVaR(returns []float64, confidence float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	cut := int(math.Floor((1 - confidence) * float64(len(sorted))))
	if cut < 1 {
		cut = 1
	}
	tail := sorted[:cut]
	v := -mean(tail)
	if v < 0 {
		return 0
	}
	return v
}

// tradeStats derives win rate and profit factor from realized trade PnLs.
func tradeStats(trades []float64) (winRate, profitFactor float64) {
	if len(trades) == 0 {
		return 0, 0
	}
	wins := 0
	grossProfit, grossLoss := 0.0, 0.0
	for _, pnl := range trades {
		if pnl > 0 {
			wins++
			grossProfit += pnl
		} else {
			grossLoss += -pnl
		}
	}
	winRate = float64(wins) / float64(len(trades))
	if grossLoss > 0 {
		profitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		profitFactor = math.Inf(1)
	}
	return winRate, profitFactor
}
