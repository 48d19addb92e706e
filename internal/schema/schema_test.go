package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRepriceMaintainsPnLInvariant(t *testing.T) {
	long := Position{Symbol: "BTC-USD", Side: SideLong, Quantity: 2, EntryPrice: 50000, CurrentPrice: 50000}
	long.Reprice(51000)
	require.Equal(t, float64(2000), long.UnrealizedPnL)
	long.Reprice(49000)
	require.Equal(t, float64(-2000), long.UnrealizedPnL)

	short := Position{Symbol: "ETH-USD", Side: SideShort, Quantity: 10, EntryPrice: 3000, CurrentPrice: 3000}
	short.Reprice(2900)
	require.Equal(t, float64(1000), short.UnrealizedPnL)
	short.Reprice(3100)
	require.Equal(t, float64(-1000), short.UnrealizedPnL)
}

func TestPositionNotional(t *testing.T) {
	p := Position{Quantity: 2, CurrentPrice: 50000}
	require.Equal(t, float64(100000), p.Notional())
	p.Quantity = -2
	require.Equal(t, float64(100000), p.Notional())
}

func TestOrderStateTransitionsSets(t *testing.T) {
	require.True(t, StateNew.Active())
	require.True(t, StatePartiallyFilled.Active())
	for _, s := range []OrderState{StateFilled, StateCancelled, StateRejected, StateExpired} {
		require.True(t, s.Terminal(), "state %s", s)
		require.False(t, s.Active(), "state %s", s)
	}
}

func TestOrderRemaining(t *testing.T) {
	o := Order{Quantity: 10, FilledQty: 4}
	require.Equal(t, float64(6), o.Remaining())
	o.FilledQty = 12
	require.Equal(t, float64(-2), o.Remaining())
}

func TestMessageConstructors(t *testing.T) {
	sig := SignalMessage("BTC-USD", ActionBuy, 50000, 1, 0.9)
	require.Equal(t, KindSignal, sig.Kind)
	require.Equal(t, "buy", sig.Action.String())

	tick := MarketDataMessage("BTC-USD", 50000, 12.5, 42)
	require.Equal(t, KindMarketData, tick.Kind)
	require.Equal(t, int64(42), tick.Timestamp)

	exec := ExecuteOrderMessage(7, "BTC-USD", SideShort, 2, 50000)
	require.Equal(t, KindExecuteOrder, exec.Kind)
	require.Equal(t, float64(-1), exec.Side.Sign())

	stop := EmergencyStopMessage()
	require.Equal(t, "emergency_stop", stop.Kind.String())
}
