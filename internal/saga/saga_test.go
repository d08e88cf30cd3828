package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
)

func TestNext_HappyPath(t *testing.T) {
	steps := []struct {
		typ  event.Type
		want State
	}{
		{event.TypeOrderCreated, StateAwaitingPayment},
		{event.TypePaymentAuthorized, StateReserved},
		{event.TypeInventoryReserved, StatePaid},
		{event.TypePaymentCaptured, StatePaid},
		{event.TypeOrderCompleted, StateCompleted},
	}

	state := StatePending
	for _, step := range steps {
		next, ok := Next(state, step.typ)
		require.True(t, ok, "%s should be legal in %s", step.typ, state)
		assert.Equal(t, step.want, next)
		state = next
	}
	assert.True(t, state.IsTerminal())
}

func TestNext_PaymentRejection(t *testing.T) {
	// PAYMENT_FAILED before any reservation keeps the state; the terminal
	// ORDER_FAILED closes the saga.
	next, ok := Next(StateAwaitingPayment, event.TypePaymentFailed)
	require.True(t, ok)
	assert.Equal(t, StateAwaitingPayment, next)

	next, ok = Next(next, event.TypeOrderFailed)
	require.True(t, ok)
	assert.Equal(t, StateFailed, next)
}

func TestNext_CompensationAfterAuthorization(t *testing.T) {
	// INVENTORY_FAILED after authorization holds the state until the void
	// lands, then ORDER_FAILED terminates.
	state := StateReserved

	next, ok := Next(state, event.TypeInventoryFailed)
	require.True(t, ok)
	assert.Equal(t, StateReserved, next)

	next, ok = Next(next, event.TypePaymentVoid)
	require.True(t, ok)
	assert.Equal(t, StateReserved, next)

	next, ok = Next(next, event.TypeOrderFailed)
	require.True(t, ok)
	assert.Equal(t, StateFailed, next)
}

func TestNext_IllegalTransitionsRejected(t *testing.T) {
	cases := []struct {
		state State
		typ   event.Type
	}{
		{StatePending, event.TypePaymentCaptured},
		{StatePending, event.TypeInventoryReserved},
		{StateAwaitingPayment, event.TypeInventoryReserved},
		{StateAwaitingPayment, event.TypePaymentCaptured},
		{StateReserved, event.TypeOrderCreated},
		{StateReserved, event.TypePaymentCaptured},
		{StatePaid, event.TypeOrderCreated},
		{StatePaid, event.TypePaymentAuthorized},
	}
	for _, tc := range cases {
		_, ok := Next(tc.state, tc.typ)
		assert.False(t, ok, "%s must be illegal in %s", tc.typ, tc.state)
	}
}

func TestNext_TerminalStatesAbsorb(t *testing.T) {
	all := []event.Type{
		event.TypeOrderCreated, event.TypePaymentAuthorized, event.TypePaymentFailed,
		event.TypeInventoryReserved, event.TypeInventoryFailed,
		event.TypePaymentCaptured, event.TypePaymentVoid, event.TypeInventoryRelease,
		event.TypeOrderCompleted, event.TypeOrderFailed,
	}
	for _, terminal := range []State{StateCompleted, StateFailed} {
		for _, typ := range all {
			next, ok := Next(terminal, typ)
			assert.False(t, ok)
			assert.Equal(t, terminal, next)
		}
	}
}

func TestApply_AdvancesAndStamps(t *testing.T) {
	sg, err := NewSaga("tenant-a", "user-1")
	require.NoError(t, err)
	require.Equal(t, StatePending, sg.State)
	require.NotEmpty(t, sg.ID)

	ts := time.Now().UTC()
	require.True(t, sg.Apply(event.TypeOrderCreated, ts))
	assert.Equal(t, StateAwaitingPayment, sg.State)
	assert.Equal(t, event.TypeOrderCreated, sg.LastEventType)
	assert.Equal(t, ts, sg.LastEventTS)
	assert.Equal(t, 1, sg.Attempts)

	// A stale or out-of-order event leaves the saga untouched.
	require.False(t, sg.Apply(event.TypePaymentCaptured, ts))
	assert.Equal(t, StateAwaitingPayment, sg.State)
	assert.Equal(t, 1, sg.Attempts)
}

func TestNewSaga_IDsAreTimeOrdered(t *testing.T) {
	a, err := NewSaga("t", "u")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := NewSaga("t", "u")
	require.NoError(t, err)
	assert.Less(t, a.ID, b.ID)
}

func TestStepBudget(t *testing.T) {
	assert.Equal(t, 30*time.Second, StepBudget(StatePending, ""))
	assert.Equal(t, 30*time.Second, StepBudget(StateAwaitingPayment, ""))
	assert.Equal(t, 60*time.Second, StepBudget(StateReserved, ""))
	// PAID waits on the capture first, on shipping after it.
	assert.Equal(t, 30*time.Second, StepBudget(StatePaid, event.TypeInventoryReserved))
	assert.Equal(t, 5*time.Minute, StepBudget(StatePaid, event.TypePaymentCaptured))
	assert.Zero(t, StepBudget(StateCompleted, ""))
}

func TestTimeoutEvent(t *testing.T) {
	// A pending saga has no downstream service to blame; the watchdog fails
	// it directly, and ORDER_FAILED is legal in PENDING.
	typ, ok := TimeoutEvent(StatePending, "")
	require.True(t, ok)
	assert.Equal(t, event.TypeOrderFailed, typ)
	_, legal := Next(StatePending, typ)
	assert.True(t, legal)

	typ, ok = TimeoutEvent(StateAwaitingPayment, "")
	require.True(t, ok)
	assert.Equal(t, event.TypePaymentFailed, typ)

	typ, ok = TimeoutEvent(StateReserved, "")
	require.True(t, ok)
	assert.Equal(t, event.TypeInventoryFailed, typ)

	// A stalled capture triggers the compensation chain; a stalled shipment
	// terminates with funds captured.
	typ, ok = TimeoutEvent(StatePaid, event.TypeInventoryReserved)
	require.True(t, ok)
	assert.Equal(t, event.TypePaymentFailed, typ)

	typ, ok = TimeoutEvent(StatePaid, event.TypePaymentCaptured)
	require.True(t, ok)
	assert.Equal(t, event.TypeOrderFailed, typ)

	_, ok = TimeoutEvent(StateFailed, "")
	assert.False(t, ok)
}
