package store

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixtrade/helix/internal/model"
)

func TestUpsertPositionOnFill(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	position, created, err := st.UpsertPositionOnFill(ctx, "BTC-USD", model.PositionSideLong, "breakout",
		decimal.NewFromInt(10), decimal.NewFromInt(400))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, position.Quantity.Equal(decimal.NewFromInt(10)))

	// an add recomputes the volume-weighted entry: (10*400 + 10*500) / 20 = 450
	position, created, err = st.UpsertPositionOnFill(ctx, "BTC-USD", model.PositionSideLong, "breakout",
		decimal.NewFromInt(10), decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, position.Quantity.Equal(decimal.NewFromInt(20)))
	assert.True(t, position.EntryPrice.Equal(decimal.NewFromInt(450)), "got %s", position.EntryPrice)

	// opposite side is a separate position
	_, created, err = st.UpsertPositionOnFill(ctx, "BTC-USD", model.PositionSideShort, "meanrev",
		decimal.NewFromInt(5), decimal.NewFromInt(410))
	require.NoError(t, err)
	assert.True(t, created)

	open, err := st.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestReducePositionClosesAtZero(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	position, _, err := st.UpsertPositionOnFill(ctx, "BTC-USD", model.PositionSideLong, "breakout",
		decimal.NewFromInt(10), decimal.NewFromInt(400))
	require.NoError(t, err)

	updated, closed, err := st.ReducePosition(ctx, position.ID, decimal.NewFromInt(4))
	require.NoError(t, err)
	assert.False(t, closed)
	assert.True(t, updated.Quantity.Equal(decimal.NewFromInt(6)))

	updated, closed, err = st.ReducePosition(ctx, position.ID, decimal.NewFromInt(6))
	require.NoError(t, err)
	assert.True(t, closed)
	assert.NotNil(t, updated.ClosedAt)

	open, err := st.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	// a closed position cannot be reduced again
	_, _, err = st.ReducePosition(ctx, position.ID, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestTightenStopThroughStore(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	position, _, err := st.UpsertPositionOnFill(ctx, "BTC-USD", model.PositionSideLong, "breakout",
		decimal.NewFromInt(10), decimal.NewFromInt(400))
	require.NoError(t, err)
	require.NoError(t, st.SetStopOrder(ctx, position.ID, "stop-1", decimal.NewFromInt(396)))

	updated, err := st.TightenStop(ctx, position.ID, decimal.NewFromInt(398))
	require.NoError(t, err)
	assert.True(t, updated.StopPrice.Equal(decimal.NewFromInt(398)))

	_, err = st.TightenStop(ctx, position.ID, decimal.NewFromInt(395))
	assert.ErrorIs(t, err, model.ErrStopLoosens)

	reloaded, err := st.GetPosition(ctx, position.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.StopPrice.Equal(decimal.NewFromInt(398)), "rejected update left no trace")
}

func TestAdoptPosition(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	position, err := st.AdoptPosition(ctx, "ETH-USD", model.PositionSideShort,
		decimal.NewFromInt(3), decimal.NewFromInt(2000))
	require.NoError(t, err)
	assert.Equal(t, "reconciled", position.Strategy)
	assert.Empty(t, position.StopOrderID)

	fetched, err := st.GetOpenPosition(ctx, "ETH-USD", model.PositionSideShort)
	require.NoError(t, err)
	assert.Equal(t, position.ID, fetched.ID)
}

func TestSetPositionQuantity(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	position, _, err := st.UpsertPositionOnFill(ctx, "BTC-USD", model.PositionSideLong, "breakout",
		decimal.NewFromInt(10), decimal.NewFromInt(400))
	require.NoError(t, err)

	require.NoError(t, st.SetPositionQuantity(ctx, position.ID, decimal.NewFromInt(7)))
	reloaded, err := st.GetPosition(ctx, position.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Quantity.Equal(decimal.NewFromInt(7)))
}
