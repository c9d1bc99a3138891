package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTightenStopLong(t *testing.T) {
	p := &Position{
		Side:      PositionSideLong,
		StopPrice: decimal.NewFromInt(396),
	}

	require.NoError(t, p.TightenStop(decimal.NewFromInt(398)))
	assert.True(t, p.StopPrice.Equal(decimal.NewFromInt(398)))

	err := p.TightenStop(decimal.NewFromInt(395))
	assert.ErrorIs(t, err, ErrStopLoosens)
	assert.True(t, p.StopPrice.Equal(decimal.NewFromInt(398)), "stop unchanged after rejected update")

	// same level is not a tightening either
	assert.ErrorIs(t, p.TightenStop(decimal.NewFromInt(398)), ErrStopLoosens)
}

func TestTightenStopShort(t *testing.T) {
	p := &Position{
		Side:      PositionSideShort,
		StopPrice: decimal.NewFromInt(404),
	}

	require.NoError(t, p.TightenStop(decimal.NewFromInt(402)))
	assert.True(t, p.StopPrice.Equal(decimal.NewFromInt(402)))
	assert.ErrorIs(t, p.TightenStop(decimal.NewFromInt(403)), ErrStopLoosens)
}

func TestTightenStopClosedPosition(t *testing.T) {
	now := time.Now()
	p := &Position{
		Side:      PositionSideLong,
		StopPrice: decimal.NewFromInt(396),
		ClosedAt:  &now,
	}
	assert.ErrorIs(t, p.TightenStop(decimal.NewFromInt(398)), ErrPositionClosed)
}

func TestStopSide(t *testing.T) {
	assert.Equal(t, OrderSideSell, (&Position{Side: PositionSideLong}).StopSide())
	assert.Equal(t, OrderSideBuy, (&Position{Side: PositionSideShort}).StopSide())
}

func TestPositionSideForOrder(t *testing.T) {
	assert.Equal(t, PositionSideLong, PositionSideForOrder(OrderSideBuy))
	assert.Equal(t, PositionSideShort, PositionSideForOrder(OrderSideSell))
}

func TestRiskAmount(t *testing.T) {
	p := &Position{
		Side:       PositionSideLong,
		Quantity:   decimal.NewFromInt(50),
		EntryPrice: decimal.NewFromInt(400),
		StopPrice:  decimal.NewFromInt(396),
	}
	assert.True(t, p.RiskAmount().Equal(decimal.NewFromInt(200)))
}
