package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientOrderIDDeterministic(t *testing.T) {
	a := ClientOrderID("breakout", "BTC-USD", "BUY", 1700000000000000000, 0)
	b := ClientOrderID("breakout", "BTC-USD", "BUY", 1700000000000000000, 0)
	assert.Equal(t, a, b)
	assert.Len(t, a, 24)
}

func TestClientOrderIDVariesWithInputs(t *testing.T) {
	base := ClientOrderID("breakout", "BTC-USD", "BUY", 1700000000000000000, 0)

	assert.NotEqual(t, base, ClientOrderID("breakout", "BTC-USD", "BUY", 1700000000000000000, 1))
	assert.NotEqual(t, base, ClientOrderID("breakout", "BTC-USD", "SELL", 1700000000000000000, 0))
	assert.NotEqual(t, base, ClientOrderID("breakout", "ETH-USD", "BUY", 1700000000000000000, 0))
	assert.NotEqual(t, base, ClientOrderID("meanrev", "BTC-USD", "BUY", 1700000000000000000, 0))
	assert.NotEqual(t, base, ClientOrderID("breakout", "BTC-USD", "BUY", 1700000000000000001, 0))
}

func TestStopOrderIDDeterministic(t *testing.T) {
	a := StopOrderID("7f9c35c1-9a14-4b79-9f3f-111111111111", "396", "50")
	b := StopOrderID("7f9c35c1-9a14-4b79-9f3f-111111111111", "396", "50")
	assert.Equal(t, a, b)
	assert.Len(t, a, 24)

	// a new level or size is a new protection intent
	assert.NotEqual(t, a, StopOrderID("7f9c35c1-9a14-4b79-9f3f-111111111111", "398", "50"))
	assert.NotEqual(t, a, StopOrderID("7f9c35c1-9a14-4b79-9f3f-111111111111", "396", "60"))
	assert.NotEqual(t, a, StopOrderID("7f9c35c1-9a14-4b79-9f3f-222222222222", "396", "50"))
}

func TestDerivedIDsDoNotCollide(t *testing.T) {
	clientID := ClientOrderID("breakout", "BTC-USD", "BUY", 1700000000000000000, 0)
	resubmit := ResubmitOrderID(clientID)
	flatten := FlattenOrderID("7f9c35c1-9a14-4b79-9f3f-111111111111")

	assert.NotEqual(t, clientID, resubmit)
	assert.NotEqual(t, clientID, flatten)
	assert.NotEqual(t, resubmit, flatten)
	assert.Equal(t, resubmit, ResubmitOrderID(clientID))
}
