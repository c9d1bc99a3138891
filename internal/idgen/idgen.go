// Package idgen produces deterministic client order identifiers used as
// idempotency keys against the exchange and the store.
package idgen

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// digestSize is 96 bits, enough collision resistance for order-id cardinality
// while staying inside venue client-id length limits (24 hex chars).
const digestSize = 12

// ClientOrderID derives the idempotent order identifier from the signal
// identity. The same inputs always produce the same id: a retry of one
// logical submission reuses (timestampNS, nonce) and therefore the id, while
// a genuinely new signal carries a fresh timestamp or an incremented nonce.
func ClientOrderID(strategy, symbol, side string, timestampNS int64, nonce uint64) string {
	payload := fmt.Sprintf("%s:%s:%s:%d:%d", strategy, symbol, side, timestampNS, nonce)
	return digest(payload)
}

// StopOrderID derives the protective stop's client id from its parent
// position plus the stop's level and size. Repeated install attempts for the
// same protection intent are idempotent against both the exchange and the
// store, while a trailing update or a position add produces a distinct,
// equally deterministic id for its cancel-and-replace.
func StopOrderID(positionID, stopPrice, quantity string) string {
	return digest(positionID + ":stop:" + stopPrice + ":" + quantity)
}

// ResubmitOrderID derives the client id for the market order that replaces a
// cancelled stuck order, so the sweep can retry the replacement without
// duplicating it.
func ResubmitOrderID(clientOrderID string) string {
	return digest(clientOrderID + ":resubmit")
}

// FlattenOrderID derives the client id for the kill switch's reduce-only
// close of a position, so a re-run of the kill switch cannot double-close.
func FlattenOrderID(positionID string) string {
	return digest(positionID + ":flatten")
}

func digest(payload string) string {
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		// only reachable with an invalid digest size or oversized key
		panic(err)
	}
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}
