package engine

import "fmt"

// Pebble key schema. Integers are zero-padded to 20 digits so lexicographic
// order matches numeric order, which keeps per-epoch order scans in
// submission order.
const (
	prefixRound = "round:"
	prefixOrder = "order:"
	keyLastIdx  = "meta:lastidx"
)

// roundKey formats "round:{epoch}".
func roundKey(epoch int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixRound, epoch))
}

// orderKey formats "order:{epoch}:{idx}".
func orderKey(epoch, idx int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", prefixOrder, epoch, idx))
}

// orderEpochPrefix is the range prefix for all orders of an epoch.
func orderEpochPrefix(epoch int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixOrder, epoch))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
