package companion

import "testing"

// Message keys must sort lexicographically in sequence order, including
// across digit-width boundaries, because kv.List yields entries in encoded
// key order.
func TestSeqKeyOrder(t *testing.T) {
	seqs := []uint64{
		0, 1, 9, 10, 99, 100,
		99999999, 100000000, // the 8-digit boundary
		9999999999, 10000000000,
		999999999999999, 1000000000000000,
	}
	prev := seqKey("c1", seqs[0]).String()
	for _, seq := range seqs[1:] {
		k := seqKey("c1", seq).String()
		if prev >= k {
			t.Fatalf("seqKey(%d) = %q does not sort after %q", seq, k, prev)
		}
		prev = k
	}
}
