package heindex

import (
	"fmt"
	"time"

	"github.com/tuneinsight/lattigo/v4/bfv"
	"github.com/tuneinsight/lattigo/v4/rlwe"

	"github.com/R3E-Network/secure-index/internal/errs"
)

// CompareEncrypted decides whether ct encrypts v in slot 0, without ever
// decrypting ct itself in a data-dependent branch: it homomorphically
// computes d = ct - encode(v), squares d to suppress sign, relinearizes, and
// decrypts only that squared difference. Requires full mode.
func (e *Engine) CompareEncrypted(compressed []byte, v uint64) (bool, error) {
	if err := e.requireFull("compare_encrypted"); err != nil {
		return false, err
	}
	start := time.Now()
	defer func() { e.metrics.observe("equality", start) }()

	query := fmt.Sprintf("%d", v)
	if cached, ok := e.compareCache.get("eq", compressed, query); ok {
		return cached, nil
	}

	ct, err := e.decompressCiphertext(compressed)
	if err != nil {
		return false, err
	}

	pt := e.encodeSlot0(v)
	diff := bfv.NewCiphertext(e.params, 1, ct.Level())
	e.evaluator.Sub(ct, pt, diff)

	squared := bfv.NewCiphertext(e.params, 2, diff.Level())
	e.evaluator.Mul(diff, diff, squared)
	relin := bfv.NewCiphertext(e.params, 1, squared.Level())
	e.evaluator.Relinearize(squared, relin)

	ptOut := bfv.NewPlaintext(e.params, relin.Level())
	e.decryptor.Decrypt(relin, ptOut)
	match := e.decodeSlot0(ptOut) == 0

	e.compareCache.put("eq", compressed, query, match)
	return match, nil
}

// EncryptForRangeQuery splits v into bits bit-count wide, LSB first, and
// encrypts each bit independently. bits defaults to the engine's configured
// BitWidth when 0 is passed.
func (e *Engine) EncryptForRangeQuery(v uint64, bits int) ([][]byte, error) {
	if bits == 0 {
		bits = e.bitWidth
	}
	if bits <= 0 || bits > 63 {
		return nil, errs.NewEncodeRange("heindex: invalid bit width")
	}
	limit := uint64(1) << uint(bits)
	if v >= limit {
		return nil, errs.NewEncodeRange("heindex: value out of range for bit width")
	}

	out := make([][]byte, bits)
	for i := 0; i < bits; i++ {
		bit := (v >> uint(i)) & 1
		ct, err := e.EncryptInt(bit)
		if err != nil {
			return nil, err
		}
		out[i] = ct
	}
	return out, nil
}

// bitCiphertexts decompresses a LSB-first list of bit ciphertexts and
// reverses it to MSB-first order, the order the comparator recurrence walks.
func (e *Engine) bitCiphertexts(encBits [][]byte) ([]*rlwe.Ciphertext, error) {
	n := len(encBits)
	cts := make([]*rlwe.Ciphertext, n)
	for i, b := range encBits {
		ct, err := e.decompressCiphertext(b)
		if err != nil {
			return nil, err
		}
		cts[n-1-i] = ct // MSB first
	}
	return cts, nil
}

// oneMinus returns the ciphertext encoding (1 - x) for a bit ciphertext x.
func (e *Engine) oneMinus(x *rlwe.Ciphertext) *rlwe.Ciphertext {
	one := e.encodeSlot0(1)
	out := bfv.NewCiphertext(e.params, 1, x.Level())
	e.evaluator.Neg(x, out)
	e.evaluator.Add(out, one, out)
	return out
}

func (e *Engine) mulRelin(a, b *rlwe.Ciphertext) *rlwe.Ciphertext {
	prod := bfv.NewCiphertext(e.params, 2, a.Level())
	e.evaluator.Mul(a, b, prod)
	relin := bfv.NewCiphertext(e.params, 1, prod.Level())
	e.evaluator.Relinearize(prod, relin)
	return relin
}

// segment is one node of the comparator reduction tree: eq holds
// "equal on this segment so far" and lt/gt hold "strictly less/greater
// within this segment given equality on every bit above it".
type segment struct {
	eq *rlwe.Ciphertext
	lt *rlwe.Ciphertext
	gt *rlwe.Ciphertext
}

func (e *Engine) leafSegment(xBit *rlwe.Ciphertext, qBit uint64) segment {
	notX := e.oneMinus(xBit)
	if qBit == 1 {
		return segment{eq: xBit, lt: notX, gt: e.zeroLike(xBit)}
	}
	return segment{eq: notX, lt: e.zeroLike(xBit), gt: xBit}
}

func (e *Engine) zeroLike(ref *rlwe.Ciphertext) *rlwe.Ciphertext {
	pt := e.encodeSlot0(0)
	return e.encryptor.EncryptNew(pt).CopyLevel(ref.Level())
}

// combine merges a higher-order segment (hi, spanning more-significant bits)
// with a lower-order one (lo), following the standard carry-style comparator
// recurrence: equal iff both sides equal; less/greater propagate from the
// higher segment unless it was all-equal, in which case the lower segment's
// verdict governs. This is a balanced binary combine (pairwise tree
// reduction), giving the comparator O(log B) multiplicative depth instead of the naive
// O(B) sequential recurrence. The three mulRelin calls here are siblings, not
// a chain — each multiplies two inputs carried over from the previous tree
// level, so together they consume exactly one further level of depth, not
// three (the caller accounts for levels, not individual multiplications).
func (e *Engine) combine(hi, lo segment) segment {
	eq := e.mulRelin(hi.eq, lo.eq)

	hiEqLo := e.mulRelin(hi.eq, lo.lt)
	lt := bfv.NewCiphertext(e.params, 1, hi.lt.Level())
	e.evaluator.Add(hi.lt, hiEqLo, lt)

	hiEqGo := e.mulRelin(hi.eq, lo.gt)
	gt := bfv.NewCiphertext(e.params, 1, hi.gt.Level())
	e.evaluator.Add(hi.gt, hiEqGo, gt)

	return segment{eq: eq, lt: lt, gt: gt}
}

// compareTree builds the full MSB-to-LSB comparison of xBits (MSB first)
// against the plaintext bits of q, returning the root segment plus the
// multiplicative depth consumed. Depth is counted per tree level (one
// relinearized multiplication deep per level along any root-to-leaf path),
// not per mulRelin call — the combines within a single level operate on
// already-relinearized inputs from the prior level and do not compound
// against each other, so counting every call would overstate the circuit's
// actual depth by roughly 3x.
func (e *Engine) compareTree(xBits []*rlwe.Ciphertext, q uint64) (segment, int, error) {
	n := len(xBits)
	segments := make([]segment, n)
	for i, x := range xBits {
		bitPos := n - 1 - i
		qBit := (q >> uint(bitPos)) & 1
		segments[i] = e.leafSegment(x, qBit)
	}

	depth := 0
	for len(segments) > 1 {
		var next []segment
		for i := 0; i < len(segments); i += 2 {
			if i+1 < len(segments) {
				next = append(next, e.combine(segments[i], segments[i+1]))
			} else {
				next = append(next, segments[i])
			}
		}
		segments = next
		depth++
		if depth > e.depthBudget {
			return segment{}, depth, errs.WrapCryptoCapacity("heindex: comparator exceeded noise budget", nil)
		}
	}
	return segments[0], depth, nil
}

func (e *Engine) decryptBoolean(ct *rlwe.Ciphertext) bool {
	pt := bfv.NewPlaintext(e.params, ct.Level())
	e.decryptor.Decrypt(ct, pt)
	return e.decodeSlot0(pt) == 1
}

// CompareLessThan decides x < q given x's LSB-first bit ciphertexts, as
// produced by EncryptForRangeQuery.
// Requires full mode.
func (e *Engine) CompareLessThan(encBits [][]byte, q uint64) (bool, error) {
	result, err := e.compareBits(encBits, q, "lt")
	return result, err
}

// CompareGreaterThan decides x > q.
func (e *Engine) CompareGreaterThan(encBits [][]byte, q uint64) (bool, error) {
	return e.compareBits(encBits, q, "gt")
}

func (e *Engine) compareBits(encBits [][]byte, q uint64, which string) (bool, error) {
	if err := e.requireFull("compare_" + which); err != nil {
		return false, err
	}
	start := time.Now()
	defer func() { e.metrics.observe(which, start) }()

	query := fmt.Sprintf("%d", q)
	cacheKey := "bits:" + query
	if cached, ok := e.cachedBits(which, encBits, cacheKey); ok {
		return cached, nil
	}

	xBits, err := e.bitCiphertexts(encBits)
	if err != nil {
		return false, err
	}
	root, _, err := e.compareTree(xBits, q)
	if err != nil {
		return false, err
	}

	var verdict *rlwe.Ciphertext
	if which == "lt" {
		verdict = root.lt
	} else {
		verdict = root.gt
	}
	result := e.decryptBoolean(verdict)
	e.putCachedBits(which, encBits, cacheKey, result)
	return result, nil
}

func (e *Engine) cachedBits(which string, encBits [][]byte, key string) (bool, bool) {
	joined := joinCiphertexts(encBits)
	return e.compareCache.get(which, joined, key)
}

func (e *Engine) putCachedBits(which string, encBits [][]byte, key string, result bool) {
	joined := joinCiphertexts(encBits)
	e.compareCache.put(which, joined, key, result)
}

func joinCiphertexts(cts [][]byte) []byte {
	var out []byte
	for _, c := range cts {
		out = append(out, c...)
	}
	return out
}

// CompareRange decides (lo == nil || x >= lo) && (hi == nil || x <= hi).
// Both bounds nil yields true without touching the ciphertext.
func (e *Engine) CompareRange(encBits [][]byte, lo, hi *uint64) (bool, error) {
	if lo == nil && hi == nil {
		return true, nil
	}
	if err := e.requireFull("compare_range"); err != nil {
		return false, err
	}

	if lo != nil {
		// x >= lo  <=>  NOT (x < lo)
		less, err := e.CompareLessThan(encBits, *lo)
		if err != nil {
			return false, err
		}
		if less {
			return false, nil
		}
	}
	if hi != nil {
		// x <= hi  <=>  NOT (x > hi)
		greater, err := e.CompareGreaterThan(encBits, *hi)
		if err != nil {
			return false, err
		}
		if greater {
			return false, nil
		}
	}
	return true, nil
}
