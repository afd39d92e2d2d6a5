package heindex

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/R3E-Network/secure-index/internal/config"
	"github.com/R3E-Network/secure-index/internal/errs"
)

func testParams() config.FHEParams {
	p := config.DefaultFHEParams()
	// Keep LogN small for fast key generation and test ciphertexts.
	p.LogN = 12
	return p
}

func newTestFullEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	p := testParams()
	keys, err := GenerateKeys(p)
	if err != nil {
		t.Fatalf("GenerateKeys() error = %v", err)
	}
	opts = append([]Option{WithMetricsRegisterer(prometheus.NewRegistry())}, opts...)
	e, err := NewFull(p, keys.Public, keys.Secret, keys.Relin, keys.Galois, opts...)
	if err != nil {
		t.Fatalf("NewFull() error = %v", err)
	}
	return e
}

func newTestEncryptOnlyEngine(t *testing.T) *Engine {
	t.Helper()
	p := testParams()
	keys, err := GenerateKeys(p)
	if err != nil {
		t.Fatalf("GenerateKeys() error = %v", err)
	}
	e, err := NewEncryptOnly(p, keys.Public, keys.Relin, keys.Galois, WithMetricsRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewEncryptOnly() error = %v", err)
	}
	return e
}

func TestEncryptDecryptInt(t *testing.T) {
	e := newTestFullEngine(t)

	t.Run("round trip", func(t *testing.T) {
		for _, v := range []uint64{0, 1, 42, 1000000} {
			ct, err := e.EncryptInt(v)
			if err != nil {
				t.Fatalf("EncryptInt(%d) error = %v", v, err)
			}
			got, err := e.DecryptInt(ct)
			if err != nil {
				t.Fatalf("DecryptInt() error = %v", err)
			}
			if got != v {
				t.Errorf("DecryptInt(EncryptInt(%d)) = %d", v, got)
			}
		}
	})

	t.Run("out of range rejected", func(t *testing.T) {
		_, err := e.EncryptInt(e.params.T())
		if !errs.Is(err, errs.EncodeRange) {
			t.Errorf("expected ENCODE_RANGE, got %v", err)
		}
	})

	t.Run("encrypt-only mode rejects decrypt", func(t *testing.T) {
		eo := newTestEncryptOnlyEngine(t)
		ct, err := eo.EncryptInt(7)
		if err != nil {
			t.Fatalf("EncryptInt() error = %v", err)
		}
		_, err = eo.DecryptInt(ct)
		if !errs.Is(err, errs.ModeError) {
			t.Errorf("expected MODE_ERROR, got %v", err)
		}
	})
}

func TestEncryptDecryptString(t *testing.T) {
	e := newTestFullEngine(t)

	for _, s := range []string{"", "hello", "secure-index"} {
		cts, err := e.EncryptString(s)
		if err != nil {
			t.Fatalf("EncryptString(%q) error = %v", s, err)
		}
		got, err := e.DecryptString(cts)
		if err != nil {
			t.Fatalf("DecryptString() error = %v", err)
		}
		if got != s {
			t.Errorf("DecryptString(EncryptString(%q)) = %q", s, got)
		}
	}
}

func TestCompareEncrypted(t *testing.T) {
	e := newTestFullEngine(t)

	ct, err := e.EncryptInt(17)
	if err != nil {
		t.Fatalf("EncryptInt() error = %v", err)
	}

	t.Run("matching value", func(t *testing.T) {
		match, err := e.CompareEncrypted(ct, 17)
		if err != nil {
			t.Fatalf("CompareEncrypted() error = %v", err)
		}
		if !match {
			t.Error("expected match")
		}
	})

	t.Run("non-matching value", func(t *testing.T) {
		match, err := e.CompareEncrypted(ct, 18)
		if err != nil {
			t.Fatalf("CompareEncrypted() error = %v", err)
		}
		if match {
			t.Error("expected no match")
		}
	})

	t.Run("encrypt-only mode rejects compare", func(t *testing.T) {
		eo := newTestEncryptOnlyEngine(t)
		_, err := eo.CompareEncrypted(ct, 17)
		if !errs.Is(err, errs.ModeError) {
			t.Errorf("expected MODE_ERROR, got %v", err)
		}
	})
}

func TestClearCache(t *testing.T) {
	e := newTestFullEngine(t)
	ct, _ := e.EncryptInt(5)
	if _, err := e.CompareEncrypted(ct, 5); err != nil {
		t.Fatalf("CompareEncrypted() error = %v", err)
	}
	if _, ok := e.compareCache.get("eq", ct, "5"); !ok {
		t.Fatal("expected cache entry after comparison")
	}
	e.ClearCache()
	if _, ok := e.compareCache.get("eq", ct, "5"); ok {
		t.Error("expected cache empty after ClearCache")
	}
}
