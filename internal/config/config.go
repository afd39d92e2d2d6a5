// Package config defines the immutable configuration structs passed into
// every secure-index component constructor. There is no process-wide
// mutable state anywhere in this module (Design Note 1); environment
// variable parsing and file-based config loading are external collaborators.
package config

import "time"

// FHEParams pins the BFV parameters used by the homomorphic index engine.
// The zero value is invalid; use DefaultFHEParams.
type FHEParams struct {
	// LogN is log2 of the polynomial modulus degree (8192 -> LogN=13).
	LogN int
	// PlainModulus is the BFV plaintext modulus t (a 20-bit batching prime).
	PlainModulus uint64
	// CoeffModulusBits is the coefficient modulus bit-chain.
	CoeffModulusBits []int
	// RangeBitWidth is the default bit width B for range-query encodings.
	RangeBitWidth int
}

// DefaultFHEParams returns the parameters mandated by spec §4.3:
// poly_modulus_degree=8192, plain_modulus=1032193, coeff_modulus=[60,40,40,60].
func DefaultFHEParams() FHEParams {
	return FHEParams{
		LogN:             13,
		PlainModulus:     1032193,
		CoeffModulusBits: []int{60, 40, 40, 60},
		RangeBitWidth:    32,
	}
}

// CacheConfig sizes the three bounded LRU caches of the query layer.
type CacheConfig struct {
	RecordCapacity   int
	EqualityCapacity int
	RangeCapacity    int
}

// DefaultCacheConfig returns the capacity-1000 default of spec §4.5.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		RecordCapacity:   1000,
		EqualityCapacity: 1000,
		RangeCapacity:    1000,
	}
}

// VaultConfig points the key vault at its on-disk key material.
type VaultConfig struct {
	// KeysDir is the directory holding the BFV/AES key files and backups/.
	KeysDir string
	// PBKDF2Iterations is fixed at 100,000 per spec §4.1 but kept
	// configurable for tests that need faster iteration counts.
	PBKDF2Iterations int
}

// DefaultVaultConfig returns the spec-mandated PBKDF2 iteration count.
func DefaultVaultConfig(keysDir string) VaultConfig {
	return VaultConfig{
		KeysDir:          keysDir,
		PBKDF2Iterations: 100_000,
	}
}

// Config is the single immutable configuration struct threaded through
// securedb.Open. Callers construct one value; nothing here is read from
// the environment by this module.
type Config struct {
	DSN             string
	FHE             FHEParams
	Cache           CacheConfig
	Vault           VaultConfig
	QueryTimeout    time.Duration
	ReferenceGCCron string
	LogLevel        string
	LogFormat       string
}

// DefaultQueryTimeout is the per-query SQL round-trip bound of spec §5.
const DefaultQueryTimeout = 30 * time.Second
