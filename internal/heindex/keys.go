package heindex

import (
	"github.com/tuneinsight/lattigo/v4/bfv"
	"github.com/tuneinsight/lattigo/v4/rlwe"

	"github.com/R3E-Network/secure-index/internal/config"
	"github.com/R3E-Network/secure-index/internal/errs"
)

// KeySet holds the raw BFV key material generated for a fresh index engine.
// The Key Vault (C1) is responsible for persisting these; this package only
// generates and (de)serializes them.
type KeySet struct {
	Public *rlwe.PublicKey
	Secret *rlwe.SecretKey
	Relin  *rlwe.RelinearizationKey
	Galois *rlwe.RotationKeySet
}

func buildParams(p config.FHEParams) (bfv.Parameters, error) {
	lit := bfv.ParametersLiteral{
		LogN: p.LogN,
		LogQ: bitsToLogQ(p.CoeffModulusBits),
		LogP: []int{}, // no extra P modulus; relinearization uses the Q chain directly
		T:    p.PlainModulus,
	}
	params, err := bfv.NewParametersFromLiteral(lit)
	if err != nil {
		return bfv.Parameters{}, errs.WrapInternal("heindex: build bfv parameters", err)
	}
	return params, nil
}

// bitsToLogQ splits the documented [60,40,40,60] coefficient-modulus chain
// into the per-prime bit-length slice lattigo's literal parameters expect.
func bitsToLogQ(bits []int) []int {
	out := make([]int, len(bits))
	copy(out, bits)
	return out
}

// GenerateKeys creates a fresh BFV key set under the given parameters.
func GenerateKeys(p config.FHEParams) (KeySet, error) {
	params, err := buildParams(p)
	if err != nil {
		return KeySet{}, err
	}

	kgen := bfv.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPair()
	rlk := kgen.GenRelinearizationKey(sk, 1)

	galEls := params.GaloisElementsForRowInnerSum()
	galk := kgen.GenRotationKeys(galEls, sk)

	return KeySet{Public: pk, Secret: sk, Relin: rlk, Galois: galk}, nil
}

// MarshalPublic serializes the public key for at-rest storage.
func MarshalPublic(pk *rlwe.PublicKey) ([]byte, error) {
	b, err := pk.MarshalBinary()
	if err != nil {
		return nil, errs.WrapInternal("heindex: marshal public key", err)
	}
	return b, nil
}

// UnmarshalPublic deserializes a public key previously produced by MarshalPublic.
func UnmarshalPublic(data []byte) (*rlwe.PublicKey, error) {
	pk := new(rlwe.PublicKey)
	if err := pk.UnmarshalBinary(data); err != nil {
		return nil, errs.WrapInternal("heindex: unmarshal public key", err)
	}
	return pk, nil
}

// MarshalSecret serializes the secret key for at-rest storage.
func MarshalSecret(sk *rlwe.SecretKey) ([]byte, error) {
	b, err := sk.MarshalBinary()
	if err != nil {
		return nil, errs.WrapInternal("heindex: marshal secret key", err)
	}
	return b, nil
}

// UnmarshalSecret deserializes a secret key previously produced by MarshalSecret.
func UnmarshalSecret(data []byte) (*rlwe.SecretKey, error) {
	sk := new(rlwe.SecretKey)
	if err := sk.UnmarshalBinary(data); err != nil {
		return nil, errs.WrapInternal("heindex: unmarshal secret key", err)
	}
	return sk, nil
}

// MarshalRelin serializes a relinearization key.
func MarshalRelin(rlk *rlwe.RelinearizationKey) ([]byte, error) {
	b, err := rlk.MarshalBinary()
	if err != nil {
		return nil, errs.WrapInternal("heindex: marshal relinearization key", err)
	}
	return b, nil
}

// UnmarshalRelin deserializes a relinearization key.
func UnmarshalRelin(data []byte) (*rlwe.RelinearizationKey, error) {
	rlk := new(rlwe.RelinearizationKey)
	if err := rlk.UnmarshalBinary(data); err != nil {
		return nil, errs.WrapInternal("heindex: unmarshal relinearization key", err)
	}
	return rlk, nil
}

// MarshalGalois serializes a Galois (rotation) key set.
func MarshalGalois(galk *rlwe.RotationKeySet) ([]byte, error) {
	b, err := galk.MarshalBinary()
	if err != nil {
		return nil, errs.WrapInternal("heindex: marshal galois keys", err)
	}
	return b, nil
}

// UnmarshalGalois deserializes a Galois (rotation) key set.
func UnmarshalGalois(data []byte) (*rlwe.RotationKeySet, error) {
	galk := new(rlwe.RotationKeySet)
	if err := galk.UnmarshalBinary(data); err != nil {
		return nil, errs.WrapInternal("heindex: unmarshal galois keys", err)
	}
	return galk, nil
}
