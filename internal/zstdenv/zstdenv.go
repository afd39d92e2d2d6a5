// Package zstdenv provides the shared zstd compression envelope used by the
// key vault (at-rest key files) and the homomorphic index engine (exported
// ciphertexts). Encoder/decoder construction is lazy and guarded the way
// restic's repository package reuses its zstd encoder/decoder singletons.
package zstdenv

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
)

func encoder() (*zstd.Encoder, error) {
	encOnce.Do(func() {
		enc, encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(9)))
	})
	return enc, encErr
}

func decoder() (*zstd.Decoder, error) {
	decOnce.Do(func() {
		dec, decErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return dec, decErr
}

// Compress zstd-compresses data at the encoder level the library maps zstd
// level 9 to, matching spec §4.1's key-file compression and
// §4.3's ciphertext envelope.
func Compress(data []byte) ([]byte, error) {
	e, err := encoder()
	if err != nil {
		return nil, err
	}
	return e.EncodeAll(data, nil), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	d, err := decoder()
	if err != nil {
		return nil, err
	}
	return d.DecodeAll(data, nil)
}
