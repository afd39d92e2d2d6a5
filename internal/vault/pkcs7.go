package vault

import (
	"bytes"

	"github.com/R3E-Network/secure-index/internal/errs"
)

// pkcs7Pad and pkcs7Unpad implement RFC 5652 padding. No ecosystem library
// in this module's dependency stack exposes this (AEAD modes elsewhere in
// the codebase need no padding); hand-rolling the ~15 lines here is cheaper
// than a dependency whose only use is this one primitive.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, errs.NewKeyAuthFail("vault: invalid padded length")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, errs.NewKeyAuthFail("vault: invalid padding")
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, errs.NewKeyAuthFail("vault: invalid padding")
		}
	}
	return data[:n-padLen], nil
}
