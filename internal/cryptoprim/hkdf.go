package cryptoprim

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives keyLen bytes from masterKey using HKDF-SHA256, with
// salt and info providing domain separation between, e.g., a FROST
// round-2 share encryption key and a recovery payload encryption key
// derived from the same underlying secret.
func DeriveKey(masterKey, salt, info []byte, keyLen int) ([]byte, error) {
	if keyLen > 255*32 {
		return nil, fmt.Errorf("requested key length too large")
	}
	r := hkdf.New(sha256.New, masterKey, salt, info)
	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return out, nil
}
