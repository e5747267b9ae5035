// Package assets implements content-addressed asset handling: the xxhash64
// identity scheme, the local cache with its JSON registry, and the server
// side coordinator that brokers presigned upload/download URLs.
package assets

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// AssetIDLength is the length of a canonical asset id: the first 16 hex
// chars of the xxhash64 of the file bytes. The full xxhash64 hex string is
// kept alongside as the integrity tag.
const AssetIDLength = 16

// HashBytes returns the xxhash64 of b as a zero-padded hex string.
func HashBytes(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// HashFile streams a file through xxhash64, returning the hex digest and the
// byte count.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), n, nil
}

// IDFromHash derives the canonical asset id from an integrity tag.
func IDFromHash(hash string) string {
	if len(hash) <= AssetIDLength {
		return hash
	}
	return hash[:AssetIDLength]
}

// ValidID reports whether id is consistent with the integrity tag.
func ValidID(id, hash string) bool {
	return id != "" && id == IDFromHash(hash)
}
