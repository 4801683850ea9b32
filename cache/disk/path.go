package disk

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
)

const sha256HexSize = sha256.Size * 2 // two hex characters per byte

// hashKey returns the lowercase hex-encoded SHA-256 digest of key. This is
// the sole use of a hashing primitive in the package; it is deliberately
// kept as a direct crypto/sha256 call rather than behind an interface, per
// the "external collaborator, reused as-is" framing of the hashing
// primitive in the design documents for this cache.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// bucketDir returns the two-character hash-prefix subdirectory of dir that
// hash's clean/dirty files live under.
func bucketDir(dir, hash string) string {
	return filepath.Join(dir, hash[0:2])
}

// cleanPath returns the on-disk path of the committed file for slot i of
// the entry identified by hash.
func cleanPath(dir, hash string, i int) string {
	return filepath.Join(bucketDir(dir, hash), hash+"."+strconv.Itoa(i))
}

// dirtyPath returns the on-disk path of the in-flight temporary file for
// slot i of the entry identified by hash.
func dirtyPath(dir, hash string, i int) string {
	return cleanPath(dir, hash, i) + ".tmp"
}

// sidecarPath returns the path of the best-effort original-key sidecar
// file for hash. It is advisory only; see path layout notes in the design
// documents for this cache.
func sidecarPath(dir, hash string) string {
	return filepath.Join(bucketDir(dir, hash), hash+".key")
}

// writeSidecar best-effort records key's plaintext next to its hashed
// on-disk files (§4.1). Only the CLI's ls subcommand reads it, to print a
// readable key instead of a bare hash; the directory scanner ignores
// sidecars and still indexes entries as hash placeholders. Written via an
// atomic temp-then-rename, so a reader never observes a torn sidecar, but
// failures are only logged, never propagated: the sidecar is advisory and
// losing one never corrupts the cache.
func writeSidecar(dir, hash, key string, logger logger) {
	if err := atomic.WriteFile(sidecarPath(dir, hash), strings.NewReader(key)); err != nil {
		logger.Printf("disk cache: failed to write key sidecar for %s: %v", hash, err)
	}
}
