// Package digest computes and verifies content digests for blobs,
// manifests, and streams.
package digest

import (
	"fmt"
	"io"
	"regexp"

	// register sha256 and sha512 with go-digest
	_ "crypto/sha256"
	_ "crypto/sha512"

	godigest "github.com/opencontainers/go-digest"
)

// Digest is an "algorithm:hex" content address, e.g. "sha256:abcd...".
type Digest = godigest.Digest

// Algorithm identifies a supported digest algorithm.
type Algorithm = godigest.Algorithm

const (
	// SHA256 is the default algorithm.
	SHA256 = godigest.SHA256
	// SHA512 is the other algorithm named here. The functions below accept
	// any algorithm go-digest reports as available, which with the
	// crypto/sha512 import includes sha384 as well.
	SHA512 = godigest.SHA512

	minBufSize = 8 * 1024
)

// digestRegexp matches the "algorithm:hex" digest form, case sensitive.
var digestRegexp = regexp.MustCompile(`^[a-z0-9]+(?:[+._-][a-z0-9]+)*:[a-zA-Z0-9=_-]+$`)

// ErrInvalidDigest is returned when a digest string is malformed.
type ErrInvalidDigest struct {
	Value string
}

func (e *ErrInvalidDigest) Error() string {
	return fmt.Sprintf("invalid digest: %q", e.Value)
}

// ErrUnsupportedAlgorithm is returned for a well-formed but unknown algorithm.
type ErrUnsupportedAlgorithm struct {
	Algorithm string
}

func (e *ErrUnsupportedAlgorithm) Error() string {
	return fmt.Sprintf("unsupported digest algorithm: %q", e.Algorithm)
}

// ErrDigestMismatch is returned when a computed digest differs from the
// expected one.
type ErrDigestMismatch struct {
	Expected, Actual Digest
}

func (e *ErrDigestMismatch) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Parse validates a digest string and returns the typed Digest.
// Rejects mixed-case hex rather than normalizing it.
func Parse(s string) (Digest, error) {
	if !digestRegexp.MatchString(s) {
		return "", &ErrInvalidDigest{Value: s}
	}
	d := godigest.Digest(s)
	algo := d.Algorithm()
	if !algo.Available() {
		return "", &ErrUnsupportedAlgorithm{Algorithm: string(algo)}
	}
	if err := d.Validate(); err != nil {
		return "", &ErrInvalidDigest{Value: s}
	}
	return d, nil
}

// StripPrefix returns the hex portion of a digest.
func StripPrefix(d Digest) string {
	return d.Encoded()
}

// FromBytes computes the default-algorithm digest of b.
func FromBytes(b []byte) Digest {
	return godigest.FromBytes(b)
}

// FromBytesWithAlgorithm computes algo's digest of b.
func FromBytesWithAlgorithm(algo Algorithm, b []byte) (Digest, error) {
	if !algo.Available() {
		return "", &ErrUnsupportedAlgorithm{Algorithm: string(algo)}
	}
	return algo.FromBytes(b), nil
}

// FromReader streams r in buffered chunks and returns its digest without
// loading the whole input into memory.
func FromReader(algo Algorithm, r io.Reader) (Digest, error) {
	if !algo.Available() {
		return "", &ErrUnsupportedAlgorithm{Algorithm: string(algo)}
	}
	digester := algo.Digester()
	buf := make([]byte, minBufSize)
	if _, err := io.CopyBuffer(digester.Hash(), r, buf); err != nil {
		return "", err
	}
	return digester.Digest(), nil
}

// VerifyingReader wraps r, tracking a running digest of everything read
// through it. Call Verify once the stream is fully consumed.
type VerifyingReader struct {
	r        io.Reader
	digester godigest.Digester
}

// NewVerifyingReader returns a reader that digests everything read from r
// using algo.
func NewVerifyingReader(r io.Reader, algo Algorithm) *VerifyingReader {
	return &VerifyingReader{r: r, digester: algo.Digester()}
}

func (vr *VerifyingReader) Read(p []byte) (int, error) {
	n, err := vr.r.Read(p)
	if n > 0 {
		_, _ = vr.digester.Hash().Write(p[:n])
	}
	return n, err
}

// Digest returns the digest of everything read so far.
func (vr *VerifyingReader) Digest() Digest {
	return vr.digester.Digest()
}

// Verify compares expected and actual in their full "algo:hex" form,
// case-sensitively.
func Verify(expected, actual Digest) error {
	if expected != actual {
		return &ErrDigestMismatch{Expected: expected, Actual: actual}
	}
	return nil
}
