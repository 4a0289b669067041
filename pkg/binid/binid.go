/*
Package binid implements the Binary Identity Service (spec.md §4.3): it
locates the currently running executable and computes its content hash, so
a master and its workers can assert they are running identical binaries
before a spawn is allowed to complete.

MD5 is what spec.md §4.3 specifies for the content digest; this is an
identity check against accidental version skew, not a security boundary, so
MD5's well-known collision weaknesses are not a concern here — see
DESIGN.md for why this is one of the few places this module reaches for the
standard library's crypto/md5 instead of an ecosystem hashing library.
*/
package binid

import (
	"crypto/md5"
	"io"
	"os"
	"sync"

	"github.com/cuemby/parallel/pkg/perr"
)

// Service locates and hashes the current executable, caching the hash
// after the first successful computation (spec.md §4.3).
type Service struct {
	once sync.Once
	hash [16]byte
	err  error
}

// New returns a Service backed by the live os.Executable/os.Open primitives.
func New() *Service {
	return &Service{}
}

// Locate returns the absolute filesystem path of the currently running
// executable, failing with BinaryNotLocatable where resolution is
// impossible.
func Locate() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", perr.Wrap(perr.KindBinaryNotLocatable, "os.Executable failed", err)
	}
	return path, nil
}

// Hash returns the MD5 digest of the current executable's contents,
// computing and caching it on first call.
func (s *Service) Hash() ([16]byte, error) {
	s.once.Do(func() {
		path, err := Locate()
		if err != nil {
			s.err = err
			return
		}
		s.hash, s.err = hashFile(path)
	})
	return s.hash, s.err
}

func hashFile(path string) ([16]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [16]byte{}, perr.Wrap(perr.KindBinaryReadFailed, "opening binary for hashing", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return [16]byte{}, perr.Wrap(perr.KindBinaryReadFailed, "reading binary for hashing", err)
	}

	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// Verify compares got against want, failing with BinaryMismatch when they
// differ, unless skip is true (the spec's "unless explicitly disabled by
// configuration" escape hatch in §4.3).
func Verify(want, got [16]byte, skip bool) error {
	if skip {
		return nil
	}
	if want != got {
		return perr.New(perr.KindBinaryMismatch, "worker binary hash does not match master")
	}
	return nil
}
