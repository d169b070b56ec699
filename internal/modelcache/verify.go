package modelcache

import (
	"bytes"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
)

// zipMagic starts every PyTorch checkpoint saved with the zip serializer.
var zipMagic = []byte("PK\x03\x04")

// ErrIntegrity marks weights that were fetched but are not what was expected.
var ErrIntegrity = errors.New("integrity check failed")

// verifyFile checks a weights file against the expected digest. Without a
// digest the file must carry the checkpoint signature.
func verifyFile(path string, want digest.Digest) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read weights: %w", err)
	}
	if want == "" {
		return checkSignature(head[:n])
	}
	if n == 0 {
		return fmt.Errorf("%w: weights file is empty", ErrIntegrity)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	verifier := want.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return fmt.Errorf("failed to hash weights: %w", err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: digest does not match %s", ErrIntegrity, want)
	}
	return nil
}

func checkSignature(head []byte) error {
	if len(head) == 0 {
		return fmt.Errorf("%w: weights file is empty", ErrIntegrity)
	}
	trimmed := bytes.ToLower(bytes.TrimSpace(head))
	if bytes.HasPrefix(trimmed, []byte("<!doctype html")) || bytes.HasPrefix(trimmed, []byte("<html")) {
		return fmt.Errorf("%w: got an HTML page instead of weights", ErrIntegrity)
	}
	if !bytes.HasPrefix(head, zipMagic) {
		return fmt.Errorf("%w: not a PyTorch checkpoint", ErrIntegrity)
	}
	return nil
}

// ParseDigest parses an optional "algorithm:hex" digest. Empty is allowed.
func ParseDigest(s string) (digest.Digest, error) {
	if s == "" {
		return "", nil
	}
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid model digest %q: %w", s, err)
	}
	return d, nil
}
