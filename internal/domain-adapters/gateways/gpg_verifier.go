package gateways

import (
	"fmt"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/external-adapters/gpg"
)

// gpgVerifier checks signed release manifests against a trusted key
type gpgVerifier struct {
	verifier *gpg.Verifier
}

// NewGPGVerifier creates a manifest verifier trusting the keys in keyPath
//
//nolint:revive // unexported-return: Intentionally returns concrete type for testability
func NewGPGVerifier(keyPath string) (*gpgVerifier, error) {
	v := gpg.NewVerifier()
	if err := v.ImportKeyFromFile(keyPath); err != nil {
		return nil, fmt.Errorf("failed to import GPG key from file: %w", err)
	}
	return &gpgVerifier{verifier: v}, nil
}

// VerifyManifest checks a detached signature over a SHA256SUMS manifest
// and returns the signing key fingerprint. Failures wrap entities.ErrIntegrityMismatch.
func (g *gpgVerifier) VerifyManifest(manifest, signature []byte) (string, error) {
	if len(signature) == 0 {
		return "", fmt.Errorf("manifest is not signed: %w", entities.ErrIntegrityMismatch)
	}
	fingerprint, err := g.verifier.VerifyDetached(manifest, signature)
	if err != nil {
		return "", fmt.Errorf("GPG signature verification failed: %v: %w", err, entities.ErrIntegrityMismatch)
	}
	return fingerprint, nil
}
