package entities

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors of the mirroring taxonomy
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrIntegrityMismatch   = errors.New("integrity mismatch")
	ErrPublishRejected     = errors.New("publish rejected")
	ErrPartialCoverage     = errors.New("partial platform coverage")
	ErrRecordFailed        = errors.New("mirror record failed")
	ErrBuildFailed         = errors.New("build failed")
	ErrAlreadyMirrored     = errors.New("release already mirrored")
	ErrClaimHeld           = errors.New("release claimed by another run")
	ErrClaimLost           = errors.New("claim no longer held by this run")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
)

// ErrorKind categorises a MirrorError
type ErrorKind int

// Error kinds
const (
	KindUpstreamUnavailable ErrorKind = iota
	KindIntegrityMismatch
	KindPublishRejected
	KindPartialCoverage
	KindRecordFailed
	KindBuildFailed
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case KindUpstreamUnavailable:
		return "UpstreamUnavailable"
	case KindIntegrityMismatch:
		return "IntegrityMismatch"
	case KindPublishRejected:
		return "PublishRejected"
	case KindPartialCoverage:
		return "PartialCoverage"
	case KindRecordFailed:
		return "RecordFailed"
	case KindBuildFailed:
		return "BuildFailed"
	default:
		return "Unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindUpstreamUnavailable:
		return ErrUpstreamUnavailable
	case KindIntegrityMismatch:
		return ErrIntegrityMismatch
	case KindPublishRejected:
		return ErrPublishRejected
	case KindPartialCoverage:
		return ErrPartialCoverage
	case KindRecordFailed:
		return ErrRecordFailed
	case KindBuildFailed:
		return ErrBuildFailed
	default:
		return nil
	}
}

// MirrorError is a classified pipeline error scoped to a release and
// optionally a platform. Transient errors may be retried.
type MirrorError struct {
	Kind      ErrorKind
	Version   string
	Platform  string
	Transient bool
	Err       error
}

// Error implements the error interface
func (e *MirrorError) Error() string {
	scope := e.Version
	if e.Platform != "" {
		if scope != "" {
			scope += "/"
		}
		scope += e.Platform
	}
	if scope != "" {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, scope, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
}

// Unwrap returns the wrapped error
func (e *MirrorError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind
func (e *MirrorError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// IsTransient reports whether err is classified as retryable
func IsTransient(err error) bool {
	var me *MirrorError
	if errors.As(err, &me) {
		return me.Transient
	}
	return false
}

// NewUpstreamUnavailable wraps a failed upstream query; always retryable
func NewUpstreamUnavailable(err error) *MirrorError {
	return &MirrorError{Kind: KindUpstreamUnavailable, Transient: true, Err: err}
}

// NewIntegrityMismatch reports a checksum failure for one platform; never retried
func NewIntegrityMismatch(version, platform string, err error) *MirrorError {
	return &MirrorError{Kind: KindIntegrityMismatch, Version: version, Platform: platform, Err: err}
}

// NewPublishRejected reports an index rejection
func NewPublishRejected(version, platform string, transient bool, err error) *MirrorError {
	return &MirrorError{Kind: KindPublishRejected, Version: version, Platform: platform, Transient: transient, Err: err}
}

// NewPartialCoverage reports an attempt to record a release with missing platforms
func NewPartialCoverage(version string, missing []string) *MirrorError {
	return &MirrorError{
		Kind:    KindPartialCoverage,
		Version: version,
		Err:     fmt.Errorf("missing platforms: %s", strings.Join(missing, ", ")),
	}
}
