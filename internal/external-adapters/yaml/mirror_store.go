// Package yaml provides the YAML file-backed mirror state store.
package yaml

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/services"
)

// DefaultClaimTTL bounds how long a crashed run can block a version
const DefaultClaimTTL = 2 * time.Hour

const (
	recordsDir  = "records"
	claimsDir   = "claims"
	journalFile = "journal.yaml"
)

// Journal events
const (
	EventClaimed   = "claimed"
	EventTakenOver = "taken_over"
	EventPublished = "published"
	EventFailed    = "failed"
)

// JournalEntry is one line of the append-only attempt history
type JournalEntry struct {
	Version string    `yaml:"version" json:"version"`
	RunID   string    `yaml:"run_id" json:"run_id"`
	Event   string    `yaml:"event" json:"event"`
	Reason  string    `yaml:"reason,omitempty" json:"reason,omitempty"`
	At      time.Time `yaml:"at" json:"at"`
}

// MirrorStore implements repositories.MirrorStore on a directory:
//
//	records/<version>.yaml  published records, created once and never rewritten
//	claims/<version>.yaml   live leases, created with O_EXCL
//	journal.yaml            append-only stream of attempt events
//
// Exclusive file creation makes claims safe across processes sharing the directory.
type MirrorStore struct {
	dir string
	ttl time.Duration
	now func() time.Time
	mu  sync.Mutex
}

// NewMirrorStore opens (creating if needed) a store rooted at dir
func NewMirrorStore(dir string, ttl time.Duration) (*MirrorStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	for _, sub := range []string{recordsDir, claimsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return &MirrorStore{dir: dir, ttl: ttl, now: time.Now}, nil
}

// Claim takes an exclusive lease on version. An expired lease is moved aside and replaced.
func (s *MirrorStore) Claim(ctx context.Context, version, runID string) (*entities.Claim, error) {
	if err := validateKey(version); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.recordExists(version) {
			return nil, fmt.Errorf("%s: %w", version, entities.ErrAlreadyMirrored)
		}

		now := s.now().UTC()
		claim := &entities.Claim{
			Version:   version,
			RunID:     runID,
			ClaimedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		data, err := yaml.Marshal(claim)
		if err != nil {
			return nil, fmt.Errorf("failed to encode claim: %w", err)
		}

		err = createExclusive(s.claimPath(version), data)
		if err == nil {
			// a commit may have landed between the record check and the claim
			if s.recordExists(version) {
				_ = os.Remove(s.claimPath(version))
				return nil, fmt.Errorf("%s: %w", version, entities.ErrAlreadyMirrored)
			}
			s.appendJournal(JournalEntry{Version: version, RunID: runID, Event: EventClaimed, At: now})
			return claim, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create claim: %w", err)
		}

		held, err := s.heldClaim(version)
		if errors.Is(err, entities.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %v: %w", version, err, entities.ErrClaimHeld)
		}
		if !held.Expired(now) {
			return nil, fmt.Errorf("%s claimed by run %s until %s: %w",
				version, held.RunID, held.ExpiresAt.Format(time.RFC3339), entities.ErrClaimHeld)
		}

		stale := s.claimPath(version) + ".stale-" + runID
		if err := os.Rename(s.claimPath(version), stale); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to take over expired claim: %w", err)
		}
		s.appendJournal(JournalEntry{
			Version: version,
			RunID:   runID,
			Event:   EventTakenOver,
			Reason:  fmt.Sprintf("claim of run %s expired at %s", held.RunID, held.ExpiresAt.Format(time.RFC3339)),
			At:      now,
		})
	}

	return nil, fmt.Errorf("%s: claim contended: %w", version, entities.ErrClaimHeld)
}

// Commit writes the published record and drops the claim. A record is never overwritten.
func (s *MirrorStore) Commit(ctx context.Context, claim *entities.Claim, record *entities.MirrorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record == nil || record.Version != claim.Version {
		return fmt.Errorf("record does not match claim for %s", claim.Version)
	}
	if record.Status != entities.RecordPublished {
		return fmt.Errorf("only published records are committed, got %q", record.Status)
	}
	if err := s.checkOwner(claim); err != nil {
		return err
	}

	data, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.dir, recordsDir), "."+claim.Version+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close record: %w", err)
	}

	// link fails when the record exists, so a published record is written once
	if err := os.Link(tmpPath, s.recordPath(claim.Version)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", claim.Version, entities.ErrAlreadyMirrored)
		}
		return fmt.Errorf("failed to publish record: %w", err)
	}

	if err := os.Remove(s.claimPath(claim.Version)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to drop claim: %w", err)
	}
	s.appendJournal(JournalEntry{Version: claim.Version, RunID: claim.RunID, Event: EventPublished, At: s.now().UTC()})
	return nil
}

// Renew confirms the run still owns claim and pushes its expiry one TTL ahead.
// It fails with ErrAlreadyMirrored once a record exists and with ErrClaimLost
// when the lease was taken over or dropped.
func (s *MirrorStore) Renew(ctx context.Context, claim *entities.Claim) (*entities.Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recordExists(claim.Version) {
		return nil, fmt.Errorf("%s: %w", claim.Version, entities.ErrAlreadyMirrored)
	}
	if err := s.checkOwner(claim); err != nil {
		if errors.Is(err, entities.ErrNotFound) || errors.Is(err, entities.ErrClaimHeld) {
			return nil, fmt.Errorf("%s: %v: %w", claim.Version, err, entities.ErrClaimLost)
		}
		return nil, err
	}

	renewed := *claim
	renewed.ExpiresAt = s.now().UTC().Add(s.ttl)
	data, err := yaml.Marshal(&renewed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode claim: %w", err)
	}
	if err := replaceFile(s.claimPath(claim.Version), data); err != nil {
		return nil, fmt.Errorf("failed to renew claim: %w", err)
	}
	return &renewed, nil
}

// Release drops the claim if it is still held by the same run and journals the failure
func (s *MirrorStore) Release(_ context.Context, claim *entities.Claim, reason string) error {
	s.appendJournal(JournalEntry{Version: claim.Version, RunID: claim.RunID, Event: EventFailed, Reason: reason, At: s.now().UTC()})

	if err := s.checkOwner(claim); err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := os.Remove(s.claimPath(claim.Version)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to drop claim: %w", err)
	}
	return nil
}

// Get returns the published record for version
func (s *MirrorStore) Get(_ context.Context, version string) (*entities.MirrorRecord, error) {
	if err := validateKey(version); err != nil {
		return nil, err
	}
	return s.readRecord(s.recordPath(version))
}

// List returns all published records, oldest version first
func (s *MirrorStore) List(_ context.Context) ([]*entities.MirrorRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, recordsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read records directory: %w", err)
	}

	records := make([]*entities.MirrorRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		rec, err := s.readRecord(filepath.Join(s.dir, recordsDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return services.CompareVersions(records[i].Version, records[j].Version) < 0
	})
	return records, nil
}

// Claims returns the live and expired leases currently on disk
func (s *MirrorStore) Claims(_ context.Context) ([]*entities.Claim, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, claimsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read claims directory: %w", err)
	}

	var claims []*entities.Claim
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		c, err := s.heldClaim(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// Journal returns the attempt history, optionally filtered by version
func (s *MirrorStore) Journal(_ context.Context, version string) ([]JournalEntry, error) {
	//nolint:gosec // G304: journal lives in the configured state directory
	f, err := os.Open(filepath.Join(s.dir, journalFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	//nolint:errcheck // Defer close
	defer f.Close()

	var entries []JournalEntry
	dec := yaml.NewDecoder(f)
	for {
		var e JournalEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse journal: %w", err)
		}
		if version == "" || e.Version == version {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *MirrorStore) appendJournal(e JournalEntry) {
	data, err := yaml.Marshal(e)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	//nolint:gosec // G304: journal lives in the configured state directory
	f, err := os.OpenFile(filepath.Join(s.dir, journalFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	//nolint:errcheck // Defer close
	defer f.Close()
	_, _ = f.Write(append([]byte("---\n"), data...))
}

func (s *MirrorStore) checkOwner(claim *entities.Claim) error {
	held, err := s.readClaim(claim.Version)
	if err != nil {
		return err
	}
	if held.RunID != claim.RunID {
		return fmt.Errorf("%s: claim lost to run %s: %w", claim.Version, held.RunID, entities.ErrClaimHeld)
	}
	return nil
}

// heldClaim reads the lease on version for a takeover decision. A claim file
// that is unreadable or carries no expiry expires one TTL after it was last written.
func (s *MirrorStore) heldClaim(version string) (*entities.Claim, error) {
	held, err := s.readClaim(version)
	if err == nil && !held.ExpiresAt.IsZero() {
		return held, nil
	}
	if errors.Is(err, entities.ErrNotFound) {
		return nil, err
	}

	info, statErr := os.Stat(s.claimPath(version))
	if statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("claim %s: %w", version, entities.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat claim: %w", statErr)
	}
	if held == nil {
		held = &entities.Claim{Version: version, RunID: "unknown"}
	}
	held.ExpiresAt = info.ModTime().UTC().Add(s.ttl)
	return held, nil
}

func (s *MirrorStore) readClaim(version string) (*entities.Claim, error) {
	//nolint:gosec // G304: path is built from a validated version
	data, err := os.ReadFile(s.claimPath(version))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("claim %s: %w", version, entities.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read claim: %w", err)
	}
	var c entities.Claim
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse claim %s: %w", version, err)
	}
	return &c, nil
}

func (s *MirrorStore) readRecord(path string) (*entities.MirrorRecord, error) {
	//nolint:gosec // G304: path is inside the records directory
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("record %s: %w", filepath.Base(path), entities.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	var rec entities.MirrorRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

func (s *MirrorStore) recordExists(version string) bool {
	_, err := os.Stat(s.recordPath(version))
	return err == nil
}

func (s *MirrorStore) recordPath(version string) string {
	return filepath.Join(s.dir, recordsDir, version+".yaml")
}

func (s *MirrorStore) claimPath(version string) string {
	return filepath.Join(s.dir, claimsDir, version+".yaml")
}

// validateKey rejects anything that is not a plain version, keeping keys inside the store
func validateKey(version string) error {
	if _, err := services.ParseVersion(version); err != nil {
		return fmt.Errorf("invalid record key: %w", err)
	}
	if strings.ContainsAny(version, `/\`) || strings.HasPrefix(version, ".") {
		return fmt.Errorf("invalid record key %q", version)
	}
	return nil
}

// replaceFile swaps data in at path with a rename so readers never see a partial file
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func createExclusive(path string, data []byte) error {
	//nolint:gosec // G304: path is built from a validated version
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}
