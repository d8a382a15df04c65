package entities

import "time"

// RecordStatus is the lifecycle status of a mirroring attempt
type RecordStatus string

// RecordPublished is the only persisted status. In-flight and failed attempts
// live in claims and the journal, never in records.
const RecordPublished RecordStatus = "published"

// MirrorRecord is the persisted state of a release, keyed by version
type MirrorRecord struct {
	Version    string              `yaml:"version" json:"version"`
	Status     RecordStatus        `yaml:"status" json:"status"`
	RunID      string              `yaml:"run_id" json:"run_id"`
	ClaimedAt  time.Time           `yaml:"claimed_at" json:"claimed_at"`
	MirroredAt time.Time           `yaml:"mirrored_at,omitempty" json:"mirrored_at,omitempty"`
	Artifacts  []PublishedArtifact `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	Reason     string              `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Claim is an exclusive, time-limited lease on mirroring one version
type Claim struct {
	Version   string    `yaml:"version" json:"version"`
	RunID     string    `yaml:"run_id" json:"run_id"`
	ClaimedAt time.Time `yaml:"claimed_at" json:"claimed_at"`
	ExpiresAt time.Time `yaml:"expires_at" json:"expires_at"`
}

// Expired reports whether the lease ran out at the given time.
// A claim without an expiry holds nothing.
func (c *Claim) Expired(now time.Time) bool {
	return c.ExpiresAt.IsZero() || now.After(c.ExpiresAt)
}
