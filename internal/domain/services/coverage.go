package services

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
)

// CoverageStatus represents whether a release has an artifact for every required platform
type CoverageStatus string

// Coverage statuses
const (
	CoverageComplete   CoverageStatus = "complete"
	CoverageEmpty      CoverageStatus = "no_artifacts"
	CoveragePartial    CoverageStatus = "missing_platforms"
	CoverageUnexpected CoverageStatus = "unexpected_platforms"
	CoverageMismatch   CoverageStatus = "version_mismatch"
)

// CoverageReport is the result of checking artifacts against required platforms
type CoverageReport struct {
	Status              CoverageStatus
	Version             string
	ExpectedPlatforms   []entities.PlatformTarget
	AvailablePlatforms  []entities.PlatformTarget
	MissingPlatforms    []entities.PlatformTarget
	UnexpectedPlatforms []entities.PlatformTarget
	MismatchedArtifacts []string
}

// IsComplete returns true if every required platform is covered exactly once by the release
func (r *CoverageReport) IsComplete() bool {
	return r.Status == CoverageComplete
}

// Missing returns the missing platforms in string form
func (r *CoverageReport) Missing() []string {
	return platformStrings(r.MissingPlatforms)
}

// ErrorMessage returns a human-readable error message if not complete
func (r *CoverageReport) ErrorMessage() string {
	switch r.Status {
	case CoverageComplete:
		return ""
	case CoverageEmpty:
		return fmt.Sprintf("no artifacts (expected: %d platforms)", len(r.ExpectedPlatforms))
	case CoveragePartial:
		return fmt.Sprintf("platform coverage %d/%d, missing: %s",
			len(r.ExpectedPlatforms)-len(r.MissingPlatforms), len(r.ExpectedPlatforms),
			strings.Join(r.Missing(), ", "))
	case CoverageUnexpected:
		return fmt.Sprintf("unexpected platforms: %s", strings.Join(platformStrings(r.UnexpectedPlatforms), ", "))
	case CoverageMismatch:
		return fmt.Sprintf("artifacts built for another version: %s", strings.Join(r.MismatchedArtifacts, ", "))
	default:
		return "unknown coverage status"
	}
}

// CoverageService validates platform coverage before a release is recorded
type CoverageService struct {
	required []entities.PlatformTarget
}

// NewCoverageService creates a coverage service for the given required targets
func NewCoverageService(required []entities.PlatformTarget) *CoverageService {
	return &CoverageService{required: required}
}

// Required returns the required platform targets
func (s *CoverageService) Required() []entities.PlatformTarget {
	return s.required
}

// Validate checks that artifacts cover every required target for version
func (s *CoverageService) Validate(version string, artifacts []*entities.BuiltArtifact) *CoverageReport {
	report := &CoverageReport{
		Version:           version,
		ExpectedPlatforms: s.required,
	}

	availableSet := make(map[entities.PlatformTarget]bool)
	for _, a := range artifacts {
		if a == nil {
			continue
		}
		if a.Version != version {
			report.MismatchedArtifacts = append(report.MismatchedArtifacts, a.Filename)
			continue
		}
		if !availableSet[a.Target] {
			availableSet[a.Target] = true
			report.AvailablePlatforms = append(report.AvailablePlatforms, a.Target)
		}
	}

	report.MissingPlatforms = findMissing(s.required, report.AvailablePlatforms)
	report.UnexpectedPlatforms = findMissing(report.AvailablePlatforms, s.required)

	switch {
	case len(report.MismatchedArtifacts) > 0:
		report.Status = CoverageMismatch
	case len(report.AvailablePlatforms) == 0:
		report.Status = CoverageEmpty
	case len(report.MissingPlatforms) > 0:
		report.Status = CoveragePartial
	case len(report.UnexpectedPlatforms) > 0:
		report.Status = CoverageUnexpected
	default:
		report.Status = CoverageComplete
	}

	return report
}

// findMissing returns targets in want that are absent from have
func findMissing(want, have []entities.PlatformTarget) []entities.PlatformTarget {
	haveSet := make(map[entities.PlatformTarget]bool, len(have))
	for _, p := range have {
		haveSet[p] = true
	}

	var missing []entities.PlatformTarget
	for _, p := range want {
		if !haveSet[p] {
			missing = append(missing, p)
		}
	}
	return missing
}

func platformStrings(platforms []entities.PlatformTarget) []string {
	strs := make([]string, len(platforms))
	for i, p := range platforms {
		strs[i] = p.String()
	}
	sort.Strings(strs)
	return strs
}
