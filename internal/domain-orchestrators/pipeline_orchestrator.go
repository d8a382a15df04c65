package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces/repositories"
)

// ReleaseSource lists upstream releases newer than a floor version
type ReleaseSource interface {
	ListUnmirroredReleases(ctx context.Context, lastKnownVersion string) ([]*entities.UpstreamRelease, error)
}

// ReleaseBuilder builds the artifact of one release for one platform
type ReleaseBuilder interface {
	Build(ctx context.Context, release *entities.UpstreamRelease, target entities.PlatformTarget) (*entities.BuiltArtifact, error)
}

// ArtifactPublisher publishes one artifact to the package index
type ArtifactPublisher interface {
	Publish(ctx context.Context, artifact *entities.BuiltArtifact) (*entities.PublishResult, error)
}

// ReleaseRecorder marks a fully published release in the mirroring repository
type ReleaseRecorder interface {
	RecordMirrored(ctx context.Context, release *entities.UpstreamRelease, results []*entities.PublishResult) error
}

// PipelineConfig holds configuration for the pipeline orchestrator
type PipelineConfig struct {
	Baseline  string // floor version; only newer upstream releases are considered
	Platforms []entities.PlatformTarget
	RunID     string
	Now       func() time.Time
}

// PipelineOrchestrator drives releases from Discovered to Mirrored or Failed.
// It is the only writer of mirror records.
type PipelineOrchestrator struct {
	source    ReleaseSource
	builder   ReleaseBuilder
	publisher ArtifactPublisher
	recorder  ReleaseRecorder
	store     repositories.MirrorStore
	cfg       PipelineConfig
	logger    interfaces.Logger
}

// NewPipelineOrchestrator creates a new pipeline orchestrator
func NewPipelineOrchestrator(
	source ReleaseSource,
	builder ReleaseBuilder,
	publisher ArtifactPublisher,
	recorder ReleaseRecorder,
	store repositories.MirrorStore,
	cfg PipelineConfig,
	logger interfaces.Logger,
) *PipelineOrchestrator {
	if len(cfg.Platforms) == 0 {
		cfg.Platforms = entities.SupportedPlatforms()
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &PipelineOrchestrator{
		source:    source,
		builder:   builder,
		publisher: publisher,
		recorder:  recorder,
		store:     store,
		cfg:       cfg,
		logger:    interfaces.OrNoOp(logger),
	}
}

// RunID returns the identifier stamped on claims and records of this run
func (o *PipelineOrchestrator) RunID() string {
	return o.cfg.RunID
}

// Plan returns upstream releases above the baseline without a published record, oldest first
func (o *PipelineOrchestrator) Plan(ctx context.Context) ([]*entities.UpstreamRelease, error) {
	releases, err := o.source.ListUnmirroredReleases(ctx, o.cfg.Baseline)
	if err != nil {
		return nil, fmt.Errorf("failed to list upstream releases: %w", err)
	}

	pending := make([]*entities.UpstreamRelease, 0, len(releases))
	for _, rel := range releases {
		_, err := o.store.Get(ctx, rel.Version)
		switch {
		case errors.Is(err, entities.ErrNotFound):
			pending = append(pending, rel)
		case err != nil:
			return nil, fmt.Errorf("failed to read mirror record for %s: %w", rel.Version, err)
		}
	}
	return pending, nil
}

// Run mirrors every pending release, oldest first. A failed release does not
// stop the others; the report says which ones failed. The returned error is
// reserved for failures that abort the whole run.
func (o *PipelineOrchestrator) Run(ctx context.Context) (*entities.RunReport, error) {
	report := &entities.RunReport{
		RunID:     o.cfg.RunID,
		StartedAt: o.cfg.Now(),
	}
	finish := func() {
		report.FinishedAt = o.cfg.Now()
	}

	o.logger.Info("Starting mirror run",
		interfaces.F("run_id", o.cfg.RunID),
		interfaces.F("baseline", o.cfg.Baseline))

	releases, err := o.Plan(ctx)
	if err != nil {
		report.Error = err.Error()
		finish()
		o.logger.Error("Mirror run deferred", interfaces.F("error", err.Error()))
		return report, err
	}

	if len(releases) == 0 {
		o.logger.Info("No new upstream releases")
	}

	for _, rel := range releases {
		if err := ctx.Err(); err != nil {
			report.Error = err.Error()
			finish()
			return report, err
		}
		report.Outcomes = append(report.Outcomes, o.MirrorRelease(ctx, rel))
	}

	finish()
	if err := ctx.Err(); err != nil {
		report.Error = err.Error()
		return report, err
	}

	o.logger.Info("Mirror run finished",
		interfaces.F("run_id", o.cfg.RunID),
		interfaces.F("mirrored", report.Count(entities.OutcomeMirrored)),
		interfaces.F("failed", report.Count(entities.OutcomeFailed)),
		interfaces.F("skipped", report.Count(entities.OutcomeSkipped)))
	return report, nil
}

// MirrorRelease takes one release through the state machine. Only a run that
// holds the claim may build, and the record is committed only after every
// platform is published and the mirror release exists.
func (o *PipelineOrchestrator) MirrorRelease(ctx context.Context, release *entities.UpstreamRelease) entities.ReleaseOutcome {
	outcome := entities.ReleaseOutcome{
		Version: release.Version,
		State:   entities.StateDiscovered,
	}

	claim, err := o.store.Claim(ctx, release.Version, o.cfg.RunID)
	if err != nil {
		if errors.Is(err, entities.ErrAlreadyMirrored) || errors.Is(err, entities.ErrClaimHeld) {
			outcome.Status = entities.OutcomeSkipped
			outcome.Reason = err.Error()
			o.logger.Info("Skipping release",
				interfaces.F("version", release.Version),
				interfaces.F("reason", outcome.Reason))
			return outcome
		}
		outcome.Status = entities.OutcomeFailed
		outcome.State = entities.StateFailed
		outcome.Reason = fmt.Sprintf("failed to claim release: %v", err)
		o.logger.Error("Failed to claim release",
			interfaces.F("version", release.Version),
			interfaces.F("error", err.Error()))
		return outcome
	}

	fail := func(err error) entities.ReleaseOutcome {
		outcome.Status = entities.OutcomeFailed
		outcome.State = entities.StateFailed
		outcome.Reason = err.Error()
		o.logger.Error("Release failed",
			interfaces.F("version", release.Version),
			interfaces.F("error", err.Error()))
		if rerr := o.store.Release(context.WithoutCancel(ctx), claim, outcome.Reason); rerr != nil {
			o.logger.Warn("Failed to release claim",
				interfaces.F("version", release.Version),
				interfaces.F("error", rerr.Error()))
		}
		return outcome
	}

	// renew confirms ownership before every step with outside effects
	renew := func() error {
		renewed, err := o.store.Renew(ctx, claim)
		if err != nil {
			return err
		}
		claim = renewed
		return nil
	}
	stop := func(err error) entities.ReleaseOutcome {
		if !errors.Is(err, entities.ErrClaimLost) && !errors.Is(err, entities.ErrAlreadyMirrored) {
			return fail(fmt.Errorf("failed to renew claim: %w", err))
		}
		outcome.Status = entities.OutcomeSkipped
		outcome.Reason = err.Error()
		o.logger.Warn("Abandoning release",
			interfaces.F("version", release.Version),
			interfaces.F("reason", outcome.Reason))
		return outcome
	}

	// Building: every platform runs independently
	outcome.State = entities.StateBuilding
	outcome.Platforms = make([]entities.PlatformOutcome, len(o.cfg.Platforms))
	artifacts, err := o.buildAll(ctx, release, outcome.Platforms)
	if err != nil {
		return fail(err)
	}

	// Publishing: only once every platform built
	if err := renew(); err != nil {
		return stop(err)
	}
	outcome.State = entities.StatePublishing
	results, err := o.publishAll(ctx, artifacts, outcome.Platforms)
	if err != nil {
		return fail(err)
	}

	if err := renew(); err != nil {
		return stop(err)
	}
	if err := o.recorder.RecordMirrored(ctx, release, results); err != nil {
		return fail(err)
	}

	record := &entities.MirrorRecord{
		Version:    release.Version,
		Status:     entities.RecordPublished,
		RunID:      o.cfg.RunID,
		ClaimedAt:  claim.ClaimedAt,
		MirroredAt: o.cfg.Now(),
	}
	for _, res := range results {
		record.Artifacts = append(record.Artifacts, res.Summary())
	}
	if err := o.store.Commit(ctx, claim, record); err != nil {
		return fail(fmt.Errorf("failed to commit mirror record: %w", err))
	}

	outcome.Status = entities.OutcomeMirrored
	outcome.State = entities.StateMirrored
	o.logger.Info("Release mirrored",
		interfaces.F("version", release.Version),
		interfaces.F("artifacts", len(results)))
	return outcome
}

// buildAll builds every required platform concurrently; a platform failure
// does not cancel its siblings.
func (o *PipelineOrchestrator) buildAll(ctx context.Context, release *entities.UpstreamRelease, platforms []entities.PlatformOutcome) ([]*entities.BuiltArtifact, error) {
	artifacts := make([]*entities.BuiltArtifact, len(o.cfg.Platforms))
	errs := make([]error, len(o.cfg.Platforms))

	var g errgroup.Group
	g.SetLimit(len(o.cfg.Platforms))
	for i, target := range o.cfg.Platforms {
		i, target := i, target
		platforms[i].Platform = target.String()
		g.Go(func() error {
			artifact, err := o.builder.Build(ctx, release, target)
			if err != nil {
				errs[i] = err
				platforms[i].Error = err.Error()
				return nil
			}
			artifacts[i] = artifact
			platforms[i].Built = true
			platforms[i].Filename = artifact.Filename
			return nil
		})
	}
	_ = g.Wait()

	if err := joinPlatformErrors(errs); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (o *PipelineOrchestrator) publishAll(ctx context.Context, artifacts []*entities.BuiltArtifact, platforms []entities.PlatformOutcome) ([]*entities.PublishResult, error) {
	results := make([]*entities.PublishResult, len(artifacts))
	errs := make([]error, len(artifacts))

	var g errgroup.Group
	g.SetLimit(len(artifacts))
	for i, artifact := range artifacts {
		i, artifact := i, artifact
		g.Go(func() error {
			res, err := o.publisher.Publish(ctx, artifact)
			if err != nil {
				errs[i] = err
				platforms[i].Error = err.Error()
				return nil
			}
			results[i] = res
			platforms[i].Published = true
			platforms[i].AlreadyExisted = res.AlreadyExisted
			return nil
		})
	}
	_ = g.Wait()

	if err := joinPlatformErrors(errs); err != nil {
		return nil, err
	}
	return results, nil
}

func joinPlatformErrors(errs []error) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	switch len(failed) {
	case 0:
		return nil
	case 1:
		return failed[0]
	default:
		return errors.Join(failed...)
	}
}
