package orchestrators

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	yamlstore "github.com/ochairo/treefmt-mirror/internal/external-adapters/yaml"
)

func newTestPipeline(source ReleaseSource, builder ReleaseBuilder, publisher ArtifactPublisher, recorder ReleaseRecorder, store *memStore) *PipelineOrchestrator {
	return NewPipelineOrchestrator(source, builder, publisher, recorder, store, PipelineConfig{
		Baseline: "2.0.0",
		RunID:    "run-1",
	}, nil)
}

func TestPipeline_MirrorsReleasesOldestFirst(t *testing.T) {
	source := &fakeSource{releases: []*entities.UpstreamRelease{testRelease("2.1.0"), testRelease("2.2.0")}}
	store := newMemStore()
	recorder := &fakeRecorder{}
	publisher := newFakePublisher()

	p := newTestPipeline(source, &fakeBuilder{}, publisher, recorder, store)
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Failed() {
		t.Fatalf("report failed: %+v", report)
	}
	if got := report.Count(entities.OutcomeMirrored); got != 2 {
		t.Errorf("mirrored = %d, want 2", got)
	}
	if report.Outcomes[0].Version != "2.1.0" || report.Outcomes[1].Version != "2.2.0" {
		t.Errorf("outcome order = %s, %s", report.Outcomes[0].Version, report.Outcomes[1].Version)
	}
	if strings.Join(recorder.recorded, ",") != "2.1.0,2.2.0" {
		t.Errorf("recorded = %v", recorder.recorded)
	}
	if source.floors[0] != "2.0.0" {
		t.Errorf("observer floor = %q, want baseline", source.floors[0])
	}

	rec, err := store.Get(context.Background(), "2.1.0")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != entities.RecordPublished || rec.RunID != "run-1" || len(rec.Artifacts) != 4 {
		t.Errorf("record = %+v", rec)
	}
	if rec.MirroredAt.IsZero() || report.FinishedAt.Before(report.StartedAt) {
		t.Error("timestamps not set")
	}
	for _, po := range report.Outcomes[0].Platforms {
		if !po.Built || !po.Published || po.Filename == "" {
			t.Errorf("platform outcome = %+v", po)
		}
	}
}

func TestPipeline_BuildFailureIsAllOrNothing(t *testing.T) {
	source := &fakeSource{releases: []*entities.UpstreamRelease{testRelease("2.1.0"), testRelease("2.2.0")}}
	store := newMemStore()
	builder := &fakeBuilder{errs: map[string]error{
		"2.1.0/macos-arm64": entities.NewIntegrityMismatch("2.1.0", "macos-arm64", errors.New("checksum mismatch")),
	}}
	publisher := newFakePublisher()
	recorder := &fakeRecorder{}

	p := newTestPipeline(source, builder, publisher, recorder, store)
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !report.Failed() {
		t.Error("report should fail")
	}
	first := report.Outcomes[0]
	if first.Status != entities.OutcomeFailed || first.State != entities.StateFailed {
		t.Errorf("2.1.0 outcome = %+v", first)
	}
	if !strings.Contains(first.Reason, "IntegrityMismatch") {
		t.Errorf("reason = %q", first.Reason)
	}
	if report.Outcomes[1].Status != entities.OutcomeMirrored {
		t.Errorf("2.2.0 should still be mirrored, got %+v", report.Outcomes[1])
	}

	// every platform of the failed release was still attempted
	if got := builder.callCount(); got != 8 {
		t.Errorf("build calls = %d, want 8", got)
	}
	// nothing of the failed release reached the index
	for name := range publisher.published {
		if strings.Contains(name, "2.1.0") {
			t.Errorf("published %s from a failed release", name)
		}
	}
	if _, err := store.Get(context.Background(), "2.1.0"); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("failed release has a record: %v", err)
	}
	if store.hasClaim("2.1.0") {
		t.Error("claim on failed release not released")
	}

	var failedPlatform int
	for _, po := range first.Platforms {
		if po.Error != "" {
			failedPlatform++
			if po.Platform != "macos-arm64" || po.Built {
				t.Errorf("failed platform outcome = %+v", po)
			}
		}
	}
	if failedPlatform != 1 {
		t.Errorf("failed platforms = %d, want 1", failedPlatform)
	}
}

func TestPipeline_PublishFailureLeavesNoRecord(t *testing.T) {
	source := &fakeSource{releases: []*entities.UpstreamRelease{testRelease("2.1.0")}}
	store := newMemStore()
	publisher := newFakePublisher()
	publisher.errs = map[string]error{
		"2.1.0/linux-aarch64": entities.NewPublishRejected("2.1.0", "linux-aarch64", false, errors.New("403")),
	}
	recorder := &fakeRecorder{}

	report, err := newTestPipeline(source, &fakeBuilder{}, publisher, recorder, store).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Outcomes[0].Status != entities.OutcomeFailed {
		t.Errorf("outcome = %+v", report.Outcomes[0])
	}
	if len(recorder.recorded) != 0 {
		t.Error("release recorded despite publish failure")
	}
	if _, err := store.Get(context.Background(), "2.1.0"); !errors.Is(err, entities.ErrNotFound) {
		t.Error("record written despite publish failure")
	}
	if len(store.journal) != 1 || !strings.HasPrefix(store.journal[0], "failed 2.1.0") {
		t.Errorf("journal = %v", store.journal)
	}
}

func TestPipeline_RecordFailureLeavesNoRecord(t *testing.T) {
	source := &fakeSource{releases: []*entities.UpstreamRelease{testRelease("2.1.0")}}
	store := newMemStore()
	recorder := &fakeRecorder{err: &entities.MirrorError{Kind: entities.KindRecordFailed, Err: errors.New("tag rejected")}}

	report, err := newTestPipeline(source, &fakeBuilder{}, newFakePublisher(), recorder, store).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Outcomes[0].Status != entities.OutcomeFailed || !report.Outcomes[0].Platforms[0].Published {
		t.Errorf("outcome = %+v", report.Outcomes[0])
	}
	if _, err := store.Get(context.Background(), "2.1.0"); !errors.Is(err, entities.ErrNotFound) {
		t.Error("record written despite record failure")
	}
}

func TestPipeline_ResumesAfterFailureWithIdempotentPublish(t *testing.T) {
	source := &fakeSource{releases: []*entities.UpstreamRelease{testRelease("2.1.0")}}
	store := newMemStore()
	publisher := newFakePublisher()
	recorder := &fakeRecorder{err: errors.New("github down")}

	first, _ := newTestPipeline(source, &fakeBuilder{}, publisher, recorder, store).Run(context.Background())
	if first.Outcomes[0].Status != entities.OutcomeFailed {
		t.Fatalf("first run outcome = %+v", first.Outcomes[0])
	}

	recorder.err = nil
	second, err := newTestPipeline(source, &fakeBuilder{}, publisher, recorder, store).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	out := second.Outcomes[0]
	if out.Status != entities.OutcomeMirrored {
		t.Fatalf("second run outcome = %+v", out)
	}
	for _, po := range out.Platforms {
		if !po.AlreadyExisted {
			t.Errorf("platform %s re-uploaded instead of detected", po.Platform)
		}
	}
}

func TestPipeline_SkipsMirroredAndClaimedReleases(t *testing.T) {
	source := &fakeSource{releases: []*entities.UpstreamRelease{testRelease("2.1.0"), testRelease("2.2.0")}}
	store := newMemStore()
	store.records["2.1.0"] = &entities.MirrorRecord{Version: "2.1.0", Status: entities.RecordPublished}
	if _, err := store.Claim(context.Background(), "2.2.0", "other-run"); err != nil {
		t.Fatal(err)
	}
	builder := &fakeBuilder{}

	p := newTestPipeline(source, builder, newFakePublisher(), &fakeRecorder{}, store)

	pending, err := p.Plan(context.Background())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Version != "2.2.0" {
		t.Errorf("Plan() = %v, want [2.2.0]", pending)
	}

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Outcomes) != 1 {
		t.Fatalf("outcomes = %+v", report.Outcomes)
	}
	out := report.Outcomes[0]
	if out.Status != entities.OutcomeSkipped || !strings.Contains(out.Reason, "other-run") {
		t.Errorf("outcome = %+v", out)
	}
	if report.Failed() {
		t.Error("skipped releases must not fail the run")
	}
	if builder.callCount() != 0 {
		t.Error("builder ran without a claim")
	}
}

func TestPipeline_AtMostOnceAcrossConcurrentRuns(t *testing.T) {
	store := newMemStore()
	publisher := newFakePublisher()
	recorder := &fakeRecorder{}
	release := testRelease("2.1.0")

	var wg sync.WaitGroup
	outcomes := make([]entities.ReleaseOutcome, 2)
	builders := []*fakeBuilder{{}, {}}
	for i := range outcomes {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := NewPipelineOrchestrator(&fakeSource{}, builders[i], publisher, recorder, store, PipelineConfig{}, nil)
			outcomes[i] = p.MirrorRelease(context.Background(), release)
		}()
	}
	wg.Wait()

	mirrored, skipped := 0, 0
	for _, o := range outcomes {
		switch o.Status {
		case entities.OutcomeMirrored:
			mirrored++
		case entities.OutcomeSkipped:
			skipped++
		}
	}
	if mirrored != 1 || skipped != 1 {
		t.Errorf("mirrored = %d, skipped = %d; want 1, 1", mirrored, skipped)
	}
	if len(recorder.recorded) != 1 {
		t.Errorf("recorded %d times", len(recorder.recorded))
	}
	if builders[0].callCount()+builders[1].callCount() != 4 {
		t.Error("both runs built the release")
	}
}

func TestPipeline_ObserverFailureDefersRun(t *testing.T) {
	source := &fakeSource{err: entities.NewUpstreamUnavailable(errors.New("503"))}
	store := newMemStore()

	report, err := newTestPipeline(source, &fakeBuilder{}, newFakePublisher(), &fakeRecorder{}, store).Run(context.Background())
	if !errors.Is(err, entities.ErrUpstreamUnavailable) {
		t.Fatalf("Run() error = %v, want ErrUpstreamUnavailable", err)
	}
	if report == nil || report.Error == "" || !report.Failed() {
		t.Errorf("report = %+v", report)
	}
}

func TestPipeline_ClaimStoreErrorFailsRelease(t *testing.T) {
	source := &fakeSource{releases: []*entities.UpstreamRelease{testRelease("2.1.0")}}
	store := newMemStore()
	store.claimErr = errors.New("disk full")

	report, err := newTestPipeline(source, &fakeBuilder{}, newFakePublisher(), &fakeRecorder{}, store).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Outcomes[0].Status != entities.OutcomeFailed || !strings.Contains(report.Outcomes[0].Reason, "disk full") {
		t.Errorf("outcome = %+v", report.Outcomes[0])
	}
}

func TestPipeline_CancellationReleasesClaim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{releases: []*entities.UpstreamRelease{testRelease("2.1.0"), testRelease("2.2.0")}}
	store := newMemStore()

	var once sync.Once
	builder := &fakeBuilder{gate: make(chan struct{}), onCall: func() { once.Do(cancel) }}

	report, err := newTestPipeline(source, builder, newFakePublisher(), &fakeRecorder{}, store).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(report.Outcomes) != 1 || report.Outcomes[0].Status != entities.OutcomeFailed {
		t.Errorf("outcomes = %+v", report.Outcomes)
	}
	if store.hasClaim("2.1.0") {
		t.Error("claim held after cancellation")
	}
	if _, err := store.Get(context.Background(), "2.1.0"); !errors.Is(err, entities.ErrNotFound) {
		t.Error("cancelled release has a record")
	}
}

func TestPipeline_ExpiredClaimStopsSlowRun(t *testing.T) {
	ctx := context.Background()
	store, err := yamlstore.NewMirrorStore(t.TempDir(), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	publisher := newFakePublisher()
	recorder := &fakeRecorder{}
	release := testRelease("2.1.0")

	started := make(chan struct{})
	var once sync.Once
	slow := &fakeBuilder{gate: make(chan struct{}), onCall: func() { once.Do(func() { close(started) }) }}
	slowRun := NewPipelineOrchestrator(&fakeSource{}, slow, publisher, recorder, store, PipelineConfig{RunID: "run-a"}, nil)

	done := make(chan entities.ReleaseOutcome, 1)
	go func() { done <- slowRun.MirrorRelease(ctx, release) }()
	<-started

	// run-a's lease runs out while it is still building
	time.Sleep(150 * time.Millisecond)
	fastRun := NewPipelineOrchestrator(&fakeSource{}, &fakeBuilder{}, publisher, recorder, store, PipelineConfig{RunID: "run-b"}, nil)
	if out := fastRun.MirrorRelease(ctx, release); out.Status != entities.OutcomeMirrored {
		t.Fatalf("run-b outcome = %+v", out)
	}

	close(slow.gate)
	out := <-done
	if out.Status != entities.OutcomeSkipped {
		t.Errorf("run-a outcome = %+v, want skipped", out)
	}
	if !strings.Contains(out.Reason, entities.ErrAlreadyMirrored.Error()) {
		t.Errorf("run-a reason = %q", out.Reason)
	}
	if len(recorder.recorded) != 1 {
		t.Errorf("recorded = %v, want one call", recorder.recorded)
	}
	rec, err := store.Get(ctx, "2.1.0")
	if err != nil || rec.RunID != "run-b" {
		t.Errorf("record = %+v, %v", rec, err)
	}
}

func TestPipeline_LostClaimSkipsBeforeRecording(t *testing.T) {
	store := newMemStore()
	recorder := &fakeRecorder{}
	release := testRelease("2.1.0")

	// another run takes the lease over once this one has built
	builder := &fakeBuilder{}
	var once sync.Once
	builder.onCall = func() {
		once.Do(func() {
			store.mu.Lock()
			store.claims["2.1.0"] = &entities.Claim{Version: "2.1.0", RunID: "run-b", ExpiresAt: time.Now().Add(time.Hour)}
			store.mu.Unlock()
		})
	}

	publisher := newFakePublisher()
	out := newTestPipeline(&fakeSource{}, builder, publisher, recorder, store).MirrorRelease(context.Background(), release)
	if out.Status != entities.OutcomeSkipped || !strings.Contains(out.Reason, entities.ErrClaimLost.Error()) {
		t.Errorf("outcome = %+v", out)
	}
	if publisher.calls != 0 {
		t.Errorf("published %d wheels without the claim", publisher.calls)
	}
	if len(recorder.recorded) != 0 {
		t.Error("release recorded without the claim")
	}
	if !store.hasClaim("2.1.0") || store.claims["2.1.0"].RunID != "run-b" {
		t.Error("lost claim was released from under its new owner")
	}
}
