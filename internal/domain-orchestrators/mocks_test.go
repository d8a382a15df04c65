package orchestrators

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces/gateways"
	"github.com/ochairo/treefmt-mirror/internal/domain/services"
)

// fastRetry is the default policy without real sleeps
func fastRetry() services.RetryPolicy {
	p := services.DefaultRetryPolicy()
	p.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p
}

func testRelease(version string) *entities.UpstreamRelease {
	rel := &entities.UpstreamRelease{
		Version: version,
		Tag:     "v" + version,
		Assets:  make(map[entities.PlatformTarget]entities.UpstreamAsset),
	}
	for _, spec := range entities.DefaultPlatformSpecs() {
		name := spec.AssetName("treefmt_{version}_{os}_{arch}.tar.gz", version)
		rel.Assets[spec.Target] = entities.UpstreamAsset{
			Name:        name,
			DownloadURL: "https://dl/" + name,
			SHA256:      strings.Repeat("a", 64),
		}
	}
	return rel
}

func testArtifact(version string, target entities.PlatformTarget) *entities.BuiltArtifact {
	return &entities.BuiltArtifact{
		Version:        version,
		PackageVersion: version,
		Target:         target,
		Filename:       fmt.Sprintf("treefmt_pre_commit-%s-py3-none-%s.whl", version, target),
		SHA256:         strings.Repeat("c", 64),
	}
}

func fullResults(version string) []*entities.PublishResult {
	var results []*entities.PublishResult
	for _, target := range entities.SupportedPlatforms() {
		results = append(results, &entities.PublishResult{
			Artifact: testArtifact(version, target),
			URL:      "https://pypi.example/" + target.String(),
		})
	}
	return results
}

// memStore is an in-memory MirrorStore with the same claim semantics as the file store
type memStore struct {
	mu       sync.Mutex
	records  map[string]*entities.MirrorRecord
	claims   map[string]*entities.Claim
	journal  []string
	claimErr error
	ttl      time.Duration
	now      func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*entities.MirrorRecord),
		claims:  make(map[string]*entities.Claim),
		ttl:     time.Hour,
		now:     time.Now,
	}
}

func (s *memStore) Claim(_ context.Context, version, runID string) (*entities.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if _, ok := s.records[version]; ok {
		return nil, fmt.Errorf("%s: %w", version, entities.ErrAlreadyMirrored)
	}
	now := s.now()
	if c, ok := s.claims[version]; ok && !c.Expired(now) {
		return nil, fmt.Errorf("%s claimed by run %s: %w", version, c.RunID, entities.ErrClaimHeld)
	}
	c := &entities.Claim{Version: version, RunID: runID, ClaimedAt: now, ExpiresAt: now.Add(s.ttl)}
	s.claims[version] = c
	return c, nil
}

func (s *memStore) Commit(_ context.Context, claim *entities.Claim, record *entities.MirrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[claim.Version]; ok {
		return entities.ErrAlreadyMirrored
	}
	s.records[claim.Version] = record
	delete(s.claims, claim.Version)
	s.journal = append(s.journal, "published "+claim.Version)
	return nil
}

func (s *memStore) Renew(_ context.Context, claim *entities.Claim) (*entities.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[claim.Version]; ok {
		return nil, fmt.Errorf("%s: %w", claim.Version, entities.ErrAlreadyMirrored)
	}
	held, ok := s.claims[claim.Version]
	if !ok || held.RunID != claim.RunID {
		return nil, fmt.Errorf("%s: %w", claim.Version, entities.ErrClaimLost)
	}
	held.ExpiresAt = s.now().Add(s.ttl)
	renewed := *held
	return &renewed, nil
}

func (s *memStore) Release(_ context.Context, claim *entities.Claim, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claims, claim.Version)
	s.journal = append(s.journal, "failed "+claim.Version+": "+reason)
	return nil
}

func (s *memStore) Get(_ context.Context, version string) (*entities.MirrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[version]; ok {
		return r, nil
	}
	return nil, entities.ErrNotFound
}

func (s *memStore) List(_ context.Context) ([]*entities.MirrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entities.MirrorRecord
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) hasClaim(version string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claims[version]
	return ok
}

type fakeSource struct {
	releases []*entities.UpstreamRelease
	err      error
	floors   []string
}

func (f *fakeSource) ListUnmirroredReleases(_ context.Context, lastKnownVersion string) ([]*entities.UpstreamRelease, error) {
	f.floors = append(f.floors, lastKnownVersion)
	if f.err != nil {
		return nil, f.err
	}
	return f.releases, nil
}

// fakeBuilder builds in memory; errs is keyed by "version/platform"
type fakeBuilder struct {
	mu     sync.Mutex
	errs   map[string]error
	calls  []string
	gate   chan struct{}
	onCall func()
}

func (f *fakeBuilder) Build(ctx context.Context, release *entities.UpstreamRelease, target entities.PlatformTarget) (*entities.BuiltArtifact, error) {
	key := release.Version + "/" + target.String()
	f.mu.Lock()
	f.calls = append(f.calls, key)
	err := f.errs[key]
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall()
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return testArtifact(release.Version, target), nil
}

func (f *fakeBuilder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakePublisher publishes into a shared set, succeeding idempotently on repeats
type fakePublisher struct {
	mu        sync.Mutex
	published map[string]bool
	errs      map[string]error
	calls     int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string]bool)}
}

func (f *fakePublisher) Publish(_ context.Context, artifact *entities.BuiltArtifact) (*entities.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	key := artifact.Version + "/" + artifact.Target.String()
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	existed := f.published[artifact.Filename]
	f.published[artifact.Filename] = true
	return &entities.PublishResult{Artifact: artifact, URL: "https://pypi.example/" + artifact.Filename, AlreadyExisted: existed}, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	err      error
	recorded []string
}

func (f *fakeRecorder) RecordMirrored(_ context.Context, release *entities.UpstreamRelease, results []*entities.PublishResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	if len(results) != len(entities.SupportedPlatforms()) {
		return entities.NewPartialCoverage(release.Version, nil)
	}
	f.recorded = append(f.recorded, release.Version)
	return nil
}

// fakeGitHub records the mirror repository calls made by the recorder
type fakeGitHub struct {
	mu        sync.Mutex
	releases  map[string]*gateways.GitHubRelease
	assets    map[int64][]*gateways.GitHubAsset
	refs      map[string]string
	uploads   map[string][]byte
	created   []*gateways.GitHubRelease
	createErr []error
	nextID    int64

	// files holds repository content per commit SHA
	files   map[string]map[string][]byte
	parents map[string]string
	commits []*gateways.GitCommit
	// beforeUpdate runs once before the next branch update
	beforeUpdate func()
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		releases: make(map[string]*gateways.GitHubRelease),
		assets:   make(map[int64][]*gateways.GitHubAsset),
		refs:     map[string]string{"heads/main": "abc123"},
		uploads:  make(map[string][]byte),
		nextID:   100,
		files:    map[string]map[string][]byte{"abc123": {}},
		parents:  make(map[string]string),
	}
}

// seedFiles sets the content of the branch head
func (f *fakeGitHub) seedFiles(files map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	head := f.refs["heads/main"]
	f.files[head] = make(map[string][]byte, len(files))
	for path, content := range files {
		f.files[head][path] = []byte(content)
	}
}

// fileAt returns the content of path at ref
func (f *fakeGitHub) fileAt(ref, path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.files[f.refs[ref]][path])
}

func (f *fakeGitHub) ListReleases(context.Context, string, string) ([]*gateways.GitHubRelease, error) {
	return nil, nil
}

func (f *fakeGitHub) GetRelease(_ context.Context, _, _, tag string) (*gateways.GitHubRelease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.releases[tag]; ok {
		return r, nil
	}
	return nil, entities.ErrNotFound
}

func (f *fakeGitHub) CreateRelease(_ context.Context, _, _ string, r *gateways.GitHubRelease) (*gateways.GitHubRelease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErr) > 0 {
		err := f.createErr[0]
		f.createErr = f.createErr[1:]
		return nil, err
	}
	f.nextID++
	created := *r
	created.ID = f.nextID
	created.UploadURL = fmt.Sprintf("https://uploads/%d", created.ID)
	f.releases[r.TagName] = &created
	f.created = append(f.created, &created)
	return &created, nil
}

func (f *fakeGitHub) UploadAsset(_ context.Context, uploadURL, filename string, content io.Reader) (*gateways.GitHubAsset, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[filename] = data
	var id int64
	_, _ = fmt.Sscanf(uploadURL, "https://uploads/%d", &id)
	asset := &gateways.GitHubAsset{Name: filename, Size: int64(len(data))}
	f.assets[id] = append(f.assets[id], asset)
	return asset, nil
}

func (f *fakeGitHub) ListReleaseAssets(_ context.Context, _, _ string, id int64) ([]*gateways.GitHubAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assets[id], nil
}

func (f *fakeGitHub) DownloadAsset(context.Context, string) ([]byte, error) {
	return nil, entities.ErrNotFound
}

func (f *fakeGitHub) GetRef(_ context.Context, _, _, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sha, ok := f.refs[ref]
	if !ok {
		return "", entities.ErrNotFound
	}
	return sha, nil
}

func (f *fakeGitHub) CreateRef(_ context.Context, _, _, ref, sha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(ref, "refs/")
	if _, ok := f.refs[key]; ok {
		return entities.ErrAlreadyExists
	}
	f.refs[key] = sha
	return nil
}

func (f *fakeGitHub) UpdateRef(_ context.Context, _, _, ref, sha string) error {
	if f.beforeUpdate != nil {
		hook := f.beforeUpdate
		f.beforeUpdate = nil
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.refs[ref]
	if !ok {
		return entities.ErrNotFound
	}
	if f.parents[sha] != current {
		return gateways.ErrNotFastForward
	}
	f.refs[ref] = sha
	return nil
}

func (f *fakeGitHub) GetFileContent(_ context.Context, _, _, path, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[ref][path]
	if !ok {
		return nil, entities.ErrNotFound
	}
	return content, nil
}

func (f *fakeGitHub) CreateCommit(_ context.Context, _, _ string, commit *gateways.GitCommit) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sha := fmt.Sprintf("commit%d", len(f.commits)+1)
	tree := make(map[string][]byte, len(f.files[commit.Parent])+len(commit.Files))
	for path, content := range f.files[commit.Parent] {
		tree[path] = content
	}
	for path, content := range commit.Files {
		tree[path] = content
	}
	f.files[sha] = tree
	f.parents[sha] = commit.Parent
	f.commits = append(f.commits, commit)
	return sha, nil
}

// pushCommit moves the branch to a new commit carrying files, as another writer would
func (f *fakeGitHub) pushCommit(files map[string]string) string {
	f.mu.Lock()
	head := f.refs["heads/main"]
	f.mu.Unlock()
	commit := &gateways.GitCommit{Parent: head, Message: "outside change", Files: make(map[string][]byte)}
	for path, content := range files {
		commit.Files[path] = []byte(content)
	}
	sha, _ := f.CreateCommit(context.Background(), "", "", commit)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs["heads/main"] = sha
	return sha
}

type fakeSigner struct{}

func (fakeSigner) SignDetached(data []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("-----BEGIN PGP SIGNATURE-----\n%d\n-----END PGP SIGNATURE-----\n", len(data))), nil
}
