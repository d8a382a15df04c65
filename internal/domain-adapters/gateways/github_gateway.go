package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces/gateways"
)

// DefaultGitHubAPIURL is the public GitHub REST endpoint
const DefaultGitHubAPIURL = "https://api.github.com"

// maxAssetDownload caps in-memory asset downloads such as checksum files
const maxAssetDownload = 16 << 20

// HTTPGitHubGateway implements GitHubGateway using standard HTTP client.
// Every call is a single attempt; retries belong to the caller's RetryPolicy.
type HTTPGitHubGateway struct {
	client    *http.Client
	baseURL   string
	token     string
	userAgent string
	logger    interfaces.Logger
}

// NewHTTPGitHubGateway creates a new GitHub gateway with HTTP client.
// An empty baseURL selects the public API.
func NewHTTPGitHubGateway(token, baseURL string, logger interfaces.Logger) *HTTPGitHubGateway {
	if baseURL == "" {
		baseURL = DefaultGitHubAPIURL
	}
	return &HTTPGitHubGateway{
		client: &http.Client{
			Timeout: 5 * time.Minute, // large wheel uploads
		},
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		userAgent: "treefmt-mirror/1.0",
		logger:    interfaces.OrNoOp(logger),
	}
}

// githubRelease represents the GitHub API release format
type githubRelease struct {
	ID              int64         `json:"id,omitempty"`
	TagName         string        `json:"tag_name"`
	TargetCommitish string        `json:"target_commitish,omitempty"`
	Name            string        `json:"name"`
	Body            string        `json:"body"`
	Draft           bool          `json:"draft"`
	Prerelease      bool          `json:"prerelease"`
	CreatedAt       string        `json:"created_at,omitempty"`
	PublishedAt     string        `json:"published_at,omitempty"`
	HTMLURL         string        `json:"html_url,omitempty"`
	UploadURL       string        `json:"upload_url,omitempty"`
	Assets          []githubAsset `json:"assets,omitempty"`
}

// githubAsset represents a GitHub release asset
type githubAsset struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Label              string `json:"label"`
	State              string `json:"state"`
	Size               int64  `json:"size"`
	Digest             string `json:"digest"`
	DownloadCount      int    `json:"download_count"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type githubRef struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA  string `json:"sha"`
		Type string `json:"type"`
	} `json:"object"`
}

func (a githubAsset) toDomain() *gateways.GitHubAsset {
	return &gateways.GitHubAsset{
		ID:                 a.ID,
		Name:               a.Name,
		Label:              a.Label,
		State:              a.State,
		Size:               a.Size,
		Digest:             a.Digest,
		DownloadCount:      a.DownloadCount,
		BrowserDownloadURL: a.BrowserDownloadURL,
	}
}

func (r githubRelease) toDomain() *gateways.GitHubRelease {
	rel := &gateways.GitHubRelease{
		ID:              r.ID,
		TagName:         r.TagName,
		TargetCommitish: r.TargetCommitish,
		Name:            r.Name,
		Body:            r.Body,
		Draft:           r.Draft,
		Prerelease:      r.Prerelease,
		CreatedAt:       r.CreatedAt,
		PublishedAt:     r.PublishedAt,
		HTMLURL:         r.HTMLURL,
		UploadURL:       r.UploadURL,
	}
	for _, a := range r.Assets {
		rel.Assets = append(rel.Assets, a.toDomain())
	}
	return rel
}

func (g *HTTPGitHubGateway) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if g.token != "" {
		req.Header.Set("Authorization", "token "+g.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", g.userAgent)
	return req, nil
}

// do sends a request once and warns when the rate limit is nearly exhausted
func (g *HTTPGitHubGateway) do(op string, req *http.Request) (*http.Response, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil && n > 0 && n <= 10 {
			g.logger.Warn("GitHub API rate limit low", interfaces.F("remaining", n))
		}
	}
	return resp, nil
}

func (g *HTTPGitHubGateway) getJSON(ctx context.Context, op, rawURL string, out interface{}) (*http.Response, error) {
	req, err := g.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.do(op, req)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // Defer close on HTTP response body
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp, fmt.Errorf("%s: %w", op, entities.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return resp, responseError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp, fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return resp, nil
}

func (g *HTTPGitHubGateway) sendJSON(ctx context.Context, op, method, rawURL string, in, out interface{}) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal request: %w", op, err)
	}
	req, err := g.newRequest(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.do(op, req)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // Defer close on HTTP response body
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return resp, responseError(op, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("%s: failed to decode response: %w", op, err)
		}
	}
	return resp, nil
}

var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextPage extracts the rel="next" URL from a Link header
func nextPage(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	m := linkNextPattern.FindStringSubmatch(resp.Header.Get("Link"))
	if m == nil {
		return ""
	}
	return m[1]
}

// ListReleases lists every release of a repository, following pagination
func (g *HTTPGitHubGateway) ListReleases(ctx context.Context, owner, repo string) ([]*gateways.GitHubRelease, error) {
	next := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=100", g.baseURL, owner, repo)

	var releases []*gateways.GitHubRelease
	for next != "" {
		var page []githubRelease
		resp, err := g.getJSON(ctx, "failed to list releases", next, &page)
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			releases = append(releases, r.toDomain())
		}
		next = nextPage(resp)
	}

	return releases, nil
}

// GetRelease retrieves a release by tag name
func (g *HTTPGitHubGateway) GetRelease(ctx context.Context, owner, repo, tag string) (*gateways.GitHubRelease, error) {
	rawURL := fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", g.baseURL, owner, repo, url.PathEscape(tag))

	var result githubRelease
	if _, err := g.getJSON(ctx, "failed to get release "+tag, rawURL, &result); err != nil {
		return nil, err
	}
	return result.toDomain(), nil
}

// CreateRelease creates a new GitHub release
func (g *HTTPGitHubGateway) CreateRelease(ctx context.Context, owner, repo string, release *gateways.GitHubRelease) (*gateways.GitHubRelease, error) {
	rawURL := fmt.Sprintf("%s/repos/%s/%s/releases", g.baseURL, owner, repo)

	apiRelease := githubRelease{
		TagName:         release.TagName,
		TargetCommitish: release.TargetCommitish,
		Name:            release.Name,
		Body:            release.Body,
		Draft:           release.Draft,
		Prerelease:      release.Prerelease,
	}

	var result githubRelease
	if _, err := g.sendJSON(ctx, "failed to create release", http.MethodPost, rawURL, apiRelease, &result); err != nil {
		return nil, err
	}
	return result.toDomain(), nil
}

// UploadAsset uploads a file to a release
func (g *HTTPGitHubGateway) UploadAsset(ctx context.Context, uploadURL, filename string, content io.Reader) (*gateways.GitHubAsset, error) {
	// GitHub returns URLs like: https://uploads.github.com/.../assets{?name,label}
	baseURL := strings.Split(uploadURL, "{")[0]
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid upload URL: %w", err)
	}
	if strings.Contains(baseURL, "://api.github.com") {
		baseURL = strings.Replace(baseURL, "://api.github.com", "://uploads.github.com", 1)
	}
	uploadURLWithName := fmt.Sprintf("%s?name=%s", baseURL, url.QueryEscape(filename))

	// Read content into buffer to get size
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, content); err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	req, err := g.newRequest(ctx, http.MethodPost, uploadURLWithName, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(buf.Len())

	op := "failed to upload asset " + filename
	resp, err := g.do(op, req)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // Defer close on HTTP response body
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		// GitHub answers 422 already_exists for a duplicate asset name
		herr := responseError(op, resp)
		if strings.Contains(herr.Body, "already_exists") {
			return nil, fmt.Errorf("%s: %w", op, entities.ErrAlreadyExists)
		}
		return nil, herr
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, responseError(op, resp)
	}

	var result githubAsset
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.toDomain(), nil
}

// ListReleaseAssets lists all assets for a release
func (g *HTTPGitHubGateway) ListReleaseAssets(ctx context.Context, owner, repo string, releaseID int64) ([]*gateways.GitHubAsset, error) {
	next := fmt.Sprintf("%s/repos/%s/%s/releases/%d/assets?per_page=100", g.baseURL, owner, repo, releaseID)

	var assets []*gateways.GitHubAsset
	for next != "" {
		var page []githubAsset
		resp, err := g.getJSON(ctx, "failed to list assets", next, &page)
		if err != nil {
			return nil, err
		}
		for _, a := range page {
			assets = append(assets, a.toDomain())
		}
		next = nextPage(resp)
	}

	return assets, nil
}

// DownloadAsset fetches a small asset into memory
func (g *HTTPGitHubGateway) DownloadAsset(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := g.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	op := "failed to download asset"
	resp, err := g.do(op, req)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // Defer close on HTTP response body
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", op, entities.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(op, resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetDownload+1))
	if err != nil {
		return nil, transportError(op, err)
	}
	if len(data) > maxAssetDownload {
		return nil, fmt.Errorf("%s: asset exceeds %d bytes", op, maxAssetDownload)
	}
	return data, nil
}

// GetRef resolves a git ref such as "heads/main" to a commit SHA
func (g *HTTPGitHubGateway) GetRef(ctx context.Context, owner, repo, ref string) (string, error) {
	rawURL := fmt.Sprintf("%s/repos/%s/%s/git/ref/%s", g.baseURL, owner, repo, ref)

	var result githubRef
	if _, err := g.getJSON(ctx, "failed to get ref "+ref, rawURL, &result); err != nil {
		return "", err
	}
	return result.Object.SHA, nil
}

// CreateRef creates a git ref such as "refs/tags/v1.0.0"
func (g *HTTPGitHubGateway) CreateRef(ctx context.Context, owner, repo, ref, sha string) error {
	rawURL := fmt.Sprintf("%s/repos/%s/%s/git/refs", g.baseURL, owner, repo)
	payload := map[string]string{"ref": ref, "sha": sha}

	op := "failed to create ref " + ref
	_, err := g.sendJSON(ctx, op, http.MethodPost, rawURL, payload, nil)
	if err != nil {
		var herr *HTTPError
		if errors.As(err, &herr) && herr.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(herr.Body, "already exists") {
			return fmt.Errorf("%s: %w", op, entities.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// UpdateRef fast-forwards a ref such as "heads/main"
func (g *HTTPGitHubGateway) UpdateRef(ctx context.Context, owner, repo, ref, sha string) error {
	rawURL := fmt.Sprintf("%s/repos/%s/%s/git/refs/%s", g.baseURL, owner, repo, ref)
	payload := map[string]interface{}{"sha": sha, "force": false}

	op := "failed to update ref " + ref
	_, err := g.sendJSON(ctx, op, http.MethodPatch, rawURL, payload, nil)
	if err != nil {
		var herr *HTTPError
		if errors.As(err, &herr) && herr.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(strings.ToLower(herr.Body), "fast forward") {
			return fmt.Errorf("%s: %w", op, gateways.ErrNotFastForward)
		}
		return err
	}
	return nil
}

// GetFileContent fetches the raw content of a file at ref
func (g *HTTPGitHubGateway) GetFileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	rawURL := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		g.baseURL, owner, repo, strings.Join(segments, "/"), url.QueryEscape(ref))

	req, err := g.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")

	op := "failed to get " + path
	resp, err := g.do(op, req)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // Defer close on HTTP response body
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", op, entities.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(op, resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetDownload+1))
	if err != nil {
		return nil, transportError(op, err)
	}
	if len(data) > maxAssetDownload {
		return nil, fmt.Errorf("%s: file exceeds %d bytes", op, maxAssetDownload)
	}
	return data, nil
}

type githubTreeEntry struct {
	Path    string `json:"path"`
	Mode    string `json:"mode"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

type githubObject struct {
	SHA  string `json:"sha"`
	Tree struct {
		SHA string `json:"sha"`
	} `json:"tree"`
}

// CreateCommit builds a tree on top of the parent's tree and commits it
func (g *HTTPGitHubGateway) CreateCommit(ctx context.Context, owner, repo string, commit *gateways.GitCommit) (string, error) {
	repoURL := fmt.Sprintf("%s/repos/%s/%s/git", g.baseURL, owner, repo)

	var parent githubObject
	if _, err := g.getJSON(ctx, "failed to get commit "+commit.Parent, repoURL+"/commits/"+commit.Parent, &parent); err != nil {
		return "", err
	}

	paths := make([]string, 0, len(commit.Files))
	for path := range commit.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	entries := make([]githubTreeEntry, 0, len(paths))
	for _, path := range paths {
		entries = append(entries, githubTreeEntry{Path: path, Mode: "100644", Type: "blob", Content: string(commit.Files[path])})
	}

	var tree githubObject
	treeReq := map[string]interface{}{"base_tree": parent.Tree.SHA, "tree": entries}
	if _, err := g.sendJSON(ctx, "failed to create tree", http.MethodPost, repoURL+"/trees", treeReq, &tree); err != nil {
		return "", err
	}

	var created githubObject
	commitReq := map[string]interface{}{
		"message": commit.Message,
		"tree":    tree.SHA,
		"parents": []string{commit.Parent},
	}
	if _, err := g.sendJSON(ctx, "failed to create commit", http.MethodPost, repoURL+"/commits", commitReq, &created); err != nil {
		return "", err
	}
	return created.SHA, nil
}
