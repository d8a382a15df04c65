package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces/gateways"
)

// Test creating a new GitHub gateway
func TestNewHTTPGitHubGateway(t *testing.T) {
	gateway := NewHTTPGitHubGateway("test-token", "", nil)

	if gateway == nil {
		t.Fatal("NewHTTPGitHubGateway returned nil")
	}
	if gateway.token != "test-token" {
		t.Errorf("Token = %s, want test-token", gateway.token)
	}
	if gateway.baseURL != DefaultGitHubAPIURL {
		t.Errorf("baseURL = %s, want %s", gateway.baseURL, DefaultGitHubAPIURL)
	}
}

func TestGitHubGateway_ListReleases_FollowsPagination(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/numtide/treefmt/releases" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "token test-token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}

		var page []githubRelease
		if r.URL.Query().Get("page") == "2" {
			page = []githubRelease{{ID: 2, TagName: "v2.0.0"}}
		} else {
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/numtide/treefmt/releases?per_page=100&page=2>; rel="next", <%s/last>; rel="last"`, server.URL, server.URL))
			page = []githubRelease{{
				ID:      3,
				TagName: "v2.1.0",
				Assets: []githubAsset{{
					Name:               "treefmt_2.1.0_linux_amd64.tar.gz",
					Digest:             "sha256:abc",
					BrowserDownloadURL: "https://example.invalid/a.tar.gz",
				}},
			}}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	gateway := NewHTTPGitHubGateway("test-token", server.URL, nil)
	releases, err := gateway.ListReleases(context.Background(), "numtide", "treefmt")
	if err != nil {
		t.Fatalf("ListReleases failed: %v", err)
	}

	if len(releases) != 2 {
		t.Fatalf("len(releases) = %d, want 2", len(releases))
	}
	if releases[0].TagName != "v2.1.0" || releases[1].TagName != "v2.0.0" {
		t.Errorf("tags = %s, %s", releases[0].TagName, releases[1].TagName)
	}
	if len(releases[0].Assets) != 1 || releases[0].Assets[0].Digest != "sha256:abc" {
		t.Errorf("assets = %+v, want one asset with digest", releases[0].Assets)
	}
}

// Test create release with API error
func TestGitHubGateway_CreateRelease_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "Validation Failed"}`))
	}))
	defer server.Close()

	gateway := NewHTTPGitHubGateway("test-token", server.URL, nil)

	release := &gateways.GitHubRelease{
		TagName: "v1.0.0",
		Name:    "v1.0.0",
	}

	_, err := gateway.CreateRelease(context.Background(), "test", "repo", release)
	if err == nil {
		t.Fatal("Expected error for API failure, got nil")
	}
	if gateways.IsTemporary(err) {
		t.Error("422 should not be temporary")
	}
}

// Test get release not found
func TestGitHubGateway_GetRelease_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	}))
	defer server.Close()

	gateway := NewHTTPGitHubGateway("test-token", server.URL, nil)

	_, err := gateway.GetRelease(context.Background(), "test", "repo", "nonexistent")
	if !errors.Is(err, entities.ErrNotFound) {
		t.Fatalf("GetRelease error = %v, want ErrNotFound", err)
	}
}

func TestGitHubGateway_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		headers       map[string]string
		wantTemporary bool
		wantAuth      bool
	}{
		{"server error", http.StatusBadGateway, nil, true, false},
		{"too many requests", http.StatusTooManyRequests, nil, true, false},
		{"rate limit exhausted", http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0", "X-RateLimit-Reset": "1700000000"}, true, false},
		{"forbidden", http.StatusForbidden, nil, false, true},
		{"unauthorized", http.StatusUnauthorized, nil, false, true},
		{"bad request", http.StatusBadRequest, nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			gateway := NewHTTPGitHubGateway("", server.URL, nil)
			_, err := gateway.ListReleases(context.Background(), "o", "r")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := gateways.IsTemporary(err); got != tt.wantTemporary {
				t.Errorf("IsTemporary() = %v, want %v (err: %v)", got, tt.wantTemporary, err)
			}
			if got := gateways.IsUnauthorized(err); got != tt.wantAuth {
				t.Errorf("IsUnauthorized() = %v, want %v", got, tt.wantAuth)
			}
		})
	}
}

func TestGitHubGateway_NetworkErrorIsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	gateway := NewHTTPGitHubGateway("", url, nil)
	_, err := gateway.ListReleases(context.Background(), "o", "r")
	if !gateways.IsTemporary(err) {
		t.Errorf("connection refused should be temporary, got %v", err)
	}
}

func TestGitHubGateway_CancelledIsNotTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gateway := NewHTTPGitHubGateway("", server.URL, nil)
	_, err := gateway.ListReleases(ctx, "o", "r")
	if err == nil || gateways.IsTemporary(err) {
		t.Errorf("cancelled request should fail permanently, got %v", err)
	}
}

// Test upload asset
func TestGitHubGateway_UploadAsset_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Method = %s, want POST", r.Method)
		}
		if r.URL.Query().Get("name") != "SHA256SUMS" {
			t.Errorf("name = %s, want SHA256SUMS", r.URL.Query().Get("name"))
		}

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(githubAsset{
			ID:    456,
			Name:  "SHA256SUMS",
			State: "uploaded",
			Size:  12,
		})
	}))
	defer server.Close()

	gateway := NewHTTPGitHubGateway("test-token", server.URL, nil)

	result, err := gateway.UploadAsset(context.Background(), server.URL+"/assets{?name,label}", "SHA256SUMS", bytes.NewReader([]byte("test content")))
	if err != nil {
		t.Fatalf("UploadAsset failed: %v", err)
	}
	if result.Name != "SHA256SUMS" {
		t.Errorf("Asset name = %s, want SHA256SUMS", result.Name)
	}
	if result.State != "uploaded" {
		t.Errorf("Asset state = %s, want uploaded", result.State)
	}
}

func TestGitHubGateway_UploadAsset_Duplicate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed","errors":[{"resource":"ReleaseAsset","code":"already_exists","field":"name"}]}`))
	}))
	defer server.Close()

	gateway := NewHTTPGitHubGateway("test-token", server.URL, nil)
	_, err := gateway.UploadAsset(context.Background(), server.URL, "SHA256SUMS", strings.NewReader("x"))
	if !errors.Is(err, entities.ErrAlreadyExists) {
		t.Fatalf("UploadAsset error = %v, want ErrAlreadyExists", err)
	}
}

// Test upload asset with invalid URL
func TestGitHubGateway_UploadAsset_InvalidURL(t *testing.T) {
	gateway := NewHTTPGitHubGateway("test-token", "", nil)

	_, err := gateway.UploadAsset(context.Background(), "://invalid-url", "test.whl", strings.NewReader("test"))
	if err == nil {
		t.Fatal("Expected error for invalid URL, got nil")
	}
	if !strings.Contains(err.Error(), "invalid upload URL") {
		t.Errorf("Expected 'invalid upload URL' error, got: %v", err)
	}
}

func TestGitHubGateway_Refs(t *testing.T) {
	created := map[string]string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/o/r/git/ref/heads/main":
			_, _ = w.Write([]byte(`{"ref":"refs/heads/main","object":{"sha":"deadbeef","type":"commit"}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/repos/o/r/git/refs":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if _, ok := created[body["ref"]]; ok {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"message":"Reference already exists"}`))
				return
			}
			created[body["ref"]] = body["sha"]
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	gateway := NewHTTPGitHubGateway("t", server.URL, nil)
	ctx := context.Background()

	sha, err := gateway.GetRef(ctx, "o", "r", "heads/main")
	if err != nil || sha != "deadbeef" {
		t.Fatalf("GetRef() = %q, %v", sha, err)
	}

	if err := gateway.CreateRef(ctx, "o", "r", "refs/tags/v1.0.0", sha); err != nil {
		t.Fatalf("CreateRef() error = %v", err)
	}
	if created["refs/tags/v1.0.0"] != "deadbeef" {
		t.Errorf("created refs = %v", created)
	}

	err = gateway.CreateRef(ctx, "o", "r", "refs/tags/v1.0.0", sha)
	if !errors.Is(err, entities.ErrAlreadyExists) {
		t.Errorf("second CreateRef() error = %v, want ErrAlreadyExists", err)
	}
}

func TestGitHubGateway_CommitAndFastForward(t *testing.T) {
	var treeReq struct {
		BaseTree string            `json:"base_tree"`
		Tree     []githubTreeEntry `json:"tree"`
	}
	var commitReq struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}
	head := "parent1"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/o/r/contents/pyproject.toml":
			if r.URL.Query().Get("ref") != "parent1" || !strings.Contains(r.Header.Get("Accept"), "raw") {
				t.Errorf("contents request = %s, Accept %q", r.URL, r.Header.Get("Accept"))
			}
			_, _ = w.Write([]byte("[project]\nversion = \"2.0.0\"\n"))
		case r.Method == http.MethodGet && r.URL.Path == "/repos/o/r/git/commits/parent1":
			_, _ = w.Write([]byte(`{"sha":"parent1","tree":{"sha":"tree1"}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/repos/o/r/git/trees":
			_ = json.NewDecoder(r.Body).Decode(&treeReq)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"sha":"tree2"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/repos/o/r/git/commits":
			_ = json.NewDecoder(r.Body).Decode(&commitReq)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"sha":"commit2"}`))
		case r.Method == http.MethodPatch && r.URL.Path == "/repos/o/r/git/refs/heads/main":
			var body struct {
				SHA   string `json:"sha"`
				Force bool   `json:"force"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Force {
				t.Error("UpdateRef() forced the branch")
			}
			if head != "parent1" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"message":"Update is not a fast forward"}`))
				return
			}
			head = body.SHA
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	gateway := NewHTTPGitHubGateway("t", server.URL, nil)
	ctx := context.Background()

	content, err := gateway.GetFileContent(ctx, "o", "r", "pyproject.toml", "parent1")
	if err != nil || !strings.Contains(string(content), `version = "2.0.0"`) {
		t.Fatalf("GetFileContent() = %q, %v", content, err)
	}
	if _, err := gateway.GetFileContent(ctx, "o", "r", "README.md", "parent1"); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("GetFileContent(missing) error = %v, want ErrNotFound", err)
	}

	sha, err := gateway.CreateCommit(ctx, "o", "r", &gateways.GitCommit{
		Parent:  "parent1",
		Message: "Mirror: 2.1.0",
		Files: map[string][]byte{
			"pyproject.toml": []byte("[project]\nversion = \"2.1.0\"\n"),
			"README.md":      []byte("rev: v2.1.0\n"),
		},
	})
	if err != nil || sha != "commit2" {
		t.Fatalf("CreateCommit() = %q, %v", sha, err)
	}
	if treeReq.BaseTree != "tree1" || len(treeReq.Tree) != 2 || treeReq.Tree[0].Path != "README.md" || treeReq.Tree[1].Mode != "100644" {
		t.Errorf("tree request = %+v", treeReq)
	}
	if commitReq.Message != "Mirror: 2.1.0" || commitReq.Tree != "tree2" || len(commitReq.Parents) != 1 || commitReq.Parents[0] != "parent1" {
		t.Errorf("commit request = %+v", commitReq)
	}

	if err := gateway.UpdateRef(ctx, "o", "r", "heads/main", sha); err != nil {
		t.Fatalf("UpdateRef() error = %v", err)
	}
	if head != "commit2" {
		t.Errorf("head = %s", head)
	}
	if err := gateway.UpdateRef(ctx, "o", "r", "heads/main", "stale"); !errors.Is(err, gateways.ErrNotFastForward) {
		t.Errorf("UpdateRef(moved) error = %v, want ErrNotFastForward", err)
	}
}

func TestGitHubGateway_DownloadAsset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("abc  treefmt_2.4.0_linux_amd64.tar.gz\n"))
	}))
	defer server.Close()

	gateway := NewHTTPGitHubGateway("", server.URL, nil)

	data, err := gateway.DownloadAsset(context.Background(), server.URL+"/checksums.txt")
	if err != nil {
		t.Fatalf("DownloadAsset failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "abc") {
		t.Errorf("data = %q", data)
	}

	if _, err := gateway.DownloadAsset(context.Background(), server.URL+"/missing"); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("DownloadAsset(missing) error = %v, want ErrNotFound", err)
	}
}
