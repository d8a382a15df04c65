package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/interfaces/gateways"
)

// Default PyPI endpoints
const (
	DefaultIndexUploadURL  = "https://upload.pypi.org/legacy/"
	DefaultIndexJSONURL    = "https://pypi.org/pypi"
	DefaultIndexProjectURL = "https://pypi.org/project"
)

// PyPIIndex implements PackageIndex against the PyPI JSON API and legacy upload endpoint.
// Every call is a single attempt; retries belong to the caller's RetryPolicy.
type PyPIIndex struct {
	client     *http.Client
	uploadURL  string
	jsonURL    string
	projectURL string
	username   string
	password   string
	userAgent  string
}

// PyPIConfig configures a PyPIIndex
type PyPIConfig struct {
	UploadURL  string
	JSONURL    string
	ProjectURL string
	Username   string
	Password   string
}

// NewPyPIIndex creates a package index client; empty URLs select pypi.org
func NewPyPIIndex(cfg PyPIConfig) *PyPIIndex {
	idx := &PyPIIndex{
		client:     &http.Client{Timeout: 5 * time.Minute},
		uploadURL:  cfg.UploadURL,
		jsonURL:    strings.TrimRight(cfg.JSONURL, "/"),
		projectURL: strings.TrimRight(cfg.ProjectURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		userAgent:  "treefmt-mirror/1.0",
	}
	if idx.uploadURL == "" {
		idx.uploadURL = DefaultIndexUploadURL
	}
	if idx.jsonURL == "" {
		idx.jsonURL = DefaultIndexJSONURL
	}
	if idx.projectURL == "" {
		idx.projectURL = DefaultIndexProjectURL
	}
	if idx.username == "" && idx.password != "" {
		idx.username = "__token__"
	}
	return idx
}

type pypiRelease struct {
	URLs []struct {
		Filename string `json:"filename"`
		URL      string `json:"url"`
		Digests  struct {
			SHA256 string `json:"sha256"`
		} `json:"digests"`
	} `json:"urls"`
}

// ListFiles lists files published for project/version; empty when the version is unknown
func (p *PyPIIndex) ListFiles(ctx context.Context, project, version string) ([]gateways.IndexFile, error) {
	rawURL := fmt.Sprintf("%s/%s/%s/json", p.jsonURL, url.PathEscape(project), url.PathEscape(version))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", p.userAgent)

	op := "failed to list index files"
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	//nolint:errcheck // Defer close on HTTP response body
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(op, resp)
	}

	var release pypiRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("%s: failed to decode response: %w", op, err)
	}

	files := make([]gateways.IndexFile, 0, len(release.URLs))
	for _, u := range release.URLs {
		files = append(files, gateways.IndexFile{
			Filename: u.Filename,
			URL:      u.URL,
			SHA256:   u.Digests.SHA256,
		})
	}
	return files, nil
}

// Upload publishes a wheel through the legacy upload API
func (p *PyPIIndex) Upload(ctx context.Context, upload gateways.UploadRequest) (*gateways.IndexFile, error) {
	body, contentType, err := p.uploadBody(upload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.uploadURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", p.userAgent)
	req.ContentLength = int64(body.Len())
	req.SetBasicAuth(p.username, p.password)

	op := "failed to upload " + upload.Filename
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	//nolint:errcheck // Defer close on HTTP response body
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		herr := responseError(op, resp)
		if resp.StatusCode == http.StatusBadRequest && isAlreadyExists(resp.Status, herr.Body) {
			return nil, fmt.Errorf("%s: %w", op, entities.ErrAlreadyExists)
		}
		return nil, herr
	}

	return &gateways.IndexFile{
		Filename: upload.Filename,
		URL:      p.ProjectURL(upload.Project, upload.Version),
		SHA256:   upload.SHA256,
	}, nil
}

// ProjectURL is the human-facing page of a project version
func (p *PyPIIndex) ProjectURL(project, version string) string {
	return fmt.Sprintf("%s/%s/%s/", p.projectURL, url.PathEscape(project), url.PathEscape(version))
}

func (p *PyPIIndex) uploadBody(upload gateways.UploadRequest) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{":action", "file_upload"},
		{"protocol_version", "1"},
		{"metadata_version", "2.1"},
		{"name", upload.Project},
		{"version", upload.Version},
		{"filetype", "bdist_wheel"},
		{"pyversion", "py3"},
		{"sha256_digest", upload.SHA256},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	part, err := mw.CreateFormFile("content", upload.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create content part: %w", err)
	}
	if _, err := io.Copy(part, upload.Content); err != nil {
		return nil, "", fmt.Errorf("failed to read content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	return &buf, mw.FormDataContentType(), nil
}

// isAlreadyExists matches PyPI's "400 File already exists" rejection
func isAlreadyExists(status, body string) bool {
	s := strings.ToLower(status + " " + body)
	return strings.Contains(s, "already exists")
}
