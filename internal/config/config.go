// Package config loads mirror settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
	"github.com/ochairo/treefmt-mirror/internal/domain/services"
	"github.com/ochairo/treefmt-mirror/internal/external-adapters/toml"
)

// DefaultConfigFile is read when present and no --config flag is given
const DefaultConfigFile = "mirror.yaml"

// EnvPrefix prefixes every environment override, e.g. TREEFMT_MIRROR_MIRROR_OWNER
const EnvPrefix = "TREEFMT_MIRROR"

// Config wraps a viper instance with typed accessors
type Config struct {
	v *viper.Viper
}

// Load reads path (or mirror.yaml when path is empty) and layers the environment on top.
// A missing default file is not an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindFallbacks(v); err != nil {
		return nil, err
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	//nolint:gosec // G304: path is the operator-provided config file
	f, err := os.Open(path)
	switch {
	case err == nil:
		//nolint:errcheck // Defer close
		defer f.Close()
		if err := v.ReadConfig(f); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}

	return &Config{v: v}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.owner", "numtide")
	v.SetDefault("upstream.repo", "treefmt")
	v.SetDefault("upstream.binary", "treefmt")
	v.SetDefault("upstream.asset_template", "")
	v.SetDefault("upstream.include_prereleases", false)
	v.SetDefault("upstream.baseline", "")
	v.SetDefault("upstream.baseline_file", "")

	v.SetDefault("package.name", "treefmt-pre-commit")
	v.SetDefault("package.summary", "treefmt binary packaged for pre-commit")
	v.SetDefault("package.home_page", "https://github.com/numtide/treefmt")
	v.SetDefault("package.license", "MIT")
	v.SetDefault("package.revision", 0)

	v.SetDefault("index.upload_url", "")
	v.SetDefault("index.json_url", "")
	v.SetDefault("index.project_url", "")
	v.SetDefault("index.username", "__token__")
	v.SetDefault("index.password", "")

	v.SetDefault("mirror.owner", "")
	v.SetDefault("mirror.repo", "")
	v.SetDefault("mirror.branch", "main")

	v.SetDefault("github.token", "")
	v.SetDefault("github.api_url", "")

	v.SetDefault("state.dir", ".mirror-state")
	v.SetDefault("state.claim_ttl", 2*time.Hour)

	v.SetDefault("build.output_dir", "dist")
	v.SetDefault("build.workspace", "")

	v.SetDefault("retry.max_attempts", services.DefaultMaxAttempts)
	v.SetDefault("retry.initial_delay", services.DefaultInitialDelay)
	v.SetDefault("retry.max_delay", services.DefaultMaxDelay)

	v.SetDefault("signing.key_path", "")
	v.SetDefault("signing.passphrase", "")
}

// bindFallbacks lets the conventional CI variables stand in for prefixed ones.
// The prefixed name wins when both are set.
func bindFallbacks(v *viper.Viper) error {
	bindings := map[string][]string{
		"github.token":   {EnvPrefix + "_GITHUB_TOKEN", "GITHUB_TOKEN", "GH_TOKEN"},
		"index.username": {EnvPrefix + "_INDEX_USERNAME", "TWINE_USERNAME"},
		"index.password": {EnvPrefix + "_INDEX_PASSWORD", "TWINE_PASSWORD"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return nil
}

// UpstreamOwner is the GitHub owner of the upstream project
func (c *Config) UpstreamOwner() string {
	return c.v.GetString("upstream.owner")
}

// UpstreamRepo is the upstream repository name
func (c *Config) UpstreamRepo() string {
	return c.v.GetString("upstream.repo")
}

// BinaryName is the executable name inside release archives
func (c *Config) BinaryName() string {
	return c.v.GetString("upstream.binary")
}

// AssetTemplate overrides the release asset naming pattern
func (c *Config) AssetTemplate() string {
	return c.v.GetString("upstream.asset_template")
}

// IncludePrereleases reports whether prereleases are mirrored
func (c *Config) IncludePrereleases() bool {
	return c.v.GetBool("upstream.include_prereleases")
}

// MirrorOwner is the owner of the mirror repository
func (c *Config) MirrorOwner() string {
	return c.v.GetString("mirror.owner")
}

// MirrorRepo is the mirror repository name
func (c *Config) MirrorRepo() string {
	return c.v.GetString("mirror.repo")
}

// MirrorBranch is the branch that mirror tags are cut from
func (c *Config) MirrorBranch() string {
	return c.v.GetString("mirror.branch")
}

// GitHubToken authenticates GitHub API calls
func (c *Config) GitHubToken() string {
	return c.v.GetString("github.token")
}

// GitHubAPIURL overrides the GitHub API base URL
func (c *Config) GitHubAPIURL() string {
	return c.v.GetString("github.api_url")
}

// StateDir is the mirror state directory
func (c *Config) StateDir() string {
	return c.v.GetString("state.dir")
}

// ClaimTTL bounds how long a claim blocks other runs
func (c *Config) ClaimTTL() time.Duration {
	return c.v.GetDuration("state.claim_ttl")
}

// OutputDir is where built wheels are written
func (c *Config) OutputDir() string {
	return c.v.GetString("build.output_dir")
}

// WorkspaceDir is the scratch directory for downloads
func (c *Config) WorkspaceDir() string {
	return c.v.GetString("build.workspace")
}

// SigningKeyPath is the armored private key for SHA256SUMS
func (c *Config) SigningKeyPath() string {
	return c.v.GetString("signing.key_path")
}

// SigningPassphrase unlocks the signing key
func (c *Config) SigningPassphrase() string {
	return c.v.GetString("signing.passphrase")
}

// IndexUploadURL is the package index upload endpoint
func (c *Config) IndexUploadURL() string {
	return c.v.GetString("index.upload_url")
}

// IndexJSONURL is the package index JSON API base
func (c *Config) IndexJSONURL() string {
	return c.v.GetString("index.json_url")
}

// IndexProjectURL is the public project page base
func (c *Config) IndexProjectURL() string {
	return c.v.GetString("index.project_url")
}

// IndexUsername is the package index user
func (c *Config) IndexUsername() string {
	return c.v.GetString("index.username")
}

// IndexPassword is the package index password or API token
func (c *Config) IndexPassword() string {
	return c.v.GetString("index.password")
}

// Package returns the wrapper package metadata
func (c *Config) Package() entities.PackageSpec {
	return entities.PackageSpec{
		Name:     c.v.GetString("package.name"),
		Summary:  c.v.GetString("package.summary"),
		HomePage: c.v.GetString("package.home_page"),
		License:  c.v.GetString("package.license"),
		Revision: c.v.GetInt("package.revision"),
	}
}

// RetryPolicy builds the backoff policy shared by every network step
func (c *Config) RetryPolicy() services.RetryPolicy {
	p := services.DefaultRetryPolicy()
	p.MaxAttempts = c.v.GetInt("retry.max_attempts")
	p.InitialDelay = c.v.GetDuration("retry.initial_delay")
	p.MaxDelay = c.v.GetDuration("retry.max_delay")
	return p
}

// Baseline is the version floor: upstream.baseline when set,
// otherwise [project].version of upstream.baseline_file. A wrapper
// revision ("2.4.0.4") is dropped.
func (c *Config) Baseline() (string, error) {
	if b := c.v.GetString("upstream.baseline"); b != "" {
		v, err := services.UpstreamVersion(b)
		if err != nil {
			return "", fmt.Errorf("invalid upstream.baseline: %w", err)
		}
		return v, nil
	}
	if file := c.v.GetString("upstream.baseline_file"); file != "" {
		b, err := toml.BaselineVersion(file)
		if err != nil {
			return "", err
		}
		v, err := services.UpstreamVersion(b)
		if err != nil {
			return "", fmt.Errorf("invalid version in %s: %w", file, err)
		}
		return v, nil
	}
	return "", nil
}

// ValidateForPublish reports settings that a publishing run cannot do without
func (c *Config) ValidateForPublish() error {
	var missing []string
	if c.MirrorOwner() == "" {
		missing = append(missing, "mirror.owner")
	}
	if c.MirrorRepo() == "" {
		missing = append(missing, "mirror.repo")
	}
	if c.GitHubToken() == "" {
		missing = append(missing, "github.token")
	}
	if c.IndexPassword() == "" {
		missing = append(missing, "index.password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.Package().Revision < 0 {
		return fmt.Errorf("package.revision must not be negative")
	}
	return nil
}
