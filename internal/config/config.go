package config

import (
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Role selects which remote a working copy tracks.
type Role string

const (
	// RoleStudent tracks the class master repository through the upstream
	// remote and pushes to a personal origin.
	RoleStudent Role = "student"
	// RoleInstructor works directly on a clone of the master repository.
	RoleInstructor Role = "instructor"
)

// ProviderKind selects where course metadata comes from.
type ProviderKind string

const (
	ProviderFile ProviderKind = "file"
	ProviderHTTP ProviderKind = "http"
)

// Config represents the complete coursesyncd configuration
type Config struct {
	Repo     RepoConfig     `yaml:"repo"`
	Course   CourseConfig   `yaml:"course"`
	Sync     SyncConfig     `yaml:"sync"`
	Auth     AuthConfig     `yaml:"auth"`
	Identity IdentityConfig `yaml:"identity"`
	Serve    ServeConfig    `yaml:"serve"`
}

// RepoConfig describes the working copy and its remotes
type RepoConfig struct {
	Root           string `yaml:"root"`
	Role           Role   `yaml:"role"`
	MainBranch     string `yaml:"main_branch"`
	UpstreamRemote string `yaml:"upstream_remote"`
	OriginRemote   string `yaml:"origin_remote"`
	// UpstreamURL is the class master repository. When empty, setup asks the
	// course provider for it.
	UpstreamURL string `yaml:"upstream_url"`
	OriginURL   string `yaml:"origin_url"`
}

// CourseConfig configures the course metadata provider
type CourseConfig struct {
	Provider  ProviderKind  `yaml:"provider"`
	File      string        `yaml:"file"`
	APIURL    string        `yaml:"api_url"`
	TokenFile string        `yaml:"token_file"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SyncConfig configures the background sync loop
type SyncConfig struct {
	Interval        time.Duration `yaml:"interval"`
	FetchRetries    int           `yaml:"fetch_retries"`
	FetchRetryDelay time.Duration `yaml:"fetch_retry_delay"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	SSHCommand     string `yaml:"ssh_command"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// IdentityConfig is the author and committer identity written by setup
type IdentityConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// ServeConfig configures the HTTP surface of the daemon
type ServeConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	WebhookSecretFile string        `yaml:"webhook_secret_file"`
	AllowedEventTypes []string      `yaml:"allowed_event_types"`
	AllowedRefs       []string      `yaml:"allowed_refs"`
	Debounce          time.Duration `yaml:"debounce"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.Root = os.ExpandEnv(c.Repo.Root)
	c.Repo.UpstreamURL = os.ExpandEnv(c.Repo.UpstreamURL)
	c.Repo.OriginURL = os.ExpandEnv(c.Repo.OriginURL)
	c.Course.File = os.ExpandEnv(c.Course.File)
	c.Course.APIURL = os.ExpandEnv(c.Course.APIURL)
	c.Course.TokenFile = os.ExpandEnv(c.Course.TokenFile)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Identity.Name = os.ExpandEnv(c.Identity.Name)
	c.Identity.Email = os.ExpandEnv(c.Identity.Email)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Role == "" {
		c.Repo.Role = RoleStudent
	}
	if c.Repo.MainBranch == "" {
		c.Repo.MainBranch = "main"
	}
	if c.Repo.UpstreamRemote == "" {
		c.Repo.UpstreamRemote = "upstream"
	}
	if c.Repo.OriginRemote == "" {
		c.Repo.OriginRemote = "origin"
	}
	if c.Course.Provider == "" {
		c.Course.Provider = ProviderFile
	}
	if c.Course.Timeout == 0 {
		c.Course.Timeout = 10 * time.Second
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 60 * time.Second
	}
	if c.Sync.FetchRetries == 0 {
		c.Sync.FetchRetries = 3
	}
	if c.Sync.FetchRetryDelay == 0 {
		c.Sync.FetchRetryDelay = 2 * time.Second
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = 5 * time.Second
	}
}

// validator checks one aspect of a configuration.
type validator func(*Config) error

// newValidators returns the rules applied by Validate, in order.
func newValidators() []validator {
	return []validator{
		validateRepo,
		validateCourse,
		validateSync,
		validateAuth,
		validateIdentity,
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	for _, v := range newValidators() {
		if err := v(c); err != nil {
			return err
		}
	}
	return nil
}

// ValidateServe checks the settings only the serve command needs.
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.WebhookSecretFile != "" && !filepath.IsAbs(c.Serve.WebhookSecretFile) {
		return fmt.Errorf("serve.webhook_secret_file must be an absolute path: %s", c.Serve.WebhookSecretFile)
	}
	if c.Serve.Debounce < 0 {
		return fmt.Errorf("serve.debounce must not be negative")
	}
	return nil
}

func validateRepo(c *Config) error {
	if c.Repo.Root == "" {
		return fmt.Errorf("repo.root is required")
	}
	if !filepath.IsAbs(c.Repo.Root) {
		return fmt.Errorf("repo.root must be an absolute path: %s", c.Repo.Root)
	}
	switch c.Repo.Role {
	case RoleStudent, RoleInstructor:
		// valid
	default:
		return fmt.Errorf("invalid repo.role: %s (must be student or instructor)", c.Repo.Role)
	}
	if c.Repo.UpstreamRemote == c.Repo.OriginRemote {
		return fmt.Errorf("repo.upstream_remote and repo.origin_remote must differ")
	}
	return nil
}

func validateCourse(c *Config) error {
	switch c.Course.Provider {
	case ProviderFile:
		if c.Course.File == "" {
			return fmt.Errorf("course.file is required for the file provider")
		}
	case ProviderHTTP:
		if c.Course.APIURL == "" {
			return fmt.Errorf("course.api_url is required for the http provider")
		}
	default:
		return fmt.Errorf("invalid course.provider: %s (must be file or http)", c.Course.Provider)
	}
	if c.Course.Timeout < 0 {
		return fmt.Errorf("course.timeout must not be negative")
	}
	return nil
}

func validateSync(c *Config) error {
	if c.Sync.Interval < time.Second {
		return fmt.Errorf("sync.interval must be at least 1s, got %s", c.Sync.Interval)
	}
	if c.Sync.FetchRetries < 0 {
		return fmt.Errorf("sync.fetch_retries must not be negative")
	}
	return nil
}

func validateAuth(c *Config) error {
	set := 0
	for _, v := range []string{c.Auth.SSHKeyFile, c.Auth.SSHCommand, c.Auth.HTTPSTokenFile} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("auth: only one of ssh_key_file, ssh_command or https_token_file may be set")
	}
	return nil
}

func validateIdentity(c *Config) error {
	if c.Identity.Email == "" {
		return nil
	}
	if _, err := mail.ParseAddress(c.Identity.Email); err != nil {
		return fmt.Errorf("identity.email is not a valid address: %w", err)
	}
	return nil
}

// TrackingRemote returns the remote whose main branch is merged into the
// local main branch.
func (c *Config) TrackingRemote() string {
	if c.Repo.Role == RoleInstructor {
		return c.Repo.OriginRemote
	}
	return c.Repo.UpstreamRemote
}

// TrackingBranch returns the short name of the tracking branch, e.g. upstream/main.
func (c *Config) TrackingBranch() string {
	return c.TrackingRemote() + "/" + c.Repo.MainBranch
}

// TrackingRef returns the full ref of the tracking branch.
func (c *Config) TrackingRef() string {
	return "refs/remotes/" + c.TrackingBranch()
}

// MainRef returns the full ref of the local main branch.
func (c *Config) MainRef() string {
	return "refs/heads/" + c.Repo.MainBranch
}

// FetchRemotes lists the remotes refreshed at the start of every pass. The
// tracking remote comes first.
func (c *Config) FetchRemotes() []string {
	if c.Repo.Role == RoleStudent {
		return []string{c.Repo.UpstreamRemote, c.Repo.OriginRemote}
	}
	return []string{c.Repo.OriginRemote}
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	switch {
	case c.Auth.SSHCommand != "":
		return "ssh-command"
	case c.Auth.SSHKeyFile != "":
		return "ssh"
	case c.Auth.HTTPSTokenFile != "":
		return "https"
	}
	return "none"
}

// DefaultPath returns the configuration path used when none is given.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "coursesyncd", "config.yaml")
	}
	return filepath.Join("$HOME", ".config", "coursesyncd", "config.yaml")
}
