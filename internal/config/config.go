package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file name looked up by FindConfigFile.
const FileName = "srvlaunch.yaml"

// Config is the top-level configuration
type Config struct {
	Release  ReleaseConfig  `yaml:"release"`
	Install  InstallConfig  `yaml:"install"`
	Download DownloadConfig `yaml:"download"`
	Java     JavaConfig     `yaml:"java"`
}

// ReleaseConfig identifies the GitHub repository and asset to launch
type ReleaseConfig struct {
	Owner           string `yaml:"owner"`
	Repo            string `yaml:"repo"`
	Tag             string `yaml:"tag,omitempty"`
	AssetPattern    string `yaml:"asset_pattern"`
	AllowPrerelease bool   `yaml:"allow_prerelease"`
	APIBaseURL      string `yaml:"api_base_url"`
	Token           string `yaml:"token,omitempty"`
}

// InstallConfig holds the install location and the state of the last download
type InstallConfig struct {
	Dir       string `yaml:"dir"`
	DBPath    string `yaml:"db_path,omitempty"`
	LastHash  string `yaml:"last_hash,omitempty"`
	LastTag   string `yaml:"last_tag,omitempty"`
	LastAsset string `yaml:"last_asset,omitempty"`
}

// MirrorConfig is a named proxy prefix for GitHub download URLs
type MirrorConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
}

// DownloadConfig holds mirror probing and download settings
type DownloadConfig struct {
	Workers       int            `yaml:"workers"`
	Probe         bool           `yaml:"probe"`
	IncludeOrigin bool           `yaml:"include_origin"`
	Mirrors       []MirrorConfig `yaml:"mirrors"`
	Timeout       string         `yaml:"timeout,omitempty"`
	LimitRate     string         `yaml:"limit_rate,omitempty"`
}

// JavaConfig holds the command line used to start the server
type JavaConfig struct {
	Path       string   `yaml:"path"`
	JVMArgs    []string `yaml:"jvm_args"`
	ServerArgs []string `yaml:"server_args"`
}

// DefaultMirrors is the built-in set of GitHub download proxies.
var DefaultMirrors = []MirrorConfig{
	{Name: "ghproxy", BaseURL: "https://ghproxy.net"},
	{Name: "ghfast", BaseURL: "https://ghfast.top"},
	{Name: "gh-proxy", BaseURL: "https://gh-proxy.com"},
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	mirrors := make([]MirrorConfig, len(DefaultMirrors))
	copy(mirrors, DefaultMirrors)

	return &Config{
		Release: ReleaseConfig{
			AssetPattern: "*.jar",
			APIBaseURL:   "https://api.github.com",
		},
		Install: InstallConfig{
			Dir: "server",
		},
		Download: DownloadConfig{
			Workers:       8,
			Probe:         true,
			IncludeOrigin: true,
			Mirrors:       mirrors,
		},
		Java: JavaConfig{
			Path:       "java",
			JVMArgs:    []string{"-Xms1G", "-Xmx2G"},
			ServerArgs: []string{"nogui"},
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Save writes the config to path. The file is replaced atomically so an
// interrupted save never leaves a truncated config behind.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}

// UpdateLastDownload records the last downloaded artifact in the config
// file at path. Only install.last_hash, install.last_tag and
// install.last_asset are written; other keys and comments are kept as they
// are on disk. A missing file is created from defaults.
func UpdateLastDownload(path, hash, tag, asset string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultConfig()
		cfg.Install.LastHash = hash
		cfg.Install.LastTag = tag
		cfg.Install.LastAsset = asset
		return cfg.Save(path)
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config file %s is not a mapping", path)
	}

	install := mappingValue(root, "install")
	if install == nil {
		install = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		root.Content = append(root.Content, stringNode("install"), install)
	}
	if install.Kind == yaml.ScalarNode && install.Tag == "!!null" {
		install.Kind, install.Tag, install.Value = yaml.MappingNode, "!!map", ""
	}
	if install.Kind != yaml.MappingNode {
		return fmt.Errorf("config key install is not a mapping")
	}
	setString(install, "last_hash", hash)
	setString(install, "last_tag", tag)
	setString(install, "last_asset", asset)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return writeFileAtomic(path, buf.Bytes())
}

// mappingValue returns the value node for key in mapping m, or nil.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setString(m *yaml.Node, key, value string) {
	if v := mappingValue(m, key); v != nil {
		v.Kind = yaml.ScalarNode
		v.Tag = "!!str"
		v.Style = 0
		v.Value = value
		v.Content = nil
		return
	}
	m.Content = append(m.Content, stringNode(key), stringNode(value))
}

func stringNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{FileName}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "srvlaunch", FileName),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks that the fields needed to resolve and launch a release are set
func (c *Config) Validate() error {
	if c.Release.Owner == "" || c.Release.Repo == "" {
		return fmt.Errorf("release.owner and release.repo are required")
	}
	if c.Release.AssetPattern == "" {
		return fmt.Errorf("release.asset_pattern is required")
	}
	if c.Install.Dir == "" {
		return fmt.Errorf("install.dir is required")
	}
	if c.Download.Workers < 1 {
		return fmt.Errorf("download.workers must be at least 1, got %d", c.Download.Workers)
	}
	if _, err := c.DownloadTimeout(); err != nil {
		return err
	}
	if _, err := c.LimitRate(); err != nil {
		return err
	}
	for i, m := range c.Download.Mirrors {
		if m.Name == "" || m.BaseURL == "" {
			return fmt.Errorf("download.mirrors[%d]: name and base_url are required", i)
		}
		if m.Name == "origin" {
			return fmt.Errorf("download.mirrors[%d]: name %q is reserved", i, m.Name)
		}
	}
	if c.Java.Path == "" {
		return fmt.Errorf("java.path is required")
	}
	return nil
}

// DownloadTimeout returns the overall timeout for the artifact download.
// Zero means no timeout.
func (c *Config) DownloadTimeout() (time.Duration, error) {
	if strings.TrimSpace(c.Download.Timeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Download.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid download.timeout %q: %w", c.Download.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative download.timeout: %s", c.Download.Timeout)
	}
	return d, nil
}

// DBPath returns the launch history database path, defaulting to a file
// inside the install directory.
func (c *Config) DBPath() string {
	if c.Install.DBPath != "" {
		return c.Install.DBPath
	}
	return filepath.Join(c.Install.Dir, ".srvlaunch.db")
}

// Set assigns a value using dot-notation for nested keys.
// List values are comma-separated.
func (c *Config) Set(key, value string) error {
	switch key {
	case "release.owner":
		c.Release.Owner = value
	case "release.repo":
		c.Release.Repo = value
	case "release.tag":
		c.Release.Tag = value
	case "release.asset_pattern":
		c.Release.AssetPattern = value
	case "release.allow_prerelease":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", key, err)
		}
		c.Release.AllowPrerelease = b
	case "release.api_base_url":
		c.Release.APIBaseURL = value
	case "release.token":
		c.Release.Token = value
	case "install.dir":
		c.Install.Dir = value
	case "install.db_path":
		c.Install.DBPath = value
	case "download.workers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		c.Download.Workers = n
	case "download.probe":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", key, err)
		}
		c.Download.Probe = b
	case "download.include_origin":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", key, err)
		}
		c.Download.IncludeOrigin = b
	case "download.timeout":
		c.Download.Timeout = value
	case "download.limit_rate":
		c.Download.LimitRate = value
	case "java.path":
		c.Java.Path = value
	case "java.jvm_args":
		c.Java.JVMArgs = splitList(value)
	case "java.server_args":
		c.Java.ServerArgs = splitList(value)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
