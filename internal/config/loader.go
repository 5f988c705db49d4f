package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/kebairia/rbackup/internal/catalog"
)

// EnvPrefix prefixes environment overrides, e.g. RBACKUP_BACKUP_PARALLELISM.
const EnvPrefix = "RBACKUP"

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// Config represents the top-level YAML configuration file.
type Config struct {
	Include   []string        `mapstructure:"include"   yaml:"include,omitempty"`
	Catalog   CatalogConfig   `mapstructure:"catalog"   yaml:"catalog"`
	Backup    BackupConfig    `mapstructure:"backup"    yaml:"backup"`
	Rsync     RsyncConfig     `mapstructure:"rsync"     yaml:"rsync"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Archive   ArchiveConfig   `mapstructure:"archive"   yaml:"archive"`
	Vault     VaultConfig     `mapstructure:"vault"     yaml:"vault"`
	Log       LogConfig       `mapstructure:"log"       yaml:"log"`
}

// CatalogConfig locates the destination root and its catalog.
type CatalogConfig struct {
	Root        string        `mapstructure:"root"         yaml:"root"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
}

// BackupConfig contains the defaults of every backup run.
type BackupConfig struct {
	Mode            string        `mapstructure:"mode"             yaml:"mode"`
	OS              string        `mapstructure:"os"               yaml:"os"`
	Data            []string      `mapstructure:"data"             yaml:"data"`
	Hosts           []string      `mapstructure:"hosts"            yaml:"hosts,omitempty"`
	HostFile        string        `mapstructure:"host_file"        yaml:"host_file,omitempty"`
	User            string        `mapstructure:"user"             yaml:"user"`
	Port            int           `mapstructure:"port"             yaml:"port"`
	IdentityFile    string        `mapstructure:"identity_file"    yaml:"identity_file,omitempty"`
	Parallelism     int           `mapstructure:"parallelism"      yaml:"parallelism"`
	SkipError       bool          `mapstructure:"skip_error"       yaml:"skip_error"`
	TimestampFormat string        `mapstructure:"timestamp_format" yaml:"timestamp_format"`
	Probe           bool          `mapstructure:"probe"            yaml:"probe"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"    yaml:"probe_timeout"`
	Exclude         []string      `mapstructure:"exclude"          yaml:"exclude,omitempty"`
}

// RsyncConfig tunes the rsync invocations.
type RsyncConfig struct {
	Binary     string        `mapstructure:"binary"      yaml:"binary"`
	RemotePath string        `mapstructure:"remote_path" yaml:"remote_path,omitempty"`
	Compress   bool          `mapstructure:"compress"    yaml:"compress"`
	BWLimit    int           `mapstructure:"bwlimit"     yaml:"bwlimit"`
	Timeout    time.Duration `mapstructure:"timeout"     yaml:"timeout"`
	LogFile    bool          `mapstructure:"log_file"    yaml:"log_file"`
}

// RetentionConfig is applied after successful backups when enabled.
type RetentionConfig struct {
	Enabled  bool `mapstructure:"enabled"   yaml:"enabled"`
	Days     int  `mapstructure:"days"      yaml:"days"`
	MinCount int  `mapstructure:"min_count" yaml:"min_count"`
}

// ArchiveConfig controls where and how old jobs are relocated.
type ArchiveConfig struct {
	Destination string `mapstructure:"destination" yaml:"destination"`
	Days        int    `mapstructure:"days"        yaml:"days"`
	Compress    bool   `mapstructure:"compress"    yaml:"compress"`
}

// VaultConfig holds connection settings for HashiCorp Vault, which supplies
// per-host connection parameters when enabled.
type VaultConfig struct {
	Enabled     bool   `mapstructure:"enabled"      yaml:"enabled"`
	Address     string `mapstructure:"address"      yaml:"address"`
	RoleID      string `mapstructure:"role_id"      yaml:"role_id,omitempty"`
	ApproleName string `mapstructure:"approle_name" yaml:"approle_name,omitempty"`
	// KVPath is the prefix under which each host has a secret named after it.
	KVPath string `mapstructure:"kv_path" yaml:"kv_path"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `mapstructure:"level"       yaml:"level"`
	File        string `mapstructure:"file"        yaml:"file,omitempty"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("include", []string{})

	v.SetDefault("catalog.root", "")
	v.SetDefault("catalog.lock_timeout", 10*time.Second)

	v.SetDefault("backup.mode", catalog.ModeIncremental.String())
	v.SetDefault("backup.os", catalog.OSUnix.String())
	v.SetDefault("backup.data", []string{})
	v.SetDefault("backup.hosts", []string{})
	v.SetDefault("backup.host_file", "")
	v.SetDefault("backup.user", "")
	v.SetDefault("backup.port", 0)
	v.SetDefault("backup.identity_file", "")
	v.SetDefault("backup.parallelism", 1)
	v.SetDefault("backup.skip_error", false)
	v.SetDefault("backup.timestamp_format", "2006_01_02__15_04_05")
	v.SetDefault("backup.probe", true)
	v.SetDefault("backup.probe_timeout", 5*time.Second)
	v.SetDefault("backup.exclude", []string{})

	v.SetDefault("rsync.binary", "rsync")
	v.SetDefault("rsync.remote_path", "")
	v.SetDefault("rsync.compress", false)
	v.SetDefault("rsync.bwlimit", 0)
	v.SetDefault("rsync.timeout", time.Duration(0))
	v.SetDefault("rsync.log_file", false)

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.days", 0)
	v.SetDefault("retention.min_count", 0)

	v.SetDefault("archive.destination", "")
	v.SetDefault("archive.days", 30)
	v.SetDefault("archive.compress", false)

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "")
	v.SetDefault("vault.role_id", "")
	v.SetDefault("vault.approle_name", "")
	v.SetDefault("vault.kv_path", "secret/data/rbackup/hosts")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.development", false)
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, and unmarshals into the Config struct.
// An empty path loads the defaults and environment overrides only.
func (c *Config) Load(path string) error {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		// Read base configuration
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
		}
	}

	// Merge include files (if any)
	for _, inc := range v.GetStringSlice("include") {
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}
	return nil
}

// Validate checks values that would only fail later, deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	if c.Catalog.Root == "" {
		errs = append(errs, errors.New("catalog.root is required"))
	}
	if _, err := catalog.ParseMode(c.Backup.Mode); err != nil {
		errs = append(errs, fmt.Errorf("backup.mode: %w", err))
	}
	if _, err := catalog.ParseOSType(c.Backup.OS); err != nil {
		errs = append(errs, fmt.Errorf("backup.os: %w", err))
	}
	if c.Backup.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("backup.parallelism must be at least 1, got %d", c.Backup.Parallelism))
	}
	if c.Backup.Port < 0 || c.Backup.Port > 65535 {
		errs = append(errs, fmt.Errorf("backup.port out of range: %d", c.Backup.Port))
	}
	if c.Rsync.BWLimit < 0 {
		errs = append(errs, fmt.Errorf("rsync.bwlimit must not be negative, got %d", c.Rsync.BWLimit))
	}
	if c.Retention.Days < 0 || c.Retention.MinCount < 0 {
		errs = append(errs, fmt.Errorf("retention days and min_count must not be negative, got %d,%d",
			c.Retention.Days, c.Retention.MinCount))
	}
	if c.Archive.Days < 0 {
		errs = append(errs, fmt.Errorf("archive.days must not be negative, got %d", c.Archive.Days))
	}
	if c.Vault.Enabled && c.Vault.KVPath == "" {
		errs = append(errs, errors.New("vault.kv_path is required when vault is enabled"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidateConfig, errors.Join(errs...))
	}
	return nil
}

// HostList returns the configured hosts followed by those of the host
// file, which lists hosts separated by whitespace. Duplicates are dropped;
// names that cannot be a directory under the root are an error.
func (b BackupConfig) HostList() ([]string, error) {
	hosts := append([]string(nil), b.Hosts...)
	if b.HostFile != "" {
		data, err := os.ReadFile(b.HostFile)
		if err != nil {
			return nil, fmt.Errorf("read host file: %w", err)
		}
		hosts = append(hosts, strings.Fields(string(data))...)
	}
	seen := make(map[string]bool, len(hosts))
	out := hosts[:0]
	for _, h := range hosts {
		if seen[h] {
			continue
		}
		if err := catalog.ValidateHost(h); err != nil {
			return nil, fmt.Errorf("backup hosts: %w", err)
		}
		seen[h] = true
		out = append(out, h)
	}
	return out, nil
}
