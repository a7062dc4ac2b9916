package dockerizer

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

////////////////////////////////////////////////////////////////////////////////
// Runtime configuration: YAML file, then environment, then defaults
////////////////////////////////////////////////////////////////////////////////

type imageBuilderMode string

type storeDriver string

const (
	configPathEnv       = "DOCKERIZER_CONFIG"
	buildQueueNameEnv   = "SUBMISSION_BUILDER_QUEUE_NAME"
	roomQueuePrefixEnv  = "ROOM_QUEUE_NAME_PREFIX"
	imageBuilderModeEnv = "DOCKERIZER_IMAGE_BUILDER_MODE"
	natsStoreDirEnv     = "DOCKERIZER_NATS_STORE_DIR"

	defaultNATSStoreDir       = "./data/nats"
	natsStoreDirModeTemp      = "temp"
	natsStoreDirModeEphemeral = "ephemeral"

	imageBuilderModeDocker   imageBuilderMode = "docker"
	imageBuilderModeBuildKit imageBuilderMode = "buildkit"
	imageBuilderModeArtifact imageBuilderMode = "artifact"

	storeDriverKV       storeDriver = "kv"
	storeDriverMySQL    storeDriver = "mysql"
	storeDriverPostgres storeDriver = "postgres"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Sentry   SentryConfig   `yaml:"sentry"`
	NATS     NATSConfig     `yaml:"nats"`
	Queue    QueueConfig    `yaml:"queue"`
	Store    StoreConfig    `yaml:"store"`
	Git      GitConfig      `yaml:"git"`
	Registry RegistryConfig `yaml:"registry"`
	Builder  BuilderConfig  `yaml:"builder"`
	Storage  StorageConfig  `yaml:"storage"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
}

type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // console, json
	OutputPath string `yaml:"outputPath"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
	Release     string `yaml:"release"`
}

type NATSConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	StoreDir string `yaml:"storeDir"`
}

type QueueConfig struct {
	BuildQueue string        `yaml:"buildQueue"`
	RoomPrefix string        `yaml:"roomPrefix"`
	Consumer   string        `yaml:"consumer"`
	AckWait    time.Duration `yaml:"ackWait"`
	FetchWait  time.Duration `yaml:"fetchWait"`
}

type StoreConfig struct {
	Driver          storeDriver   `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

type GitConfig struct {
	BaseURL   string `yaml:"baseURL"`
	Username  string `yaml:"username"`
	TokenFile string `yaml:"tokenFile"`
}

type RegistryConfig struct {
	Host            string `yaml:"host"`
	Username        string `yaml:"username"`
	PasswordFile    string `yaml:"passwordFile"`
	ResultOnlyImage string `yaml:"resultOnlyImage"`
}

type BuilderConfig struct {
	Mode                  imageBuilderMode  `yaml:"mode"`
	BuildkitAddr          string            `yaml:"buildkitAddr"`
	WorkDir               string            `yaml:"workDir"`
	ArtifactsRoot         string            `yaml:"artifactsRoot"`
	DefaultBuildpack      string            `yaml:"defaultBuildpack"`
	CustomRunDefaultImage string            `yaml:"customRunDefaultImage"`
	EntryPointPolicies    map[string]string `yaml:"entryPointPolicies"`
}

type StorageConfig struct {
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"accessKey"`
	SecretKey    string `yaml:"secretKey"`
	UseSSL       bool   `yaml:"useSSL"`
	TempBucket   string `yaml:"tempBucket"`
	ResultBucket string `yaml:"resultBucket"`
}

type DispatchConfig struct {
	APIVersion string            `yaml:"apiVersion"`
	Namespace  string            `yaml:"namespace"`
	Labels     map[string]string `yaml:"labels"`
	Patches    []string          `yaml:"patches"`
}

type TimeoutConfig struct {
	Clone    time.Duration `yaml:"clone"`
	Build    time.Duration `yaml:"build"`
	Push     time.Duration `yaml:"push"`
	Storage  time.Duration `yaml:"storage"`
	Dispatch time.Duration `yaml:"dispatch"`
	Store    time.Duration `yaml:"store"`
}

func defaultConfig() Config {
	return Config{
		Log:    LogConfig{Level: "info", Format: "console", OutputPath: "stdout"},
		Sentry: SentryConfig{DSN: "", Environment: "development", Release: ""},
		NATS:   NATSConfig{URL: "nats://127.0.0.1:4222", Embedded: false, StoreDir: ""},
		Queue: QueueConfig{
			BuildQueue: defaultBuildQueueName,
			RoomPrefix: defaultRoomQueuePrefix,
			Consumer:   defaultConsumer,
			AckWait:    30 * time.Second,
			FetchWait:  5 * time.Second,
		},
		Store: StoreConfig{
			Driver:          storeDriverKV,
			DSN:             "",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Git: GitConfig{BaseURL: "", Username: "oauth2", TokenFile: ""},
		Registry: RegistryConfig{
			Host:            "",
			Username:        "",
			PasswordFile:    "",
			ResultOnlyImage: "roboepics/result-only:latest",
		},
		Builder: BuilderConfig{
			Mode:                  imageBuilderModeDocker,
			BuildkitAddr:          "unix:///run/buildkit/buildkitd.sock",
			WorkDir:               "",
			ArtifactsRoot:         "./data/artifacts",
			DefaultBuildpack:      "",
			CustomRunDefaultImage: "buildpack-deps:bookworm",
			EntryPointPolicies:    map[string]string{},
		},
		Storage: StorageConfig{
			Endpoint:     "",
			AccessKey:    "",
			SecretKey:    "",
			UseSSL:       false,
			TempBucket:   "temp",
			ResultBucket: "results",
		},
		Dispatch: DispatchConfig{
			APIVersion: "hub.roboepics.com/v1",
			Namespace:  "default",
			Labels:     map[string]string{"app.kubernetes.io/managed-by": "dockerizer"},
			Patches:    nil,
		},
		Timeouts: TimeoutConfig{
			Clone:    2 * time.Minute,
			Build:    30 * time.Minute,
			Push:     10 * time.Minute,
			Storage:  2 * time.Minute,
			Dispatch: 30 * time.Second,
			Store:    10 * time.Second,
		},
	}
}

// LoadConfig reads the optional YAML file at path, applies environment
// overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) == "" {
		path = os.Getenv(configPathEnv)
	}
	if strings.TrimSpace(path) != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadYAML(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	envString("DOCKERIZER_LOG_LEVEL", &cfg.Log.Level)
	envString("DOCKERIZER_LOG_FORMAT", &cfg.Log.Format)
	envString("DOCKERIZER_SENTRY_DSN", &cfg.Sentry.DSN)
	envString("DOCKERIZER_SENTRY_ENVIRONMENT", &cfg.Sentry.Environment)
	envString("DOCKERIZER_NATS_URL", &cfg.NATS.URL)
	envString(natsStoreDirEnv, &cfg.NATS.StoreDir)
	envString(buildQueueNameEnv, &cfg.Queue.BuildQueue)
	envString(roomQueuePrefixEnv, &cfg.Queue.RoomPrefix)
	envString("DOCKERIZER_STORE_DSN", &cfg.Store.DSN)
	envString("DOCKERIZER_GIT_BASE_URL", &cfg.Git.BaseURL)
	envString("DOCKERIZER_GIT_USERNAME", &cfg.Git.Username)
	envString("DOCKERIZER_GIT_TOKEN_FILE", &cfg.Git.TokenFile)
	envString("DOCKERIZER_REGISTRY_HOST", &cfg.Registry.Host)
	envString("DOCKERIZER_REGISTRY_USERNAME", &cfg.Registry.Username)
	envString("DOCKERIZER_REGISTRY_PASSWORD_FILE", &cfg.Registry.PasswordFile)
	envString("DOCKERIZER_BUILDKIT_ADDR", &cfg.Builder.BuildkitAddr)
	envString("DOCKERIZER_ARTIFACTS_ROOT", &cfg.Builder.ArtifactsRoot)
	envString("DOCKERIZER_STORAGE_ENDPOINT", &cfg.Storage.Endpoint)
	envString("DOCKERIZER_STORAGE_ACCESS_KEY", &cfg.Storage.AccessKey)
	envString("DOCKERIZER_STORAGE_SECRET_KEY", &cfg.Storage.SecretKey)
	envString("DOCKERIZER_DISPATCH_NAMESPACE", &cfg.Dispatch.Namespace)

	if raw, ok := lookupEnvTrimmed("DOCKERIZER_STORE_DRIVER"); ok {
		cfg.Store.Driver = storeDriver(strings.ToLower(raw))
	}
	if raw, ok := lookupEnvTrimmed(imageBuilderModeEnv); ok {
		mode, err := parseImageBuilderMode(raw)
		if err != nil {
			return err
		}
		cfg.Builder.Mode = mode
	}
	if raw, ok := lookupEnvTrimmed("DOCKERIZER_NATS_EMBEDDED"); ok {
		embedded, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid DOCKERIZER_NATS_EMBEDDED=%q: %w", raw, err)
		}
		cfg.NATS.Embedded = embedded
	}
	if raw, ok := lookupEnvTrimmed("DOCKERIZER_STORAGE_USE_SSL"); ok {
		useSSL, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid DOCKERIZER_STORAGE_USE_SSL=%q: %w", raw, err)
		}
		cfg.Storage.UseSSL = useSSL
	}
	if raw, ok := lookupEnvTrimmed("DOCKERIZER_BUILD_TIMEOUT"); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid DOCKERIZER_BUILD_TIMEOUT=%q: %w", raw, err)
		}
		cfg.Timeouts.Build = d
	}
	return nil
}

func envString(name string, out *string) {
	if raw, ok := lookupEnvTrimmed(name); ok {
		*out = raw
	}
}

func lookupEnvTrimmed(name string) (string, bool) {
	raw, exists := os.LookupEnv(name)
	if !exists {
		return "", false
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

func (c Config) validate() error {
	var errs []error
	switch c.Store.Driver {
	case storeDriverKV:
	case storeDriverMySQL, storeDriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if _, err := parseImageBuilderMode(string(c.Builder.Mode)); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Registry.Host) == "" {
		errs = append(errs, errors.New("registry.host is required"))
	}
	if strings.TrimSpace(c.Git.BaseURL) == "" {
		errs = append(errs, errors.New("git.baseURL is required"))
	}
	if strings.TrimSpace(c.Queue.BuildQueue) == "" {
		errs = append(errs, errors.New("queue.buildQueue is required"))
	}
	if strings.TrimSpace(c.Queue.RoomPrefix) == "" {
		errs = append(errs, errors.New("queue.roomPrefix is required"))
	}
	if c.Queue.AckWait <= 0 {
		errs = append(errs, errors.New("queue.ackWait must be positive"))
	}
	for name, raw := range c.Builder.EntryPointPolicies {
		if _, err := parseEntryPointPolicy(raw); err != nil {
			errs = append(errs, fmt.Errorf("builder.entryPointPolicies[%s]: %w", name, err))
		}
	}
	if c.Storage.Endpoint != "" && (c.Storage.AccessKey == "" || c.Storage.SecretKey == "") {
		errs = append(errs, errors.New("storage.accessKey and storage.secretKey are required with storage.endpoint"))
	}
	return errors.Join(errs...)
}

func parseImageBuilderMode(raw string) (imageBuilderMode, error) {
	mode := strings.TrimSpace(strings.ToLower(raw))
	switch mode {
	case "", string(imageBuilderModeDocker):
		return imageBuilderModeDocker, nil
	case string(imageBuilderModeBuildKit):
		return imageBuilderModeBuildKit, nil
	case string(imageBuilderModeArtifact):
		return imageBuilderModeArtifact, nil
	default:
		return imageBuilderModeDocker, fmt.Errorf(
			"invalid image builder mode %q (expected %s, %s or %s)",
			raw,
			imageBuilderModeDocker,
			imageBuilderModeBuildKit,
			imageBuilderModeArtifact,
		)
	}
}

type natsStoreDirResolution struct {
	storeDir    string
	isEphemeral bool
}

func resolveNATSStoreDir(raw string) natsStoreDirResolution {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return natsStoreDirResolution{storeDir: defaultNATSStoreDir, isEphemeral: false}
	}
	switch strings.ToLower(trimmed) {
	case natsStoreDirModeTemp, natsStoreDirModeEphemeral:
		return natsStoreDirResolution{storeDir: "", isEphemeral: true}
	default:
		return natsStoreDirResolution{storeDir: trimmed, isEphemeral: false}
	}
}
