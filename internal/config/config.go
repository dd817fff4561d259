package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPassword names the variable the CLI reads the RPC password from
// when --password is not given on the command line.
const EnvPassword = "BOXSWEEP_PASSWORD"

const (
	envS3Endpoint = "BOXSWEEP_S3_ENDPOINT"
	envS3Region   = "BOXSWEEP_S3_REGION"
	envS3Bucket   = "BOXSWEEP_S3_BUCKET"
	envS3Key      = "BOXSWEEP_S3_KEY"
	envS3Secret   = "BOXSWEEP_S3_SECRET"
	envWebhookURL = "BOXSWEEP_WEBHOOK_URL"
)

// Config holds non-secret tuning loaded from YAML. Zero values mean
// "use the built-in default".
type Config struct {
	Workers            int `yaml:"workers"`
	DirectoryPageLimit int `yaml:"directory_page_limit"`
	MailboxPageLimit   int `yaml:"mailbox_page_limit"`
}

// S3Env holds the report-archive bucket details from environment
// variables.
type S3Env struct {
	Endpoint string
	Region   string
	Bucket   string
	Key      string
	Secret   string
}

// Load reads configuration from a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects values no component could honor.
func Validate(cfg Config) error {
	if cfg.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	if cfg.DirectoryPageLimit < 0 {
		return errors.New("directory_page_limit must not be negative")
	}
	if cfg.MailboxPageLimit < 0 {
		return errors.New("mailbox_page_limit must not be negative")
	}
	return nil
}

// S3FromEnv loads archive bucket details and validates required
// entries.
func S3FromEnv() (S3Env, error) {
	missing := []string{}

	endpoint := strings.TrimSpace(os.Getenv(envS3Endpoint))
	if endpoint == "" {
		missing = append(missing, envS3Endpoint)
	}

	region := strings.TrimSpace(os.Getenv(envS3Region))
	if region == "" {
		missing = append(missing, envS3Region)
	}

	bucket := strings.TrimSpace(os.Getenv(envS3Bucket))
	if bucket == "" {
		missing = append(missing, envS3Bucket)
	}

	key := strings.TrimSpace(os.Getenv(envS3Key))
	if key == "" {
		missing = append(missing, envS3Key)
	}

	secret := strings.TrimSpace(os.Getenv(envS3Secret))
	if secret == "" {
		missing = append(missing, envS3Secret)
	}

	if len(missing) > 0 {
		return S3Env{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return S3Env{
		Endpoint: endpoint,
		Region:   region,
		Bucket:   bucket,
		Key:      key,
		Secret:   secret,
	}, nil
}

// ArchiveEnabled returns true when a report bucket is configured via
// env var.
func ArchiveEnabled() bool {
	return strings.TrimSpace(os.Getenv(envS3Bucket)) != ""
}

// WebhookURL returns the announcement endpoint, empty when unset.
func WebhookURL() string {
	return strings.TrimSpace(os.Getenv(envWebhookURL))
}

// AnnounceEnabled returns true when a webhook URL is configured via
// env var.
func AnnounceEnabled() bool {
	return WebhookURL() != ""
}
