package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/draftea/workspace-manager/workspace-service/sagas"
	"github.com/spf13/viper"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	ServiceName string    `mapstructure:"service_name"`
	Env         string    `mapstructure:"env"`
	Port        string    `mapstructure:"port"`
	LogLevel    string    `mapstructure:"log_level"`
	Storage     string    `mapstructure:"storage"`
	Database    Database  `mapstructure:"database"`
	AWS         AWS       `mapstructure:"aws"`
	Redis       Redis     `mapstructure:"redis"`
	Telemetry   Telemetry `mapstructure:"telemetry"`
	Engine      Engine    `mapstructure:"engine"`
	Retry       Retry     `mapstructure:"retry"`
	Resources   Resources `mapstructure:"resources"`
	Jobs        Jobs      `mapstructure:"jobs"`
	Sandbox     Sandbox   `mapstructure:"sandbox"`
}

type Database struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	// ApplySchema creates the tables on startup
	ApplySchema bool `mapstructure:"apply_schema"`
}

type AWS struct {
	Enabled     bool   `mapstructure:"enabled"`
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	SNSTopicArn string `mapstructure:"sns_topic_arn"`
	SQSQueueURL string `mapstructure:"sqs_queue_url"`
	SQSWorkers  int    `mapstructure:"sqs_workers"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	Version      string `mapstructure:"version"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type Engine struct {
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// RetryProfile is an exponential backoff: the delay starts at initial, doubles up
// to max, and the retries of one step stop once their delays add up to max_elapsed
type RetryProfile struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

type Retry struct {
	Cloud    RetryProfile `mapstructure:"cloud"`
	IAM      RetryProfile `mapstructure:"iam"`
	Pool     RetryProfile `mapstructure:"pool"`
	Metadata RetryProfile `mapstructure:"metadata"`
	Undo     RetryProfile `mapstructure:"undo"`
}

type Resources struct {
	// OnCreateFailure maps a resource kind to DELETE_ON_FAILURE or BROKEN_ON_FAILURE
	OnCreateFailure map[string]string `mapstructure:"on_create_failure"`
	BillingAccount  string            `mapstructure:"billing_account"`
}

type Jobs struct {
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	ResultURLBase string        `mapstructure:"result_url_base"`
}

type Sandbox struct {
	OpenAccess bool `mapstructure:"open_access"`
}

func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, fmt.Errorf("unable to get current file")
	}

	configDir := filepath.Join(filepath.Dir(filename))
	viper.SetConfigName(getConfigName())
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	// Allow environment variables to override config
	viper.AutomaticEnv()
	viper.SetEnvPrefix("WSM")

	setDefaults()

	err := viper.ReadInConfig()
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	err = viper.Unmarshal(&config)
	if err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaults() {
	defaults := sagas.DefaultSettings()

	viper.SetDefault("service_name", "workspace-manager")
	viper.SetDefault("env", getEnv("ENV", "local"))
	viper.SetDefault("port", getEnv("PORT", "8080"))
	viper.SetDefault("log_level", "info")
	viper.SetDefault("storage", StorageMemory)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.database", "workspace_manager")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.apply_schema", true)

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
	}

	viper.SetDefault("aws.region", getEnv("AWS_DEFAULT_REGION", "us-east-1"))
	viper.SetDefault("aws.endpoint", getEnv("AWS_ENDPOINT_URL", ""))
	viper.SetDefault("aws.sqs_workers", 4)

	viper.SetDefault("telemetry.version", "1.0.0")
	viper.SetDefault("telemetry.otlp_endpoint", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"))

	viper.SetDefault("engine.workers", 8)
	viper.SetDefault("engine.queue_size", 256)
	viper.SetDefault("engine.lease_ttl", 30*time.Second)
	viper.SetDefault("engine.poll_interval", 2*time.Second)

	setRetryDefaults("cloud", defaults.CloudRetry)
	setRetryDefaults("iam", defaults.IAMRetry)
	setRetryDefaults("pool", defaults.PoolRetry)
	setRetryDefaults("metadata", defaults.MetadataRetry)
	setRetryDefaults("undo", defaults.UndoRetry)

	onCreateFailure := map[string]string{}
	for kind, policy := range defaults.OnCreateFailure {
		onCreateFailure[string(kind)] = string(policy)
	}
	viper.SetDefault("resources.on_create_failure", onCreateFailure)

	viper.SetDefault("jobs.wait_timeout", 30*time.Second)
	viper.SetDefault("jobs.lock_ttl", time.Hour)
}

func setRetryDefaults(name string, b sagas.Backoff) {
	viper.SetDefault("retry."+name+".initial", b.Initial)
	viper.SetDefault("retry."+name+".max", b.Max)
	viper.SetDefault("retry."+name+".max_elapsed", b.MaxElapsed)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) validate() error {
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	if c.AWS.Enabled && (c.AWS.SNSTopicArn == "" || c.AWS.SQSQueueURL == "") {
		return fmt.Errorf("aws.sns_topic_arn and aws.sqs_queue_url are required when aws is enabled")
	}
	for kind, policy := range c.Resources.OnCreateFailure {
		if !domain.OnCreateFailure(policy).Valid() {
			return fmt.Errorf("resources.on_create_failure.%s: unknown policy %q", kind, policy)
		}
	}
	return nil
}

// GetDatabaseURL constructs database URL from config
func (c *Config) GetDatabaseURL() string {
	if url := viper.GetString("database.url"); url != "" {
		return url
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// Settings is the snapshot stored in every run submitted with this configuration
func (c *Config) Settings() sagas.Settings {
	settings := sagas.Settings{
		CloudRetry:      c.Retry.Cloud.backoff(),
		IAMRetry:        c.Retry.IAM.backoff(),
		PoolRetry:       c.Retry.Pool.backoff(),
		MetadataRetry:   c.Retry.Metadata.backoff(),
		UndoRetry:       c.Retry.Undo.backoff(),
		OnCreateFailure: make(map[domain.KindName]domain.OnCreateFailure, len(c.Resources.OnCreateFailure)),
		BillingAccount:  c.Resources.BillingAccount,
	}
	for kind, policy := range c.Resources.OnCreateFailure {
		// viper lowercases map keys
		settings.OnCreateFailure[domain.KindName(strings.ToUpper(kind))] = domain.OnCreateFailure(policy)
	}
	return settings
}

func (p RetryProfile) backoff() sagas.Backoff {
	return sagas.Backoff{Initial: p.Initial, Max: p.Max, MaxElapsed: p.MaxElapsed}
}
