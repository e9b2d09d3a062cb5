package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DSN           string        `mapstructure:"dsn"`
	HTTPPort      string        `mapstructure:"http_port"`
	MigrationsDir string        `mapstructure:"migrations_dir"`
	AuthSecret    string        `mapstructure:"auth_secret"`
	KafkaEnabled  bool          `mapstructure:"kafka_enabled"`
	KafkaBrokers  []string      `mapstructure:"kafka_brokers"`
	KafkaTopic    string        `mapstructure:"kafka_topic"`
	KafkaGroupID  string        `mapstructure:"kafka_group_id"`
	OutboxPoll    time.Duration `mapstructure:"outbox_poll_interval"`
	OutboxLimit   int           `mapstructure:"outbox_batch_limit"`
	AuditBatch    int           `mapstructure:"audit_batch_size"`
	AuditTimeout  time.Duration `mapstructure:"audit_flush_timeout"`
	AuditChannel  int           `mapstructure:"audit_channel_size"`
	AuditWorkers  int           `mapstructure:"audit_workers"`
	AuditFilter   string        `mapstructure:"audit_filter"`
}

// Load reads the configuration from an optional file, with environment
// variables taking precedence over file values and defaults.
func Load(cfgFile string) (*Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("dostava")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	viper.SetDefault("dsn", "host=localhost user=postgres password=postgres dbname=dostava sslmode=disable")
	viper.SetDefault("http_port", "9000")
	viper.SetDefault("migrations_dir", "migrations")
	viper.SetDefault("auth_secret", "dev-secret")
	viper.SetDefault("kafka_enabled", false)
	viper.SetDefault("kafka_brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka_topic", "order-events")
	viper.SetDefault("kafka_group_id", "order-events-group")
	viper.SetDefault("outbox_poll_interval", 2*time.Second)
	viper.SetDefault("outbox_batch_limit", 50)
	viper.SetDefault("audit_batch_size", 10)
	viper.SetDefault("audit_flush_timeout", 3*time.Second)
	viper.SetDefault("audit_channel_size", 256)
	viper.SetDefault("audit_workers", 2)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%s", c.HTTPPort)
}
