// Package config loads runtime settings from config.yaml with environment
// overrides under the CHRONICLE_ prefix.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/chroniclekit/chronicle/internal/adapter/document"
	"github.com/chroniclekit/chronicle/internal/adapter/mysql"
	"github.com/chroniclekit/chronicle/internal/adapter/postgres"
	"github.com/chroniclekit/chronicle/internal/logger"
)

// Config is the full runtime configuration.
type Config struct {
	// Backend selects the adapter: postgres, mysql or document.
	Backend  string
	Postgres postgres.Config
	MySQL    mysql.Config
	Document document.Config
	Log      logger.Config
	// Queue names the destination for change notifications.
	Queue string
}

// DefaultConfig returns local development settings on the postgres backend.
func DefaultConfig() Config {
	return Config{
		Backend:  "postgres",
		Postgres: postgres.DefaultConfig(),
		MySQL:    mysql.DefaultConfig(),
		Document: document.DefaultConfig(),
		Log:      logger.Config{Level: "info"},
		Queue:    "entity-changes",
	}
}

// Load reads config.yaml from the given directory. A missing file is not an
// error; defaults and environment variables apply.
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("CHRONICLE") // map env vars like CHRONICLE_BACKEND
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	keys := []string{
		"backend",
		"queue",
		"log.level",
		"log.pretty",
		"postgres.host", "postgres.port", "postgres.user",
		"postgres.password", "postgres.dbname", "postgres.sslmode",
		"mysql.host", "mysql.port", "mysql.user",
		"mysql.password", "mysql.dbname",
		"document.path",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return cfg, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if v.IsSet("backend") {
		cfg.Backend = v.GetString("backend")
	}
	if v.IsSet("queue") {
		cfg.Queue = v.GetString("queue")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.pretty") {
		cfg.Log.Pretty = v.GetBool("log.pretty")
	}

	if v.IsSet("postgres.host") {
		cfg.Postgres.Host = v.GetString("postgres.host")
	}
	if v.IsSet("postgres.port") {
		cfg.Postgres.Port = v.GetInt("postgres.port")
	}
	if v.IsSet("postgres.user") {
		cfg.Postgres.User = v.GetString("postgres.user")
	}
	if v.IsSet("postgres.password") {
		cfg.Postgres.Password = v.GetString("postgres.password")
	}
	if v.IsSet("postgres.dbname") {
		cfg.Postgres.DBName = v.GetString("postgres.dbname")
	}
	if v.IsSet("postgres.sslmode") {
		cfg.Postgres.SSLMode = v.GetString("postgres.sslmode")
	}

	if v.IsSet("mysql.host") {
		cfg.MySQL.Host = v.GetString("mysql.host")
	}
	if v.IsSet("mysql.port") {
		cfg.MySQL.Port = v.GetInt("mysql.port")
	}
	if v.IsSet("mysql.user") {
		cfg.MySQL.User = v.GetString("mysql.user")
	}
	if v.IsSet("mysql.password") {
		cfg.MySQL.Password = v.GetString("mysql.password")
	}
	if v.IsSet("mysql.dbname") {
		cfg.MySQL.DBName = v.GetString("mysql.dbname")
	}

	if v.IsSet("document.path") {
		cfg.Document.Path = v.GetString("document.path")
	}

	return cfg, nil
}
