package config

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/rpattn/datagov/internal/db"
	"github.com/rpattn/datagov/internal/domain"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// OracleConfig holds generative service settings.
type OracleConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestTimeout time.Duration
}

// EngineConfig holds iteration loop settings.
type EngineConfig struct {
	SampleSize         int
	RunTimeout         time.Duration
	RetryAttempts      int
	RetryBackoff       time.Duration
	SkipIterationTypes []domain.TransformationType
	InlineTypes        []domain.TransformationType
}

// SandboxConfig holds script execution limits.
type SandboxConfig struct {
	Timeout  time.Duration
	MaxSteps uint64
}

// Config is the full application configuration.
type Config struct {
	Database       db.Config
	Server         ServerConfig
	Oracle         OracleConfig
	Engine         EngineConfig
	Sandbox        SandboxConfig
	MigrationsPath string
}

// Default returns the configuration used when no config file or environment
// overrides are present.
func Default() Config {
	return Config{
		Database: db.DefaultConfig(),
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Oracle: OracleConfig{
			BaseURL:        "http://localhost:11434",
			Model:          "default",
			RequestTimeout: 60 * time.Second,
		},
		Engine: EngineConfig{
			SampleSize:    100,
			RunTimeout:    30 * time.Minute,
			RetryAttempts: 3,
			RetryBackoff:  500 * time.Millisecond,
			SkipIterationTypes: []domain.TransformationType{
				domain.TransformationNullRemediation,
			},
			InlineTypes: []domain.TransformationType{
				domain.TransformationNullRemediation,
			},
		},
		Sandbox: SandboxConfig{
			Timeout:  10 * time.Second,
			MaxSteps: 10_000_000,
		},
		MigrationsPath: "./migrations",
	}
}

// Load reads config.yaml from configPath, applying environment overrides
// with the DATAGOV prefix (e.g. DATAGOV_DATABASE_HOST).
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("DATAGOV")

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("oracle.base_url")
	v.BindEnv("oracle.api_key")
	v.BindEnv("oracle.model")

	if err := v.ReadInConfig(); err != nil {
		log.Info().Msg("no config.yaml found, using defaults and env vars")
	} else {
		log.Info().Str("file", v.ConfigFileUsed()).Msg("loaded config.yaml")
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}

	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}

	if v.IsSet("oracle.base_url") {
		cfg.Oracle.BaseURL = v.GetString("oracle.base_url")
	}
	if v.IsSet("oracle.api_key") {
		cfg.Oracle.APIKey = v.GetString("oracle.api_key")
	}
	if v.IsSet("oracle.model") {
		cfg.Oracle.Model = v.GetString("oracle.model")
	}
	if v.IsSet("oracle.request_timeout") {
		cfg.Oracle.RequestTimeout = v.GetDuration("oracle.request_timeout")
	}

	if v.IsSet("engine.sample_size") {
		cfg.Engine.SampleSize = v.GetInt("engine.sample_size")
	}
	if v.IsSet("engine.run_timeout") {
		cfg.Engine.RunTimeout = v.GetDuration("engine.run_timeout")
	}
	if v.IsSet("engine.retry_attempts") {
		cfg.Engine.RetryAttempts = v.GetInt("engine.retry_attempts")
	}
	if v.IsSet("engine.retry_backoff") {
		cfg.Engine.RetryBackoff = v.GetDuration("engine.retry_backoff")
	}
	if v.IsSet("engine.skip_iteration_types") {
		cfg.Engine.SkipIterationTypes = toTransformationTypes(v.GetStringSlice("engine.skip_iteration_types"))
	}
	if v.IsSet("engine.inline_types") {
		cfg.Engine.InlineTypes = toTransformationTypes(v.GetStringSlice("engine.inline_types"))
	}

	if v.IsSet("sandbox.timeout") {
		cfg.Sandbox.Timeout = v.GetDuration("sandbox.timeout")
	}
	if v.IsSet("sandbox.max_steps") {
		cfg.Sandbox.MaxSteps = v.GetUint64("sandbox.max_steps")
	}

	if v.IsSet("migrations_path") {
		cfg.MigrationsPath = v.GetString("migrations_path")
	}

	return cfg, nil
}

func toTransformationTypes(values []string) []domain.TransformationType {
	types := make([]domain.TransformationType, 0, len(values))
	for _, value := range values {
		types = append(types, domain.TransformationType(value))
	}
	return types
}
