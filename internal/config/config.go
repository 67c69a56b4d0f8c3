package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Gazetteer GazetteerConfig `yaml:"gazetteer" mapstructure:"gazetteer"`
	Export    ExportConfig    `yaml:"export" mapstructure:"export"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// IngestConfig configures source fetching and staging.
type IngestConfig struct {
	RawDir       string `yaml:"raw_dir" mapstructure:"raw_dir"`
	DatasetsFile string `yaml:"datasets_file" mapstructure:"datasets_file"`
	FetchWorkers int    `yaml:"fetch_workers" mapstructure:"fetch_workers"`
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries   int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// GazetteerConfig configures Census ZCTA centroid seeding.
type GazetteerConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
	URL     string `yaml:"url" mapstructure:"url"`
}

// ExportConfig configures artifact output paths.
type ExportConfig struct {
	ProfilesFile      string `yaml:"profiles_file" mapstructure:"profiles_file"`
	RejectsPath       string `yaml:"rejects_path" mapstructure:"rejects_path"`
	ZipCentroidsPath  string `yaml:"zip_centroids_path" mapstructure:"zip_centroids_path"`
	CityCentroidsPath string `yaml:"city_centroids_path" mapstructure:"city_centroids_path"`
	ManifestPath      string `yaml:"manifest_path" mapstructure:"manifest_path"`
}

// ServerConfig configures the query API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "data/markets.db")
	v.SetDefault("ingest.raw_dir", "data/raw")
	v.SetDefault("ingest.datasets_file", "datasets.yml")
	v.SetDefault("ingest.fetch_workers", 3)
	v.SetDefault("ingest.user_agent", "market-pipeline/1.0")
	v.SetDefault("ingest.timeout_secs", 60)
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("gazetteer.enabled", false)
	v.SetDefault("gazetteer.dir", "data/gazetteer")
	v.SetDefault("export.profiles_file", "export_profiles.yml")
	v.SetDefault("export.rejects_path", "data/rejects.csv")
	v.SetDefault("export.zip_centroids_path", "data/zip.centroids.json")
	v.SetDefault("export.city_centroids_path", "data/city.centroids.json")
	v.SetDefault("export.manifest_path", "data/manifest.json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
