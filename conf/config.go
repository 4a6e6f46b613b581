package conf

import (
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// DefaultConfigName is looked up in the home directory when no path is given.
const DefaultConfigName = ".toadrunner.yaml"

// Config is application config
type Config struct {
	Server   *ServerConfig   `json:"server" yaml:"server" mapstructure:"server"`
	Database *DatabaseConfig `json:"database" yaml:"database" mapstructure:"database"`
	Cache    *CacheConfig    `json:"cache" yaml:"cache" mapstructure:"cache"`
	Logging  *LoggingConfig  `json:"logging" yaml:"logging" mapstructure:"logging"`
	Sleep    *time.Duration  `json:"sleep" yaml:"sleep" mapstructure:"sleep"`
	Timer    *TimerConfig    `json:"timer" yaml:"timer" mapstructure:"timer"`
	Engine   *EngineConfig   `json:"engine" yaml:"engine" mapstructure:"engine"`
}

type ServerConfig struct {
	Port string `json:"port" yaml:"port" mapstructure:"port"`
	Cert string `json:"cert" yaml:"cert" mapstructure:"cert"`
	Key  string `json:"key" yaml:"key" mapstructure:"key"`
	TLS  bool   `json:"tls" yaml:"tls" mapstructure:"tls"`
}

type DatabaseConfig struct {
	Type         string `json:"type" yaml:"type" mapstructure:"type"`
	Host         string `json:"host" yaml:"host" mapstructure:"host"`
	Port         int    `json:"port" yaml:"port" mapstructure:"port"`
	User         string `json:"user" yaml:"user" mapstructure:"user"`
	Password     string `json:"password" yaml:"password" mapstructure:"password"`
	DatabaseName string `json:"databaseName" yaml:"databaseName" mapstructure:"databaseName"`
	SslMode      string `json:"sslMode" yaml:"sslMode" mapstructure:"sslMode"`
}

// CacheConfig sizes the results cache. freecache rejects entries larger than
// 1/1024 of Size, so the default leaves room for 32KiB records.
type CacheConfig struct {
	Size int `json:"size" yaml:"size" mapstructure:"size"` // bytes
	TTL  int `json:"ttl" yaml:"ttl" mapstructure:"ttl"`    // seconds
}

type TimerConfig struct {
	Interval *time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
}

// EngineConfig tunes the load test engine.
type EngineConfig struct {
	SampleInterval time.Duration `json:"sampleInterval" yaml:"sampleInterval" mapstructure:"sampleInterval"`
	DrainTimeout   time.Duration `json:"drainTimeout" yaml:"drainTimeout" mapstructure:"drainTimeout"`
	Retention      time.Duration `json:"retention" yaml:"retention" mapstructure:"retention"`
	MaxRunning     int           `json:"maxRunning" yaml:"maxRunning" mapstructure:"maxRunning"`
}

// DefaultCacheSize is the default results cache size in bytes.
const DefaultCacheSize = 32 * 1024 * 1024

// SaneDefaults provides base config for testing
func SaneDefaults() *Config {
	startupSleep := time.Second * 5
	backgroundInterval := time.Second * 60
	var config = &Config{
		Server: &ServerConfig{
			Port: "8080",
			Cert: "certs/cert.crt",
			Key:  "certs/cert.key",
			TLS:  false,
		},
		Database: &DatabaseConfig{
			Type:         "postgres",
			Host:         "127.0.0.1",
			Port:         5432,
			User:         "user",
			Password:     "password",
			DatabaseName: "test",
			SslMode:      "disable",
		},
		Cache: &CacheConfig{
			Size: DefaultCacheSize,
			TTL:  600,
		},
		Logging: &LoggingConfig{
			Level: "INFO",
		},
		Timer: &TimerConfig{
			Interval: &backgroundInterval,
		},
		Sleep: &startupSleep,
		Engine: &EngineConfig{
			SampleInterval: time.Second,
			DrainTimeout:   5 * time.Second,
			Retention:      time.Hour,
		},
	}

	return config
}

// Load builds a Config from SaneDefaults, the YAML file at path and
// TOADRUNNER_* environment variables, in increasing order of precedence.
// An empty path falls back to DefaultConfigName in the home directory, which
// may be absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, SaneDefaults())

	v.SetEnvPrefix("toadrunner")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(home)
		v.SetConfigName(strings.TrimSuffix(DefaultConfigName, ".yaml"))
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	} else {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	config := SaneDefaults()
	if err := v.Unmarshal(config); err != nil {
		return nil, err
	}
	return config, nil
}

// setDefaults registers every leaf of c so environment overrides work for
// keys that are missing from the config file.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.cert", c.Server.Cert)
	v.SetDefault("server.key", c.Server.Key)
	v.SetDefault("server.tls", c.Server.TLS)
	v.SetDefault("database.type", c.Database.Type)
	v.SetDefault("database.host", c.Database.Host)
	v.SetDefault("database.port", c.Database.Port)
	v.SetDefault("database.user", c.Database.User)
	v.SetDefault("database.password", c.Database.Password)
	v.SetDefault("database.databaseName", c.Database.DatabaseName)
	v.SetDefault("database.sslMode", c.Database.SslMode)
	v.SetDefault("cache.size", c.Cache.Size)
	v.SetDefault("cache.ttl", c.Cache.TTL)
	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.pretty", c.Logging.Pretty)
	v.SetDefault("sleep", *c.Sleep)
	v.SetDefault("timer.interval", *c.Timer.Interval)
	v.SetDefault("engine.sampleInterval", c.Engine.SampleInterval)
	v.SetDefault("engine.drainTimeout", c.Engine.DrainTimeout)
	v.SetDefault("engine.retention", c.Engine.Retention)
	v.SetDefault("engine.maxRunning", c.Engine.MaxRunning)
}
