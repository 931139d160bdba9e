package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	JWT        JWTConfig        `yaml:"jwt"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Events     EventsConfig     `yaml:"events"`
	Log        LogConfig        `yaml:"log"`
	Security   SecurityConfig   `yaml:"security"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"sslmode"`
	TimeZone        string        `yaml:"timezone"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type JWTConfig struct {
	Secret    string        `yaml:"secret"`
	ExpiresIn time.Duration `yaml:"expires_in"`
}

// RealtimeConfig tunes the agent websocket gateway. PingInterval is the
// client-side keepalive period; a connection with no traffic for
// DeadMultiplier intervals is force-closed.
type RealtimeConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	DeadMultiplier int           `yaml:"dead_multiplier"`
	SendQueueSize  int           `yaml:"send_queue_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// EventsConfig configures the optional AMQP fan-out of domain events.
// Publishing is disabled when URL is empty.
type EventsConfig struct {
	URL           string        `yaml:"url"`
	Exchange      string        `yaml:"exchange"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxAge     int    `yaml:"max_age"`  // days
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

type SecurityConfig struct {
	CORS CORSConfig `yaml:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

type MonitoringConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

func Load() *Config {
	config := GetDefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		panic(err)
	}
	return config
}

// GetDefaultConfig returns the built-in defaults, overridden by whatever
// viper has read from file/env.
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "relaydesk",
			SSLMode:         "disable",
			TimeZone:        "UTC",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		JWT: JWTConfig{
			ExpiresIn: 365 * 24 * time.Hour,
		},
		Realtime: RealtimeConfig{
			PingInterval:   30 * time.Second,
			DeadMultiplier: 3,
			SendQueueSize:  64,
			WriteTimeout:   10 * time.Second,
		},
		Events: EventsConfig{
			Exchange:      "relaydesk.events",
			RetryAttempts: 5,
			RetryDelay:    2 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "logs/relaydesk.log",
			MaxSize:    100,
			MaxAge:     14,
			MaxBackups: 5,
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
			},
		},
		Monitoring: MonitoringConfig{
			Tracing: TracingConfig{
				SampleRatio: 0.1,
				ServiceName: "relaydesk",
			},
		},
	}
}
