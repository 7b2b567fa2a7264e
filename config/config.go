package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the query engine system
type Config struct {
	General GeneralConfig `mapstructure:"general"`
	Server  ServerConfig  `mapstructure:"server"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Session SessionConfig `mapstructure:"session"`
	Storage StorageConfig `mapstructure:"storage"`
	Report  ReportConfig  `mapstructure:"report"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains the language model provider configuration
type LLMConfig struct {
	Type    string              `mapstructure:"type"` // openai or any compatible endpoint
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Timeout time.Duration       `mapstructure:"timeout"`
	Models  map[string]LLMModel `mapstructure:"models"`
	Routing LLMRoutingConfig    `mapstructure:"routing"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name        string  `mapstructure:"name"`
	APIName     string  `mapstructure:"api_name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// LLMRoutingConfig defines which model to use for each stage
type LLMRoutingConfig struct {
	Planning   string `mapstructure:"planning"`
	Reasoning  string `mapstructure:"reasoning"`
	Reflection string `mapstructure:"reflection"`
	Repair     string `mapstructure:"repair"`
	Brief      string `mapstructure:"brief"`
	Fallback   string `mapstructure:"fallback"`
}

// Model resolves a routed model name, falling back to the fallback route.
func (r LLMRoutingConfig) Model(stage string) string {
	m := ""
	switch stage {
	case "planning":
		m = r.Planning
	case "reasoning":
		m = r.Reasoning
	case "reflection":
		m = r.Reflection
	case "repair":
		m = r.Repair
	case "brief":
		m = r.Brief
	}
	if m == "" {
		m = r.Fallback
	}
	return m
}

// EngineConfig contains orchestration loop settings
type EngineConfig struct {
	MaxIterations int           `mapstructure:"max_iterations"`
	MaxToolCalls  int           `mapstructure:"max_tool_calls"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	CacheCapacity int           `mapstructure:"cache_capacity"`
}

func (e EngineConfig) Validate() error {
	if e.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be > 0")
	}
	if e.CacheCapacity <= 0 {
		return fmt.Errorf("engine.cache_capacity must be > 0")
	}
	return nil
}

// SessionConfig controls conversation memory
type SessionConfig struct {
	Backend  string        `mapstructure:"backend"` // inmemory or redis
	MaxTurns int           `mapstructure:"max_turns"`
	TTL      time.Duration `mapstructure:"ttl"`
}

func (s SessionConfig) Validate() error {
	switch s.Backend {
	case "inmemory", "redis":
		return nil
	}
	return fmt.Errorf("session.backend must be inmemory or redis, got %q", s.Backend)
}

// StorageConfig contains backend connection settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Neo4j    Neo4jConfig    `mapstructure:"neo4j"`
	Weaviate WeaviateConfig `mapstructure:"weaviate"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a lib/pq connection string from either the URL or discrete fields.
func (p PostgresConfig) DSN() (string, error) {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// Neo4jConfig contains Neo4j connection settings
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// WeaviateConfig contains Weaviate connection settings
type WeaviateConfig struct {
	Scheme string `mapstructure:"scheme"`
	Host   string `mapstructure:"host"`
	APIKey string `mapstructure:"api_key"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", host, port)
}

// ReportConfig controls presentation shaping
type ReportConfig struct {
	MaxVisualizations int  `mapstructure:"max_visualizations"`
	ExecutiveBrief    bool `mapstructure:"executive_brief"`
}

// LoadConfig loads config from file. The file is optional: defaults plus
// CROQUERY_* environment variables are enough to run.
func LoadConfig(path string) *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10080")
	v.SetDefault("llm.type", "openai")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("engine.max_iterations", 3)
	v.SetDefault("engine.max_tool_calls", 3)
	v.SetDefault("engine.cache_ttl", 5*time.Minute)
	v.SetDefault("engine.cache_capacity", 256)
	v.SetDefault("session.backend", "inmemory")
	v.SetDefault("session.max_turns", 5)
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("storage.weaviate.scheme", "http")
	v.SetDefault("storage.weaviate.host", "localhost:8080")
	v.SetDefault("storage.neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("report.max_visualizations", 2)
	v.SetDefault("report.executive_brief", true)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("CROQUERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Engine.Validate(); err != nil {
		panic(err)
	}
	if err := config.Session.Validate(); err != nil {
		panic(err)
	}
	return &config
}
