package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Auth     AuthConfig
	Provider ProviderConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	provider, err := loadProviderConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		DB:       loadDBConfig(),
		Auth:     loadAuthConfig(),
		Provider: provider,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "3001"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":3001" 或 "127.0.0.1:3001"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// DBConfig 描述持久化存储配置。
type DBConfig struct {
	Path string
}

func loadDBConfig() DBConfig {
	return DBConfig{
		Path: getEnvOrDefault("DB_PATH", "spark-chat.db"),
	}
}

// AuthConfig 描述认证相关配置。
type AuthConfig struct {
	JWTSecret string
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: getEnvOrDefault("JWT_SECRET", "your-secret-key-change-in-production"),
	}
}

// ProviderConfig 描述大模型上游相关配置。
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Enabled 表示是否提供了必需的密钥。
func (c ProviderConfig) Enabled() bool {
	return c.APIKey != ""
}

func loadProviderConfig() (ProviderConfig, error) {
	timeoutSeconds := 120
	if override, err := parseOptionalIntEnv("PROVIDER_TIMEOUT"); err != nil {
		return ProviderConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return ProviderConfig{}, fmt.Errorf("PROVIDER_TIMEOUT must be positive, got %d", *override)
		}
		timeoutSeconds = *override
	}

	return ProviderConfig{
		BaseURL: getEnvOrDefault("PROVIDER_BASE_URL", "https://spark-api-open.xf-yun.com/v2"),
		APIKey:  strings.TrimSpace(os.Getenv("PROVIDER_API_KEY")),
		Timeout: time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
