package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Upload   UploadConfig
	Search   SearchConfig
	Log      LogConfig
	Realtime RealtimeConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	redis, err := loadRedisConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	upload, err := loadUploadConfig()
	if err != nil {
		return nil, err
	}

	search, err := loadSearchConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	rt, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Store:    store,
		Redis:    redis,
		Auth:     auth,
		Upload:   upload,
		Search:   search,
		Log:      logCfg,
		Realtime: rt,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr   string
	NodeID string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	nodeID := getEnvOrDefault("NODE_ID", "")
	if nodeID == "" {
		nodeID = uuid.NewString()[:8]
	}
	if strings.ContainsAny(nodeID, ". ") {
		return ServerConfig{}, fmt.Errorf("invalid NODE_ID value: %q", nodeID)
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, NodeID: nodeID}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, NodeID: nodeID}, nil
}

// StoreConfig 描述持久化存储配置。
type StoreConfig struct {
	Driver string
	DSN    string
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORE_DRIVER", "sqlite"))
	switch driver {
	case "sqlite", "mysql", "postgres":
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value: %q", driver)
	}

	dsn := getEnvOrDefault("STORE_DSN", "")
	if dsn == "" {
		if driver != "sqlite" {
			return StoreConfig{}, fmt.Errorf("STORE_DSN is required for driver %s", driver)
		}
		dsn = "chat.db"
	}

	return StoreConfig{Driver: driver, DSN: dsn}, nil
}

// RedisConfig 描述 Redis 连接；Addr 为空时使用单机内存注册表。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled 表示是否配置了 Redis。
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

func loadRedisConfig() (RedisConfig, error) {
	db := 0
	if override, err := parseOptionalIntEnv("REDIS_DB"); err != nil {
		return RedisConfig{}, err
	} else if override != nil {
		db = *override
	}

	return RedisConfig{
		Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

// AuthConfig 描述令牌签发与校验配置。
type AuthConfig struct {
	Secret         string
	Issuer         string
	TokenTTL       time.Duration
	RequireWSToken bool
}

func loadAuthConfig() (AuthConfig, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return AuthConfig{}, fmt.Errorf("JWT_SECRET is required")
	}

	ttlHours := 24
	if override, err := parseOptionalIntEnv("JWT_TTL_HOURS"); err != nil {
		return AuthConfig{}, err
	} else if override != nil && *override > 0 {
		ttlHours = *override
	}

	requireWS, err := parseBoolEnv("WS_REQUIRE_TOKEN", true)
	if err != nil {
		return AuthConfig{}, err
	}

	return AuthConfig{
		Secret:         secret,
		Issuer:         getEnvOrDefault("JWT_ISSUER", "z-chat"),
		TokenTTL:       time.Duration(ttlHours) * time.Hour,
		RequireWSToken: requireWS,
	}, nil
}

// UploadConfig 描述附件上传配置
type UploadConfig struct {
	Dir          string
	BaseURL      string
	MaxBytes     int64
	AllowedTypes []string
}

func loadUploadConfig() (UploadConfig, error) {
	maxMB := 20
	if override, err := parseOptionalIntEnv("UPLOAD_MAX_MB"); err != nil {
		return UploadConfig{}, err
	} else if override != nil && *override > 0 {
		maxMB = *override
	}

	var allowed []string
	for _, item := range strings.Split(getEnvOrDefault("UPLOAD_ALLOWED_TYPES", "image/*,video/*,audio/*,application/pdf,application/zip,text/plain"), ",") {
		if item = strings.TrimSpace(item); item != "" {
			allowed = append(allowed, item)
		}
	}

	return UploadConfig{
		Dir:          getEnvOrDefault("UPLOAD_DIR", "./uploads"),
		BaseURL:      strings.TrimRight(getEnvOrDefault("UPLOAD_BASE_URL", "/files"), "/"),
		MaxBytes:     int64(maxMB) << 20,
		AllowedTypes: allowed,
	}, nil
}

// SearchConfig 描述消息关键字搜索语义
type SearchConfig struct {
	CaseSensitive bool
	DirectEnabled bool
}

func loadSearchConfig() (SearchConfig, error) {
	caseSensitive, err := parseBoolEnv("SEARCH_CASE_SENSITIVE", false)
	if err != nil {
		return SearchConfig{}, err
	}

	direct, err := parseBoolEnv("SEARCH_DIRECT_ENABLED", true)
	if err != nil {
		return SearchConfig{}, err
	}

	return SearchConfig{CaseSensitive: caseSensitive, DirectEnabled: direct}, nil
}

// LogConfig 描述日志输出
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

func loadLogConfig() (LogConfig, error) {
	cfg := LogConfig{
		Level: getEnvOrDefault("LOG_LEVEL", "info"),
		File:  getEnvOrDefault("LOG_FILE", ""),
	}

	if size, err := parseOptionalIntEnv("LOG_MAX_SIZE_MB"); err != nil {
		return LogConfig{}, err
	} else if size != nil {
		cfg.MaxSizeMB = *size
	}

	if backups, err := parseOptionalIntEnv("LOG_MAX_BACKUPS"); err != nil {
		return LogConfig{}, err
	} else if backups != nil {
		cfg.MaxBackups = *backups
	}

	return cfg, nil
}

// RealtimeConfig 描述 WebSocket 连接参数
type RealtimeConfig struct {
	SendBuffer int
	// NodeTTL 节点心跳过期时间，超时后其余节点回收该节点的连接
	NodeTTL      time.Duration
	DrainTimeout time.Duration
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	buffer := 64
	if override, err := parseOptionalIntEnv("WS_SEND_BUFFER"); err != nil {
		return RealtimeConfig{}, err
	} else if override != nil {
		if *override < 1 {
			buffer = 1
		} else {
			buffer = *override
		}
	}

	nodeTTL := 30 * time.Second
	if override, err := parseOptionalIntEnv("PRESENCE_NODE_TTL_SECONDS"); err != nil {
		return RealtimeConfig{}, err
	} else if override != nil && *override > 0 {
		nodeTTL = time.Duration(*override) * time.Second
	}

	return RealtimeConfig{
		SendBuffer:   buffer,
		NodeTTL:      nodeTTL,
		DrainTimeout: 5 * time.Second,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
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
