package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

type SourceConfig struct {
	URL        string
	GRPCHealth string
}

type Config struct {
	ServiceID string
	LogLevel  string

	HTTPPort int
	GRPCPort int

	DatabaseURL        string
	SearchDatabaseURL  string
	RedisURL           string
	KafkaBrokers       []string
	KafkaConsumerGroup string
	MaxDBConns         int32

	Sources           map[domain.EntityType]SourceConfig
	SourceTimeout     time.Duration
	SourceTokenSecret string
	AdminTokenSecret  string
	Representations   []string

	StartupSyncEnabled    bool
	ForceFullSync         bool
	DependencyWait        time.Duration
	DependencyMaxRetries  int
	MinDocumentThreshold  int64
	ReconcileInitialDelay time.Duration
	VerifyInterval        time.Duration
	VerifyDeepScan        bool
	SyncMaxRetries        int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	ResyncConcurrency     int
	PageSize              int
	HintSkipEnabled       bool
	HintTTL               time.Duration
	EventDedupTTL         time.Duration

	ConsumerPollInterval time.Duration
	OutboxPollInterval   time.Duration
	OutboxBatchSize      int
}

type sourceFile struct {
	URL        string `yaml:"url"`
	GRPCHealth string `yaml:"grpc_health"`
}

type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL        string                `yaml:"postgres_url"`
		SearchPostgresURL  string                `yaml:"search_postgres_url"`
		RedisURL           string                `yaml:"redis_url"`
		KafkaBrokers       []string              `yaml:"kafka_brokers"`
		KafkaConsumerGroup string                `yaml:"kafka_consumer_group"`
		Sources            map[string]sourceFile `yaml:"sources"`
	} `yaml:"dependencies"`
	Sync struct {
		Representations              []string `yaml:"representations"`
		StartupSyncEnabled           *bool    `yaml:"startup_sync_enabled"`
		ForceFullSync                *bool    `yaml:"force_full_sync"`
		DependencyWaitSeconds        int      `yaml:"dependency_wait_seconds"`
		DependencyMaxRetries         int      `yaml:"dependency_max_retries"`
		MinDocumentThreshold         *int64   `yaml:"min_document_threshold"`
		ReconcileInitialDelaySeconds *int     `yaml:"reconcile_initial_delay_seconds"`
		VerifyIntervalSeconds        int      `yaml:"verify_interval_seconds"`
		VerifyDeepScan               *bool    `yaml:"verify_deep_scan"`
		SyncMaxRetries               int      `yaml:"sync_max_retries"`
		ResyncConcurrency            int      `yaml:"resync_concurrency"`
		PageSize                     int      `yaml:"page_size"`
		HintSkipEnabled              *bool    `yaml:"hint_skip_enabled"`
	} `yaml:"sync"`
}

var defaultRepresentations = []string{"search.city", "search.coworking", "coworking.city", "booking.coworking", "review.user"}

func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:             "coworking-service",
		LogLevel:              "info",
		HTTPPort:              8080,
		GRPCPort:              9090,
		MaxDBConns:            20,
		Sources:               map[domain.EntityType]SourceConfig{},
		SourceTimeout:         5 * time.Second,
		Representations:       append([]string(nil), defaultRepresentations...),
		StartupSyncEnabled:    true,
		DependencyWait:        5 * time.Second,
		DependencyMaxRetries:  10,
		MinDocumentThreshold:  1,
		ReconcileInitialDelay: 30 * time.Second,
		VerifyInterval:        time.Hour,
		VerifyDeepScan:        true,
		SyncMaxRetries:        5,
		RetryBaseDelay:        time.Second,
		RetryMaxDelay:         5 * time.Minute,
		ResyncConcurrency:     4,
		PageSize:              200,
		HintSkipEnabled:       true,
		HintTTL:               24 * time.Hour,
		EventDedupTTL:         7 * 24 * time.Hour,
		ConsumerPollInterval:  time.Second,
		OutboxPollInterval:    2 * time.Second,
		OutboxBatchSize:       100,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		if applyErr := applyFile(&cfg, f); applyErr != nil {
			return Config{}, applyErr
		}
	}

	cfg.ServiceID = envOrDefault("SERVICE_ID", cfg.ServiceID)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.SearchDatabaseURL = envOrDefault("SEARCH_DB_URL", cfg.SearchDatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaConsumerGroup = envOrDefault("KAFKA_CONSUMER_GROUP", cfg.KafkaConsumerGroup)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	for _, entity := range []domain.EntityType{domain.EntityCity, domain.EntityCoworking, domain.EntityUser} {
		prefix := "SOURCE_" + strings.ToUpper(string(entity))
		src := cfg.Sources[entity]
		src.URL = envOrDefault(prefix+"_URL", src.URL)
		src.GRPCHealth = envOrDefault(prefix+"_GRPC_HEALTH", src.GRPCHealth)
		if src.URL != "" || src.GRPCHealth != "" {
			cfg.Sources[entity] = src
		}
	}
	cfg.SourceTimeout = time.Duration(envInt("SOURCE_TIMEOUT_SECONDS", int(cfg.SourceTimeout.Seconds()))) * time.Second
	cfg.SourceTokenSecret = envOrDefault("SOURCE_TOKEN_SECRET", cfg.SourceTokenSecret)
	cfg.AdminTokenSecret = envOrDefault("ADMIN_TOKEN_SECRET", cfg.AdminTokenSecret)
	cfg.Representations = envCSV("REPRESENTATIONS", cfg.Representations)

	cfg.StartupSyncEnabled = envBool("STARTUP_SYNC_ENABLED", cfg.StartupSyncEnabled)
	cfg.ForceFullSync = envBool("FORCE_FULL_SYNC", cfg.ForceFullSync)
	cfg.DependencyWait = time.Duration(envInt("DEPENDENCY_WAIT_SECONDS", int(cfg.DependencyWait.Seconds()))) * time.Second
	cfg.DependencyMaxRetries = envInt("DEPENDENCY_MAX_RETRIES", cfg.DependencyMaxRetries)
	cfg.MinDocumentThreshold = int64(envInt("MIN_DOCUMENT_THRESHOLD", int(cfg.MinDocumentThreshold)))
	cfg.ReconcileInitialDelay = time.Duration(envInt("RECONCILE_INITIAL_DELAY_SECONDS", int(cfg.ReconcileInitialDelay.Seconds()))) * time.Second
	cfg.VerifyInterval = time.Duration(envInt("VERIFY_INTERVAL_SECONDS", int(cfg.VerifyInterval.Seconds()))) * time.Second
	cfg.VerifyDeepScan = envBool("VERIFY_DEEP_SCAN", cfg.VerifyDeepScan)
	cfg.SyncMaxRetries = envInt("SYNC_MAX_RETRIES", cfg.SyncMaxRetries)
	cfg.RetryBaseDelay = time.Duration(envInt("SYNC_RETRY_BASE_DELAY_MS", int(cfg.RetryBaseDelay.Milliseconds()))) * time.Millisecond
	cfg.RetryMaxDelay = time.Duration(envInt("SYNC_RETRY_MAX_DELAY_SECONDS", int(cfg.RetryMaxDelay.Seconds()))) * time.Second
	cfg.ResyncConcurrency = envInt("RESYNC_CONCURRENCY", cfg.ResyncConcurrency)
	cfg.PageSize = envInt("RESYNC_PAGE_SIZE", cfg.PageSize)
	cfg.HintSkipEnabled = envBool("HINT_SKIP_ENABLED", cfg.HintSkipEnabled)
	cfg.HintTTL = time.Duration(envInt("HINT_TTL_SECONDS", int(cfg.HintTTL.Seconds()))) * time.Second
	cfg.EventDedupTTL = time.Duration(envInt("EVENT_DEDUP_TTL_HOURS", int(cfg.EventDedupTTL.Hours()))) * time.Hour
	cfg.ConsumerPollInterval = time.Duration(envInt("CONSUMER_POLL_MS", int(cfg.ConsumerPollInterval.Milliseconds()))) * time.Millisecond
	cfg.OutboxPollInterval = time.Duration(envInt("OUTBOX_POLL_SECONDS", int(cfg.OutboxPollInterval.Seconds()))) * time.Second
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)

	if cfg.KafkaConsumerGroup == "" {
		cfg.KafkaConsumerGroup = cfg.ServiceID
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, f configFile) error {
	if f.Service.ID != "" {
		cfg.ServiceID = f.Service.ID
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		cfg.GRPCPort = f.Service.GRPCPort
	}
	if f.Service.LogLevel != "" {
		cfg.LogLevel = f.Service.LogLevel
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.SearchPostgresURL != "" {
		cfg.SearchDatabaseURL = f.Dependencies.SearchPostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
	}
	if f.Dependencies.KafkaConsumerGroup != "" {
		cfg.KafkaConsumerGroup = f.Dependencies.KafkaConsumerGroup
	}
	for name, src := range f.Dependencies.Sources {
		entity, err := domain.ParseEntityType(name)
		if err != nil {
			return fmt.Errorf("config sources: %w", err)
		}
		cfg.Sources[entity] = SourceConfig{URL: strings.TrimSpace(src.URL), GRPCHealth: strings.TrimSpace(src.GRPCHealth)}
	}

	s := f.Sync
	if len(s.Representations) > 0 {
		cfg.Representations = trimNonEmpty(s.Representations)
	}
	if s.StartupSyncEnabled != nil {
		cfg.StartupSyncEnabled = *s.StartupSyncEnabled
	}
	if s.ForceFullSync != nil {
		cfg.ForceFullSync = *s.ForceFullSync
	}
	if s.DependencyWaitSeconds > 0 {
		cfg.DependencyWait = time.Duration(s.DependencyWaitSeconds) * time.Second
	}
	if s.DependencyMaxRetries > 0 {
		cfg.DependencyMaxRetries = s.DependencyMaxRetries
	}
	if s.MinDocumentThreshold != nil {
		cfg.MinDocumentThreshold = *s.MinDocumentThreshold
	}
	if s.ReconcileInitialDelaySeconds != nil {
		cfg.ReconcileInitialDelay = time.Duration(*s.ReconcileInitialDelaySeconds) * time.Second
	}
	if s.VerifyIntervalSeconds > 0 {
		cfg.VerifyInterval = time.Duration(s.VerifyIntervalSeconds) * time.Second
	}
	if s.VerifyDeepScan != nil {
		cfg.VerifyDeepScan = *s.VerifyDeepScan
	}
	if s.SyncMaxRetries > 0 {
		cfg.SyncMaxRetries = s.SyncMaxRetries
	}
	if s.ResyncConcurrency > 0 {
		cfg.ResyncConcurrency = s.ResyncConcurrency
	}
	if s.PageSize > 0 {
		cfg.PageSize = s.PageSize
	}
	if s.HintSkipEnabled != nil {
		cfg.HintSkipEnabled = *s.HintSkipEnabled
	}
	return nil
}

func (c Config) validate() error {
	if c.ServiceID == "" {
		return fmt.Errorf("missing SERVICE_ID")
	}
	if c.DependencyWait <= 0 {
		return fmt.Errorf("DEPENDENCY_WAIT_SECONDS must be positive")
	}
	if c.DependencyMaxRetries <= 0 || c.SyncMaxRetries <= 0 {
		return fmt.Errorf("retry counts must be positive")
	}
	if c.MinDocumentThreshold < 0 {
		return fmt.Errorf("MIN_DOCUMENT_THRESHOLD must not be negative")
	}
	if c.VerifyInterval <= 0 {
		return fmt.Errorf("VERIFY_INTERVAL_SECONDS must be positive")
	}
	if c.ReconcileInitialDelay < 0 {
		return fmt.Errorf("RECONCILE_INITIAL_DELAY_SECONDS must not be negative")
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	items := strings.Split(raw, ",")
	return trimNonEmpty(items)
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
