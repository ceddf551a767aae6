// Package config loads the service configuration from a YAML file with
// environment-variable fallbacks for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arborchat-dev/arborchat/pkg/convstate"
	"github.com/arborchat-dev/arborchat/pkg/embeddings"
)

// Config represents the application configuration
type Config struct {
	// Server Configuration
	Server ServerConfig `yaml:"server"`

	// Storage Configuration
	Storage StorageConfig `yaml:"storage"`

	// Embedding Configuration
	Embeddings embeddings.Config `yaml:"embeddings"`

	// Generation Configuration
	Generation GenerationConfig `yaml:"generation"`

	// Attachment Configuration
	Attachments AttachmentConfig `yaml:"attachments"`

	// Retrieval Configuration
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Quota Configuration
	Quota QuotaConfig `yaml:"quota"`

	// Actor Configuration
	Actors ActorConfig `yaml:"actors"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RequestsPerSecond enables per-client rate limiting when positive.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// Burst is the per-client burst allowance.
	Burst int `yaml:"burst"`
}

// StorageConfig selects and configures the state backend.
type StorageConfig struct {
	// Provider selects the backend: memory, redis, firestore
	Provider string `yaml:"provider"`

	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	StateTTL time.Duration `yaml:"state_ttl"`
	PoolSize int           `yaml:"pool_size"`
}

// FirestoreConfig holds Firestore connection settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Collection      string `yaml:"collection"`
}

// GenerationConfig holds the model call settings for send attempts.
type GenerationConfig struct {
	OpenAIKey string `yaml:"openai_key"`
	BaseURL   string `yaml:"base_url"`
}

// AttachmentConfig bounds the staged attachment set.
type AttachmentConfig struct {
	// MaxPerConversation caps staged attachments per conversation.
	// Zero disables the cap.
	MaxPerConversation int `yaml:"max_per_conversation"`
}

// RetrievalConfig holds similarity search defaults.
type RetrievalConfig struct {
	MaxAttachmentChunks int     `yaml:"max_attachment_chunks"`
	MaxWebSnippets      int     `yaml:"max_web_snippets"`
	MinScore            float32 `yaml:"min_score"`
	ChunkBudget         int     `yaml:"chunk_budget"`
	EmbedParallelism    int     `yaml:"embed_parallelism"`
}

// QuotaConfig holds the free-pass ledger settings.
type QuotaConfig struct {
	// DefaultTotal is the number of passes granted to new owners.
	DefaultTotal int `yaml:"default_total"`
}

// ActorConfig holds actor cache settings.
type ActorConfig struct {
	// IdleTTL evicts actors unused for this long. Negative disables
	// eviction.
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// EvictionSchedule is a cron expression for the eviction sweep.
	EvictionSchedule string `yaml:"eviction_schedule"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Storage.Provider == "" {
		c.Storage.Provider = "memory"
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "fake"
	}
	if c.Attachments.MaxPerConversation == 0 {
		c.Attachments.MaxPerConversation = 10
	}
	if c.Retrieval.MaxAttachmentChunks == 0 {
		c.Retrieval.MaxAttachmentChunks = convstate.DefaultMaxAttachmentChunks
	}
	if c.Retrieval.MaxWebSnippets == 0 {
		c.Retrieval.MaxWebSnippets = convstate.DefaultMaxWebSnippets
	}
	if c.Quota.DefaultTotal == 0 {
		c.Quota.DefaultTotal = 25
	}
	if c.Actors.IdleTTL == 0 {
		c.Actors.IdleTTL = 30 * time.Minute
	}

	// Load secrets from environment if not in config
	if c.Generation.OpenAIKey == "" {
		c.Generation.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Embeddings.Provider == "openai" && c.Embeddings.OpenAI != nil && c.Embeddings.OpenAI.APIKey == "" {
		c.Embeddings.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Storage.Firestore.ProjectID == "" {
		c.Storage.Firestore.ProjectID = os.Getenv("GCP_PROJECT")
	}
	if c.Storage.Firestore.CredentialsFile == "" {
		c.Storage.Firestore.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Storage.Provider {
	case "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis provider")
		}
	case "firestore":
		if c.Storage.Firestore.ProjectID == "" {
			return fmt.Errorf("storage.firestore.project_id is required for the firestore provider")
		}
	default:
		return fmt.Errorf("unsupported storage provider: %s", c.Storage.Provider)
	}

	if err := c.Embeddings.Validate(); err != nil {
		return fmt.Errorf("embeddings: %w", err)
	}
	if c.Quota.DefaultTotal < 0 {
		return fmt.Errorf("quota.default_total must not be negative")
	}
	return nil
}
