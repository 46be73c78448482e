package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Storage  StorageConfig
	Server   ServerConfig
	OCR      OCRConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Schema   SchemaConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN              string `validate:"required"`
	MaxConns         int32  `validate:"gte=1"`
	MinConns         int32  `validate:"gte=0,ltefield=MaxConns"`
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// StorageConfig selects and configures the artifact backend.
type StorageConfig struct {
	Backend     string `validate:"oneof=fs s3"`
	Dir         string `validate:"required_if=Backend fs"`
	S3Endpoint  string
	S3Region    string
	S3Bucket    string `validate:"required_if=Backend s3"`
	S3AccessKey string
	S3SecretKey string
	CacheSize   int `validate:"gte=0"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr string `validate:"required"`
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Backend       string `validate:"oneof=azure tesseract"`
	Endpoint      string `validate:"omitempty,url"`
	APIKey        string
	APIVersion    string `validate:"required"`
	Model         string `validate:"required"`
	Timeout       time.Duration
	PollInterval  time.Duration `validate:"gt=0"`
	MinConfidence float64       `validate:"gte=0,lte=1"`
	RowTolerance  float64       `validate:"gte=0"`
	GapTolerance  float64       `validate:"gte=0"`

	Tesseract     string
	Pdftoppm      string
	TesseractLang string
	DPI           int `validate:"gte=0"`
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	Provider    string `validate:"oneof=ollama openai"`
	BaseURL     string `validate:"omitempty,url"`
	Model       string `validate:"required"`
	APIKey      string
	Temperature float32 `validate:"gte=0,lte=2"`
	Timeout     time.Duration
}

// PipelineConfig holds orchestrator and worker settings.
type PipelineConfig struct {
	MaxAttempts      int `validate:"gte=1,lte=20"`
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	Workers          int `validate:"gte=1"`
	JobTimeout       time.Duration
	PollInterval     time.Duration
	LeaseDuration    time.Duration
	TaskMaxAttempts  int `validate:"gte=1"`
	VisualizeEnabled bool
}

// SchemaConfig points at the document type registry.
type SchemaConfig struct {
	Path        string `validate:"required"`
	DefaultType string `validate:"required"`
}

// LoadConfig loads configuration from environment variables, after
// applying any .env files (missing files are ignored).
func LoadConfig(envFiles ...string) *Config {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else {
		for _, f := range envFiles {
			_ = godotenv.Load(f)
		}
	}

	return &Config{
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", "file:credit-extractor.db"),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Storage: StorageConfig{
			Backend:     strings.ToLower(getEnv("ARTIFACT_BACKEND", "fs")),
			Dir:         getEnv("ARTIFACT_DIR", "./artifacts"),
			S3Endpoint:  getEnv("S3_ENDPOINT", ""),
			S3Region:    getEnv("S3_REGION", "us-east-1"),
			S3Bucket:    getEnv("S3_BUCKET", ""),
			S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
			S3SecretKey: getEnv("S3_SECRET_KEY", ""),
			CacheSize:   getEnvAsInt("ARTIFACT_CACHE_SIZE", 64),
		},
		Server: ServerConfig{
			GRPCAddr: getEnv("GRPC_ADDR", ":8080"),
		},
		OCR: OCRConfig{
			Backend:       strings.ToLower(getEnv("OCR_BACKEND", "azure")),
			Endpoint:      getEnv("AZURE_DI_ENDPOINT", ""),
			APIKey:        getEnv("AZURE_DI_KEY", ""),
			APIVersion:    getEnv("AZURE_DI_API_VERSION", "2023-07-31"),
			Model:         getEnv("AZURE_DI_MODEL", "prebuilt-read"),
			Timeout:       getEnvAsDuration("OCR_TIMEOUT", 60*time.Second),
			PollInterval:  getEnvAsDuration("OCR_POLL_INTERVAL", time.Second),
			MinConfidence: getEnvAsFloat("OCR_MIN_CONFIDENCE", 0.0),
			RowTolerance:  getEnvAsFloat("OCR_ROW_TOLERANCE", 0.5),
			GapTolerance:  getEnvAsFloat("OCR_GAP_TOLERANCE", 0),
			Tesseract:     getEnv("TESSERACT_BIN", "tesseract"),
			Pdftoppm:      getEnv("PDFTOPPM_BIN", "pdftoppm"),
			TesseractLang: getEnv("TESSERACT_LANG", "deu+eng"),
			DPI:           getEnvAsInt("OCR_DPI", 300),
		},
		LLM: LLMConfig{
			Provider:    strings.ToLower(getEnv("LLM_PROVIDER", "ollama")),
			BaseURL:     getEnv("LLM_BASE_URL", ""),
			Model:       getEnv("LLM_MODEL", "llama3.1"),
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			Temperature: getEnvAsFloat32("LLM_TEMPERATURE", 0.0),
			Timeout:     getEnvAsDuration("LLM_TIMEOUT", 90*time.Second),
		},
		Pipeline: PipelineConfig{
			MaxAttempts:      getEnvAsInt("PIPELINE_MAX_ATTEMPTS", 3),
			BaseBackoff:      getEnvAsDuration("PIPELINE_BASE_BACKOFF", 2*time.Second),
			MaxBackoff:       getEnvAsDuration("PIPELINE_MAX_BACKOFF", 30*time.Second),
			Workers:          getEnvAsInt("PIPELINE_WORKERS", 4),
			JobTimeout:       getEnvAsDuration("PIPELINE_JOB_TIMEOUT", 10*time.Minute),
			PollInterval:     getEnvAsDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
			LeaseDuration:    getEnvAsDuration("QUEUE_LEASE", 15*time.Minute),
			TaskMaxAttempts:  getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
			VisualizeEnabled: getEnvAsBool("PIPELINE_VISUALIZE", true),
		},
		Schema: SchemaConfig{
			Path:        getEnv("DOCUMENT_TYPES_PATH", "./configs/document_types.yaml"),
			DefaultType: getEnv("DEFAULT_DOCUMENT_TYPE", "credit_request"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if err := ValidateStruct(c); err != nil {
		return NewAppError("CONFIG_ERROR", "invalid configuration", err)
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required for the openai provider", ErrInvalidInput)
	}
	if c.Pipeline.MaxBackoff > 0 && c.Pipeline.BaseBackoff > c.Pipeline.MaxBackoff {
		return NewAppError("CONFIG_ERROR", "PIPELINE_BASE_BACKOFF exceeds PIPELINE_MAX_BACKOFF", ErrInvalidInput)
	}
	return nil
}

// ValidateOCR is checked only by commands that call the OCR service.
func (c *Config) ValidateOCR() error {
	if c.OCR.Backend == "tesseract" {
		return nil
	}
	if c.OCR.Endpoint == "" {
		return NewAppError("CONFIG_ERROR", "AZURE_DI_ENDPOINT is required", ErrInvalidInput)
	}
	if c.OCR.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "AZURE_DI_KEY is required", ErrInvalidInput)
	}
	return nil
}
