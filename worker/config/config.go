package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	ImagePlaceholder = "placeholder"
	ImageComfyUI     = "comfyui"
)

type Config struct {
	MaxWorkers      int
	ClipConcurrency int

	AudioDir     string
	ImagesDir    string
	SubtitlesDir string
	BGMDir       string
	WorkDir      string
	OutputPath   string

	FFmpegPath    string
	FFprobePath   string
	FontsDir      string
	CaptionFont   string
	MaxImageWidth int
	FadeDuration  time.Duration

	ImageBackend ImageConfig
	Store        string
	DatabaseURL  string
	RedisAddr    string
	Kafka        KafkaConfig
	S3           S3Config

	RetentionWindow   time.Duration
	RetentionInterval time.Duration
	DependencyTimeout time.Duration
	TelemetryStdout   bool
}

type ImageConfig struct {
	Backend       string
	ComfyUIAddr   string
	Workflow      string
	PromptNode    string
	OutputNode    string
	Timeout       time.Duration
	Width, Height int
}

// KafkaConfig is disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers          []string
	EventsTopic      string
	SubmissionsTopic string
	GroupID          string
}

// S3Config is disabled when Bucket is empty.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Load reads the engine configuration from the environment, after loading a .env
// file when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	root := getEnv("DATA_DIR", ".")
	cfg := &Config{
		MaxWorkers:      getEnvAsInt("MAX_WORKERS", 4),
		ClipConcurrency: getEnvAsInt("CLIP_CONCURRENCY", 2),

		AudioDir:     getEnv("AUDIO_DIR", filepath.Join(root, "audio")),
		ImagesDir:    getEnv("IMAGES_DIR", filepath.Join(root, "images")),
		SubtitlesDir: getEnv("SUBTITLES_DIR", filepath.Join(root, "subtitles")),
		BGMDir:       getEnv("BGM_DIR", filepath.Join(root, "bgm")),
		WorkDir:      getEnv("WORK_DIR", filepath.Join(os.TempDir(), "sceneforge")),
		OutputPath:   getEnv("FINAL_VIDEO_PATH", filepath.Join(root, "output", "final_video.mp4")),

		FFmpegPath:    getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:   getEnv("FFPROBE_PATH", "ffprobe"),
		FontsDir:      getEnv("FONTS_DIR", ""),
		CaptionFont:   getEnv("CAPTION_FONT", "Arial"),
		MaxImageWidth: getEnvAsInt("MAX_IMAGE_WIDTH", 1920),
		FadeDuration:  getEnvAsDuration("FADE_DURATION", 500*time.Millisecond),

		ImageBackend: ImageConfig{
			Backend:     strings.ToLower(getEnv("IMAGE_BACKEND", ImagePlaceholder)),
			ComfyUIAddr: getEnv("COMFYUI_ADDR", "127.0.0.1:8188"),
			Workflow:    getEnv("COMFYUI_WORKFLOW", ""),
			PromptNode:  getEnv("COMFYUI_PROMPT_NODE", "6"),
			OutputNode:  getEnv("COMFYUI_OUTPUT_NODE", "save_image_websocket_node"),
			Timeout:     getEnvAsDuration("COMFYUI_TIMEOUT", 10*time.Minute),
			Width:       getEnvAsInt("PLACEHOLDER_WIDTH", 1152),
			Height:      getEnvAsInt("PLACEHOLDER_HEIGHT", 2048),
		},
		Store:       strings.ToLower(getEnv("STORE", StoreMemory)),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   getEnv("REDIS_ADDR", ""),
		Kafka: KafkaConfig{
			Brokers:          getEnvAsList("KAFKA_BROKERS"),
			EventsTopic:      getEnv("KAFKA_EVENTS_TOPIC", "task_events"),
			SubmissionsTopic: getEnv("KAFKA_SUBMISSIONS_TOPIC", "task_submissions"),
			GroupID:          getEnv("KAFKA_GROUP_ID", "sceneforge-worker"),
		},
		S3: S3Config{
			Bucket:          getEnv("S3_BUCKET", ""),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			Prefix:          getEnv("S3_PREFIX", "renders"),
		},

		RetentionWindow:   getEnvAsDuration("RETENTION_WINDOW", 24*time.Hour),
		RetentionInterval: getEnvAsDuration("RETENTION_INTERVAL", time.Hour),
		DependencyTimeout: getEnvAsDuration("DEPENDENCY_TIMEOUT", time.Hour),
		TelemetryStdout:   getEnvAsBool("TELEMETRY_STDOUT", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}

	switch c.ImageBackend.Backend {
	case ImagePlaceholder:
	case ImageComfyUI:
		if c.ImageBackend.Workflow == "" {
			return fmt.Errorf("COMFYUI_WORKFLOW is required when IMAGE_BACKEND=%s", ImageComfyUI)
		}
	default:
		return fmt.Errorf("unknown IMAGE_BACKEND %q", c.ImageBackend.Backend)
	}

	if c.MaxWorkers < 1 {
		return fmt.Errorf("MAX_WORKERS must be positive, got %d", c.MaxWorkers)
	}
	if c.RetentionWindow <= 0 || c.RetentionInterval <= 0 {
		return fmt.Errorf("retention window and interval must be positive")
	}
	if c.DependencyTimeout <= 0 {
		return fmt.Errorf("DEPENDENCY_TIMEOUT must be positive, got %s", c.DependencyTimeout)
	}
	if c.S3.Bucket != "" && (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}
	return nil
}

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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
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

// getEnvAsList splits a comma separated value, dropping empty entries.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
