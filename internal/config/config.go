package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration. It is read once at process start.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string
	CORSOrigins     []string
	DatabaseDSN     string
	RedisAddr       string
	Auth            AuthConfig
	Blob            BlobConfig
	Classifier      ClassifierConfig
}

// AuthConfig controls optional bearer-token protection of the upload route.
type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

// Enabled reports whether uploads require a token.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// BlobConfig selects where uploaded images are written.
type BlobConfig struct {
	Backend      string // "local" or "s3"
	UploadDir    string
	PublicPrefix string
	S3Endpoint   string
	S3Region     string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3PublicURL  string
}

// ClassifierConfig holds inference settings.
type ClassifierConfig struct {
	Backend        string // "onnx" or "grpc"
	WeightsPath    string
	RuntimeLibPath string
	ClassIndexPath string
	Addr           string
	TopK           int
	Lazy           bool
	Serialize      bool
	Timeout        time.Duration
	LabelFallback  string // "random", "plastic", "metal" or "paper"
}

// Load reads configuration from environment variables with defaults that match
// a docker-compose style deployment.
func Load() Config {
	return Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		CORSOrigins:     getenvList("CORS_ORIGINS", []string{"http://localhost:5173"}),
		DatabaseDSN:     getenv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=recycling port=5432 sslmode=disable"),
		RedisAddr:       getenv("REDIS_ADDR", "redis:6379"),
		Auth: AuthConfig{
			JWTSecret:   os.Getenv("JWT_SECRET"),
			JWTAudience: os.Getenv("JWT_AUDIENCE"),
		},
		Blob: BlobConfig{
			Backend:      strings.ToLower(getenv("BLOB_BACKEND", "local")),
			UploadDir:    getenv("UPLOAD_DIR", "uploads"),
			PublicPrefix: getenv("PUBLIC_UPLOAD_PREFIX", "/uploads"),
			S3Endpoint:   os.Getenv("S3_ENDPOINT"),
			S3Region:     getenv("S3_REGION", "us-east-1"),
			S3Bucket:     getenv("S3_BUCKET", "recycling-uploads"),
			S3AccessKey:  os.Getenv("S3_ACCESS_KEY"),
			S3SecretKey:  os.Getenv("S3_SECRET_KEY"),
			S3PublicURL:  os.Getenv("S3_PUBLIC_URL"),
		},
		Classifier: ClassifierConfig{
			Backend:        strings.ToLower(getenv("CLASSIFIER_BACKEND", "onnx")),
			WeightsPath:    getenv("RESNET_WEIGHTS_PATH", "models/resnet50.onnx"),
			RuntimeLibPath: getenv("ONNXRUNTIME_LIB", "models/libonnxruntime.so"),
			ClassIndexPath: getenv("IMAGENET_INDEX_PATH", "models/imagenet_class_index.json"),
			Addr:           getenv("CLASSIFIER_ADDR", "classifier:50051"),
			TopK:           getenvInt("CLASSIFIER_TOP_K", 3),
			Lazy:           getenvBool("CLASSIFIER_LAZY", false),
			Serialize:      getenvBool("CLASSIFIER_SERIALIZE", false),
			Timeout:        getenvDuration("CLASSIFY_TIMEOUT", 30*time.Second),
			LabelFallback:  strings.ToLower(getenv("LABEL_FALLBACK", "random")),
		},
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

// getenvDuration accepts Go duration strings ("30s") or plain seconds ("30").
func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getenvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
