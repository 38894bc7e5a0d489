package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env           string
	HTTPPort      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	JWTIssuer     string
	JWTSigningKey string
	AdminKey      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	QueueBackend  string
	QueueKey      string
	MirrorBackend string
	MirrorURL     string
	MirrorTimeout time.Duration
	MirrorWorkers int
	// WorkerMetricsPort serves the worker's /metrics.
	WorkerMetricsPort string
	MirrorMaxInFlight int
	Cloudinary        Cloudinary
	RateLimitPerMin   int
	CascadePath       string
	MinSamples        int
	Threshold         float64
	LivenessMin       float64
	DedupWindow       time.Duration
	AutoRegister      bool
	Timezone          string
	MaxUploadBytes    int64
}

// Cloudinary holds the identity photo upload credentials.
type Cloudinary struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Load returns application config populated from environment variables
// with sensible defaults. A .env file in the working directory is read
// first when present; real environment variables win over it.
func Load() App {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("ignoring .env: %v", err)
	}
	return App{
		Env:               getEnv("APP_ENV", "dev"),
		HTTPPort:          getEnv("HTTP_PORT", "8081"),
		DatabaseURL:       getEnv("DATABASE_URL", "sqlite://data/attendance.db"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           intEnv("REDIS_DB", 0),
		JWTIssuer:         getEnv("JWT_ISSUER", "faceattend"),
		JWTSigningKey:     getEnv("JWT_SIGNING_KEY", "dev-signing-secret-change"),
		AdminKey:          getEnv("ADMIN_KEY", ""),
		AccessTTL:         durationEnv("ACCESS_TTL", 15*time.Minute),
		RefreshTTL:        durationEnv("REFRESH_TTL", 24*time.Hour),
		QueueBackend:      getEnv("QUEUE_BACKEND", "memory"),
		QueueKey:          getEnv("QUEUE_KEY", "faceattend:mirror"),
		MirrorBackend:     getEnv("MIRROR_BACKEND", "none"),
		MirrorURL:         getEnv("MIRROR_URL", ""),
		MirrorTimeout:     durationEnv("MIRROR_TIMEOUT", 5*time.Second),
		MirrorWorkers:     intEnv("MIRROR_WORKERS", 2),
		WorkerMetricsPort: getEnv("WORKER_METRICS_PORT", "9091"),
		MirrorMaxInFlight: intEnv("MIRROR_MAX_IN_FLIGHT", 64),
		Cloudinary: Cloudinary{
			CloudName: getEnv("CLOUDINARY_CLOUD_NAME", ""),
			APIKey:    getEnv("CLOUDINARY_API_KEY", ""),
			APISecret: getEnv("CLOUDINARY_API_SECRET", ""),
			Folder:    getEnv("CLOUDINARY_FOLDER", "faceattend"),
		},
		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 120),
		CascadePath:     getEnv("CASCADE_PATH", "haarcascade_frontalface_default.xml"),
		MinSamples:      intEnv("MIN_SAMPLES", 10),
		Threshold:       floatEnv("RECOGNITION_THRESHOLD", 70),
		LivenessMin:     floatEnv("LIVENESS_THRESHOLD", 100),
		DedupWindow:     durationEnv("DEDUP_WINDOW", 5*time.Minute),
		AutoRegister:    boolEnv("AUTO_REGISTER", true),
		Timezone:        getEnv("TIMEZONE", "Local"),
		MaxUploadBytes:  int64(intEnv("MAX_UPLOAD_MB", 32)) << 20,
	}
}

// Location resolves Timezone, falling back to the local zone.
func (a App) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		log.Printf("invalid TIMEZONE %q: %v, using Local", a.Timezone, err)
		return time.Local
	}
	return loc
}

// Production reports whether the app runs with production settings.
func (a App) Production() bool {
	return a.Env == "prod" || a.Env == "production"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}

func floatEnv(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
		log.Printf("invalid float for %s, using fallback %v", key, fallback)
	}
	return fallback
}
