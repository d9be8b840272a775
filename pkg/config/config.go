package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                    string
	Env                     string
	LogLevel                string
	FirebaseCredentialsPath string
	FirebaseProjectID       string
	FirebaseStorageBucket   string
	StoreBackend            string
	MongoURI                string
	MongoDatabase           string
	PostgresUrl             string
	AuthMode                string
	JWTSecret               string
	MetricsPort             string
	FeedPageSize            int
	NotificationPageSize    int
	RetryMaxTries           uint
	RetryInitialInterval    time.Duration
}

// Load reads the configuration from the environment, after loading .env if
// present.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, assuming environment variables are set.")
	}
	return &Config{
		Port:                    getEnv("PORT", "8080"),
		Env:                     getEnv("ENV", "development"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		FirebaseCredentialsPath: getEnv("FIREBASE_CREDENTIALS_PATH", "./firebase_credentials.json"),
		FirebaseProjectID:       getEnv("FIREBASE_PROJECT_ID", ""),
		FirebaseStorageBucket:   getEnv("FIREBASE_STORAGE_BUCKET", ""),
		StoreBackend:            getEnv("STORE_BACKEND", "firestore"),
		MongoURI:                getEnv("MONGO_URI", ""),
		MongoDatabase:           getEnv("MONGO_DATABASE", "tilt"),
		PostgresUrl:             getEnv("POSTGRES_CONN_STR", ""),
		AuthMode:                getEnv("AUTH_MODE", "firebase"),
		JWTSecret:               getEnv("JWT_SECRET", ""),
		MetricsPort:             getEnv("METRICS_PORT", "9090"),
		FeedPageSize:            getEnvInt("FEED_PAGE_SIZE", 5),
		NotificationPageSize:    getEnvInt("NOTIFICATION_PAGE_SIZE", 7),
		RetryMaxTries:           uint(getEnvInt("RETRY_MAX_TRIES", 3)),
		RetryInitialInterval:    getEnvDuration("RETRY_INITIAL_INTERVAL", 100*time.Millisecond),
	}
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		log.Printf("Invalid %s=%q, using %d\n", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using %s\n", key, value, defaultValue)
		return defaultValue
	}
	return d
}
