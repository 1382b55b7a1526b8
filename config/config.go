package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration shared by the server and client commands.
type Config struct {
	// Message port (PMP line protocol) and HTTP transfer port.
	MessageAddr  string
	TransferAddr string
	TLSCertFile  string
	TLSKeyFile   string
	TLSInsecure  bool // client: skip certificate verification
	Plaintext    bool // serve or dial without TLS; never the default

	LibraryDir string

	DBDriver   string // sqlite or mysql
	DBPath     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO镜像配置，Endpoint为空时不启用
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	ServerPasswordHash string // bcrypt hash checked on new-device login
	JWTSecret          string

	KeepAliveInterval time.Duration
	LeaseGrace        time.Duration
	FlushInterval     time.Duration
	LoginRate         float64 // attempts per second per remote address
	LoginBurst        int

	LogLevel string
	LogFile  string

	// Client side
	ServerHost    string
	DeviceName    string
	ClientStateDB string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("10s") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	dataDir := getEnv("PMP_DATA_DIR", "data")

	return &Config{
		MessageAddr:  getEnv("PMP_MESSAGE_ADDR", ":7425"),
		TransferAddr: getEnv("PMP_TRANSFER_ADDR", ":7426"),
		TLSCertFile:  getEnv("PMP_TLS_CERT", filepath.Join(dataDir, "server.crt")),
		TLSKeyFile:   getEnv("PMP_TLS_KEY", filepath.Join(dataDir, "server.key")),
		TLSInsecure:  getEnvBool("PMP_TLS_INSECURE", false),
		Plaintext:    getEnvBool("PMP_PLAINTEXT", false),

		LibraryDir: getEnv("PMP_LIBRARY_DIR", filepath.Join(dataDir, "library")),

		DBDriver:   getEnv("DB_DRIVER", "sqlite"),
		DBPath:     getEnv("DB_PATH", filepath.Join(dataDir, "pmp.db")),
		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "pmp"),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "pmp-library"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		ServerPasswordHash: os.Getenv("PMP_SERVER_PASSWORD_HASH"),
		JWTSecret:          getEnv("JWT_SECRET", ""),

		KeepAliveInterval: getEnvDuration("PMP_KEEPALIVE_INTERVAL", 10*time.Second),
		LeaseGrace:        getEnvDuration("PMP_LEASE_GRACE", 30*time.Second),
		FlushInterval:     getEnvDuration("PMP_FLUSH_INTERVAL", 5*time.Second),
		LoginRate:         getEnvFloat("PMP_LOGIN_RATE", 1),
		LoginBurst:        getEnvInt("PMP_LOGIN_BURST", 5),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		ServerHost:    getEnv("PMP_SERVER_HOST", "localhost"),
		DeviceName:    getEnv("PMP_DEVICE_NAME", hostname()),
		ClientStateDB: getEnv("PMP_CLIENT_STATE_DB", filepath.Join(dataDir, "client.db")),
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "device"
	}
	return name
}
