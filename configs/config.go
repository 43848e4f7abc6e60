package configs

import (
	"fmt"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"log"
	"os"
	"time"
)

type Config struct {
	ServerPort             string `envconfig:"SERVER_PORT" default:"8080"`
	ServerTimeOutInSeconds int64  `envconfig:"SERVER_TIME_OUT_IN_SECONDS" default:"5"`
	Database               DatabaseConfig
	RedisConfig            RedisConfig
	Worker                 WorkerConfig
	ObjectStorage          ObjectStorageConfig
	Extractor              ExtractorConfig
}

type ObjectStorageConfig struct {
	BaseURL string `envconfig:"OBJECT_STORAGE_BASE_URL"`
}

type ExtractorConfig struct {
	BaseURL string `envconfig:"EXTRACTOR_BASE_URL"`
	APIKey  string `envconfig:"EXTRACTOR_API_KEY"`
}

type DatabaseConfig struct {
	Username     string `envconfig:"DB_USERNAME"`
	Password     string `envconfig:"DB_PASSWORD"`
	Host         string `envconfig:"DB_HOST"`
	Port         string `envconfig:"DB_PORT"`
	Database     string `envconfig:"DB_DATABASE"`
	SSLMode      string `envconfig:"DB_SSL_MODE" default:"require"`
	PoolMaxConns int    `envconfig:"DB_POOL_MAX_CONNS" default:"1"`
}

type RedisConfig struct {
	Username        string `envconfig:"REDIS_USERNAME"`
	Password        string `envconfig:"REDIS_PASSWORD"`
	Host            string `envconfig:"REDIS_HOST"`
	Port            string `envconfig:"REDIS_PORT"`
	DBIndex         int32  `envconfig:"REDIS_DB_INDEX"`
	TasksStream     string `envconfig:"TASKS_STREAM" default:"docpipe:tasks"`
	DeadLetterKey   string `envconfig:"DEAD_LETTER_STREAM" default:"docpipe:tasks:dead"`
	ConsumerGroup   string `envconfig:"TASKS_CONSUMER_GROUP" default:"docpipe-workers"`
	ProgressTTLMins int64  `envconfig:"PROGRESS_TTL_IN_MINUTES" default:"60"`
}

type WorkerConfig struct {
	TimeOutInSeconds        int64 `envconfig:"WORKER_TIME_OUT_IN_SECONDS" default:"120"`
	MaxRetries              int   `envconfig:"WORKER_MAX_RETRIES" default:"3"`
	DequeueBlockInSeconds   int64 `envconfig:"WORKER_DEQUEUE_BLOCK_IN_SECONDS" default:"5"`
	DownloadTimeOutInSecs   int64 `envconfig:"WORKER_DOWNLOAD_TIME_OUT_IN_SECONDS" default:"30"`
	ExtractTimeOutInSecs    int64 `envconfig:"WORKER_EXTRACT_TIME_OUT_IN_SECONDS" default:"60"`
	ErrorBackOffInSeconds   int64 `envconfig:"WORKER_ERROR_BACKOFF_IN_SECONDS" default:"2"`
	StalePendingMinIdleSecs int64 `envconfig:"RECOVERY_MIN_IDLE_IN_SECONDS" default:"300"`
}

// ToDbConnectionUri returns a connection URI to be used with the pgx package
func (d DatabaseConfig) ToDbConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToMigrationUri returns a string specifically for the migration package with the right prefix
func (d DatabaseConfig) ToMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}

// ToRedisConnectionUri returns a connection URI to be used with the redis/go-redis/v9 package
func (d RedisConfig) ToRedisConnectionUri() string {
	return fmt.Sprintf("redis://%s:%s@%s:%s/%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DBIndex,
	)
}

func (d RedisConfig) ProgressTTL() time.Duration {
	return time.Duration(d.ProgressTTLMins) * time.Minute
}

func (w WorkerConfig) ExecuteTimeOut() time.Duration {
	return time.Duration(w.TimeOutInSeconds) * time.Second
}

func (w WorkerConfig) DequeueBlock() time.Duration {
	return time.Duration(w.DequeueBlockInSeconds) * time.Second
}

func (w WorkerConfig) DownloadTimeOut() time.Duration {
	return time.Duration(w.DownloadTimeOutInSecs) * time.Second
}

func (w WorkerConfig) ExtractTimeOut() time.Duration {
	return time.Duration(w.ExtractTimeOutInSecs) * time.Second
}

func (w WorkerConfig) ErrorBackOff() time.Duration {
	return time.Duration(w.ErrorBackOffInSeconds) * time.Second
}

func (w WorkerConfig) StalePendingMinIdle() time.Duration {
	return time.Duration(w.StalePendingMinIdleSecs) * time.Second
}

func InitConfig() *Config {
	err := godotenv.Load()

	if err != nil && !os.IsNotExist(err) {
		log.Fatalf("Unable to load .env %v", err)
	}

	var cfg Config
	err = envconfig.Process("", &cfg)
	if err != nil {
		fmt.Print("Cannot load env")
	}

	return &cfg
}
