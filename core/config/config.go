package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server struct {
		Port       int    `envconfig:"PORT" default:"3001"`
		Hostname   string `envconfig:"NODE_HOSTNAME"`
		CORSOrigin string `envconfig:"CORS_ORIGIN" default:"*"`
	}
	Redis struct {
		Host     string `envconfig:"REDIS_HOST" default:"127.0.0.1"`
		Port     int    `envconfig:"REDIS_PORT" default:"6379"`
		Password string `envconfig:"REDIS_PASSWORD"`
		DB       int    `envconfig:"REDIS_DB" default:"0"`
	}
	Cluster struct {
		Enabled  bool `envconfig:"USE_CLUSTER" default:"false"`
		UseRedis bool `envconfig:"USE_REDIS" default:"false"`
	}
	Store struct {
		UseLevelDB bool   `envconfig:"USE_LEVELDB" default:"false"`
		Path       string `envconfig:"LEVELDB_PATH" default:"./peerlink-data"`
	}
	Limits struct {
		MaxFileSize            int64 `envconfig:"MAX_FILE_SIZE" default:"1073741824"`
		ChunkSize              int   `envconfig:"CHUNK_SIZE" default:"65536"`
		MaxConcurrentUploads   int   `envconfig:"MAX_CONCURRENT_UPLOADS" default:"10"`
		MaxConcurrentDownloads int   `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"10"`
		MaxConcurrentTransfers int   `envconfig:"MAX_CONCURRENT_TRANSFERS" default:"5"`
		AckTimeoutMs           int   `envconfig:"ACK_TIMEOUT_MS" default:"10000"`
		MaxRetries             int   `envconfig:"MAX_RETRIES" default:"3"`
		ChecksumEnabled        bool  `envconfig:"CHECKSUM_ENABLED" default:"false"`
		HeartbeatPerMinute     int   `envconfig:"HEARTBEAT_LIMIT" default:"1000"`
	}
	TTL struct {
		ClientSession   time.Duration `envconfig:"TTL_CLIENT_SESSION" default:"1h"`
		ShareSession    time.Duration `envconfig:"TTL_SHARE_SESSION" default:"1h"`
		UploadState     time.Duration `envconfig:"TTL_UPLOAD_STATE" default:"24h"`
		RateLimitWindow time.Duration `envconfig:"TTL_RATE_LIMIT_WINDOW" default:"60s"`
		Heartbeat       time.Duration `envconfig:"TTL_HEARTBEAT" default:"10s"`
	}
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Limits.AckTimeoutMs) * time.Millisecond
}
