package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"maxOpenConns"`
		MaxIdleConns    int           `mapstructure:"maxIdleConns"`
		ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		// 集群模式；单节点开发环境可以关掉
		Cluster bool `mapstructure:"cluster"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret string        `mapstructure:"jwtSecret"`
		TokenTTL  time.Duration `mapstructure:"tokenTTL"`
	} `mapstructure:"auth"`
	Collab struct {
		RingCap       int           `mapstructure:"ringCap"`
		MaxSubmits    int           `mapstructure:"maxSubmits"`
		SubmitTimeout time.Duration `mapstructure:"submitTimeout"`
		PresenceTTL   time.Duration `mapstructure:"presenceTTL"`
		SendBuffer    int           `mapstructure:"sendBuffer"`
	} `mapstructure:"collab"`
	Cors struct {
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"cors"`
	Client struct {
		URL               string        `mapstructure:"url"`
		Token             string        `mapstructure:"token"`
		Document          string        `mapstructure:"document"`
		UserID            string        `mapstructure:"userId"`
		UserName          string        `mapstructure:"userName"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	} `mapstructure:"client"`
}

// New returns a viper instance that looks for collabConfig.yaml and reads
// COLLAB_* environment variables, e.g. COLLAB_RUNNING_PORT.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.maxOpenConns", 20)
	v.SetDefault("mysql.maxIdleConns", 10)
	v.SetDefault("mysql.connMaxLifetime", time.Hour)
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.cluster", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenTTL", 24*time.Hour)
	v.SetDefault("collab.ringCap", 1024)
	v.SetDefault("collab.maxSubmits", 100)
	v.SetDefault("collab.submitTimeout", 200*time.Millisecond)
	v.SetDefault("collab.presenceTTL", 90*time.Second)
	v.SetDefault("collab.sendBuffer", 256)
	v.SetDefault("cors.allowOrigins", []string{"http://localhost:5173"})
	v.SetDefault("client.url", "ws://127.0.0.1:8082/collab/ws")
	v.SetDefault("client.token", "")
	v.SetDefault("client.document", "")
	v.SetDefault("client.userId", "")
	v.SetDefault("client.userName", "")
	v.SetDefault("client.heartbeatInterval", 30*time.Second)
}

// Load reads the config file if there is one and decodes everything into
// Config. A missing file is not an error; defaults and environment apply.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
