package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 是订单服务的全部运行时配置。先读 yaml 文件，再用环境变量覆盖。
type Config struct {
	App          AppConfig         `yaml:"app"`
	Store        StoreConfig       `yaml:"store"`
	Lock         LockConfig        `yaml:"lock"`
	Infra        InfraConfig       `yaml:"infra"`
	Saga         SagaConfig        `yaml:"saga"`
	Participants map[string]string `yaml:"participants"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type StoreConfig struct {
	// Driver: memory | mysql
	Driver string      `yaml:"driver"`
	MySQL  MySQLConfig `yaml:"mysql"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	Addr            string        `yaml:"addr"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LockConfig struct {
	// Backend: local | redis | zookeeper
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Wait    time.Duration `yaml:"wait"`
}

type InfraConfig struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers           []string `yaml:"brokers"`
		EventTopic        string   `yaml:"event_topic"`
		NotificationTopic string   `yaml:"notification_topic"`
	} `yaml:"kafka"`
	Jaeger struct {
		Endpoint    string  `yaml:"endpoint"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"jaeger"`
	Zookeeper struct {
		Servers        []string      `yaml:"servers"`
		Root           string        `yaml:"root"`
		SessionTimeout time.Duration `yaml:"session_timeout"`
	} `yaml:"zookeeper"`
	Nacos struct {
		ServerAddrs string `yaml:"server_addrs"`
		Namespace   string `yaml:"namespace"`
		Group       string `yaml:"group"`
	} `yaml:"nacos"`
}

type SagaConfig struct {
	Timeout              time.Duration `yaml:"timeout"`
	StepTimeout          time.Duration `yaml:"step_timeout"`
	StepAttempts         int           `yaml:"step_attempts"`
	CompensationTimeout  time.Duration `yaml:"compensation_timeout"`
	CompensationAttempts int           `yaml:"compensation_attempts"`
	InitialBackoff       time.Duration `yaml:"initial_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	Carriers             []string      `yaml:"carriers"`
	CarrierQuorum        int           `yaml:"carrier_quorum"`
}

// Default 返回可以直接在本地运行的配置
func Default() Config {
	var c Config
	c.App = AppConfig{Name: "order-service", Port: 8081, LogLevel: "info", LogFormat: "json"}
	c.Store = StoreConfig{Driver: "memory", MySQL: MySQLConfig{
		Addr: "localhost:3306", User: "root", Database: "orders",
		MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxLifetime: time.Hour,
	}}
	c.Lock = LockConfig{Backend: "local", TTL: 10 * time.Second, Wait: 5 * time.Second}
	c.Infra.Redis.Addr = "localhost:6379"
	c.Infra.Kafka.EventTopic = "order-events"
	c.Infra.Kafka.NotificationTopic = "notifications"
	c.Infra.Jaeger.SampleRatio = 1
	c.Infra.Zookeeper.Root = "/order_locks"
	c.Infra.Zookeeper.SessionTimeout = 5 * time.Second
	c.Infra.Nacos.Group = "DEFAULT_GROUP"
	c.Participants = map[string]string{
		"inventory-service": "http://localhost:8082",
		"payment-service":   "http://localhost:8083",
		"delivery-service":  "http://localhost:8086",
	}
	c.Saga = SagaConfig{
		Timeout:              2 * time.Minute,
		StepTimeout:          10 * time.Second,
		StepAttempts:         3,
		CompensationTimeout:  10 * time.Second,
		CompensationAttempts: 5,
		InitialBackoff:       200 * time.Millisecond,
		MaxBackoff:           5 * time.Second,
		SweepInterval:        15 * time.Second,
		Carriers:             []string{"fast-post", "city-express", "cargo-line"},
		CarrierQuorum:        2,
	}
	return c
}

// Load 读取配置文件 (path 为空或文件不存在时只用默认值)，再应用环境变量并校验
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "parse config %s", path)
			}
		case !os.IsNotExist(err):
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := getEnv("HTTP_PORT", ""); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "invalid HTTP_PORT")
		}
		c.App.Port = port
	}
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.MySQL.DSN = getEnv("MYSQL_DSN", c.Store.MySQL.DSN)
	c.Lock.Backend = getEnv("LOCK_BACKEND", c.Lock.Backend)
	c.Infra.Redis.Addr = getEnv("REDIS_ADDR", c.Infra.Redis.Addr)
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		c.Infra.Kafka.Brokers = splitCSV(v)
	}
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	if v := getEnv("ZK_SERVERS", ""); v != "" {
		c.Infra.Zookeeper.Servers = splitCSV(v)
	}
	c.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.ServerAddrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = getEnv("NACOS_GROUP", c.Infra.Nacos.Group)
	return nil
}

// Validate 检查配置之间的约束
func (c *Config) Validate() error {
	if c.App.Port <= 0 {
		return errors.New("app.port must be > 0")
	}
	switch c.Store.Driver {
	case "memory", "mysql":
	default:
		return errors.Errorf("store.driver must be memory or mysql, got %q", c.Store.Driver)
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Infra.Redis.Addr == "" {
			return errors.New("lock.backend redis requires infra.redis.addr")
		}
	case "zookeeper":
		if len(c.Infra.Zookeeper.Servers) == 0 {
			return errors.New("lock.backend zookeeper requires infra.zookeeper.servers")
		}
	default:
		return errors.Errorf("lock.backend must be local, redis or zookeeper, got %q", c.Lock.Backend)
	}
	s := c.Saga
	if s.Timeout <= 0 || s.StepTimeout <= 0 || s.CompensationTimeout <= 0 {
		return errors.New("saga timeouts must be > 0")
	}
	if s.StepAttempts < 1 || s.CompensationAttempts < 1 {
		return errors.New("saga attempts must be >= 1")
	}
	if len(s.Carriers) == 0 {
		return errors.New("saga.carriers must not be empty")
	}
	if s.CarrierQuorum < 1 || s.CarrierQuorum > len(s.Carriers) {
		return errors.Errorf("saga.carrier_quorum must be within [1, %d]", len(s.Carriers))
	}
	return nil
}

// MySQLDSN 返回规范化后的 DSN。parseTime 总是打开，时区固定为 UTC。
func (c *Config) MySQLDSN() (string, error) {
	m := c.Store.MySQL
	var dsn *mysql.Config
	if m.DSN != "" {
		parsed, err := mysql.ParseDSN(m.DSN)
		if err != nil {
			return "", errors.Wrap(err, "parse mysql dsn")
		}
		dsn = parsed
	} else {
		dsn = mysql.NewConfig()
		dsn.Net = "tcp"
		dsn.Addr = m.Addr
		dsn.User = m.User
		dsn.Passwd = m.Password
		dsn.DBName = m.Database
	}
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	return dsn.FormatDSN(), nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
