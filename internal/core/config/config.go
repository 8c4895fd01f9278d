package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type KafkaTLSCfg struct {
	Enable     bool   `yaml:"enable"`
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SkipVerify bool   `yaml:"skip_verify"`
}

type KafkaSASLCfg struct {
	Enable    bool   `yaml:"enable"`
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type InvalidationCfg struct {
	Enabled bool         `yaml:"enabled"`
	Driver  string       `yaml:"driver"`
	Topic   string       `yaml:"topic"`
	Brokers string       `yaml:"brokers"`
	GroupID string       `yaml:"group_id"`
	TLS     KafkaTLSCfg  `yaml:"tls"`
	SASL    KafkaSASLCfg `yaml:"sasl"`
}

type S3Cfg struct {
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Secure        bool   `yaml:"secure"`
	PublicBaseURL string `yaml:"public_base_url"`
	ListMaxKeys   int    `yaml:"list_max_keys"`
	// Credentials are read from the environment only. Empty means anonymous.
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

type RowCapCfg struct {
	Baseline int `yaml:"baseline"`
	Ceiling  int `yaml:"ceiling"`
	Floor    int `yaml:"floor"`
}

type EngineCfg struct {
	MemoryLimit string `yaml:"memory_limit"`
	Threads     int    `yaml:"threads"`
}

type TracingCfg struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type Config struct {
	Addr        string `yaml:"addr"`
	LogLevel    string `yaml:"log_level"`
	LogConsole  bool   `yaml:"log_console"`
	LogSampleN  int    `yaml:"log_sample_n"`
	Environment string `yaml:"environment"`

	S3 S3Cfg `yaml:"s3"`

	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisNamespace  string        `yaml:"redis_namespace"`
	CacheOpTimeout  time.Duration `yaml:"cache_op_timeout"`
	CacheMemEntries int           `yaml:"cache_mem_entries"`
	IndexTTL        time.Duration `yaml:"index_ttl"`
	CatalogTTL      time.Duration `yaml:"catalog_ttl"`

	IndexConcurrency  int           `yaml:"index_concurrency"`
	IndexBuildTimeout time.Duration `yaml:"index_build_timeout"`

	RowCap        RowCapCfg `yaml:"rowcap"`
	QueryMaxRows  int       `yaml:"query_max_rows"`
	QueryMaxFiles int       `yaml:"query_max_files"`
	Engine        EngineCfg `yaml:"engine"`

	KafkaBrokers     string          `yaml:"kafka_brokers"`
	Invalidation     InvalidationCfg `yaml:"invalidation"`
	QueryEventsTopic string          `yaml:"query_events_topic"`

	Tracing TracingCfg `yaml:"tracing"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"`
	MetricsPath    string `yaml:"metrics_path"`
}

// Production reports whether long-lived cache TTLs apply.
func (c Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func Defaults() Config {
	return Config{
		Addr:        ":8090",
		LogLevel:    "info",
		Environment: "development",
		S3: S3Cfg{
			Endpoint:      "s3.us-west-2.amazonaws.com",
			Bucket:        "overturemaps-us-west-2",
			Region:        "us-west-2",
			Secure:        true,
			PublicBaseURL: "https://overturemaps-us-west-2.s3.amazonaws.com",
			ListMaxKeys:   1000,
		},
		RedisNamespace:    "overture:",
		CacheOpTimeout:    250 * time.Millisecond,
		CacheMemEntries:   1024,
		IndexConcurrency:  5,
		IndexBuildTimeout: 5 * time.Minute,
		RowCap:            RowCapCfg{Baseline: 5000, Ceiling: 10000, Floor: 500},
		QueryMaxRows:      100000,
		QueryMaxFiles:     500,
		Engine:            EngineCfg{MemoryLimit: "100MB", Threads: 1},
		KafkaBrokers:      "localhost:9092",
		Invalidation: InvalidationCfg{
			Driver:  "none",
			Topic:   "overture-index-invalidation",
			Brokers: "localhost:9092",
			GroupID: "index-invalidator",
		},
		Tracing:     TracingCfg{Endpoint: "localhost:4318", Insecure: true, SampleRatio: 1},
		MetricsAddr: ":9090",
		MetricsPath: "/metrics",
	}
}

// Load layers defaults, an optional YAML file named by CONFIG_FILE, then the
// environment. TTLs left unset are derived from ENVIRONMENT.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv is Load without a config file and without validation errors.
func FromEnv() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	_ = cfg.normalize()
	return cfg
}

func applyEnv(c *Config) {
	c.Addr = getenv("ADDR", c.Addr)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.LogConsole = getbool("LOG_CONSOLE", c.LogConsole)
	c.LogSampleN = getint("LOG_SAMPLE_N", c.LogSampleN)
	c.Environment = getenv("ENVIRONMENT", c.Environment)

	c.S3.Endpoint = getenv("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.Bucket = getenv("S3_BUCKET", c.S3.Bucket)
	c.S3.Region = getenv("S3_REGION", c.S3.Region)
	c.S3.Secure = getbool("S3_SECURE", c.S3.Secure)
	c.S3.PublicBaseURL = getenv("S3_PUBLIC_BASE_URL", c.S3.PublicBaseURL)
	c.S3.ListMaxKeys = getint("S3_LIST_MAX_KEYS", c.S3.ListMaxKeys)
	c.S3.AccessKey = getenv("AWS_ACCESS_KEY_ID", c.S3.AccessKey)
	c.S3.SecretKey = getenv("AWS_SECRET_ACCESS_KEY", c.S3.SecretKey)

	// REDIS_ADDR may be set to empty explicitly to select the in-process cache.
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok {
		c.RedisAddr = strings.TrimSpace(v)
	}
	c.RedisPassword = getenv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisNamespace = getenv("REDIS_NAMESPACE", c.RedisNamespace)
	c.CacheOpTimeout = getduration("CACHE_OP_TIMEOUT", c.CacheOpTimeout)
	c.CacheMemEntries = getint("CACHE_MEM_ENTRIES", c.CacheMemEntries)
	c.IndexTTL = getduration("INDEX_TTL", c.IndexTTL)
	c.CatalogTTL = getduration("CATALOG_TTL", c.CatalogTTL)

	c.IndexConcurrency = getint("INDEX_CONCURRENCY", c.IndexConcurrency)
	c.IndexBuildTimeout = getduration("INDEX_BUILD_TIMEOUT", c.IndexBuildTimeout)

	c.RowCap.Baseline = getint("ROWCAP_BASELINE", c.RowCap.Baseline)
	c.RowCap.Ceiling = getint("ROWCAP_CEILING", c.RowCap.Ceiling)
	c.RowCap.Floor = getint("ROWCAP_FLOOR", c.RowCap.Floor)
	c.QueryMaxRows = getint("QUERY_MAX_ROWS", c.QueryMaxRows)
	c.QueryMaxFiles = getint("QUERY_MAX_FILES", c.QueryMaxFiles)
	c.Engine.MemoryLimit = getenv("ENGINE_MEMORY_LIMIT", c.Engine.MemoryLimit)
	c.Engine.Threads = getint("ENGINE_THREADS", c.Engine.Threads)

	c.KafkaBrokers = getenv("KAFKA_BROKERS", c.KafkaBrokers)
	c.Invalidation.Enabled = getbool("INVALIDATION_ENABLED", c.Invalidation.Enabled)
	c.Invalidation.Driver = getenv("INVALIDATION_DRIVER", c.Invalidation.Driver)
	c.Invalidation.Topic = getenv("KAFKA_TOPIC", c.Invalidation.Topic)
	c.Invalidation.Brokers = getenv("KAFKA_BROKERS", c.Invalidation.Brokers)
	c.Invalidation.GroupID = getenv("KAFKA_GROUP_ID", c.Invalidation.GroupID)
	c.Invalidation.TLS.Enable = getbool("KAFKA_TLS_ENABLE", c.Invalidation.TLS.Enable)
	c.Invalidation.TLS.CAFile = getenv("KAFKA_TLS_CA_FILE", c.Invalidation.TLS.CAFile)
	c.Invalidation.TLS.CertFile = getenv("KAFKA_TLS_CERT_FILE", c.Invalidation.TLS.CertFile)
	c.Invalidation.TLS.KeyFile = getenv("KAFKA_TLS_KEY_FILE", c.Invalidation.TLS.KeyFile)
	c.Invalidation.TLS.SkipVerify = getbool("KAFKA_TLS_SKIP_VERIFY", c.Invalidation.TLS.SkipVerify)
	c.Invalidation.SASL.Enable = getbool("KAFKA_SASL_ENABLE", c.Invalidation.SASL.Enable)
	c.Invalidation.SASL.Mechanism = getenv("KAFKA_SASL_MECHANISM", c.Invalidation.SASL.Mechanism)
	c.Invalidation.SASL.Username = getenv("KAFKA_SASL_USERNAME", c.Invalidation.SASL.Username)
	c.Invalidation.SASL.Password = getenv("KAFKA_SASL_PASSWORD", c.Invalidation.SASL.Password)
	c.QueryEventsTopic = getenv("QUERY_EVENTS_TOPIC", c.QueryEventsTopic)

	c.Tracing.Enabled = getbool("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getenv("TRACING_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.Insecure = getbool("TRACING_INSECURE", c.Tracing.Insecure)
	c.Tracing.SampleRatio = getfloat("TRACING_SAMPLE_RATIO", c.Tracing.SampleRatio)

	c.MetricsEnabled = getbool("METRICS_ENABLED", c.MetricsEnabled)
	c.MetricsAddr = getenv("METRICS_ADDR", c.MetricsAddr)
	c.MetricsPath = getenv("METRICS_PATH", c.MetricsPath)
}

func (c *Config) normalize() error {
	defTTL := time.Minute
	if c.Production() {
		defTTL = 24 * time.Hour
	}
	if c.IndexTTL <= 0 {
		c.IndexTTL = defTTL
	}
	if c.CatalogTTL <= 0 {
		c.CatalogTTL = defTTL
	}
	if c.IndexConcurrency < 1 {
		c.IndexConcurrency = 1
	}
	if c.S3.ListMaxKeys <= 0 || c.S3.ListMaxKeys > 1000 {
		c.S3.ListMaxKeys = 1000
	}
	if c.QueryMaxRows < 1 {
		c.QueryMaxRows = 1
	}
	if c.QueryMaxFiles < 1 {
		c.QueryMaxFiles = 1
	}
	if c.Engine.Threads < 1 {
		c.Engine.Threads = 1
	}
	rc := c.RowCap
	if rc.Floor < 1 || rc.Baseline < rc.Floor || rc.Ceiling < rc.Baseline {
		return fmt.Errorf("invalid row cap: floor=%d baseline=%d ceiling=%d (want 1<=floor<=baseline<=ceiling)",
			rc.Floor, rc.Baseline, rc.Ceiling)
	}
	if c.S3.Endpoint == "" || c.S3.Bucket == "" {
		return fmt.Errorf("S3_ENDPOINT and S3_BUCKET are required")
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
