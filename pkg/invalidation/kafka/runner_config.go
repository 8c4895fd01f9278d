package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/config"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverKafka Driver = "kafka"
)

type TLSConfig struct {
	Enable     bool
	CaFile     string
	CertFile   string
	KeyFile    string
	SkipVerify bool
}

type SASLConfig struct {
	Enable    bool
	Mechanism string
	Username  string
	Password  string
}

type InvalidationConfig struct {
	Enabled bool
	Driver  Driver

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool

	TLS  TLSConfig
	SASL SASLConfig
}

// FromConfig maps the service config onto consumer settings.
func FromConfig(c config.InvalidationCfg) InvalidationConfig {
	driver := Driver(strings.ToLower(strings.TrimSpace(c.Driver)))
	if driver == "" {
		driver = DriverNone
	}
	topic := strings.TrimSpace(c.Topic)
	if topic == "" {
		topic = "overture-index-invalidation"
	}
	group := strings.TrimSpace(c.GroupID)
	if group == "" {
		group = "index-invalidator"
	}
	brokers := split(c.Brokers)
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	return InvalidationConfig{
		Enabled:          c.Enabled,
		Driver:           driver,
		Brokers:          brokers,
		Topic:            topic,
		GroupID:          group,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		InitialOldest:    true,
		TLS: TLSConfig{
			Enable:     c.TLS.Enable,
			CaFile:     c.TLS.CAFile,
			CertFile:   c.TLS.CertFile,
			KeyFile:    c.TLS.KeyFile,
			SkipVerify: c.TLS.SkipVerify,
		},
		SASL: SASLConfig{
			Enable:    c.SASL.Enable,
			Mechanism: c.SASL.Mechanism,
			Username:  c.SASL.Username,
			Password:  c.SASL.Password,
		},
	}
}

func (c InvalidationConfig) sarama() (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.RebalanceTimeout
	if c.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	if c.TLS.Enable {
		tc, err := c.TLS.build()
		if err != nil {
			return nil, err
		}
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = tc
	}
	if c.SASL.Enable {
		mech := sarama.SASLMechanism(strings.ToUpper(c.SASL.Mechanism))
		if mech == "" {
			mech = sarama.SASLTypePlaintext
		}
		if mech != sarama.SASLTypePlaintext {
			return nil, fmt.Errorf("unsupported sasl mechanism %q", c.SASL.Mechanism)
		}
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = mech
		cfg.Net.SASL.User = c.SASL.Username
		cfg.Net.SASL.Password = c.SASL.Password
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sarama config: %w", err)
	}
	return cfg, nil
}

func (t TLSConfig) build() (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: t.SkipVerify} //nolint:gosec // opt-in for test clusters
	if t.CaFile != "" {
		pem, err := os.ReadFile(t.CaFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", t.CaFile)
		}
		tc.RootCAs = pool
	}
	if t.CertFile != "" || t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func split(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
