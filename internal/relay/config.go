// Package relay implements the outbound dispatcher: route selection,
// connection pooling, and delivery, grounded on chasquid's
// internal/courier/smtp.go (MX lookup, STARTTLS dialogue, per-attempt
// trace) generalized from a single fixed courier to the weighted
// smart-host/MX-routing/local-delivery decision tree.
package relay

import "time"

// SmartHost is one configured relay target, selected per the weighted
// priority-group algorithm in Router.Route.
type SmartHost struct {
	Name     string
	Host     string
	Port     int
	Priority int // lower value tried first
	Weight   int // selection probability within its priority group
	Enabled  bool

	UseTLS      bool // implicit TLS, typically port 465
	UseStartTLS bool

	Username string
	Password string
}

// Config is the relay-wide routing and delivery policy, mirroring the
// teacher's single-courier config generalized to a full routing table.
type Config struct {
	DefaultSmartHost *SmartHost
	SmartHosts       []SmartHost
	DomainRouting    map[string]string // domain -> SmartHost.Name
	LocalDomains     func(domain string) bool
	RelayDomains     func(domain string) bool
	RelayNetworks    []string // CIDRs
	UseMxRouting     bool

	MaxConcurrentDeliveries int
	MaxConnectionsPerHost   int
	MaxMessagesPerConn      int
	ConnectionTimeout       time.Duration
	QueueProcessingInterval time.Duration
	CleanupInterval         time.Duration

	EnableTLS  bool
	RequireTLS bool

	HelloDomain string
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MaxConcurrentDeliveries == 0 {
		cfg.MaxConcurrentDeliveries = 20
	}
	if cfg.MaxConnectionsPerHost == 0 {
		cfg.MaxConnectionsPerHost = 5
	}
	if cfg.MaxMessagesPerConn == 0 {
		cfg.MaxMessagesPerConn = 100
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = time.Minute
	}
	if cfg.QueueProcessingInterval == 0 {
		cfg.QueueProcessingInterval = 10 * time.Second
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.HelloDomain == "" {
		cfg.HelloDomain = "localhost"
	}
	return cfg
}
