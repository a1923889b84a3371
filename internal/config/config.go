// Package config loads the server's TOML configuration file, following
// chasquid's internal/config/config.go idiom: a defaults struct is
// cloned, then overridden by whatever the file (and, on top, any
// command-line override string) sets explicitly. Serialization uses
// TOML (github.com/pelletier/go-toml/v2) instead of chasquid's
// protobuf text-format, since hand-authoring generated .pb.go reflection
// code without running protoc is not an option here, and TOML is the
// config idiom the wider example pack also reaches for.
package config

import (
	"fmt"
	"os"
	"time"

	"blitiri.com.ar/go/log"
	"github.com/pelletier/go-toml/v2"
)

// ServerConfig mirrors the Policy/listener configuration surface.
type ServerConfig struct {
	Hostname   string
	ListenAddr []string `toml:"listen_addr"`

	MaxMessageSizeMB int `toml:"max_message_size_mb"`
	MaxRecipients    int `toml:"max_recipients"`

	ConnectionTimeout time.Duration `toml:"connection_timeout"`
	CommandTimeout    time.Duration `toml:"command_timeout"`
	DataTimeout       time.Duration `toml:"data_timeout"`

	RequireAuthentication        bool     `toml:"require_authentication"`
	RequireSecureConnection      bool     `toml:"require_secure_connection"`
	AllowPlainTextAuthentication bool     `toml:"allow_plaintext_authentication"`
	AuthenticationMechanisms     []string `toml:"authentication_mechanisms"`

	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`

	DataDir string `toml:"data_dir"`
}

// RelayConfig mirrors internal/relay.Config's TOML-serializable fields.
type RelayConfig struct {
	LocalDomains  []string `toml:"local_domains"`
	RelayDomains  []string `toml:"relay_domains"`
	RelayNetworks []string `toml:"relay_networks"`

	DefaultSmartHost *SmartHostConfig  `toml:"default_smart_host"`
	SmartHosts       []SmartHostConfig `toml:"smart_hosts"`
	DomainRouting    map[string]string `toml:"domain_routing"`
	UseMxRouting     bool              `toml:"use_mx_routing"`

	MaxConcurrentDeliveries int           `toml:"max_concurrent_deliveries"`
	MaxConnectionsPerHost   int           `toml:"max_connections_per_host"`
	MaxMessagesPerConn      int           `toml:"max_messages_per_conn"`
	ConnectionTimeout       time.Duration `toml:"connection_timeout"`
	QueueProcessingInterval time.Duration `toml:"queue_processing_interval"`
	CleanupInterval         time.Duration `toml:"cleanup_interval"`

	EnableTLS   bool   `toml:"enable_tls"`
	RequireTLS  bool   `toml:"require_tls"`
	HelloDomain string `toml:"hello_domain"`
	GiveUpAfter string `toml:"give_up_send_after"`

	EnableBounceMessages bool   `toml:"enable_bounce_messages"`
	BounceSender         string `toml:"bounce_sender"`
	EnableDsn            bool   `toml:"enable_dsn"`
}

// SmartHostConfig is the TOML shape of one internal/relay.SmartHost.
type SmartHostConfig struct {
	Name        string `toml:"name"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Priority    int    `toml:"priority"`
	Weight      int    `toml:"weight"`
	Enabled     bool   `toml:"enabled"`
	UseTLS      bool   `toml:"use_tls"`
	UseStartTLS bool   `toml:"use_starttls"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
}

// ClusterConfig mirrors internal/cluster.Config's TOML-serializable fields.
type ClusterConfig struct {
	Enabled           bool          `toml:"enabled"`
	NodeID            string        `toml:"node_id"`
	ClusterPort       int           `toml:"cluster_port"`
	SeedNodes         []string      `toml:"seed_nodes"`
	ReplicationFactor int           `toml:"replication_factor"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	FailureThreshold  int           `toml:"failure_threshold"`
}

// AntiAbuseConfig tunes the scorer pipeline and its thresholds.
type AntiAbuseConfig struct {
	MarkThreshold       float64 `toml:"mark_threshold"`
	QuarantineThreshold float64 `toml:"quarantine_threshold"`
	RejectThreshold     float64 `toml:"reject_threshold"`
	HardRejectScore     float64 `toml:"hard_reject_score"`

	SPFWeight      float64 `toml:"spf_weight"`
	DKIMWeight     float64 `toml:"dkim_weight"`
	DMARCWeight    float64 `toml:"dmarc_weight"`
	GreylistWeight float64 `toml:"greylist_weight"`
	BayesWeight    float64 `toml:"bayes_weight"`

	GreylistInitialDelay      time.Duration `toml:"greylist_initial_delay"`
	GreylistMaxRetryTime      time.Duration `toml:"greylist_max_retry_time"`
	GreylistWhitelistDuration time.Duration `toml:"greylist_whitelist_duration"`
	GreylistDBPath            string        `toml:"greylist_db_path"`

	BayesDBPath string `toml:"bayes_db_path"`
}

// Config is the top-level configuration surface.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Relay     RelayConfig     `toml:"relay"`
	Cluster   ClusterConfig   `toml:"cluster"`
	AntiAbuse AntiAbuseConfig `toml:"antiabuse"`

	DNSServers []string `toml:"dns_servers"`
}

var defaultConfig = Config{
	Server: ServerConfig{
		ListenAddr:                   []string{":25"},
		MaxMessageSizeMB:             50,
		MaxRecipients:                100,
		ConnectionTimeout:            5 * time.Minute,
		CommandTimeout:               2 * time.Minute,
		DataTimeout:                  10 * time.Minute,
		AllowPlainTextAuthentication: false,
		AuthenticationMechanisms:     []string{"PLAIN"},
		DataDir:                      "/var/lib/zetian",
	},
	Relay: RelayConfig{
		UseMxRouting:            true,
		MaxConcurrentDeliveries: 20,
		MaxConnectionsPerHost:   5,
		MaxMessagesPerConn:      100,
		ConnectionTimeout:       30 * time.Second,
		QueueProcessingInterval: 30 * time.Second,
		CleanupInterval:         time.Hour,
		EnableTLS:               true,
		HelloDomain:             "localhost",
		GiveUpAfter:             "20h",
		BounceSender:            "MAILER-DAEMON",
	},
	Cluster: ClusterConfig{
		ClusterPort:       7902,
		ReplicationFactor: 2,
		HeartbeatInterval: 2 * time.Second,
		FailureThreshold:  3,
	},
	AntiAbuse: AntiAbuseConfig{
		MarkThreshold:             0.3,
		QuarantineThreshold:       0.6,
		RejectThreshold:           0.9,
		HardRejectScore:           1.0,
		SPFWeight:                 1.0,
		DKIMWeight:                1.0,
		DMARCWeight:               1.0,
		GreylistWeight:            0.5,
		BayesWeight:               1.0,
		GreylistInitialDelay:      time.Minute,
		GreylistMaxRetryTime:      24 * time.Hour,
		GreylistWhitelistDuration: 30 * 24 * time.Hour,
	},
}

// Load reads the config at path, applies it over defaultConfig, then
// applies overrides (a TOML fragment, typically from a command-line
// flag) on top.
func Load(path, overrides string) (*Config, error) {
	c := defaultConfig

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
		}
		if err := toml.Unmarshal(buf, &c); err != nil {
			return nil, fmt.Errorf("parsing config: %v", err)
		}
	}

	if overrides != "" {
		if err := toml.Unmarshal([]byte(overrides), &c); err != nil {
			return nil, fmt.Errorf("parsing override: %v", err)
		}
	}

	if c.Server.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
		c.Server.Hostname = h
	}

	if _, err := time.ParseDuration(c.Relay.GiveUpAfter); err != nil {
		return nil, fmt.Errorf("invalid relay.give_up_send_after value %q: %v", c.Relay.GiveUpAfter, err)
	}

	return &c, nil
}

// LogConfig logs c in a human-friendly way, following chasquid's
// LogConfig.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Server.Hostname)
	log.Infof("  Listen addresses: %q", c.Server.ListenAddr)
	log.Infof("  Max message size (MB): %d", c.Server.MaxMessageSizeMB)
	log.Infof("  Data directory: %q", c.Server.DataDir)
	log.Infof("  Relay: local=%v relay=%v mx_routing=%v smart_hosts=%d",
		c.Relay.LocalDomains, c.Relay.RelayDomains, c.Relay.UseMxRouting, len(c.Relay.SmartHosts))
	log.Infof("  Bounces: enabled=%v sender=%q dsn=%v",
		c.Relay.EnableBounceMessages, c.Relay.BounceSender, c.Relay.EnableDsn)
	if c.Cluster.Enabled {
		log.Infof("  Cluster: node_id=%q port=%d seeds=%q replication_factor=%d",
			c.Cluster.NodeID, c.Cluster.ClusterPort, c.Cluster.SeedNodes, c.Cluster.ReplicationFactor)
	} else {
		log.Infof("  Cluster: disabled")
	}
	log.Infof("  Anti-abuse thresholds: mark=%.2f quarantine=%.2f reject=%.2f",
		c.AntiAbuse.MarkThreshold, c.AntiAbuse.QuarantineThreshold, c.AntiAbuse.RejectThreshold)
}
