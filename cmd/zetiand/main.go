// zetiand runs an embeddable SMTP server as a standalone daemon.
//
// It is the thin CLI shell around the library packages under
// internal/: flag parsing, config loading, certificate loading, and
// signal handling, following chasquid.go's wiring shape.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"
	"blitiri.com.ar/go/zetian/internal/antiabuse"
	"blitiri.com.ar/go/zetian/internal/antiabuse/bayesscorer"
	"blitiri.com.ar/go/zetian/internal/antiabuse/dkimscorer"
	"blitiri.com.ar/go/zetian/internal/antiabuse/dmarcscorer"
	"blitiri.com.ar/go/zetian/internal/antiabuse/greylistscorer"
	"blitiri.com.ar/go/zetian/internal/antiabuse/spfscorer"
	"blitiri.com.ar/go/zetian/internal/bayes"
	"blitiri.com.ar/go/zetian/internal/bounce"
	"blitiri.com.ar/go/zetian/internal/cluster"
	"blitiri.com.ar/go/zetian/internal/config"
	"blitiri.com.ar/go/zetian/internal/envelope"
	"blitiri.com.ar/go/zetian/internal/events"
	"blitiri.com.ar/go/zetian/internal/greylist"
	"blitiri.com.ar/go/zetian/internal/maillog"
	"blitiri.com.ar/go/zetian/internal/metrics"
	"blitiri.com.ar/go/zetian/internal/queue"
	"blitiri.com.ar/go/zetian/internal/relay"
	"blitiri.com.ar/go/zetian/internal/resolver"
	"blitiri.com.ar/go/zetian/internal/server"
	"blitiri.com.ar/go/zetian/internal/session"
	"blitiri.com.ar/go/zetian/internal/set"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configPath      = flag.String("config", "/etc/zetian/zetian.toml", "configuration file path")
	configOverrides = flag.String("config_overrides", "", "override configuration values (in TOML format)")
	showVer         = flag.Bool("version", false, "show version and exit")
)

var version = "undefined"

func main() {
	flag.Parse()
	log.Init()

	if *showVer {
		fmt.Printf("zetiand %s\n", version)
		return
	}

	log.Infof("zetiand starting (version %s)", version)
	rand.Seed(time.Now().UnixNano())

	conf, err := config.Load(*configPath, *configOverrides)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	maillog.Default = mustMailLog()

	go signalHandler()

	reg := prometheus.NewRegistry()
	mcol := metrics.New(reg)
	if conf.Server.DataDir != "" {
		go launchMonitoringServer(reg)
	}

	bus := events.New("zetiand", "server", 256)
	defer bus.Close()

	res := resolver.NewDNSResolver(conf.DNSServers, 5*time.Second)

	pipeline := buildPipeline(conf, res, mcol)

	localDomains := set.NewString()
	for _, d := range conf.Relay.LocalDomains {
		localDomains.Add(d)
	}

	giveUpAfter, _ := time.ParseDuration(conf.Relay.GiveUpAfter)
	q := queue.New(queue.Config{
		LocalDomains:         localDomains.Has,
		MaxLifetime:          giveUpAfter,
		EnableBounceMessages: conf.Relay.EnableBounceMessages,
	})
	q.OnBounce = bounceHandler(q, conf)

	relayCfg := relayConfigFrom(conf)
	router := relay.NewRouter(relayCfg, res)
	dispatcher := relay.NewDispatcher(q, router, nil, nil, relayCfg)
	go dispatcher.Run(context.Background())

	if conf.Cluster.Enabled {
		coord := cluster.New(cluster.Config{
			NodeID:            conf.Cluster.NodeID,
			ClusterPort:       conf.Cluster.ClusterPort,
			SeedNodes:         conf.Cluster.SeedNodes,
			ReplicationFactor: conf.Cluster.ReplicationFactor,
			HeartbeatInterval: conf.Cluster.HeartbeatInterval,
			FailureThreshold:  conf.Cluster.FailureThreshold,
		}, cluster.NodeInfo{
			NodeID:   conf.Cluster.NodeID,
			Endpoint: fmt.Sprintf("%s:%d", conf.Server.Hostname, conf.Cluster.ClusterPort),
		})
		go func() {
			if err := coord.Run(context.Background()); err != nil {
				log.Errorf("cluster: %v", err)
			}
		}()
	}

	policy := &session.Policy{
		ServerName:                   conf.Server.Hostname,
		MaxMessageSize:               int64(conf.Server.MaxMessageSizeMB) * 1024 * 1024,
		MaxRecipients:                conf.Server.MaxRecipients,
		ConnectionTimeout:            conf.Server.ConnectionTimeout,
		CommandTimeout:               conf.Server.CommandTimeout,
		DataTimeout:                  conf.Server.DataTimeout,
		RequireAuthentication:        conf.Server.RequireAuthentication,
		RequireSecureConnection:      conf.Server.RequireSecureConnection,
		AllowPlainTextAuthentication: conf.Server.AllowPlainTextAuthentication,
		AuthenticationMechanisms:     conf.Server.AuthenticationMechanisms,
	}

	if conf.Server.CertFile != "" && conf.Server.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(conf.Server.CertFile, conf.Server.KeyFile)
		if err != nil {
			log.Fatalf("Error loading certificate: %v", err)
		}
		policy.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	srv := &server.Server{
		Policy:       policy,
		Pipeline:     pipeline,
		Queue:        q,
		Governor:     server.NewGovernor(0, 100),
		Events:       bus,
		Metrics:      mcol,
		DrainTimeout: 30 * time.Second,
		RcptAllowed: func(remoteIP, from, rcpt string, authenticated bool) error {
			return relayAllowed(router, localDomains, conf, remoteIP, rcpt, authenticated)
		},
	}

	systemdLs, err := systemd.Listeners()
	if err != nil {
		log.Fatalf("Error getting systemd listeners: %v", err)
	}
	for _, ls := range systemdLs {
		for _, l := range ls {
			srv.AddListener(l)
		}
	}

	for _, addr := range conf.Server.ListenAddr {
		if addr == "systemd" {
			continue
		}
		if err := srv.Listen(addr, nil); err != nil {
			log.Fatalf("%v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigterm := make(chan os.Signal, 1)
		signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
		<-sigterm
		cancel()
	}()

	srv.Serve(ctx)
}

func buildPipeline(conf *config.Config, res resolver.Resolver, mcol *metrics.Collector) *antiabuse.Pipeline {
	greylistDB := greylist.New(conf.AntiAbuse.GreylistDBPath)
	greylistDB.InitialDelay = conf.AntiAbuse.GreylistInitialDelay
	greylistDB.MaxRetryTime = conf.AntiAbuse.GreylistMaxRetryTime
	greylistDB.WhitelistDuration = conf.AntiAbuse.GreylistWhitelistDuration

	bayesFilter := bayes.New()

	thresholds := antiabuse.Thresholds{
		Mark:            conf.AntiAbuse.MarkThreshold,
		Quarantine:      conf.AntiAbuse.QuarantineThreshold,
		Reject:          conf.AntiAbuse.RejectThreshold,
		HardRejectScore: conf.AntiAbuse.HardRejectScore,
	}

	return antiabuse.New(thresholds,
		antiabuse.Weighted{Scorer: spfscorer.New(res, nil), Weight: conf.AntiAbuse.SPFWeight},
		antiabuse.Weighted{Scorer: dkimscorer.New(res), Weight: conf.AntiAbuse.DKIMWeight},
		antiabuse.Weighted{Scorer: dmarcscorer.New(res), Weight: conf.AntiAbuse.DMARCWeight},
		antiabuse.Weighted{Scorer: greylistscorer.New(greylistDB), Weight: conf.AntiAbuse.GreylistWeight},
		antiabuse.Weighted{Scorer: bayesscorer.New(bayesFilter), Weight: conf.AntiAbuse.BayesWeight},
	)
}

// bounceHandler builds the queue.BounceFunc wired to Queue.OnBounce: it
// composes a DSN per internal/bounce and re-enqueues it with High
// priority, the priority spec.md §4.4 calls for so bounces are not stuck
// behind ordinary mail.
func bounceHandler(q *queue.Queue, conf *config.Config) queue.BounceFunc {
	bcfg := bounce.Config{
		OurDomain: conf.Server.Hostname,
		Sender:    conf.Relay.BounceSender,
		EnableDsn: conf.Relay.EnableDsn,
	}
	return func(e *queue.Entry) {
		env, err := bounce.Compose(e, bcfg, nil)
		if err != nil {
			log.Errorf("bounce: composing DSN for %q: %v", e.QueueID, err)
			return
		}
		if _, err := q.Enqueue(env, queue.High); err != nil {
			log.Errorf("bounce: enqueueing DSN for %q: %v", e.QueueID, err)
		}
	}
}

func relayConfigFrom(conf *config.Config) relay.Config {
	var hosts []relay.SmartHost
	for _, h := range conf.Relay.SmartHosts {
		hosts = append(hosts, relay.SmartHost{
			Name: h.Name, Host: h.Host, Port: h.Port,
			Priority: h.Priority, Weight: h.Weight, Enabled: h.Enabled,
			UseTLS: h.UseTLS, UseStartTLS: h.UseStartTLS,
			Username: h.Username, Password: h.Password,
		})
	}
	var def *relay.SmartHost
	if conf.Relay.DefaultSmartHost != nil {
		h := conf.Relay.DefaultSmartHost
		def = &relay.SmartHost{
			Name: h.Name, Host: h.Host, Port: h.Port,
			Priority: h.Priority, Weight: h.Weight, Enabled: h.Enabled,
			UseTLS: h.UseTLS, UseStartTLS: h.UseStartTLS,
			Username: h.Username, Password: h.Password,
		}
	}

	locals := set.NewString()
	for _, d := range conf.Relay.LocalDomains {
		locals.Add(d)
	}
	relays := set.NewString()
	for _, d := range conf.Relay.RelayDomains {
		relays.Add(d)
	}

	return relay.Config{
		DefaultSmartHost:        def,
		SmartHosts:              hosts,
		DomainRouting:           conf.Relay.DomainRouting,
		LocalDomains:            locals.Has,
		RelayDomains:            relays.Has,
		RelayNetworks:           conf.Relay.RelayNetworks,
		UseMxRouting:            conf.Relay.UseMxRouting,
		MaxConcurrentDeliveries: conf.Relay.MaxConcurrentDeliveries,
		MaxConnectionsPerHost:   conf.Relay.MaxConnectionsPerHost,
		MaxMessagesPerConn:      conf.Relay.MaxMessagesPerConn,
		ConnectionTimeout:       conf.Relay.ConnectionTimeout,
		QueueProcessingInterval: conf.Relay.QueueProcessingInterval,
		CleanupInterval:         conf.Relay.CleanupInterval,
		EnableTLS:               conf.Relay.EnableTLS,
		RequireTLS:              conf.Relay.RequireTLS,
		HelloDomain:             conf.Relay.HelloDomain,
	}
}

// relayAllowed decides whether rcpt may be accepted: local domains
// always can, and otherwise the recipient domain, client network, or an
// authenticated session must be explicitly allowed to relay.
func relayAllowed(router *relay.Router, locals *set.String, conf *config.Config, remoteIP, rcpt string, authenticated bool) error {
	domain := envelope.DomainOf(rcpt)
	if locals.Has(domain) {
		return nil
	}
	if router.RelayAllowed(domain, remoteIP, authenticated) {
		return nil
	}
	return fmt.Errorf("relaying denied for domain %q", domain)
}

func mustMailLog() *maillog.Logger {
	l, err := maillog.NewSyslog()
	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
	return l
}

func launchMonitoringServer(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Infof("Monitoring HTTP server listening on :9922")
	if err := http.ListenAndServe(":9922", mux); err != nil {
		log.Errorf("Monitoring server error: %v", err)
	}
}

func signalHandler() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for range signals {
		if err := log.Default.Reopen(); err != nil {
			log.Fatalf("Error reopening log: %v", err)
		}
		if err := maillog.Default.Reopen(); err != nil {
			log.Fatalf("Error reopening maillog: %v", err)
		}
	}
}
