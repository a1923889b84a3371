// Package metrics exposes the server's Prometheus instrumentation,
// grounded on infodancer-smtpd's internal/metrics/prometheus.go (the
// teacher itself, chasquid, carries no metrics library of its own): one
// struct holding every registered collector, constructed against a
// caller-supplied prometheus.Registerer, plus one increment/observe
// method per event the rest of the module needs to report.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds every metric this server reports.
type Collector struct {
	connectionsTotal    prometheus.Counter
	connectionsActive   prometheus.Gauge
	tlsConnectionsTotal prometheus.Counter

	messagesReceivedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messageSizeBytes      prometheus.Histogram

	authAttemptsTotal *prometheus.CounterVec

	deliveriesTotal *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	queueDepth      prometheus.Gauge

	spfChecksTotal    *prometheus.CounterVec
	dkimChecksTotal   *prometheus.CounterVec
	dmarcChecksTotal  *prometheus.CounterVec
	greylistHitsTotal prometheus.Counter
	bayesScoreTotal   prometheus.Histogram

	clusterActiveNodes prometheus.Gauge
	clusterState       *prometheus.GaugeVec
}

// New creates a Collector with every metric registered against reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zetian_connections_total",
			Help: "Total number of SMTP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zetian_connections_active",
			Help: "Number of currently active SMTP connections.",
		}),
		tlsConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zetian_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}),

		messagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zetian_messages_received_total",
			Help: "Total number of messages accepted.",
		}, []string{"recipient_domain"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zetian_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"reason"}),
		messageSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zetian_message_size_bytes",
			Help:    "Size of accepted messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zetian_auth_attempts_total",
			Help: "Total number of AUTH attempts.",
		}, []string{"result"}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zetian_deliveries_total",
			Help: "Total number of outbound delivery attempts.",
		}, []string{"recipient_domain", "outcome"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "zetian_delivery_latency_seconds",
			Help: "Time spent on one outbound delivery attempt.",
		}, []string{"recipient_domain"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zetian_queue_depth",
			Help: "Number of entries currently pending in the relay queue.",
		}),

		spfChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zetian_spf_checks_total",
			Help: "Total number of SPF checks performed.",
		}, []string{"result"}),
		dkimChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zetian_dkim_checks_total",
			Help: "Total number of DKIM checks performed.",
		}, []string{"result"}),
		dmarcChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zetian_dmarc_checks_total",
			Help: "Total number of DMARC checks performed.",
		}, []string{"result"}),
		greylistHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zetian_greylist_hits_total",
			Help: "Total number of greylist deferrals issued.",
		}),
		bayesScoreTotal: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zetian_bayes_score",
			Help:    "Distribution of Bayesian spam scores assigned.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 10),
		}),

		clusterActiveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zetian_cluster_active_nodes",
			Help: "Number of nodes this coordinator currently sees as Active.",
		}),
		clusterState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zetian_cluster_state",
			Help: "1 for the cluster state currently in effect, 0 otherwise.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.connectionsTotal, c.connectionsActive, c.tlsConnectionsTotal,
		c.messagesReceivedTotal, c.messagesRejectedTotal, c.messageSizeBytes,
		c.authAttemptsTotal,
		c.deliveriesTotal, c.deliveryLatency, c.queueDepth,
		c.spfChecksTotal, c.dkimChecksTotal, c.dmarcChecksTotal,
		c.greylistHitsTotal, c.bayesScoreTotal,
		c.clusterActiveNodes, c.clusterState,
	)
	return c
}

func (c *Collector) ConnectionOpened() { c.connectionsTotal.Inc(); c.connectionsActive.Inc() }
func (c *Collector) ConnectionClosed() { c.connectionsActive.Dec() }
func (c *Collector) TLSEstablished()   { c.tlsConnectionsTotal.Inc() }

func (c *Collector) MessageAccepted(recipientDomain string, sizeBytes int64) {
	c.messagesReceivedTotal.WithLabelValues(recipientDomain).Inc()
	c.messageSizeBytes.Observe(float64(sizeBytes))
}

func (c *Collector) MessageRejected(reason string) {
	c.messagesRejectedTotal.WithLabelValues(reason).Inc()
}

func (c *Collector) AuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) DeliveryAttempt(recipientDomain, outcome string, seconds float64) {
	c.deliveriesTotal.WithLabelValues(recipientDomain, outcome).Inc()
	c.deliveryLatency.WithLabelValues(recipientDomain).Observe(seconds)
}

func (c *Collector) SetQueueDepth(n int) { c.queueDepth.Set(float64(n)) }

func (c *Collector) SPFChecked(result string)   { c.spfChecksTotal.WithLabelValues(result).Inc() }
func (c *Collector) DKIMChecked(result string)  { c.dkimChecksTotal.WithLabelValues(result).Inc() }
func (c *Collector) DMARCChecked(result string) { c.dmarcChecksTotal.WithLabelValues(result).Inc() }
func (c *Collector) GreylistHit()               { c.greylistHitsTotal.Inc() }
func (c *Collector) BayesScored(score float64)  { c.bayesScoreTotal.Observe(score) }

// SetClusterState records the current active-node count and marks state
// as the only ClusterState with gauge value 1.
func (c *Collector) SetClusterState(activeNodes int, states []string, state string) {
	c.clusterActiveNodes.Set(float64(activeNodes))
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.clusterState.WithLabelValues(s).Set(v)
	}
}
