package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_replication_connections_opened_total",
		Help: "Connections that completed the join handshake",
	}, []string{"replicator"})

	connectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_replication_connections_closed_total",
		Help: "Connections closed for any reason",
	}, []string{"replicator"})

	openConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "echo_replication_open_connections",
		Help: "Currently open connections",
	}, []string{"replicator"})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_replication_messages_sent_total",
		Help: "Envelopes written to transports",
	}, []string{"replicator", "type"})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_replication_messages_received_total",
		Help: "Envelopes read from transports",
	}, []string{"replicator", "type"})

	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_replication_messages_dropped_total",
		Help: "Envelopes discarded as undecodable, misaddressed or early",
	}, []string{"replicator", "reason"})

	bytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_replication_bytes_total",
		Help: "Envelope bytes moved over transports",
	}, []string{"replicator", "direction"})

	dialFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_replication_dial_failures_total",
		Help: "Outbound connection attempts that failed",
	}, []string{"reason"})

	syncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_replication_sync_failures_total",
		Help: "Incoming sync messages that could not be applied",
	})

	changesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_replication_changes_sent_total",
		Help: "Document changes pushed to peers",
	})
)
