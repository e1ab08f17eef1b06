package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EnvelopesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solchat_envelopes_sent_total",
			Help: "Envelopes inserted into the relay, by dual-write leg.",
		},
		[]string{"leg"},
	)

	RowsDecryptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solchat_rows_decrypted_total",
			Help: "Inbox rows processed, by decryption outcome.",
		},
		[]string{"outcome"},
	)

	FeedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solchat_feed_events_total",
			Help: "Change-feed events received, by operation.",
		},
		[]string{"op"},
	)

	SidebarScanRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "solchat_sidebar_scan_rows_total",
			Help: "Inbox rows examined by the sidebar scan.",
		},
	)

	BlobBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solchat_blob_bytes",
			Help:    "Encrypted blob sizes moved through the relay blob store.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
		[]string{"direction"},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		EnvelopesSentTotal,
		RowsDecryptedTotal,
		FeedEventsTotal,
		SidebarScanRowsTotal,
		BlobBytes,
	)
}
