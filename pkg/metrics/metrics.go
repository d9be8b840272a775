package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WriteFailures counts store writes that failed after retries, by operation.
	WriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilt_write_failures_total",
		Help: "Store writes that failed and were rolled back, by operation",
	}, []string{"operation"})

	// Reactions counts accepted reaction actions.
	Reactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilt_reactions_total",
		Help: "Reaction actions by kind",
	}, []string{"action"})

	// Follows counts follow graph mutations.
	Follows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilt_follow_mutations_total",
		Help: "Follow and unfollow mutations",
	}, []string{"action"})

	// PostsCreated counts composed posts and replies.
	PostsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilt_posts_created_total",
		Help: "Posts created, by kind",
	}, []string{"kind"})

	// OpenSubscriptions tracks live store subscriptions held by views.
	OpenSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilt_open_subscriptions",
		Help: "Live store subscriptions currently open",
	})

	// FeedPages observes the number of segments in a feed cursor after LoadMore.
	FeedPages = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilt_feed_segments",
		Help:    "Segments held by a feed cursor after a page load",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	// LiveConnections tracks connected websocket clients.
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilt_live_connections",
		Help: "Connected live gateway clients",
	})
)

// Handler serves the registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
