package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain counters. HTTP traffic is instrumented separately by the metrics
// middleware; these track business outcomes with low-cardinality labels.
var (
	// DealTransitions counts committed deal status changes by target status.
	DealTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_deal_transitions_total",
			Help: "Committed deal status transitions by target status.",
		},
		[]string{"to"},
	)

	// ReviewsSubmitted counts stored reviews by the rater's side of the deal.
	ReviewsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_reviews_submitted_total",
			Help: "Stored deal reviews by rater role.",
		},
		[]string{"role"},
	)

	// AdViewsRecorded counts unique (ad, viewer, day) views.
	AdViewsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "market_ad_views_recorded_total",
			Help: "Ad views counted after per-viewer daily de-duplication.",
		},
	)

	// RankCacheRequests counts ranked-listing cache lookups by result
	// (hit, miss, error).
	RankCacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_rank_cache_requests_total",
			Help: "Ranked listing cache lookups by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(DealTransitions, ReviewsSubmitted, AdViewsRecorded, RankCacheRequests)
}
