package indexer

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scarf_indexer_searches_total",
		Help: "Searches executed per indexer by outcome",
	}, []string{"indexer", "outcome"})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scarf_indexer_search_duration_seconds",
		Help:    "Time spent executing a search against one indexer",
		Buckets: prometheus.DefBuckets,
	}, []string{"indexer"})

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scarf_indexer_requests_total",
		Help: "HTTP search requests sent per indexer, including category fan-out",
	}, []string{"indexer"})

	rowErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scarf_indexer_row_errors_total",
		Help: "Result rows skipped because they could not be parsed",
	}, []string{"indexer"})

	reauthTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scarf_indexer_authentications_total",
		Help: "Login handshakes per indexer by result",
	}, []string{"indexer", "result"})
)

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsSessionFailure(err):
		return "session"
	case errors.Is(err, &ResponseStructureError{}):
		return "structure"
	default:
		return "error"
	}
}
