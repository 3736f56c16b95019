package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "brickprice"

// Recorder holds the Prometheus collectors for the workers and the HTTP surface.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	intents          *prometheus.CounterVec
	events           *prometheus.CounterVec
	priceMoves       *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	passDuration     *prometheus.HistogramVec
	intentsAccepted  prometheus.Counter
	requestDurations *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them on registerer.
func NewRecorder(registerer prometheus.Registerer) (*Recorder, error) {
	recorder := &Recorder{
		intents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vote_intents_total",
				Help:      "Vote intents handled by the enrichment worker, by outcome and reject reason.",
			},
			[]string{"outcome", "reason"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vote_events_total",
				Help:      "Vote events handled by the aggregation worker, by outcome.",
			},
			[]string{"outcome"},
		),
		priceMoves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "price_moves_total",
				Help:      "Live price moves, by direction.",
			},
			[]string{"direction"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stability_transitions_total",
				Help:      "Freeze, recheck and cycle transitions, by kind.",
			},
			[]string{"kind"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_pass_duration_seconds",
				Help:      "Duration of one worker pass.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"worker"},
		),
		intentsAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_vote_intents_accepted_total",
				Help:      "Vote intents accepted at ingestion.",
			},
		),
		requestDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds, by route, method and status.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
	}

	collectors := []prometheus.Collector{
		recorder.intents,
		recorder.events,
		recorder.priceMoves,
		recorder.transitions,
		recorder.passDuration,
		recorder.intentsAccepted,
		recorder.requestDurations,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return recorder, nil
}

func (r *Recorder) IntentProcessed() {
	if r == nil {
		return
	}
	r.intents.WithLabelValues("processed", "").Inc()
}

func (r *Recorder) IntentRejected(reason string) {
	if r == nil {
		return
	}
	r.intents.WithLabelValues("rejected", reason).Inc()
}

func (r *Recorder) EventOutcome(outcome string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(outcome).Inc()
}

func (r *Recorder) PriceMoved(direction string) {
	if r == nil {
		return
	}
	r.priceMoves.WithLabelValues(direction).Inc()
}

func (r *Recorder) StabilityTransition(kind string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(kind).Inc()
}

func (r *Recorder) ObservePass(worker string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.passDuration.WithLabelValues(worker).Observe(elapsed.Seconds())
}

func (r *Recorder) IntentAccepted() {
	if r == nil {
		return
	}
	r.intentsAccepted.Inc()
}

func (r *Recorder) ObserveRequest(route, method, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.requestDurations.WithLabelValues(route, method, status).Observe(elapsed.Seconds())
}
