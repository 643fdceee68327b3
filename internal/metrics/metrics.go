package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cldarig/internal/fsm"
)

const namespace = "cldarig"

// Collectors holds the loop metrics. It satisfies clda.Observer and
// fsm.Observer so it can be handed to both directly.
type Collectors struct {
	Cycles           prometheus.Counter
	CycleSeconds     prometheus.Histogram
	DecodeFaults     prometheus.Counter
	UpdatesSubmitted prometheus.Counter
	UpdatesApplied   prometheus.Counter
	UpdatesDropped   prometheus.Counter
	UpdateFailures   prometheus.Counter
	UpdateSeconds    prometheus.Histogram
	Transitions      *prometheus.CounterVec
	Trials           *prometheus.CounterVec
}

func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Control cycles run by the adaptive loop.",
		}),
		CycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_seconds",
			Help:      "Wall time spent in one control cycle.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
		DecodeFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_faults_total",
			Help:      "Observations the decoder rejected.",
		}),
		UpdatesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_submitted_total",
			Help:      "Parameter update requests handed to the updater.",
		}),
		UpdatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_applied_total",
			Help:      "Parameter updates applied to the decoder.",
		}),
		UpdatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_dropped_total",
			Help:      "Stale or unmatched parameter updates that were discarded.",
		}),
		UpdateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_failures_total",
			Help:      "Parameter update computations that failed.",
		}),
		UpdateSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "update_seconds",
			Help:      "Time the updater spent computing one parameter update.",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 10),
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fsm_transitions_total",
			Help:      "State machine transitions by source state, event and target state.",
		}, []string{"from", "event", "to"}),
		Trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trials_total",
			Help:      "Finished trials by outcome.",
		}, []string{"outcome"}),
	}
	for _, collector := range []prometheus.Collector{
		c.Cycles, c.CycleSeconds, c.DecodeFaults,
		c.UpdatesSubmitted, c.UpdatesApplied, c.UpdatesDropped, c.UpdateFailures, c.UpdateSeconds,
		c.Transitions, c.Trials,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) UpdateSubmitted()               { c.UpdatesSubmitted.Inc() }
func (c *Collectors) UpdateApplied()                 { c.UpdatesApplied.Inc() }
func (c *Collectors) UpdateFailed()                  { c.UpdateFailures.Inc() }
func (c *Collectors) UpdateDropped()                 { c.UpdatesDropped.Inc() }
func (c *Collectors) UpdateDuration(d time.Duration) { c.UpdateSeconds.Observe(d.Seconds()) }
func (c *Collectors) DecodeFault()                   { c.DecodeFaults.Inc() }

func (c *Collectors) ObserveCycle(d time.Duration) {
	c.Cycles.Inc()
	c.CycleSeconds.Observe(d.Seconds())
}

func (c *Collectors) TrialFinished(outcome string) {
	c.Trials.WithLabelValues(outcome).Inc()
}

// OnTransition counts state machine transitions. The entry into the initial
// state is not a transition and is skipped.
func (c *Collectors) OnTransition(tr fsm.Transition) {
	if tr.Event == "" {
		return
	}
	to := tr.To
	if tr.End {
		to = "end"
	}
	c.Transitions.WithLabelValues(tr.From, tr.Event, to).Inc()
}
