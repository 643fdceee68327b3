package stats

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"cldarig/internal/fsm"
	"cldarig/internal/model"
	"cldarig/internal/tasks"
)

// OutcomeIncomplete marks a trial that was still running when the log ended.
const OutcomeIncomplete = "incomplete"

type Trial struct {
	Index     int           `json:"index"`
	Outcome   string        `json:"outcome"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	// ReachTime is zero when the cursor never entered the target.
	ReachTime time.Duration `json:"reach_time,omitempty"`
}

// Trials rebuilds the trial sequence of a center-out run from its event log.
func Trials(log model.RunLog) []Trial {
	var (
		trials  []Trial
		current *Trial
	)
	finish := func(outcome string, at time.Time) {
		if current == nil {
			return
		}
		current.Outcome = outcome
		current.Duration = at.Sub(current.StartedAt)
		trials = append(trials, *current)
		current = nil
	}

	for _, ev := range log.Events {
		switch {
		case ev.Event == tasks.EventStartTrial:
			current = &Trial{Index: len(trials), StartedAt: ev.At}
		case current == nil:
		case ev.Event == tasks.EventEnterTarget:
			if current.ReachTime == 0 {
				current.ReachTime = ev.At.Sub(current.StartedAt)
			}
		case ev.Event == tasks.EventHoldComplete:
			finish(tasks.OutcomeReward, ev.At)
		case ev.Event == tasks.EventTimeout:
			finish(tasks.OutcomeTimeout, ev.At)
		case ev.Event == tasks.EventLeaveTarget:
			finish(tasks.OutcomeHoldPenalty, ev.At)
		case ev.Event == fsm.EventError:
			finish(tasks.OutcomeFault, ev.At)
		}
	}
	if current != nil {
		end := current.StartedAt
		if n := len(log.States); n > 0 {
			end = log.States[n-1].At
		}
		finish(OutcomeIncomplete, end)
	}
	return trials
}

// Summary is the per-run performance digest shown by the CLI and written
// on export. Times are in seconds.
type Summary struct {
	RunID          string  `json:"run_id"`
	DecoderID      string  `json:"decoder_id"`
	FinalDecoderID string  `json:"final_decoder_id,omitempty"`
	Trials         int     `json:"trials"`
	Rewards        int     `json:"rewards"`
	Timeouts       int     `json:"timeouts"`
	HoldPenalties  int     `json:"hold_penalties"`
	FaultPenalties int     `json:"fault_penalties"`
	SuccessRate    float64 `json:"success_rate"`
	ReachTimeMean  float64 `json:"reach_time_mean"`
	ReachTimeStd   float64 `json:"reach_time_std"`
	TrialTimeMean  float64 `json:"trial_time_mean"`
	// RewardsPerMinute is measured over the span of the run.
	RewardsPerMinute float64 `json:"rewards_per_minute"`
	UpdatesApplied   int     `json:"updates_applied"`
	DecodeFaults     int     `json:"decode_faults"`
	Cycles           int64   `json:"cycles"`
}

func Summarize(report model.RunReport, log model.RunLog) Summary {
	summary := Summary{
		RunID:          report.RunID,
		DecoderID:      report.DecoderID,
		FinalDecoderID: report.FinalDecoderID,
		UpdatesApplied: report.UpdatesApplied,
		DecodeFaults:   report.DecodeFaults,
		Cycles:         report.Cycles,
	}

	var reach, duration []float64
	for _, trial := range Trials(log) {
		if trial.Outcome == OutcomeIncomplete {
			continue
		}
		summary.Trials++
		duration = append(duration, trial.Duration.Seconds())
		switch trial.Outcome {
		case tasks.OutcomeReward:
			summary.Rewards++
			reach = append(reach, trial.ReachTime.Seconds())
		case tasks.OutcomeTimeout:
			summary.Timeouts++
		case tasks.OutcomeHoldPenalty:
			summary.HoldPenalties++
		case tasks.OutcomeFault:
			summary.FaultPenalties++
		}
	}
	if summary.Trials > 0 {
		summary.SuccessRate = float64(summary.Rewards) / float64(summary.Trials)
		summary.TrialTimeMean = stat.Mean(duration, nil)
	}
	switch len(reach) {
	case 0:
	case 1:
		summary.ReachTimeMean = reach[0]
	default:
		summary.ReachTimeMean, summary.ReachTimeStd = stat.MeanStdDev(reach, nil)
	}
	if span := logSpan(log); span > 0 {
		summary.RewardsPerMinute = float64(summary.Rewards) / span.Minutes()
	}
	return summary
}

func logSpan(log model.RunLog) time.Duration {
	if len(log.States) < 2 {
		return 0
	}
	return log.States[len(log.States)-1].At.Sub(log.States[0].At)
}
