package stats

import (
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cldarig/internal/fsm"
	"cldarig/internal/model"
	"cldarig/internal/tasks"
)

func sampleLog() model.RunLog {
	t0 := time.Unix(1000, 0).UTC()
	at := func(s float64) time.Time { return t0.Add(time.Duration(s * float64(time.Second))) }
	return model.RunLog{
		RunID: "run-1",
		Events: []model.EventRecord{
			{State: tasks.StateWait, Event: tasks.EventStartTrial, At: at(1)},
			{State: tasks.StateTarget, Event: tasks.EventEnterTarget, At: at(3)},
			{State: tasks.StateHold, Event: tasks.EventHoldComplete, At: at(3.5)},
			{State: tasks.StateReward, Event: tasks.EventPostReward, At: at(4)},
			{State: tasks.StateWait, Event: tasks.EventStartTrial, At: at(5)},
			{State: tasks.StateTarget, Event: tasks.EventTimeout, At: at(15)},
			{State: tasks.StatePenalty, Event: tasks.EventPostPenalty, At: at(16)},
			{State: tasks.StateWait, Event: tasks.EventStartTrial, At: at(17)},
			{State: tasks.StateTarget, Event: tasks.EventEnterTarget, At: at(21)},
			{State: tasks.StateHold, Event: tasks.EventHoldComplete, At: at(21.5)},
			{State: tasks.StateReward, Event: tasks.EventPostReward, At: at(22)},
			{State: tasks.StateWait, Event: tasks.EventStartTrial, At: at(23)},
			{State: tasks.StateTarget, Event: fsm.EventError, At: at(24)},
			{State: tasks.StatePenalty, Event: tasks.EventPostPenalty, At: at(25)},
			{State: tasks.StateWait, Event: tasks.EventStartTrial, At: at(26)},
		},
		States: []model.StateRecord{
			{State: tasks.StateWait, At: t0},
			{State: tasks.StateTarget, At: at(26)},
			{State: tasks.StateTarget, At: at(30)},
		},
	}
}

func TestTrialsFromLog(t *testing.T) {
	trials := Trials(sampleLog())
	want := []string{tasks.OutcomeReward, tasks.OutcomeTimeout, tasks.OutcomeReward, tasks.OutcomeFault, OutcomeIncomplete}
	if len(trials) != len(want) {
		t.Fatalf("got %d trials, want %d", len(trials), len(want))
	}
	for i, trial := range trials {
		if trial.Outcome != want[i] || trial.Index != i {
			t.Fatalf("trial %d: %+v", i, trial)
		}
	}
	if trials[0].ReachTime != 2*time.Second || trials[0].Duration != 2500*time.Millisecond {
		t.Fatalf("first trial timing: %+v", trials[0])
	}
	if trials[1].ReachTime != 0 {
		t.Fatalf("timed out trial has a reach time: %+v", trials[1])
	}
	if trials[4].Duration != 4*time.Second {
		t.Fatalf("incomplete trial should end at the last state, got %v", trials[4].Duration)
	}
}

func TestSummarize(t *testing.T) {
	report := model.RunReport{RunID: "run-1", DecoderID: "d1", UpdatesApplied: 3, Cycles: 300}
	summary := Summarize(report, sampleLog())
	if summary.Trials != 4 || summary.Rewards != 2 || summary.Timeouts != 1 || summary.FaultPenalties != 1 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if summary.SuccessRate != 0.5 {
		t.Fatalf("success rate: %v", summary.SuccessRate)
	}
	if math.Abs(summary.ReachTimeMean-3) > 1e-9 || math.Abs(summary.ReachTimeStd-math.Sqrt2) > 1e-9 {
		t.Fatalf("reach time stats: mean=%v std=%v", summary.ReachTimeMean, summary.ReachTimeStd)
	}
	if math.Abs(summary.RewardsPerMinute-4) > 1e-9 {
		t.Fatalf("rewards per minute: %v", summary.RewardsPerMinute)
	}
	if summary.UpdatesApplied != 3 || summary.DecoderID != "d1" {
		t.Fatalf("report fields not carried: %+v", summary)
	}

	empty := Summarize(model.RunReport{RunID: "empty"}, model.RunLog{})
	if empty.Trials != 0 || empty.SuccessRate != 0 || empty.RewardsPerMinute != 0 {
		t.Fatalf("empty log summary: %+v", empty)
	}
}

func TestExportRun(t *testing.T) {
	outDir := t.TempDir()
	artifacts := RunArtifacts{
		Report:   model.RunReport{RunID: "run-1", DecoderID: "d1"},
		Log:      sampleLog(),
		Decoders: []model.DecoderRecord{{ID: "d1", Name: "trained"}},
	}
	runDir, err := ExportRun(outDir, artifacts)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, file := range []string{"report.json", "log.json", "summary.json", "trials.csv", filepath.Join("decoders", "d1.json")} {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(runDir, "summary.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Rewards != 2 {
		t.Fatalf("exported summary: %+v", summary)
	}

	file, err := os.Open(filepath.Join(runDir, "trials.csv"))
	if err != nil {
		t.Fatalf("open trials: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read trials: %v", err)
	}
	if len(rows) != 6 || rows[0][1] != "outcome" || rows[2][1] != tasks.OutcomeTimeout {
		t.Fatalf("unexpected trials csv: %v", rows)
	}

	if _, err := ExportRun(outDir, RunArtifacts{}); err == nil {
		t.Fatal("expected export without run id to fail")
	}
}
