package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cldarig/internal/model"
)

// RunArtifacts is everything exported for one run.
type RunArtifacts struct {
	Report   model.RunReport
	Log      model.RunLog
	Decoders []model.DecoderRecord
}

// ExportRun writes the artifacts of a run under outDir/<run id> and returns
// that directory. Existing files are overwritten.
func ExportRun(outDir string, artifacts RunArtifacts) (string, error) {
	runID := artifacts.Report.RunID
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	runDir := filepath.Join(outDir, runID)
	if err := os.MkdirAll(filepath.Join(runDir, "decoders"), 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "report.json"), artifacts.Report); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "log.json"), artifacts.Log); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "summary.json"), Summarize(artifacts.Report, artifacts.Log)); err != nil {
		return "", err
	}
	if err := writeTrialsCSV(filepath.Join(runDir, "trials.csv"), Trials(artifacts.Log)); err != nil {
		return "", err
	}
	for _, record := range artifacts.Decoders {
		if err := writeJSON(filepath.Join(runDir, "decoders", record.ID+".json"), record); err != nil {
			return "", err
		}
	}
	return runDir, nil
}

func writeTrialsCSV(path string, trials []Trial) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"index", "outcome", "started_at", "duration_s", "reach_time_s"}); err != nil {
		return err
	}
	for _, trial := range trials {
		row := []string{
			strconv.Itoa(trial.Index),
			trial.Outcome,
			trial.StartedAt.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(trial.Duration.Seconds(), 'f', -1, 64),
			strconv.FormatFloat(trial.ReachTime.Seconds(), 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return file.Sync()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
