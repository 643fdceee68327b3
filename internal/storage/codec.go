package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"cldarig/internal/model"
)

const (
	CurrentSchemaVersion = model.SchemaVersion
	CurrentCodecVersion  = model.CodecVersion
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeDecoder(record model.DecoderRecord) ([]byte, error) {
	return json.Marshal(record)
}

func DecodeDecoder(data []byte) (model.DecoderRecord, error) {
	var record model.DecoderRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.DecoderRecord{}, err
	}
	if err := CheckDecoderVersion(record); err != nil {
		return model.DecoderRecord{}, err
	}
	return record, nil
}

// CheckDecoderVersion accepts a decoder record only when both the record and
// its params carry the current schema and codec versions.
func CheckDecoderVersion(record model.DecoderRecord) error {
	if err := checkVersion(record.VersionedRecord); err != nil {
		return err
	}
	if err := checkVersion(record.Params.VersionedRecord); err != nil {
		return fmt.Errorf("decoder params: %w", err)
	}
	return nil
}

func EncodeRunLog(log model.RunLog) ([]byte, error) {
	return json.Marshal(log)
}

func DecodeRunLog(data []byte) (model.RunLog, error) {
	var log model.RunLog
	if err := json.Unmarshal(data, &log); err != nil {
		return model.RunLog{}, err
	}
	if err := checkVersion(log.VersionedRecord); err != nil {
		return model.RunLog{}, err
	}
	return log, nil
}

func EncodeRunReport(report model.RunReport) ([]byte, error) {
	return json.Marshal(report)
}

func DecodeRunReport(data []byte) (model.RunReport, error) {
	var report model.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return model.RunReport{}, err
	}
	if err := checkVersion(report.VersionedRecord); err != nil {
		return model.RunReport{}, err
	}
	return report, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}

func newRunLog(runID string, events []model.EventRecord, states []model.StateRecord) model.RunLog {
	return model.RunLog{
		VersionedRecord: model.CurrentVersion(),
		RunID:           runID,
		Events:          append([]model.EventRecord(nil), events...),
		States:          append([]model.StateRecord(nil), states...),
	}
}
