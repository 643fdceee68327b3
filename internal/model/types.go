package model

import "time"

const (
	SchemaVersion = 1
	CodecVersion  = 1
)

// VersionedRecord captures schema and codec evolution for persistent data
// and for messages crossing the real-time/updater boundary.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

func CurrentVersion() VersionedRecord {
	return VersionedRecord{SchemaVersion: SchemaVersion, CodecVersion: CodecVersion}
}

// Matrix is a dense row-major matrix in wire form.
type Matrix struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

func (m Matrix) Empty() bool {
	return m.Rows == 0 || m.Cols == 0
}

func (m Matrix) Clone() Matrix {
	return Matrix{Rows: m.Rows, Cols: m.Cols, Data: append([]float64(nil), m.Data...)}
}

type DecoderKind string

const (
	DecoderKalman        DecoderKind = "kalman"
	DecoderMovingAverage DecoderKind = "moving_average"
)

// KalmanParams holds the state-space model of a Kalman filter decoder.
// R, S, T and ESS are the running sufficient statistics used by the RML
// update rule; they stay empty for decoders adapted with smoothbatch.
type KalmanParams struct {
	A             Matrix    `json:"a"`
	W             Matrix    `json:"w"`
	C             Matrix    `json:"c"`
	Q             Matrix    `json:"q"`
	InitState     []float64 `json:"init_state"`
	InitCov       Matrix    `json:"init_cov"`
	DrivesNeurons []bool    `json:"drives_neurons,omitempty"`
	R             Matrix    `json:"r,omitempty"`
	S             Matrix    `json:"s,omitempty"`
	T             Matrix    `json:"t,omitempty"`
	ESS           float64   `json:"ess,omitempty"`
}

func (p KalmanParams) Clone() KalmanParams {
	return KalmanParams{
		A:             p.A.Clone(),
		W:             p.W.Clone(),
		C:             p.C.Clone(),
		Q:             p.Q.Clone(),
		InitState:     append([]float64(nil), p.InitState...),
		InitCov:       p.InitCov.Clone(),
		DrivesNeurons: append([]bool(nil), p.DrivesNeurons...),
		R:             p.R.Clone(),
		S:             p.S.Clone(),
		T:             p.T.Clone(),
		ESS:           p.ESS,
	}
}

type MovingAverageParams struct {
	Steps   int       `json:"steps"`
	Weights []float64 `json:"weights"`
	Offset  float64   `json:"offset"`
	Scale   float64   `json:"scale"`
}

func (p MovingAverageParams) Clone() MovingAverageParams {
	p.Weights = append([]float64(nil), p.Weights...)
	return p
}

// DecoderParams is the full, replaceable parameter set of a decoder.
// Exactly one of the variant fields is set, matching Kind.
type DecoderParams struct {
	VersionedRecord
	Kind          DecoderKind          `json:"kind"`
	BinLen        float64              `json:"bin_len"`
	StateNames    []string             `json:"state_names,omitempty"`
	Kalman        *KalmanParams        `json:"kalman,omitempty"`
	MovingAverage *MovingAverageParams `json:"moving_average,omitempty"`
}

func (p DecoderParams) Clone() DecoderParams {
	out := p
	out.StateNames = append([]string(nil), p.StateNames...)
	if p.Kalman != nil {
		k := p.Kalman.Clone()
		out.Kalman = &k
	}
	if p.MovingAverage != nil {
		m := p.MovingAverage.Clone()
		out.MovingAverage = &m
	}
	return out
}

type DecoderRecord struct {
	VersionedRecord
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	CreatedAt time.Time     `json:"created_at"`
	Params    DecoderParams `json:"params"`
}

// Observation is one bin of neural features tagged with the cycle that produced it.
type Observation struct {
	Cycle    int64     `json:"cycle"`
	Time     time.Time `json:"time"`
	Features []float64 `json:"features"`
}

// Batch is the ordered set of samples accumulated by a learner between updates.
type Batch struct {
	VersionedRecord
	Intended     [][]float64 `json:"intended"`
	Decoded      [][]float64 `json:"decoded"`
	Observations [][]float64 `json:"observations"`
}

func (b Batch) Len() int {
	return len(b.Observations)
}

type UpdateRequest struct {
	VersionedRecord
	Seq       uint64        `json:"seq"`
	DecoderID string        `json:"decoder_id"`
	Rho       float64       `json:"rho"`
	Batch     Batch         `json:"batch"`
	Params    DecoderParams `json:"params"`
}

type ParameterUpdate struct {
	VersionedRecord
	Seq       uint64        `json:"seq"`
	DecoderID string        `json:"decoder_id"`
	Rule      string        `json:"rule"`
	Rho       float64       `json:"rho"`
	Params    DecoderParams `json:"params"`
	Elapsed   time.Duration `json:"elapsed"`
}

// EventRecord is one fired event: the state it fired in, the event, and when.
type EventRecord struct {
	State string    `json:"state"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// StateRecord is one entered state. Terminal marks the end of the run.
type StateRecord struct {
	State    string    `json:"state"`
	Terminal bool      `json:"terminal,omitempty"`
	At       time.Time `json:"at"`
}

type RunReport struct {
	VersionedRecord
	RunID          string    `json:"run_id"`
	Task           string    `json:"task"`
	DecoderID      string    `json:"decoder_id"`
	FinalDecoderID string    `json:"final_decoder_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	Cycles         int64     `json:"cycles"`
	Trials         int       `json:"trials"`
	Rewards        int       `json:"rewards"`
	Penalties      int       `json:"penalties"`
	UpdatesApplied int       `json:"updates_applied"`
	DecodeFaults   int       `json:"decode_faults"`
	Faults         []string  `json:"faults,omitempty"`
}

// RunLog is the event and state history of one run, written once when the
// run ends.
type RunLog struct {
	VersionedRecord
	RunID  string        `json:"run_id"`
	Events []EventRecord `json:"events"`
	States []StateRecord `json:"states"`
}
