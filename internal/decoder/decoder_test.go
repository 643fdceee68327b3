package decoder

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"

	"cldarig/internal/model"
)

func testKalmanParams() model.DecoderParams {
	return model.DecoderParams{
		VersionedRecord: model.CurrentVersion(),
		Kind:            model.DecoderKalman,
		BinLen:          0.1,
		StateNames:      []string{"pos", "vel", "offset"},
		Kalman: &model.KalmanParams{
			A:             model.Matrix{Rows: 3, Cols: 3, Data: []float64{1, 0.1, 0, 0, 1, 0, 0, 0, 1}},
			W:             model.Matrix{Rows: 3, Cols: 3, Data: []float64{0, 0, 0, 0, 0.1, 0, 0, 0, 0}},
			C:             model.Matrix{Rows: 2, Cols: 3, Data: []float64{0, 2, 1, 0, -1, 3}},
			Q:             model.Matrix{Rows: 2, Cols: 2, Data: []float64{1, 0, 0, 1}},
			InitState:     []float64{0, 0, 1},
			DrivesNeurons: []bool{false, true, true},
		},
	}
}

func newTestKalman(t *testing.T) *KalmanDecoder {
	t.Helper()
	d, err := NewKalmanDecoder(testKalmanParams())
	if err != nil {
		t.Fatalf("new kalman decoder: %v", err)
	}
	return d
}

func TestKalmanPredictDeterministic(t *testing.T) {
	first := newTestKalman(t)
	second := newTestKalman(t)
	inputs := [][]float64{{2, 3}, {4, 1}, {0, 5}, {3, 3}}
	for i, features := range inputs {
		a, err := first.Predict(model.Observation{Cycle: int64(i), Features: features})
		if err != nil {
			t.Fatalf("predict first: %v", err)
		}
		b, err := second.Predict(model.Observation{Cycle: int64(i), Features: features})
		if err != nil {
			t.Fatalf("predict second: %v", err)
		}
		if !mat.Equal(a, b) {
			t.Fatalf("cycle %d: outputs differ: %v vs %v", i, mat.Formatted(a.T()), mat.Formatted(b.T()))
		}
	}
}

func TestKalmanPredictTracksVelocity(t *testing.T) {
	d := newTestKalman(t)
	// Observations generated by vel=1.5 with offset 1: y = [2*1.5+1, -1.5+3].
	var out *mat.VecDense
	for i := 0; i < 200; i++ {
		var err error
		out, err = d.Predict(model.Observation{Cycle: int64(i), Features: []float64{4, 1.5}})
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
	}
	if math.Abs(out.AtVec(1)-1.5) > 0.05 {
		t.Fatalf("velocity estimate did not converge: %v", out.AtVec(1))
	}
	if !mat.Equal(out, d.State()) {
		t.Fatal("state must equal the last prediction")
	}
}

func TestKalmanFaultLeavesStateUnchanged(t *testing.T) {
	d := newTestKalman(t)
	if _, err := d.Predict(model.Observation{Features: []float64{1, 2}}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	before := d.State()
	cov := d.Covariance()

	cases := [][]float64{{1}, {1, 2, 3}, {math.NaN(), 1}, {math.Inf(1), 0}}
	for _, features := range cases {
		_, err := d.Predict(model.Observation{Features: features})
		if !errors.Is(err, ErrDecoderFault) {
			t.Fatalf("features %v: expected decoder fault, got %v", features, err)
		}
	}
	if !mat.Equal(before, d.State()) || !mat.Equal(cov, d.Covariance()) {
		t.Fatal("fault must not change decoder state")
	}
}

func TestKalmanUpdateParamsIsAtomic(t *testing.T) {
	d := newTestKalman(t)
	original := d.Params()

	bad := testKalmanParams()
	bad.Kalman.Q = model.Matrix{Rows: 3, Cols: 3, Data: make([]float64, 9)}
	if err := d.UpdateParams(bad); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected invalid params, got %v", err)
	}
	if got := d.Params(); !paramsEqual(got, original) {
		t.Fatal("rejected update must leave params untouched")
	}

	grown := testKalmanParams()
	grown.Kalman.C = model.Matrix{Rows: 3, Cols: 3, Data: make([]float64, 9)}
	grown.Kalman.Q = model.Matrix{Rows: 3, Cols: 3, Data: []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
	if err := d.UpdateParams(grown); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected shape change to be rejected, got %v", err)
	}

	good := testKalmanParams()
	good.Kalman.C.Data[1] = 4
	if err := d.UpdateParams(good); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := d.Params(); got.Kalman.C.Data[1] != 4 {
		t.Fatalf("update was not applied: %v", got.Kalman.C.Data)
	}

	// The caller's copy must not alias the decoder.
	good.Kalman.C.Data[1] = 99
	if got := d.Params(); got.Kalman.C.Data[1] != 4 {
		t.Fatal("decoder params alias the caller's slice")
	}
}

func TestKalmanUpdateParamsConcurrentWithPredict(t *testing.T) {
	d := newTestKalman(t)
	alt := testKalmanParams()
	alt.Kalman.C.Data[1] = 3

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			params := testKalmanParams()
			if i%2 == 0 {
				params = alt
			}
			if err := d.UpdateParams(params); err != nil {
				t.Errorf("update: %v", err)
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		if _, err := d.Predict(model.Observation{Features: []float64{1, 2}}); err != nil {
			t.Fatalf("predict: %v", err)
		}
		c := d.Params().Kalman.C.Data[1]
		if c != 2 && c != 3 {
			t.Fatalf("observed partial params: C[0][1]=%v", c)
		}
	}
	wg.Wait()
}

func TestKalmanResetKeepsParams(t *testing.T) {
	d := newTestKalman(t)
	good := testKalmanParams()
	good.Kalman.C.Data[1] = 5
	if err := d.UpdateParams(good); err != nil {
		t.Fatalf("update: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := d.Predict(model.Observation{Features: []float64{5, 5}}); err != nil {
			t.Fatalf("predict: %v", err)
		}
	}
	d.Reset()
	if !mat.Equal(d.State(), mat.NewVecDense(3, []float64{0, 0, 1})) {
		t.Fatalf("reset did not restore initial state: %v", mat.Formatted(d.State().T()))
	}
	if d.Params().Kalman.C.Data[1] != 5 {
		t.Fatal("reset must keep params")
	}
	if d.BinLen() != 0.1 {
		t.Fatalf("unexpected bin length %v", d.BinLen())
	}
}

func TestNewRejectsInvalidParams(t *testing.T) {
	cases := map[string]func(p *model.DecoderParams){
		"unknown kind":     func(p *model.DecoderParams) { p.Kind = "wiener" },
		"zero bin":         func(p *model.DecoderParams) { p.BinLen = 0 },
		"non-square A":     func(p *model.DecoderParams) { p.Kalman.A = model.Matrix{Rows: 3, Cols: 2, Data: make([]float64, 6)} },
		"short init state": func(p *model.DecoderParams) { p.Kalman.InitState = []float64{1} },
		"bad drives":       func(p *model.DecoderParams) { p.Kalman.DrivesNeurons = []bool{true} },
		"nan in C":         func(p *model.DecoderParams) { p.Kalman.C.Data[0] = math.NaN() },
		"missing variant":  func(p *model.DecoderParams) { p.Kalman = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			params := testKalmanParams()
			mutate(&params)
			if _, err := New(params); !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("expected invalid params, got %v", err)
			}
		})
	}
}

func TestMovingAverageDecoder(t *testing.T) {
	params := model.DecoderParams{
		Kind:          model.DecoderMovingAverage,
		BinLen:        0.05,
		MovingAverage: &model.MovingAverageParams{Steps: 3, Weights: []float64{1, -1}, Offset: 0.5, Scale: 2},
	}
	dec, err := New(params)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	want := []float64{2.5, 4.5, 6.5, (6.5 + 10.5 + 16.5) / 3}
	inputs := [][]float64{{2, 1}, {4, 1}, {6, 1}, {8, 0}}
	for i, features := range inputs {
		out, err := dec.Predict(model.Observation{Features: features})
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if math.Abs(out.AtVec(0)-want[i]) > 1e-12 {
			t.Fatalf("step %d: got %v want %v", i, out.AtVec(0), want[i])
		}
	}
	if _, err := dec.Predict(model.Observation{Features: []float64{1}}); !errors.Is(err, ErrDecoderFault) {
		t.Fatalf("expected decoder fault, got %v", err)
	}
	dec.Reset()
	if dec.State().AtVec(0) != 0 {
		t.Fatalf("reset did not clear the window: %v", dec.State().AtVec(0))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newMapStore()
	ctx := context.Background()
	d := newTestKalman(t)

	id, err := Save(ctx, store, d, "seed")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	loaded, err := Load(ctx, store, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !paramsEqual(loaded.Params(), d.Params()) {
		t.Fatal("loaded params differ from saved params")
	}
	if _, ok := loaded.(*KalmanDecoder); !ok {
		t.Fatalf("expected kalman decoder, got %T", loaded)
	}
	if _, err := Load(ctx, store, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewKalmanFromTrainingRecoversObservationModel(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 13))
	trueC := mat.NewDense(3, 3, []float64{
		0, 2, 1,
		0, -1, 4,
		0, 0.5, 2,
	})
	var kin, features [][]float64
	vel := 0.0
	for i := 0; i < 2000; i++ {
		vel = 0.9*vel + rng.NormFloat64()
		x := []float64{0, vel, 1}
		y := mat.NewVecDense(3, nil)
		y.MulVec(trueC, mat.NewVecDense(3, x))
		row := model.Values(y)
		for j := range row {
			row[j] += 0.1 * rng.NormFloat64()
		}
		kin = append(kin, x)
		features = append(features, row)
	}

	d, err := NewKalmanFromTraining(kin, features, TrainOptions{
		BinLen:        0.1,
		DrivesNeurons: []bool{false, true, true},
		A:             mat.NewDense(3, 3, []float64{1, 0.1, 0, 0, 0.9, 0, 0, 0, 1}),
		W:             mat.NewDense(3, 3, []float64{0, 0, 0, 0, 1, 0, 0, 0, 0}),
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	c, err := d.Params().Kalman.C.Dense()
	if err != nil {
		t.Fatalf("C: %v", err)
	}
	if !mat.EqualApprox(c, trueC, 0.05) {
		t.Fatalf("fitted C is off:\n%v", mat.Formatted(c))
	}
	q, err := d.Params().Kalman.Q.Dense()
	if err != nil {
		t.Fatalf("Q: %v", err)
	}
	if math.Abs(q.At(0, 0)-0.01) > 0.005 {
		t.Fatalf("unexpected residual variance %v", q.At(0, 0))
	}
}

func paramsEqual(a, b model.DecoderParams) bool {
	if a.Kind != b.Kind || a.BinLen != b.BinLen {
		return false
	}
	if (a.Kalman == nil) != (b.Kalman == nil) {
		return false
	}
	if a.Kalman == nil {
		return true
	}
	for _, pair := range [][2]model.Matrix{{a.Kalman.A, b.Kalman.A}, {a.Kalman.W, b.Kalman.W}, {a.Kalman.C, b.Kalman.C}, {a.Kalman.Q, b.Kalman.Q}} {
		if pair[0].Rows != pair[1].Rows || pair[0].Cols != pair[1].Cols || len(pair[0].Data) != len(pair[1].Data) {
			return false
		}
		for i := range pair[0].Data {
			if pair[0].Data[i] != pair[1].Data[i] {
				return false
			}
		}
	}
	return true
}

type mapStore struct {
	mu      sync.Mutex
	records map[string]model.DecoderRecord
}

func newMapStore() *mapStore {
	return &mapStore{records: make(map[string]model.DecoderRecord)}
}

func (s *mapStore) SaveDecoder(_ context.Context, record model.DecoderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.CreatedAt.IsZero() {
		return errors.New("record has no creation time")
	}
	s.records[record.ID] = record
	return nil
}

func (s *mapStore) GetDecoder(_ context.Context, id string) (model.DecoderRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	return record, ok, nil
}
