package graph

import (
	"encoding/json"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/cougars-auv/fgo/preintegration"
)

// The snapshot format round-trips the whole arena, tombstones included, so node
// indices and factor handles come back identical and the next solve sees the same
// cost. Checkpoint/restart layers on top of this; nothing here touches disk.

type navRecord struct {
	Rot       [4]float64 `json:"rot"`
	Pos       r3.Vector  `json:"pos"`
	Vel       r3.Vector  `json:"vel"`
	GyroBias  r3.Vector  `json:"gyro_bias"`
	AccelBias r3.Vector  `json:"accel_bias"`
}

func toNavRecord(s NavState) navRecord {
	return navRecord{
		Rot:       [4]float64{s.Rot.Real, s.Rot.Imag, s.Rot.Jmag, s.Rot.Kmag},
		Pos:       s.Pos,
		Vel:       s.Vel,
		GyroBias:  s.Bias.Gyro,
		AccelBias: s.Bias.Accel,
	}
}

func (r navRecord) navState() NavState {
	return NavState{
		Rot:  quat.Number{Real: r.Rot[0], Imag: r.Rot[1], Jmag: r.Rot[2], Kmag: r.Rot[3]},
		Pos:  r.Pos,
		Vel:  r.Vel,
		Bias: preintegration.Bias{Gyro: r.GyroBias, Accel: r.AccelBias},
	}
}

type matrixRecord struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

func toMatrixRecord(m mat.Matrix) matrixRecord {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, m.At(i, j))
		}
	}
	return matrixRecord{Rows: r, Cols: c, Data: data}
}

func (m matrixRecord) dense() (*mat.Dense, error) {
	if len(m.Data) != m.Rows*m.Cols {
		return nil, errors.Errorf("matrix record %dx%d has %d values", m.Rows, m.Cols, len(m.Data))
	}
	return mat.NewDense(m.Rows, m.Cols, m.Data), nil
}

func (m matrixRecord) sym() (*mat.SymDense, error) {
	if m.Rows != m.Cols {
		return nil, errors.Errorf("matrix record %dx%d is not square", m.Rows, m.Cols)
	}
	d, err := m.dense()
	if err != nil {
		return nil, err
	}
	out := mat.NewSymDense(m.Rows, nil)
	for i := 0; i < m.Rows; i++ {
		for j := i; j < m.Cols; j++ {
			out.SetSym(i, j, 0.5*(d.At(i, j)+d.At(j, i)))
		}
	}
	return out, nil
}

type deltaRecord struct {
	StartNanos    int64              `json:"start_nanos"`
	EndNanos      int64              `json:"end_nanos"`
	Duration      float64            `json:"duration"`
	Rot           [4]float64         `json:"rot"`
	Vel           r3.Vector          `json:"vel"`
	Pos           r3.Vector          `json:"pos"`
	Cov           matrixRecord       `json:"cov"`
	RefGyroBias   r3.Vector          `json:"ref_gyro_bias"`
	RefAccelBias  r3.Vector          `json:"ref_accel_bias"`
	RotByGyroBias matrixRecord       `json:"rot_by_gyro_bias"`
	VelByGyroBias matrixRecord       `json:"vel_by_gyro_bias"`
	VelByAccBias  matrixRecord       `json:"vel_by_acc_bias"`
	PosByGyroBias matrixRecord       `json:"pos_by_gyro_bias"`
	PosByAccBias  matrixRecord       `json:"pos_by_acc_bias"`
	SampleCount   int                `json:"sample_count"`
}

func toDeltaRecord(d *preintegration.Delta) deltaRecord {
	return deltaRecord{
		StartNanos:    d.StartNanos,
		EndNanos:      d.EndNanos,
		Duration:      d.Duration,
		Rot:           [4]float64{d.Rot.Real, d.Rot.Imag, d.Rot.Jmag, d.Rot.Kmag},
		Vel:           d.Vel,
		Pos:           d.Pos,
		Cov:           toMatrixRecord(d.Cov),
		RefGyroBias:   d.ReferenceBias.Gyro,
		RefAccelBias:  d.ReferenceBias.Accel,
		RotByGyroBias: toMatrixRecord(d.RotByGyroBias),
		VelByGyroBias: toMatrixRecord(d.VelByGyroBias),
		VelByAccBias:  toMatrixRecord(d.VelByAccBias),
		PosByGyroBias: toMatrixRecord(d.PosByGyroBias),
		PosByAccBias:  toMatrixRecord(d.PosByAccBias),
		SampleCount:   d.SampleCount,
	}
}

func (r deltaRecord) delta() (*preintegration.Delta, error) {
	cov, err := r.Cov.sym()
	if err != nil {
		return nil, err
	}
	mats := make([]*mat.Dense, 5)
	for i, rec := range []matrixRecord{
		r.RotByGyroBias, r.VelByGyroBias, r.VelByAccBias, r.PosByGyroBias, r.PosByAccBias,
	} {
		m, err := rec.dense()
		if err != nil {
			return nil, err
		}
		mats[i] = m
	}
	return &preintegration.Delta{
		StartNanos:    r.StartNanos,
		EndNanos:      r.EndNanos,
		Duration:      r.Duration,
		Rot:           quat.Number{Real: r.Rot[0], Imag: r.Rot[1], Jmag: r.Rot[2], Kmag: r.Rot[3]},
		Vel:           r.Vel,
		Pos:           r.Pos,
		Cov:           cov,
		ReferenceBias: preintegration.Bias{Gyro: r.RefGyroBias, Accel: r.RefAccelBias},
		RotByGyroBias: mats[0],
		VelByGyroBias: mats[1],
		VelByAccBias:  mats[2],
		PosByGyroBias: mats[3],
		PosByAccBias:  mats[4],
		SampleCount:   r.SampleCount,
	}, nil
}

type imuFactorRecord struct {
	From    int         `json:"from"`
	To      int         `json:"to"`
	Gravity r3.Vector   `json:"gravity"`
	Delta   deltaRecord `json:"delta"`
}

type priorFactorRecord struct {
	Nodes    []int        `json:"nodes"`
	Refs     []navRecord  `json:"refs"`
	SqrtInfo matrixRecord `json:"sqrt_info"`
	Rhs      []float64    `json:"rhs"`
}

type factorRecord struct {
	Alive    bool               `json:"alive"`
	Type     string             `json:"type,omitempty"`
	Imu      *imuFactorRecord   `json:"imu,omitempty"`
	Velocity *VelocityFactor    `json:"velocity,omitempty"`
	Depth    *DepthFactor       `json:"depth,omitempty"`
	Range    *RangeFactor       `json:"range,omitempty"`
	Prior    *priorFactorRecord `json:"prior,omitempty"`
}

type nodeRecord struct {
	Alive bool      `json:"alive"`
	State navRecord `json:"state"`
}

type storeSnapshot struct {
	Nodes   []nodeRecord   `json:"nodes"`
	Factors []factorRecord `json:"factors"`
}

// Snapshot serializes the store, preserving arena positions of dead entries.
func (s *Store) Snapshot() ([]byte, error) {
	snap := storeSnapshot{
		Nodes:   make([]nodeRecord, len(s.nodes)),
		Factors: make([]factorRecord, len(s.factors)),
	}
	for i, n := range s.nodes {
		snap.Nodes[i] = nodeRecord{Alive: n.alive, State: toNavRecord(n.state)}
	}
	for i, fe := range s.factors {
		if !fe.alive {
			snap.Factors[i] = factorRecord{}
			continue
		}
		rec, err := encodeFactor(fe.factor)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding factor %d", i)
		}
		snap.Factors[i] = rec
	}
	return json.Marshal(snap)
}

// RestoreStore rebuilds a store from a snapshot produced by Snapshot.
func RestoreStore(data []byte) (*Store, error) {
	var snap storeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "decoding snapshot")
	}

	s := NewStore()
	for _, n := range snap.Nodes {
		idx := s.AddNode(n.State.navState())
		if !n.Alive {
			s.nodes[idx].alive = false
			s.liveNodes--
		}
	}
	for i, rec := range snap.Factors {
		if !rec.Alive {
			s.factors = append(s.factors, factorEntry{})
			continue
		}
		f, err := decodeFactor(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding factor %d", i)
		}
		if _, err := s.AddFactor(f); err != nil {
			return nil, errors.Wrapf(err, "reinserting factor %d", i)
		}
	}
	return s, nil
}

func encodeFactor(f Factor) (factorRecord, error) {
	switch v := f.(type) {
	case *ImuFactor:
		return factorRecord{Alive: true, Type: "imu", Imu: &imuFactorRecord{
			From:    int(v.From),
			To:      int(v.To),
			Gravity: v.Gravity,
			Delta:   toDeltaRecord(v.Delta),
		}}, nil
	case *VelocityFactor:
		return factorRecord{Alive: true, Type: "velocity", Velocity: v}, nil
	case *DepthFactor:
		return factorRecord{Alive: true, Type: "depth", Depth: v}, nil
	case *RangeFactor:
		return factorRecord{Alive: true, Type: "range", Range: v}, nil
	case *PriorFactor:
		rec := &priorFactorRecord{
			Nodes:    make([]int, len(v.Nodes)),
			Refs:     make([]navRecord, len(v.Ref)),
			SqrtInfo: toMatrixRecord(v.SqrtInfo),
			Rhs:      append([]float64(nil), v.Rhs.RawVector().Data...),
		}
		for i, n := range v.Nodes {
			rec.Nodes[i] = int(n)
		}
		for i, ref := range v.Ref {
			rec.Refs[i] = toNavRecord(ref)
		}
		return factorRecord{Alive: true, Type: "prior", Prior: rec}, nil
	default:
		return factorRecord{}, errors.Errorf("unknown factor variant %T", f)
	}
}

func decodeFactor(rec factorRecord) (Factor, error) {
	switch rec.Type {
	case "imu":
		if rec.Imu == nil {
			return nil, errors.New("imu record missing body")
		}
		delta, err := rec.Imu.Delta.delta()
		if err != nil {
			return nil, err
		}
		return NewImuFactor(NodeIndex(rec.Imu.From), NodeIndex(rec.Imu.To), delta, rec.Imu.Gravity)
	case "velocity":
		if rec.Velocity == nil {
			return nil, errors.New("velocity record missing body")
		}
		return rec.Velocity, nil
	case "depth":
		if rec.Depth == nil {
			return nil, errors.New("depth record missing body")
		}
		return rec.Depth, nil
	case "range":
		if rec.Range == nil {
			return nil, errors.New("range record missing body")
		}
		return rec.Range, nil
	case "prior":
		if rec.Prior == nil {
			return nil, errors.New("prior record missing body")
		}
		sqrtInfo, err := rec.Prior.SqrtInfo.dense()
		if err != nil {
			return nil, err
		}
		p := &PriorFactor{
			Nodes:    make([]NodeIndex, len(rec.Prior.Nodes)),
			Ref:      make([]NavState, len(rec.Prior.Refs)),
			SqrtInfo: sqrtInfo,
			Rhs:      mat.NewVecDense(len(rec.Prior.Rhs), append([]float64(nil), rec.Prior.Rhs...)),
		}
		for i, n := range rec.Prior.Nodes {
			p.Nodes[i] = NodeIndex(n)
		}
		for i, ref := range rec.Prior.Refs {
			p.Ref[i] = ref.navState()
		}
		return p, nil
	default:
		return nil, errors.Errorf("unknown factor type %q", rec.Type)
	}
}
