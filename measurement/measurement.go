// Package measurement normalizes raw sensor records into the typed measurements the
// estimator consumes. Records carry a sensor kind tag, a nanosecond timestamp, and a
// flat float payload whose schema is fixed per kind.
package measurement

import (
	"encoding/json"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Kind tags the sensor stream a record belongs to.
type Kind int

// The recognized sensor kinds.
const (
	KindIMU Kind = iota
	KindVelocity
	KindDepth
	KindRange
)

func (k Kind) String() string {
	switch k {
	case KindIMU:
		return "imu"
	case KindVelocity:
		return "velocity"
	case KindDepth:
		return "depth"
	case KindRange:
		return "range"
	default:
		return "unknown"
	}
}

// MarshalJSON writes the kind in its string form so recorded logs stay readable.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON accepts the string form.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "imu":
		*k = KindIMU
	case "velocity":
		*k = KindVelocity
	case "depth":
		*k = KindDepth
	case "range":
		*k = KindRange
	default:
		return errors.Wrapf(ErrMalformedMeasurement, "unknown kind %q", s)
	}
	return nil
}

// PeerInfo accompanies a range record: which vehicle the range was measured to and
// that vehicle's last reported position fix.
type PeerInfo struct {
	ID                string    `json:"id"`
	Position          r3.Vector `json:"position"`
	PositionTimeNanos int64     `json:"position_time_nanos"`
}

// Record is the raw inbound form delivered by the transport layer.
type Record struct {
	Kind           Kind      `json:"kind"`
	TimestampNanos int64     `json:"timestamp_nanos"`
	Payload        []float64 `json:"payload"`
	Peer           *PeerInfo `json:"peer,omitempty"`
}

// Payload schemas, in order:
//
//	imu:      gx gy gz (rad/s), ax ay az (m/s^2)
//	velocity: vx vy vz (m/s, body frame), varx vary varz
//	depth:    depth (m, positive down), var
//	range:    range (m), var; Peer must be present
const (
	imuPayloadLen      = 6
	velocityPayloadLen = 6
	depthPayloadLen    = 2
	rangePayloadLen    = 2
)

// IMU is one gyro+accel sample.
type IMU struct {
	TimestampNanos     int64
	AngularVelocity    r3.Vector // rad/s, body frame
	LinearAcceleration r3.Vector // m/s^2, body frame, gravity included
}

// Time returns the sample time.
func (m IMU) Time() time.Time { return time.Unix(0, m.TimestampNanos) }

// Velocity is one DVL body-frame velocity reading with per-axis variance.
type Velocity struct {
	TimestampNanos int64
	Linear         r3.Vector
	Variance       r3.Vector
}

// Depth is one pressure-derived depth reading, positive down, in meters.
type Depth struct {
	TimestampNanos int64
	Meters         float64
	Variance       float64
}

// Range is one acoustic range to a peer vehicle, paired with the peer's last known
// position so the factor does not need joint multi-vehicle state.
type Range struct {
	TimestampNanos int64
	Peer           PeerInfo
	Meters         float64
	Variance       float64
}

// Measurement is one of IMU, Velocity, Depth, Range.
type Measurement interface {
	measurement()
}

func (IMU) measurement()      {}
func (Velocity) measurement() {}
func (Depth) measurement()    {}
func (Range) measurement()    {}

// ErrMalformedMeasurement reports a record whose payload violates its kind's schema.
var ErrMalformedMeasurement = errors.New("malformed measurement")

// ErrOutOfOrderTimestamp reports a record older than the last accepted record of the
// same kind. Reordering is the transport's job, not ours.
var ErrOutOfOrderTimestamp = errors.New("out of order timestamp")

// Adapter converts Records to typed measurements, enforcing per-kind schemas and
// non-decreasing timestamps per stream. It keeps no state beyond the last accepted
// timestamp of each kind.
type Adapter struct {
	lastSeen map[Kind]int64
}

// NewAdapter returns an empty adapter.
func NewAdapter() *Adapter {
	return &Adapter{lastSeen: map[Kind]int64{}}
}

// Convert validates and converts one record. On error the adapter state is unchanged.
func (a *Adapter) Convert(rec Record) (Measurement, error) {
	if last, ok := a.lastSeen[rec.Kind]; ok && rec.TimestampNanos < last {
		return nil, errors.Wrapf(ErrOutOfOrderTimestamp,
			"%s record at %d precedes last accepted %d", rec.Kind, rec.TimestampNanos, last)
	}

	m, err := convert(rec)
	if err != nil {
		return nil, err
	}
	a.lastSeen[rec.Kind] = rec.TimestampNanos
	return m, nil
}

func convert(rec Record) (Measurement, error) {
	if err := checkFinite(rec.Payload); err != nil {
		return nil, err
	}
	switch rec.Kind {
	case KindIMU:
		if len(rec.Payload) != imuPayloadLen {
			return nil, malformedLen(rec.Kind, imuPayloadLen, len(rec.Payload))
		}
		p := rec.Payload
		return IMU{
			TimestampNanos:     rec.TimestampNanos,
			AngularVelocity:    r3.Vector{X: p[0], Y: p[1], Z: p[2]},
			LinearAcceleration: r3.Vector{X: p[3], Y: p[4], Z: p[5]},
		}, nil
	case KindVelocity:
		if len(rec.Payload) != velocityPayloadLen {
			return nil, malformedLen(rec.Kind, velocityPayloadLen, len(rec.Payload))
		}
		p := rec.Payload
		if p[3] <= 0 || p[4] <= 0 || p[5] <= 0 {
			return nil, errors.Wrapf(ErrMalformedMeasurement, "%s variance must be positive", rec.Kind)
		}
		return Velocity{
			TimestampNanos: rec.TimestampNanos,
			Linear:         r3.Vector{X: p[0], Y: p[1], Z: p[2]},
			Variance:       r3.Vector{X: p[3], Y: p[4], Z: p[5]},
		}, nil
	case KindDepth:
		if len(rec.Payload) != depthPayloadLen {
			return nil, malformedLen(rec.Kind, depthPayloadLen, len(rec.Payload))
		}
		if rec.Payload[1] <= 0 {
			return nil, errors.Wrapf(ErrMalformedMeasurement, "%s variance must be positive", rec.Kind)
		}
		return Depth{
			TimestampNanos: rec.TimestampNanos,
			Meters:         rec.Payload[0],
			Variance:       rec.Payload[1],
		}, nil
	case KindRange:
		if len(rec.Payload) != rangePayloadLen {
			return nil, malformedLen(rec.Kind, rangePayloadLen, len(rec.Payload))
		}
		if rec.Peer == nil || rec.Peer.ID == "" {
			return nil, errors.Wrapf(ErrMalformedMeasurement, "%s record missing peer info", rec.Kind)
		}
		if rec.Payload[0] < 0 {
			return nil, errors.Wrapf(ErrMalformedMeasurement, "%s cannot be negative", rec.Kind)
		}
		if rec.Payload[1] <= 0 {
			return nil, errors.Wrapf(ErrMalformedMeasurement, "%s variance must be positive", rec.Kind)
		}
		return Range{
			TimestampNanos: rec.TimestampNanos,
			Peer:           *rec.Peer,
			Meters:         rec.Payload[0],
			Variance:       rec.Payload[1],
		}, nil
	default:
		return nil, errors.Wrapf(ErrMalformedMeasurement, "unknown sensor kind %d", rec.Kind)
	}
}

func malformedLen(k Kind, want, got int) error {
	return errors.Wrapf(ErrMalformedMeasurement, "%s payload needs %d values, got %d", k, want, got)
}

func checkFinite(payload []float64) error {
	for i, v := range payload {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrMalformedMeasurement, "payload[%d] is not finite", i)
		}
	}
	return nil
}
