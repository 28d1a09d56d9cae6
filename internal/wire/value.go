package wire

import (
	"time"

	"ias/internal/apperr"
)

// Timestamps records every hop a Value travels through, from production
// at the edge of the system to consumption by a distributed unit. Every
// field is optional except that exactly one of PluginProduction and
// DASUProduction must be set: a Value is produced either by a plugin
// (at the edge) or by a distributed unit (by a computing element).
type Timestamps struct {
	PluginProduction    *time.Time
	SentToConverter      *time.Time
	ReceivedFromPlugin   *time.Time
	ConverterProduction  *time.Time
	SentToBus            *time.Time
	ReadFromBus          *time.Time
	DASUProduction       *time.Time
}

// Production returns whichever of PluginProduction/DASUProduction is
// set, and ok is false if neither is (a malformed Value).
func (t Timestamps) Production() (time.Time, bool) {
	if t.DASUProduction != nil {
		return *t.DASUProduction, true
	}
	if t.PluginProduction != nil {
		return *t.PluginProduction, true
	}
	return time.Time{}, false
}

// Value is one immutable reading or computed result flowing through the
// evaluation graph. Payload holds a Go value whose dynamic type must
// match Type:
//
//	Long, Int, Short, Byte, Double, Float -> float64
//	Boolean                               -> bool
//	Char, String                          -> string
//	Alarm                                  -> AlarmPriority
//	Timestamp                              -> time.Time
//	ArrayOfLong, ArrayOfDouble             -> []float64
type Value struct {
	FullRunningID string
	Type          ValueType
	Payload       interface{}
	Mode          OperationalMode
	Validity      Validity
	Dependents    []string
	Properties    map[string]string
	Timestamps    Timestamps
}

// New constructs a Value and validates the payload against type, the
// production-timestamp invariant, and non-empty identity.
func New(fullRunningID string, typ ValueType, payload interface{}, mode OperationalMode, validity Validity, ts Timestamps) (Value, error) {
	const op = "New"
	if fullRunningID == "" {
		return Value{}, apperr.New(apperr.CodeDecodeMalformed, "wire", op, "fullRunningId must not be empty")
	}
	v := Value{
		FullRunningID: fullRunningID,
		Type:          typ,
		Payload:       payload,
		Mode:          mode,
		Validity:      validity,
		Timestamps:    ts,
	}
	if err := v.Validate(); err != nil {
		return Value{}, err
	}
	return v, nil
}

// WithDependents returns a copy of v with Dependents replaced.
func (v Value) WithDependents(deps []string) Value {
	v.Dependents = deps
	return v
}

// WithProperties returns a copy of v with Properties replaced.
func (v Value) WithProperties(props map[string]string) Value {
	v.Properties = props
	return v
}

// Validate checks the payload-type match and the production-timestamp
// invariant. It does not check dependents or properties, which have no
// shape constraints beyond their Go types.
func (v Value) Validate() error {
	const op = "Validate"
	if _, ok := v.Timestamps.Production(); !ok {
		return apperr.New(apperr.CodeDecodeMalformed, "wire", op,
			"exactly one of pluginProductionTStamp/dasuProductionTStamp must be set")
	}
	if v.Timestamps.PluginProduction != nil && v.Timestamps.DASUProduction != nil {
		return apperr.New(apperr.CodeDecodeMalformed, "wire", op,
			"exactly one of pluginProductionTStamp/dasuProductionTStamp must be set")
	}
	switch v.Type {
	case Long, Int, Short, Byte, Double, Float:
		if _, ok := v.Payload.(float64); !ok {
			return apperr.New(apperr.CodeDecodeTypeMismatch, "wire", op, "numeric payload must be float64")
		}
	case Boolean:
		if _, ok := v.Payload.(bool); !ok {
			return apperr.New(apperr.CodeDecodeTypeMismatch, "wire", op, "BOOLEAN payload must be bool")
		}
	case Char, String:
		if _, ok := v.Payload.(string); !ok {
			return apperr.New(apperr.CodeDecodeTypeMismatch, "wire", op, "string payload must be string")
		}
	case Alarm:
		if _, ok := v.Payload.(AlarmPriority); !ok {
			return apperr.New(apperr.CodeDecodeTypeMismatch, "wire", op, "ALARM payload must be AlarmPriority")
		}
	case Timestamp:
		if _, ok := v.Payload.(time.Time); !ok {
			return apperr.New(apperr.CodeDecodeTypeMismatch, "wire", op, "TIMESTAMP payload must be time.Time")
		}
	case ArrayOfLong, ArrayOfDouble:
		if _, ok := v.Payload.([]float64); !ok {
			return apperr.New(apperr.CodeDecodeTypeMismatch, "wire", op, "array payload must be []float64")
		}
	default:
		return apperr.New(apperr.CodeDecodeUnknownType, "wire", op, "unknown value type "+string(v.Type))
	}
	return nil
}

// Float64 returns the payload as float64 for any numeric Type. ok is
// false for non-numeric types.
func (v Value) Float64() (float64, bool) {
	if !v.Type.IsNumeric() {
		return 0, false
	}
	f, ok := v.Payload.(float64)
	return f, ok
}
