package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"ias/internal/apperr"
)

// wireValue is the exact on-the-wire JSON shape. Optional fields are
// pointers or omitted so a round trip never invents timestamps the
// original Value did not carry.
type wireValue struct {
	FullRunningID string            `json:"fullRunningId"`
	ValueType     string            `json:"valueType"`
	Value         json.RawMessage   `json:"value"`
	Mode          string            `json:"mode"`
	IASValidity   string            `json:"iasValidity"`

	PluginProductionTStamp   *string `json:"pluginProductionTStamp,omitempty"`
	SentToConverterTStamp    *string `json:"sentToConverterTStamp,omitempty"`
	ReceivedFromPluginTStamp *string `json:"receivedFromPluginTStamp,omitempty"`
	ConvertedProductionTStamp *string `json:"convertedProductionTStamp,omitempty"`
	SentToBsdbTStamp         *string `json:"sentToBsdbTStamp,omitempty"`
	ReadFromBsdbTStamp       *string `json:"readFromBsdbTStamp,omitempty"`
	DasuProductionTStamp     *string `json:"dasuProductionTStamp,omitempty"`

	DepsFullRunningIds []string          `json:"depsFullRunningIds,omitempty"`
	Props              map[string]string `json:"props,omitempty"`
}

// Encode marshals a Value to its wire JSON representation.
func Encode(v Value) ([]byte, error) {
	const op = "Encode"
	if err := v.Validate(); err != nil {
		return nil, err
	}

	payload, err := encodePayload(v.Type, v.Payload)
	if err != nil {
		return nil, apperr.New(apperr.CodeDecodeMalformed, "wire", op, "encoding payload").Wrap(err)
	}

	wv := wireValue{
		FullRunningID: v.FullRunningID,
		ValueType:     string(v.Type),
		Value:         payload,
		Mode:          string(v.Mode),
		IASValidity:   string(v.Validity),
		DepsFullRunningIds: v.Dependents,
		Props:              v.Properties,
	}
	stampPtr(&wv.PluginProductionTStamp, v.Timestamps.PluginProduction)
	stampPtr(&wv.SentToConverterTStamp, v.Timestamps.SentToConverter)
	stampPtr(&wv.ReceivedFromPluginTStamp, v.Timestamps.ReceivedFromPlugin)
	stampPtr(&wv.ConvertedProductionTStamp, v.Timestamps.ConverterProduction)
	stampPtr(&wv.SentToBsdbTStamp, v.Timestamps.SentToBus)
	stampPtr(&wv.ReadFromBsdbTStamp, v.Timestamps.ReadFromBus)
	stampPtr(&wv.DasuProductionTStamp, v.Timestamps.DASUProduction)

	out, err := json.Marshal(wv)
	if err != nil {
		return nil, apperr.New(apperr.CodeDecodeMalformed, "wire", op, "marshalling envelope").Wrap(err)
	}
	return out, nil
}

// Decode unmarshals wire JSON into a Value, validating the result.
func Decode(data []byte) (Value, error) {
	const op = "Decode"
	var wv wireValue
	if err := json.Unmarshal(data, &wv); err != nil {
		return Value{}, apperr.New(apperr.CodeDecodeMalformed, "wire", op, "invalid JSON").Wrap(err)
	}

	typ := ValueType(wv.ValueType)
	payload, err := decodePayload(typ, wv.Value)
	if err != nil {
		return Value{}, apperr.New(apperr.CodeDecodeUnknownType, "wire", op, "decoding payload").Wrap(err)
	}

	var ts Timestamps
	var perr error
	ts.PluginProduction, perr = parseStampPtr(wv.PluginProductionTStamp, perr)
	ts.SentToConverter, perr = parseStampPtr(wv.SentToConverterTStamp, perr)
	ts.ReceivedFromPlugin, perr = parseStampPtr(wv.ReceivedFromPluginTStamp, perr)
	ts.ConverterProduction, perr = parseStampPtr(wv.ConvertedProductionTStamp, perr)
	ts.SentToBus, perr = parseStampPtr(wv.SentToBsdbTStamp, perr)
	ts.ReadFromBus, perr = parseStampPtr(wv.ReadFromBsdbTStamp, perr)
	ts.DASUProduction, perr = parseStampPtr(wv.DasuProductionTStamp, perr)
	if perr != nil {
		return Value{}, apperr.New(apperr.CodeDecodeMalformed, "wire", op, "invalid timestamp").Wrap(perr)
	}

	v, err := New(wv.FullRunningID, typ, payload, OperationalMode(wv.Mode), Validity(wv.IASValidity), ts)
	if err != nil {
		return Value{}, err
	}
	return v.WithDependents(wv.DepsFullRunningIds).WithProperties(wv.Props), nil
}

func stampPtr(dst **string, t *time.Time) {
	if t == nil {
		return
	}
	s := formatTimestamp(*t)
	*dst = &s
}

func parseStampPtr(s *string, prevErr error) (*time.Time, error) {
	if prevErr != nil {
		return nil, prevErr
	}
	if s == nil {
		return nil, nil
	}
	t, err := parseTimestamp(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodePayload(typ ValueType, payload interface{}) (json.RawMessage, error) {
	switch typ {
	case Timestamp:
		t, ok := payload.(time.Time)
		if !ok {
			return nil, fmt.Errorf("TIMESTAMP payload is not time.Time")
		}
		return json.Marshal(formatTimestamp(t))
	default:
		return json.Marshal(payload)
	}
}

func decodePayload(typ ValueType, raw json.RawMessage) (interface{}, error) {
	switch typ {
	case Long, Int, Short, Byte, Double, Float:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, nil
	case Boolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case Char, String:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	case Alarm:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return AlarmPriority(s), nil
	case Timestamp:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return parseTimestamp(s)
	case ArrayOfLong, ArrayOfDouble:
		var arr []float64
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, err
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", typ)
	}
}
