package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-mnist/layers"
)

// The binary format is a hand-encoded protobuf message:
//
//	message Checkpoint {
//	  uint32 format_version = 1;
//	  bytes model_spec_json = 2;
//	  repeated Tensor weights = 3;
//	  TrainingState training_state = 4;
//	  OptimizerState optimizer_state = 5;
//	  Metadata metadata = 6;
//	}
//	message Tensor { string name = 1; repeated sint64 shape = 2; repeated float data = 3;
//	                 string layer = 4; string kind = 5; }
//	message TrainingState { sint64 epoch = 1; sint64 step = 2; float learning_rate = 3;
//	                        double best_precision = 4; double last_loss = 5; }
//	message OptimizerState { string type = 1; repeated Param parameters = 2;
//	                         repeated Tensor state_data = 3; }
//	message Param { string key = 1; oneof value { double number = 2; bool flag = 3;
//	                string text = 4; } }
//	message Metadata { string version = 1; string framework = 2; sint64 created_unix_nano = 3;
//	                   string description = 4; repeated string tags = 5; }
//
// Parameter numbers decode as float64, matching what encoding/json produces.
const protoFormatVersion = 1

func marshalProto(c *Checkpoint) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protoFormatVersion)

	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode model spec: %w", err)
		}
		b = appendBytesField(b, 2, spec)
	}
	for _, w := range c.Weights {
		b = appendBytesField(b, 3, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}
	b = appendBytesField(b, 4, appendTrainingState(nil, c.TrainingState))
	if c.OptimizerState != nil {
		os, err := appendOptimizerState(nil, c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = appendBytesField(b, 5, os)
	}
	b = appendBytesField(b, 6, appendMetadata(nil, c.Metadata))
	return b, nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendTensor(b []byte, name string, shape []int, data []float32, layer, kind string) []byte {
	b = appendStringField(b, 1, name)
	if len(shape) > 0 {
		var packed []byte
		for _, d := range shape {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(d)))
		}
		b = appendBytesField(b, 2, packed)
	}
	if len(data) > 0 {
		packed := make([]byte, 0, 4*len(data))
		for _, v := range data {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = appendBytesField(b, 3, packed)
	}
	b = appendStringField(b, 4, layer)
	b = appendStringField(b, 5, kind)
	return b
}

func appendTrainingState(b []byte, ts TrainingState) []byte {
	b = appendVarintField(b, 1, protowire.EncodeZigZag(int64(ts.Epoch)))
	b = appendVarintField(b, 2, protowire.EncodeZigZag(int64(ts.Step)))
	b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(ts.LearningRate))
	b = appendDoubleField(b, 4, ts.BestPrecision)
	b = appendDoubleField(b, 5, ts.LastLoss)
	return b
}

func appendOptimizerState(b []byte, s *OptimizerState) ([]byte, error) {
	b = appendStringField(b, 1, s.Type)

	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := appendStringField(nil, 1, k)
		switch v := s.Parameters[k].(type) {
		case bool:
			var x uint64
			if v {
				x = 1
			}
			p = appendVarintField(p, 3, x)
		case string:
			p = protowire.AppendTag(p, 4, protowire.BytesType)
			p = protowire.AppendString(p, v)
		default:
			f, ok := toFloat64(v)
			if !ok {
				return nil, fmt.Errorf("optimizer parameter %s has unsupported type %T", k, v)
			}
			p = appendDoubleField(p, 2, f)
		}
		b = appendBytesField(b, 2, p)
	}

	for _, t := range s.StateData {
		b = appendBytesField(b, 3, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b, nil
}

func toFloat64(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case uint32:
		return float64(x), true
	}
	return 0, false
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = appendStringField(b, 1, m.Version)
	b = appendStringField(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarintField(b, 3, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	}
	b = appendStringField(b, 4, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

// fieldFunc handles one field. v holds the varint or fixed value, raw the bytes payload.
type fieldFunc func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error

// walk decodes every field of a message and passes it to fn.
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			v = uint64(x)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	version := uint64(0)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			version = v
		case 2:
			c.ModelSpec = &layers.ModelSpec{}
			if err := json.Unmarshal(raw, c.ModelSpec); err != nil {
				return fmt.Errorf("model spec: %w", err)
			}
		case 3:
			t, err := unmarshalTensor(raw)
			if err != nil {
				return fmt.Errorf("weight: %w", err)
			}
			c.Weights = append(c.Weights, WeightTensor{Name: t.name, Shape: t.shape, Data: t.data, Layer: t.layer, Type: t.kind})
		case 4:
			ts, err := unmarshalTrainingState(raw)
			if err != nil {
				return fmt.Errorf("training state: %w", err)
			}
			c.TrainingState = ts
		case 5:
			s, err := unmarshalOptimizerState(raw)
			if err != nil {
				return fmt.Errorf("optimizer state: %w", err)
			}
			c.OptimizerState = s
		case 6:
			m, err := unmarshalMetadata(raw)
			if err != nil {
				return fmt.Errorf("metadata: %w", err)
			}
			c.Metadata = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if version != protoFormatVersion {
		return nil, fmt.Errorf("unsupported format version %d", version)
	}
	return c, nil
}

type rawTensor struct {
	name, layer, kind string
	shape             []int
	data              []float32
}

func unmarshalTensor(b []byte) (rawTensor, error) {
	var t rawTensor
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			t.name = string(raw)
		case 2:
			for len(raw) > 0 {
				d, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.shape = append(t.shape, int(protowire.DecodeZigZag(d)))
				raw = raw[n:]
			}
		case 3:
			if len(raw)%4 != 0 {
				return fmt.Errorf("data length %d is not a multiple of 4", len(raw))
			}
			t.data = make([]float32, 0, len(raw)/4)
			for len(raw) > 0 {
				x, n := protowire.ConsumeFixed32(raw)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.data = append(t.data, math.Float32frombits(x))
				raw = raw[n:]
			}
		case 4:
			t.layer = string(raw)
		case 5:
			t.kind = string(raw)
		}
		return nil
	})
	return t, err
}

func unmarshalTrainingState(b []byte) (TrainingState, error) {
	var ts TrainingState
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			ts.Epoch = int(protowire.DecodeZigZag(v))
		case 2:
			ts.Step = int(protowire.DecodeZigZag(v))
		case 3:
			ts.LearningRate = math.Float32frombits(uint32(v))
		case 4:
			ts.BestPrecision = math.Float64frombits(v)
		case 5:
			ts.LastLoss = math.Float64frombits(v)
		}
		return nil
	})
	return ts, err
}

func unmarshalOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]interface{}{}}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			s.Type = string(raw)
		case 2:
			var (
				key   string
				value interface{}
			)
			err := walk(raw, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
				switch num {
				case 1:
					key = string(raw)
				case 2:
					value = math.Float64frombits(v)
				case 3:
					value = v != 0
				case 4:
					value = string(raw)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("parameter: %w", err)
			}
			s.Parameters[key] = value
		case 3:
			t, err := unmarshalTensor(raw)
			if err != nil {
				return fmt.Errorf("state tensor: %w", err)
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: t.name, Shape: t.shape, Data: t.data, StateType: t.kind})
		}
		return nil
	})
	return s, err
}

func unmarshalMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			m.Version = string(raw)
		case 2:
			m.Framework = string(raw)
		case 3:
			m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
		case 4:
			m.Description = string(raw)
		case 5:
			m.Tags = append(m.Tags, string(raw))
		}
		return nil
	})
	return m, err
}
