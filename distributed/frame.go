package distributed

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

type opcode int

const (
	opAllReduceSum opcode = iota + 1
	opBroadcast
)

func (o opcode) String() string {
	switch o {
	case opAllReduceSum:
		return "AllReduceSum"
	case opBroadcast:
		return "Broadcast"
	default:
		return fmt.Sprintf("opcode(%d)", int(o))
	}
}

// frame is one collective message. On the wire it is a protobuf message:
//
//	1: op (varint)  2: seq (varint)  3: rank (varint)  4: root (varint)
//	5: data (packed fixed32)  6: error (string)
type frame struct {
	Op   opcode
	Seq  uint64
	Rank int
	Root int
	Data []float32
	Err  string
}

func (f *frame) marshal() []byte {
	b := make([]byte, 0, 32+4*len(f.Data))
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Op))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Seq)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Rank))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Root))
	if len(f.Data) > 0 {
		packed := make([]byte, 0, 4*len(f.Data))
		for _, v := range f.Data {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if f.Err != "" {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, f.Err)
	}
	return b
}

func (f *frame) unmarshal(b []byte) error {
	*f = frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("frame tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && num >= 1 && num <= 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("frame field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case 1:
				f.Op = opcode(v)
			case 2:
				f.Seq = v
			case 3:
				f.Rank = int(v)
			case 4:
				f.Root = int(v)
			}
		case num == 5 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("frame data: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if len(packed)%4 != 0 {
				return fmt.Errorf("frame data length %d is not a multiple of 4", len(packed))
			}
			f.Data = make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				v, n := protowire.ConsumeFixed32(packed)
				if n < 0 {
					return fmt.Errorf("frame data: %w", protowire.ParseError(n))
				}
				f.Data = append(f.Data, math.Float32frombits(v))
				packed = packed[n:]
			}
		case num == 6 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("frame error: %w", protowire.ParseError(n))
			}
			b = b[n:]
			f.Err = s
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("frame field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
