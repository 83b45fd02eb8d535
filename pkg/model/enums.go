package model

import (
	"fmt"

	"github.com/fieldgate/fieldgate/pkg/value"
)

// Protocol selects the transport framing for a device.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
	// ProtocolRTU is declared for forward compatibility. The transport does
	// not implement serial framing and refuses to dial it.
	ProtocolRTU Protocol = "rtu"
)

func (p Protocol) Validate() error {
	switch p {
	case ProtocolTCP, ProtocolUDP, ProtocolRTU:
		return nil
	}
	return fmt.Errorf("unknown protocol %q", string(p))
}

// WordOrder is the ordering of 16-bit words inside 32/64-bit scalars.
// Byte order within a word is always network order.
type WordOrder string

const (
	WordOrderBig    WordOrder = "big"
	WordOrderLittle WordOrder = "little"
)

func (w WordOrder) Validate() error {
	switch w {
	case WordOrderBig, WordOrderLittle:
		return nil
	}
	return fmt.Errorf("unknown word order %q", string(w))
}

// Channel is the Modbus table a tag addresses.
type Channel string

const (
	ChannelCoil            Channel = "coil"
	ChannelDiscreteInput   Channel = "discrete_input"
	ChannelHoldingRegister Channel = "holding_register"
	ChannelInputRegister   Channel = "input_register"
)

func (c Channel) Validate() error {
	switch c {
	case ChannelCoil, ChannelDiscreteInput, ChannelHoldingRegister, ChannelInputRegister:
		return nil
	}
	return fmt.Errorf("unknown channel %q", string(c))
}

// IsBit reports whether the channel is 1-bit wide (coils, discrete inputs).
func (c Channel) IsBit() bool {
	return c == ChannelCoil || c == ChannelDiscreteInput
}

// IsRegister reports whether the channel is a 16-bit word array.
func (c Channel) IsRegister() bool {
	return c == ChannelHoldingRegister || c == ChannelInputRegister
}

// Writable reports whether the device accepts writes on this channel.
func (c Channel) Writable() bool {
	return c == ChannelCoil || c == ChannelHoldingRegister
}

// DataType is the logical element type of a tag.
type DataType string

const (
	TypeBool    DataType = "bool"
	TypeInt16   DataType = "int16"
	TypeUint16  DataType = "uint16"
	TypeInt32   DataType = "int32"
	TypeUint32  DataType = "uint32"
	TypeInt64   DataType = "int64"
	TypeUint64  DataType = "uint64"
	TypeFloat32 DataType = "float32"
	TypeFloat64 DataType = "float64"
	TypeString  DataType = "string"
)

func (d DataType) Validate() error {
	switch d {
	case TypeBool, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeFloat32, TypeFloat64, TypeString:
		return nil
	}
	return fmt.Errorf("unknown data type %q", string(d))
}

// Words returns the register words occupied by one element of this type.
// Strings size by read_amount, not by element, and return 0 here.
func (d DataType) Words() int {
	switch d {
	case TypeBool, TypeInt16, TypeUint16:
		return 1
	case TypeInt32, TypeUint32, TypeFloat32:
		return 2
	case TypeInt64, TypeUint64, TypeFloat64:
		return 4
	default:
		return 0
	}
}

// Operator compares a tag value against an alarm trigger.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

func (o Operator) Validate() error {
	switch o {
	case OpEquals, OpGreaterThan, OpLessThan:
		return nil
	}
	return fmt.Errorf("unknown operator %q", string(o))
}

// Eval applies the operator. Values that cannot be ordered return an error;
// the alarm evaluator treats that as not triggered.
func (o Operator) Eval(current, trigger value.Value) (bool, error) {
	if o == OpEquals {
		return current.Equal(trigger), nil
	}
	cmp, err := current.Compare(trigger)
	if err != nil {
		return false, err
	}
	switch o {
	case OpGreaterThan:
		return cmp > 0, nil
	case OpLessThan:
		return cmp < 0, nil
	}
	return false, fmt.Errorf("unknown operator %q", string(o))
}

// ThreatLevel orders alarm severity for priority arbitration.
type ThreatLevel string

const (
	ThreatLow  ThreatLevel = "low"
	ThreatHigh ThreatLevel = "high"
	ThreatCrit ThreatLevel = "crit"
)

func (t ThreatLevel) Validate() error {
	switch t {
	case ThreatLow, ThreatHigh, ThreatCrit:
		return nil
	}
	return fmt.Errorf("unknown threat level %q", string(t))
}

// Priority maps threat levels to arbitration weight. Higher wins.
func (t ThreatLevel) Priority() int {
	switch t {
	case ThreatLow:
		return 1
	case ThreatHigh:
		return 2
	case ThreatCrit:
		return 3
	default:
		return 0
	}
}

// WriteResult records how a write request was disposed of. Requests rejected
// by the device or refused before dispatch still flip processed=true; the
// result column is what distinguishes them from successful writes.
type WriteResult string

const (
	WriteOK            WriteResult = "ok"
	WriteCoercionError WriteResult = "coercion_error"
	WriteProtocolError WriteResult = "protocol_error"
	WriteReadOnly      WriteResult = "read_only"
	WriteExpired       WriteResult = "expired"
)
