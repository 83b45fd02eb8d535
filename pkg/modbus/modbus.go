// Package modbus implements a Modbus TCP/UDP client: MBAP framing, the read
// and write function codes the engine uses, and the exception decoding that
// separates device-reported errors from transport failures.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Function codes.
const (
	FuncReadCoils          uint8 = 0x01
	FuncReadDiscreteInputs uint8 = 0x02
	FuncReadHolding        uint8 = 0x03
	FuncReadInput          uint8 = 0x04
	FuncWriteSingleCoil    uint8 = 0x05
	FuncWriteSingleReg     uint8 = 0x06
	FuncWriteMultiCoils    uint8 = 0x0F
	FuncWriteMultiRegs     uint8 = 0x10
	FuncMaskWriteReg       uint8 = 0x16
)

// Protocol limits per read/write transaction.
const (
	MaxReadBits  = 2000
	MaxReadRegs  = 125
	MaxWriteBits = 1968
	MaxWriteRegs = 123
)

// Exception is a device-reported error code carried in an exception response.
type Exception uint8

const (
	ExcIllegalFunction        Exception = 0x01
	ExcIllegalDataAddress     Exception = 0x02
	ExcIllegalDataValue       Exception = 0x03
	ExcServerDeviceFailure    Exception = 0x04
	ExcAcknowledge            Exception = 0x05
	ExcServerDeviceBusy       Exception = 0x06
	ExcMemoryParityError      Exception = 0x08
	ExcGatewayPathUnavailable Exception = 0x0A
	ExcGatewayTargetFailed    Exception = 0x0B
)

func (e Exception) String() string {
	switch e {
	case ExcIllegalFunction:
		return "illegal function"
	case ExcIllegalDataAddress:
		return "illegal data address"
	case ExcIllegalDataValue:
		return "illegal data value"
	case ExcServerDeviceFailure:
		return "server device failure"
	case ExcAcknowledge:
		return "acknowledge"
	case ExcServerDeviceBusy:
		return "server device busy"
	case ExcMemoryParityError:
		return "memory parity error"
	case ExcGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExcGatewayTargetFailed:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("exception 0x%02X", uint8(e))
	}
}

// ProtocolError is an exception response from the device. The connection
// stays healthy; every other error from this package is a transport failure
// and requires a reconnect.
type ProtocolError struct {
	Function uint8
	Code     Exception
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("modbus: function 0x%02X: %s", e.Function, e.Code)
}

// AsProtocolError unwraps err to a device exception, if it is one.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ErrUnsupportedProtocol is returned for protocol variants with no transport,
// currently RTU.
var ErrUnsupportedProtocol = errors.New("modbus: unsupported protocol variant")

// DefaultTimeout bounds each request/response exchange unless overridden.
const DefaultTimeout = time.Second

// Config describes one device connection.
type Config struct {
	// Network is "tcp" or "udp".
	Network string
	// Endpoint is the host:port to dial.
	Endpoint string
	// Timeout is the per-operation deadline. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Client is one fieldbus connection. Acquired lazily, reused across polls,
// torn down on any transport error. Implementations are safe for use from a
// single goroutine at a time; calls serialize on an internal lock.
type Client interface {
	Connect(ctx context.Context) error
	Close() error

	ReadCoils(ctx context.Context, unit uint8, start, count uint16) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, unit uint8, start, count uint16) ([]bool, error)
	ReadHoldingRegisters(ctx context.Context, unit uint8, start, count uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, unit uint8, start, count uint16) ([]uint16, error)

	WriteCoil(ctx context.Context, unit uint8, addr uint16, on bool) error
	WriteCoils(ctx context.Context, unit uint8, start uint16, bits []bool) error
	WriteRegister(ctx context.Context, unit uint8, addr, word uint16) error
	WriteRegisters(ctx context.Context, unit uint8, start uint16, words []uint16) error
	MaskWriteRegister(ctx context.Context, unit uint8, addr, andMask, orMask uint16) error
}

// New builds a client for cfg. The connection is not dialed until Connect.
func New(cfg Config) (Client, error) {
	switch cfg.Network {
	case "tcp", "udp":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, cfg.Network)
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("modbus: endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &client{cfg: cfg}, nil
}
