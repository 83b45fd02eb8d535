package modbus

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	mbapHeaderLen = 7
	maxFrameLen   = mbapHeaderLen + 253
)

type client struct {
	cfg Config

	mu   sync.Mutex
	conn net.Conn
	txn  uint16
}

func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := d.DialContext(ctx, c.cfg.Network, c.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("modbus: connect %s://%s: %w", c.cfg.Network, c.cfg.Endpoint, err)
	}
	c.conn = conn
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// exchange sends one request PDU and returns the response PDU. Any framing
// or I/O problem invalidates the connection state and surfaces as a plain
// error; exception responses surface as *ProtocolError.
func (c *client) exchange(ctx context.Context, unit uint8, pdu []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, errors.New("modbus: not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("modbus: set deadline: %w", err)
	}

	c.txn++
	txn := c.txn

	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txn)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(pdu)))
	frame[6] = unit
	copy(frame[mbapHeaderLen:], pdu)

	if _, err := c.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("modbus: write frame: %w", err)
	}

	var (
		respUnit uint8
		resp     []byte
		err      error
	)
	if c.cfg.Network == "udp" {
		respUnit, resp, err = c.readDatagram(txn)
	} else {
		respUnit, resp, err = c.readStream(txn)
	}
	if err != nil {
		return nil, err
	}
	if respUnit != unit {
		return nil, fmt.Errorf("modbus: response unit %d does not match request unit %d", respUnit, unit)
	}
	if len(resp) == 0 {
		return nil, errors.New("modbus: empty response PDU")
	}

	reqFunc := pdu[0]
	switch resp[0] {
	case reqFunc:
		return resp, nil
	case reqFunc | 0x80:
		if len(resp) < 2 {
			return nil, errors.New("modbus: truncated exception response")
		}
		return nil, &ProtocolError{Function: reqFunc, Code: Exception(resp[1])}
	default:
		return nil, fmt.Errorf("modbus: response function 0x%02X does not match request 0x%02X", resp[0], reqFunc)
	}
}

// readStream reads one MBAP-framed response from a TCP stream. A transaction
// id mismatch means the stream is out of sync and is fatal to the connection.
func (c *client) readStream(txn uint16) (uint8, []byte, error) {
	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return 0, nil, fmt.Errorf("modbus: read header: %w", err)
	}
	gotTxn := binary.BigEndian.Uint16(header[0:2])
	proto := binary.BigEndian.Uint16(header[2:4])
	length := binary.BigEndian.Uint16(header[4:6])
	if proto != 0 {
		return 0, nil, fmt.Errorf("modbus: unexpected protocol id %d", proto)
	}
	if length < 2 || int(length) > maxFrameLen-6 {
		return 0, nil, fmt.Errorf("modbus: invalid frame length %d", length)
	}
	body := make([]byte, length-1)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return 0, nil, fmt.Errorf("modbus: read body: %w", err)
	}
	if gotTxn != txn {
		return 0, nil, fmt.Errorf("modbus: transaction id %d does not match request %d", gotTxn, txn)
	}
	return header[6], body, nil
}

// readDatagram reads responses until the transaction id matches, discarding
// stale datagrams left over from timed-out requests.
func (c *client) readDatagram(txn uint16) (uint8, []byte, error) {
	buf := make([]byte, maxFrameLen)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return 0, nil, fmt.Errorf("modbus: read datagram: %w", err)
		}
		if n < mbapHeaderLen+1 {
			return 0, nil, fmt.Errorf("modbus: short datagram (%d bytes)", n)
		}
		gotTxn := binary.BigEndian.Uint16(buf[0:2])
		if gotTxn != txn {
			continue
		}
		if proto := binary.BigEndian.Uint16(buf[2:4]); proto != 0 {
			return 0, nil, fmt.Errorf("modbus: unexpected protocol id %d", proto)
		}
		length := binary.BigEndian.Uint16(buf[4:6])
		if int(length) != n-6 {
			return 0, nil, fmt.Errorf("modbus: datagram length %d does not match frame", length)
		}
		body := make([]byte, length-1)
		copy(body, buf[mbapHeaderLen:n])
		return buf[6], body, nil
	}
}

func (c *client) readBits(ctx context.Context, fc, unit uint8, start, count uint16) ([]bool, error) {
	if count == 0 || count > MaxReadBits {
		return nil, fmt.Errorf("modbus: bit read count %d out of range [1,%d]", count, MaxReadBits)
	}
	pdu := make([]byte, 5)
	pdu[0] = fc
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], count)

	resp, err := c.exchange(ctx, unit, pdu)
	if err != nil {
		return nil, err
	}
	want := int(count+7) / 8
	if len(resp) < 2 || int(resp[1]) != want || len(resp) != 2+want {
		return nil, fmt.Errorf("modbus: malformed bit read response (%d bytes)", len(resp))
	}
	bits := make([]bool, count)
	for i := range bits {
		bits[i] = resp[2+i/8]&(1<<(i%8)) != 0
	}
	return bits, nil
}

func (c *client) readRegs(ctx context.Context, fc, unit uint8, start, count uint16) ([]uint16, error) {
	if count == 0 || count > MaxReadRegs {
		return nil, fmt.Errorf("modbus: register read count %d out of range [1,%d]", count, MaxReadRegs)
	}
	pdu := make([]byte, 5)
	pdu[0] = fc
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], count)

	resp, err := c.exchange(ctx, unit, pdu)
	if err != nil {
		return nil, err
	}
	want := int(count) * 2
	if len(resp) < 2 || int(resp[1]) != want || len(resp) != 2+want {
		return nil, fmt.Errorf("modbus: malformed register read response (%d bytes)", len(resp))
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(resp[2+2*i:])
	}
	return words, nil
}

func (c *client) ReadCoils(ctx context.Context, unit uint8, start, count uint16) ([]bool, error) {
	return c.readBits(ctx, FuncReadCoils, unit, start, count)
}

func (c *client) ReadDiscreteInputs(ctx context.Context, unit uint8, start, count uint16) ([]bool, error) {
	return c.readBits(ctx, FuncReadDiscreteInputs, unit, start, count)
}

func (c *client) ReadHoldingRegisters(ctx context.Context, unit uint8, start, count uint16) ([]uint16, error) {
	return c.readRegs(ctx, FuncReadHolding, unit, start, count)
}

func (c *client) ReadInputRegisters(ctx context.Context, unit uint8, start, count uint16) ([]uint16, error) {
	return c.readRegs(ctx, FuncReadInput, unit, start, count)
}

func (c *client) WriteCoil(ctx context.Context, unit uint8, addr uint16, on bool) error {
	pdu := make([]byte, 5)
	pdu[0] = FuncWriteSingleCoil
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	if on {
		binary.BigEndian.PutUint16(pdu[3:5], 0xFF00)
	}

	resp, err := c.exchange(ctx, unit, pdu)
	if err != nil {
		return err
	}
	// Response echoes the request.
	if len(resp) != 5 || !bytes.Equal(resp[1:], pdu[1:]) {
		return errors.New("modbus: malformed write coil response")
	}
	return nil
}

func (c *client) WriteCoils(ctx context.Context, unit uint8, start uint16, bits []bool) error {
	count := len(bits)
	if count == 0 || count > MaxWriteBits {
		return fmt.Errorf("modbus: coil write count %d out of range [1,%d]", count, MaxWriteBits)
	}
	byteCount := (count + 7) / 8
	pdu := make([]byte, 6+byteCount)
	pdu[0] = FuncWriteMultiCoils
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(count))
	pdu[5] = uint8(byteCount)
	for i, b := range bits {
		if b {
			pdu[6+i/8] |= 1 << (i % 8)
		}
	}

	resp, err := c.exchange(ctx, unit, pdu)
	if err != nil {
		return err
	}
	if len(resp) != 5 || !bytes.Equal(resp[1:5], pdu[1:5]) {
		return errors.New("modbus: malformed write coils response")
	}
	return nil
}

func (c *client) WriteRegister(ctx context.Context, unit uint8, addr, word uint16) error {
	pdu := make([]byte, 5)
	pdu[0] = FuncWriteSingleReg
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], word)

	resp, err := c.exchange(ctx, unit, pdu)
	if err != nil {
		return err
	}
	if len(resp) != 5 || !bytes.Equal(resp[1:], pdu[1:]) {
		return errors.New("modbus: malformed write register response")
	}
	return nil
}

func (c *client) WriteRegisters(ctx context.Context, unit uint8, start uint16, words []uint16) error {
	count := len(words)
	if count == 0 || count > MaxWriteRegs {
		return fmt.Errorf("modbus: register write count %d out of range [1,%d]", count, MaxWriteRegs)
	}
	pdu := make([]byte, 6+2*count)
	pdu[0] = FuncWriteMultiRegs
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(count))
	pdu[5] = uint8(2 * count)
	for i, w := range words {
		binary.BigEndian.PutUint16(pdu[6+2*i:], w)
	}

	resp, err := c.exchange(ctx, unit, pdu)
	if err != nil {
		return err
	}
	if len(resp) != 5 || !bytes.Equal(resp[1:5], pdu[1:5]) {
		return errors.New("modbus: malformed write registers response")
	}
	return nil
}

func (c *client) MaskWriteRegister(ctx context.Context, unit uint8, addr, andMask, orMask uint16) error {
	pdu := make([]byte, 7)
	pdu[0] = FuncMaskWriteReg
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], andMask)
	binary.BigEndian.PutUint16(pdu[5:7], orMask)

	resp, err := c.exchange(ctx, unit, pdu)
	if err != nil {
		return err
	}
	if len(resp) != 7 || !bytes.Equal(resp[1:], pdu[1:]) {
		return errors.New("modbus: malformed mask write response")
	}
	return nil
}
