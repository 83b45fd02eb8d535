// Package modbustest runs an in-process Modbus server against real TCP or
// UDP sockets. Tests seed its register and coil banks, point a client at
// Addr() and assert on the requests the server saw.
package modbustest

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/fieldgate/fieldgate/pkg/modbus"
)

// Request is one PDU the server handled, recorded for assertions.
type Request struct {
	Unit     uint8
	Function uint8
	Start    uint16
	Count    uint16
}

// Server is a fake PLC. All unseeded addresses read as zero.
type Server struct {
	t       testing.TB
	network string

	ln net.Listener
	pc net.PacketConn

	mu       sync.Mutex
	closed   bool
	holding  map[uint16]uint16
	input    map[uint16]uint16
	coils    map[uint16]bool
	discrete map[uint16]bool
	forced   map[uint8]modbus.Exception
	dropNext bool
	requests []Request
}

// New starts a server on a free localhost port and registers cleanup with t.
func New(t testing.TB, network string) *Server {
	t.Helper()
	s := &Server{
		t:        t,
		network:  network,
		holding:  map[uint16]uint16{},
		input:    map[uint16]uint16{},
		coils:    map[uint16]bool{},
		discrete: map[uint16]bool{},
		forced:   map[uint8]modbus.Exception{},
	}
	switch network {
	case "tcp":
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("modbustest: listen: %v", err)
		}
		s.ln = ln
		go s.acceptLoop()
	case "udp":
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("modbustest: listen: %v", err)
		}
		s.pc = pc
		go s.packetLoop()
	default:
		t.Fatalf("modbustest: unsupported network %q", network)
	}
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.pc.LocalAddr().String()
}

// Close stops the listener. Safe to call twice.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.pc != nil {
		_ = s.pc.Close()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SetHolding seeds holding registers starting at addr.
func (s *Server) SetHolding(addr uint16, words ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range words {
		s.holding[addr+uint16(i)] = w
	}
}

// SetInput seeds input registers starting at addr.
func (s *Server) SetInput(addr uint16, words ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range words {
		s.input[addr+uint16(i)] = w
	}
}

// SetCoils seeds coils starting at addr.
func (s *Server) SetCoils(addr uint16, bits ...bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range bits {
		s.coils[addr+uint16(i)] = b
	}
}

// SetDiscrete seeds discrete inputs starting at addr.
func (s *Server) SetDiscrete(addr uint16, bits ...bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range bits {
		s.discrete[addr+uint16(i)] = b
	}
}

// Holding reads back one holding register.
func (s *Server) Holding(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding[addr]
}

// Coil reads back one coil.
func (s *Server) Coil(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coils[addr]
}

// ForceException makes the server answer function fc with an exception until
// cleared with exception code zero.
func (s *Server) ForceException(fc uint8, code modbus.Exception) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == 0 {
		delete(s.forced, fc)
		return
	}
	s.forced[fc] = code
}

// DropNextRequest makes the server close the connection instead of answering
// the next request, simulating a mid-exchange transport failure.
func (s *Server) DropNextRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext = true
}

// Requests returns a copy of the handled request log.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// ResetRequests clears the request log between test phases.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		if length < 2 || length > 254 {
			return
		}
		body := make([]byte, length-1)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		if s.takeDrop() {
			return
		}
		resp := s.handle(header[6], body)
		out := make([]byte, 7+len(resp))
		copy(out[0:4], header[0:4])
		binary.BigEndian.PutUint16(out[4:6], uint16(1+len(resp)))
		out[6] = header[6]
		copy(out[7:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *Server) packetLoop() {
	buf := make([]byte, 512)
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if n < 8 {
			continue
		}
		if s.takeDrop() {
			continue
		}
		resp := s.handle(buf[6], buf[7:n])
		out := make([]byte, 7+len(resp))
		copy(out[0:4], buf[0:4])
		binary.BigEndian.PutUint16(out[4:6], uint16(1+len(resp)))
		out[6] = buf[6]
		copy(out[7:], resp)
		_, _ = s.pc.WriteTo(out, addr)
	}
}

func (s *Server) takeDrop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropNext {
		s.dropNext = false
		return true
	}
	return false
}

func exception(fc uint8, code modbus.Exception) []byte {
	return []byte{fc | 0x80, uint8(code)}
}

func (s *Server) handle(unit uint8, pdu []byte) []byte {
	if len(pdu) == 0 {
		return exception(0, modbus.ExcIllegalFunction)
	}
	fc := pdu[0]

	s.mu.Lock()
	defer s.mu.Unlock()

	if code, ok := s.forced[fc]; ok {
		s.requests = append(s.requests, Request{Unit: unit, Function: fc})
		return exception(fc, code)
	}

	switch fc {
	case modbus.FuncReadCoils, modbus.FuncReadDiscreteInputs:
		if len(pdu) != 5 {
			return exception(fc, modbus.ExcIllegalDataValue)
		}
		start := binary.BigEndian.Uint16(pdu[1:3])
		count := binary.BigEndian.Uint16(pdu[3:5])
		s.requests = append(s.requests, Request{Unit: unit, Function: fc, Start: start, Count: count})
		if count == 0 || count > modbus.MaxReadBits || int(start)+int(count) > 0x10000 {
			return exception(fc, modbus.ExcIllegalDataAddress)
		}
		bank := s.coils
		if fc == modbus.FuncReadDiscreteInputs {
			bank = s.discrete
		}
		resp := make([]byte, 2+(count+7)/8)
		resp[0] = fc
		resp[1] = uint8((count + 7) / 8)
		for i := uint16(0); i < count; i++ {
			if bank[start+i] {
				resp[2+i/8] |= 1 << (i % 8)
			}
		}
		return resp

	case modbus.FuncReadHolding, modbus.FuncReadInput:
		if len(pdu) != 5 {
			return exception(fc, modbus.ExcIllegalDataValue)
		}
		start := binary.BigEndian.Uint16(pdu[1:3])
		count := binary.BigEndian.Uint16(pdu[3:5])
		s.requests = append(s.requests, Request{Unit: unit, Function: fc, Start: start, Count: count})
		if count == 0 || count > modbus.MaxReadRegs || int(start)+int(count) > 0x10000 {
			return exception(fc, modbus.ExcIllegalDataAddress)
		}
		bank := s.holding
		if fc == modbus.FuncReadInput {
			bank = s.input
		}
		resp := make([]byte, 2+2*count)
		resp[0] = fc
		resp[1] = uint8(2 * count)
		for i := uint16(0); i < count; i++ {
			binary.BigEndian.PutUint16(resp[2+2*i:], bank[start+i])
		}
		return resp

	case modbus.FuncWriteSingleCoil:
		if len(pdu) != 5 {
			return exception(fc, modbus.ExcIllegalDataValue)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		val := binary.BigEndian.Uint16(pdu[3:5])
		s.requests = append(s.requests, Request{Unit: unit, Function: fc, Start: addr, Count: 1})
		if val != 0x0000 && val != 0xFF00 {
			return exception(fc, modbus.ExcIllegalDataValue)
		}
		s.coils[addr] = val == 0xFF00
		return append([]byte{fc}, pdu[1:]...)

	case modbus.FuncWriteSingleReg:
		if len(pdu) != 5 {
			return exception(fc, modbus.ExcIllegalDataValue)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		s.requests = append(s.requests, Request{Unit: unit, Function: fc, Start: addr, Count: 1})
		s.holding[addr] = binary.BigEndian.Uint16(pdu[3:5])
		return append([]byte{fc}, pdu[1:]...)

	case modbus.FuncWriteMultiCoils:
		if len(pdu) < 6 {
			return exception(fc, modbus.ExcIllegalDataValue)
		}
		start := binary.BigEndian.Uint16(pdu[1:3])
		count := binary.BigEndian.Uint16(pdu[3:5])
		s.requests = append(s.requests, Request{Unit: unit, Function: fc, Start: start, Count: count})
		byteCount := int(pdu[5])
		if count == 0 || count > modbus.MaxWriteBits || byteCount != int(count+7)/8 || len(pdu) != 6+byteCount {
			return exception(fc, modbus.ExcIllegalDataValue)
		}
		for i := uint16(0); i < count; i++ {
			s.coils[start+i] = pdu[6+i/8]&(1<<(i%8)) != 0
		}
		resp := make([]byte, 5)
		resp[0] = fc
		copy(resp[1:5], pdu[1:5])
		return resp

	case modbus.FuncWriteMultiRegs:
		if len(pdu) < 6 {
			return exception(fc, modbus.ExcIllegalDataValue)
		}
		start := binary.BigEndian.Uint16(pdu[1:3])
		count := binary.BigEndian.Uint16(pdu[3:5])
		s.requests = append(s.requests, Request{Unit: unit, Function: fc, Start: start, Count: count})
		if count == 0 || count > modbus.MaxWriteRegs || int(pdu[5]) != 2*int(count) || len(pdu) != 6+2*int(count) {
			return exception(fc, modbus.ExcIllegalDataValue)
		}
		for i := uint16(0); i < count; i++ {
			s.holding[start+i] = binary.BigEndian.Uint16(pdu[6+2*i:])
		}
		resp := make([]byte, 5)
		resp[0] = fc
		copy(resp[1:5], pdu[1:5])
		return resp

	case modbus.FuncMaskWriteReg:
		if len(pdu) != 7 {
			return exception(fc, modbus.ExcIllegalDataValue)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		and := binary.BigEndian.Uint16(pdu[3:5])
		or := binary.BigEndian.Uint16(pdu[5:7])
		s.requests = append(s.requests, Request{Unit: unit, Function: fc, Start: addr, Count: 1})
		s.holding[addr] = s.holding[addr]&and | or&^and
		return append([]byte{fc}, pdu[1:]...)

	default:
		s.requests = append(s.requests, Request{Unit: unit, Function: fc})
		return exception(fc, modbus.ExcIllegalFunction)
	}
}
