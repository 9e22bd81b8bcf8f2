// Package server implements the passive Modbus request handler of
// spec.md §4.7: it answers reads from the Snapshot Store (encoding via the
// Codec) and routes writes into it. Grounded directly on the teacher's
// internal/modbus.Server — same accept-loop/handleConnection/handlePDU
// shape and exceptionResponse encoding — generalized from flat
// []uint16/[]bool arrays to catalogue- and snapshot-backed dispatch, and
// extended with the write function codes (5, 6, 15, 16) the teacher never
// implemented.
package server

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"modbus-term/internal/catalogue"
	"modbus-term/internal/codec"
	"modbus-term/internal/snapshot"
)

const (
	functionReadCoils          = 0x01
	functionReadDiscreteInputs = 0x02
	functionReadHoldingRegs    = 0x03
	functionReadInputRegs      = 0x04
	functionWriteSingleCoil    = 0x05
	functionWriteSingleReg     = 0x06
	functionWriteMultipleCoils = 0x0F
	functionWriteMultipleRegs  = 0x10

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03
)

var (
	errOutOfRange    = errors.New("server: out of range")
	errInvalidQty    = errors.New("server: invalid quantity")
	errInvalidPDULen = errors.New("server: invalid pdu length")
	errPartialSpan   = errors.New("server: write spans definition partially")
	errReadOnly      = errors.New("server: write to read-only register")
)

// Server is a minimal Modbus TCP server that dispatches requests against a
// Catalogue and a Snapshot Store.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	cat   *catalogue.Catalogue
	store *snapshot.Store
	log   *logrus.Entry
}

// New builds a Server that answers requests against cat/store.
func New(cat *catalogue.Catalogue, store *snapshot.Store, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{cat: cat, store: store, log: log, quit: make(chan struct{})}
}

// Listen starts accepting Modbus TCP connections on address.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		if length == 0 {
			continue
		}
		pduLength := int(length) - 1
		if pduLength <= 0 {
			continue
		}
		unitID := header[6]
		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := s.handlePDU(unitID, pdu)
		if len(response) == 0 {
			continue
		}

		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		header[6] = unitID

		if _, err := conn.Write(header); err != nil {
			return
		}
		if _, err := conn.Write(response); err != nil {
			return
		}
	}
}

// Close stops the server and waits for all connection goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) handlePDU(slaveID byte, pdu []byte) []byte {
	if len(pdu) == 0 {
		return exceptionResponse(0, exceptionIllegalFunction)
	}

	function := pdu[0]
	switch function {
	case functionReadCoils:
		return s.dispatchRead(slaveID, function, catalogue.FuncCoils, pdu)
	case functionReadDiscreteInputs:
		return s.dispatchRead(slaveID, function, catalogue.FuncDiscreteInputs, pdu)
	case functionReadHoldingRegs:
		return s.dispatchRead(slaveID, function, catalogue.FuncHoldingRegister, pdu)
	case functionReadInputRegs:
		return s.dispatchRead(slaveID, function, catalogue.FuncInputRegister, pdu)
	case functionWriteSingleCoil:
		return s.dispatchWriteSingleCoil(slaveID, pdu)
	case functionWriteSingleReg:
		return s.dispatchWriteSingleRegister(slaveID, pdu)
	case functionWriteMultipleCoils:
		return s.dispatchWriteMultipleCoils(slaveID, pdu)
	case functionWriteMultipleRegs:
		return s.dispatchWriteMultipleRegisters(slaveID, pdu)
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
}

func (s *Server) dispatchRead(slaveID, function byte, fn catalogue.ReadFunction, pdu []byte) []byte {
	if len(pdu) < 5 {
		return exceptionResponse(function, exceptionIllegalDataVal)
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])

	data, err := s.readRange(slaveID, fn, start, quantity)
	if err != nil {
		return exceptionResponse(function, errToCode(err))
	}
	return append([]byte{function, byte(len(data))}, data...)
}

func (s *Server) readRange(slaveID byte, fn catalogue.ReadFunction, start, quantity uint16) ([]byte, error) {
	if quantity == 0 || int(quantity) > fn.MaxQuantity() {
		return nil, errInvalidQty
	}
	end := int(start) + int(quantity)
	if end > 65536 {
		return nil, errOutOfRange
	}

	covered := make([]bool, quantity)
	regsOut := make([]uint16, quantity)

	for _, def := range s.cat.Iter() {
		if def.Virtual || def.SlaveID != slaveID || def.Function != fn {
			continue
		}
		if !def.Overlaps(slaveID, fn, start, int(quantity)) {
			continue
		}

		regs := s.encodeCurrentValue(def)
		for i := 0; i < def.Length; i++ {
			addr := int(def.Address) + i
			if addr < int(start) || addr >= end {
				continue
			}
			idx := addr - int(start)
			covered[idx] = true
			if i < len(regs) {
				regsOut[idx] = regs[i]
			}
		}
	}

	for i := 0; i < int(quantity); i++ {
		if covered[i] {
			continue
		}
		addr := uint16(int(start) + i)
		if !s.cat.RegionCovers(slaveID, fn, addr, addr+1) {
			return nil, errOutOfRange
		}
	}

	if fn.IsBitwise() {
		byteCount := (int(quantity) + 7) / 8
		out := make([]byte, byteCount)
		for i, r := range regsOut {
			if r != 0 {
				out[i/8] |= 1 << uint(i%8)
			}
		}
		return out, nil
	}

	out := make([]byte, int(quantity)*2)
	for i, r := range regsOut {
		binary.BigEndian.PutUint16(out[i*2:i*2+2], r)
	}
	return out, nil
}

// encodeCurrentValue returns def.Length registers (for coil/discrete
// definitions one register per bit, 0xFF00 when set and 0x0000 when clear)
// for def's current snapshot value, or zeros if the register has never been
// successfully read/written.
func (s *Server) encodeCurrentValue(def catalogue.Definition) []uint16 {
	entry, ok := s.store.Get(def.Name)
	if !ok || entry.Err != nil || entry.Value == nil {
		return make([]uint16, def.Length)
	}
	regs, err := codec.Encode(def.Type, entry.Value, def.Length, def.Reverse)
	if err != nil {
		return make([]uint16, def.Length)
	}
	return regs
}

func (s *Server) dispatchWriteSingleRegister(slaveID byte, pdu []byte) []byte {
	if len(pdu) < 5 {
		return exceptionResponse(functionWriteSingleReg, exceptionIllegalDataVal)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	if err := s.writeExact(slaveID, catalogue.FuncHoldingRegister, addr, []uint16{value}); err != nil {
		return exceptionResponse(functionWriteSingleReg, errToCode(err))
	}
	return append([]byte{functionWriteSingleReg}, pdu[1:5]...)
}

func (s *Server) dispatchWriteSingleCoil(slaveID byte, pdu []byte) []byte {
	if len(pdu) < 5 {
		return exceptionResponse(functionWriteSingleCoil, exceptionIllegalDataVal)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	raw := binary.BigEndian.Uint16(pdu[3:5])
	var reg uint16
	if raw == 0xFF00 {
		reg = 1
	} else if raw != 0x0000 {
		return exceptionResponse(functionWriteSingleCoil, exceptionIllegalDataVal)
	}

	if err := s.writeExact(slaveID, catalogue.FuncCoils, addr, []uint16{reg}); err != nil {
		return exceptionResponse(functionWriteSingleCoil, errToCode(err))
	}
	return append([]byte{functionWriteSingleCoil}, pdu[1:5]...)
}

func (s *Server) dispatchWriteMultipleRegisters(slaveID byte, pdu []byte) []byte {
	if len(pdu) < 6 {
		return exceptionResponse(functionWriteMultipleRegs, exceptionIllegalDataVal)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := pdu[5]
	if int(byteCount) != int(quantity)*2 || len(pdu) < 6+int(byteCount) {
		return exceptionResponse(functionWriteMultipleRegs, exceptionIllegalDataVal)
	}

	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(pdu[6+i*2 : 8+i*2])
	}

	if err := s.writeExact(slaveID, catalogue.FuncHoldingRegister, addr, regs); err != nil {
		return exceptionResponse(functionWriteMultipleRegs, errToCode(err))
	}
	return append([]byte{functionWriteMultipleRegs}, pdu[1:5]...)
}

func (s *Server) dispatchWriteMultipleCoils(slaveID byte, pdu []byte) []byte {
	if len(pdu) < 6 {
		return exceptionResponse(functionWriteMultipleCoils, exceptionIllegalDataVal)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := pdu[5]
	expected := (int(quantity) + 7) / 8
	if int(byteCount) != expected || len(pdu) < 6+int(byteCount) {
		return exceptionResponse(functionWriteMultipleCoils, exceptionIllegalDataVal)
	}

	regs := make([]uint16, quantity)
	for i := range regs {
		byteIdx, bitIdx := i/8, uint(i%8)
		if pdu[6+byteIdx]&(1<<bitIdx) != 0 {
			regs[i] = 1
		}
	}

	if err := s.writeExact(slaveID, catalogue.FuncCoils, addr, regs); err != nil {
		return exceptionResponse(functionWriteMultipleCoils, errToCode(err))
	}
	return append([]byte{functionWriteMultipleCoils}, pdu[1:5]...)
}

// writeExact finds the single definition whose span exactly matches
// [addr, addr+len(regs)) and applies the decoded value to the store. A
// write overlapping a definition without matching it exactly is rejected
// as Illegal Data Value; a write to a read-only definition (or to no
// definition at all) is Illegal Data Address.
func (s *Server) writeExact(slaveID byte, fn catalogue.ReadFunction, addr uint16, regs []uint16) error {
	var target *catalogue.Definition
	for _, def := range s.cat.Iter() {
		if def.Virtual || def.SlaveID != slaveID || def.Function != fn {
			continue
		}
		if !def.Overlaps(slaveID, fn, addr, len(regs)) {
			continue
		}
		d := def
		target = &d
		break
	}
	if target == nil {
		return errOutOfRange
	}
	if !target.Access.Writable() {
		return errReadOnly
	}
	if target.Address != addr || target.Length != len(regs) {
		return errPartialSpan
	}

	value, err := codec.Decode(target.Type, regs, target.Reverse)
	if err != nil {
		return errInvalidPDULen
	}
	numeric, isNumeric := numericValue(value)
	s.store.Update(target.Name, value, regs, numeric, isNumeric, time.Now())
	return nil
}

func numericValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case interface{ Int64() int64 }:
		return float64(val.Int64()), true
	default:
		return 0, false
	}
}

func exceptionResponse(function byte, code byte) []byte {
	if function == 0 {
		function = 0x80
	} else {
		function |= 0x80
	}
	return []byte{function, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errReadOnly):
		return exceptionIllegalDataAddr
	case errors.Is(err, errPartialSpan):
		return exceptionIllegalDataVal
	case errors.Is(err, errInvalidQty):
		return exceptionIllegalDataVal
	case errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	default:
		return exceptionIllegalFunction
	}
}
