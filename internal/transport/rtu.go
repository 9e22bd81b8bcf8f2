package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goburrow/serial"
)

// SerialParams configures the RTU line, grounded on the teacher's
// utils.SerialParams: address plus the usual 8N1-style framing fields.
type SerialParams struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

func (sp *SerialParams) applyDefaults() {
	if sp.BaudRate == 0 {
		sp.BaudRate = 9600
	}
	if sp.DataBits == 0 {
		sp.DataBits = 8
	}
	if sp.StopBits == 0 {
		sp.StopBits = 1
	}
	if sp.Parity == "" {
		sp.Parity = "N"
	}
}

// RTU is the serial-line Modbus transport: PDU framed as
// [unit id][pdu][crc16 low][crc16 high] with no inter-frame gap tracking
// beyond what the serial driver's read timeout provides.
type RTU struct {
	params SerialParams
	port   io.ReadWriteCloser

	// open is overridable in tests to avoid touching a real tty.
	open func(*serial.Config) (io.ReadWriteCloser, error)
}

// NewRTU returns an RTU transport for the given serial parameters.
func NewRTU(params SerialParams) *RTU {
	params.applyDefaults()
	return &RTU{params: params, open: openSerialPort}
}

func openSerialPort(cfg *serial.Config) (io.ReadWriteCloser, error) {
	return serial.Open(cfg)
}

func (r *RTU) Connect(ctx context.Context) error {
	cfg := &serial.Config{
		Address:  r.params.Address,
		BaudRate: r.params.BaudRate,
		DataBits: r.params.DataBits,
		StopBits: r.params.StopBits,
		Parity:   r.params.Parity,
	}
	port, err := r.open(cfg)
	if err != nil {
		return fmt.Errorf("transport: rtu open %s: %w", r.params.Address, err)
	}
	r.port = port
	return nil
}

func (r *RTU) Disconnect() error {
	if r.port == nil {
		return nil
	}
	err := r.port.Close()
	r.port = nil
	return err
}

// Execute writes the framed request and reads back a framed response,
// validating its CRC. timeout (or ctx's deadline, if earlier) is checked
// between reads and handed to SetReadDeadline when the port has that
// method; a port without it is bounded only by its own read timeout.
func (r *RTU) Execute(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	if r.port == nil {
		return Response{}, fmt.Errorf("transport: rtu not connected")
	}

	frame := make([]byte, 0, 2+len(req.Data)+3)
	frame = append(frame, req.SlaveID, req.Function)
	frame = append(frame, req.Data...)
	crc := CRC16Modbus(frame)
	frame = append(frame, byte(crc), byte(crc>>8))

	if _, err := r.port.Write(frame); err != nil {
		return Response{}, fmt.Errorf("%w: write: %v", ErrFraming, err)
	}

	resp, err := readRTUFrame(ctx, r.port, timeout)
	if err != nil {
		return Response{}, err
	}
	if resp[0] != req.SlaveID {
		return Response{}, fmt.Errorf("%w: unit id mismatch, want %d got %d", ErrFraming, req.SlaveID, resp[0])
	}

	payload := resp[:len(resp)-2]
	gotCRC := uint16(resp[len(resp)-2]) | uint16(resp[len(resp)-1])<<8
	if CRC16Modbus(payload) != gotCRC {
		return Response{}, fmt.Errorf("%w: crc mismatch", ErrFraming)
	}

	return parsePDU(payload[1:])
}

// readRTUFrame reads a single RTU frame: unit id, PDU, 2-byte CRC. It
// returns after the first read that leaves at least 4 bytes buffered; it
// does not wait for inter-frame silence or compute the expected frame
// length, so a frame that arrives across several reads can be returned
// incomplete, and Execute then rejects it as a CRC mismatch.
func readRTUFrame(ctx context.Context, r io.Reader, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		if time.Now().After(deadline) {
			if len(buf) == 0 {
				return nil, ErrTimeout
			}
			break
		}
		if sdr, ok := r.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = sdr.SetReadDeadline(deadline)
		}
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if len(buf) >= 4 {
				break
			}
			if isTimeout(err) {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("%w: read: %v", ErrFraming, err)
		}
		if len(buf) >= 4 {
			break
		}
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: short frame", ErrFraming)
	}
	return buf, nil
}
