package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// TCP is the MBAP-framed Modbus transport: transaction id, protocol id
// 0x0000, length, unit id = slave id (spec.md §4.4, §6).
type TCP struct {
	addr string
	conn net.Conn
	txID uint16
}

// NewTCP returns a TCP transport that dials addr (host:port) on Connect.
func NewTCP(addr string) *TCP {
	return &TCP{addr: addr}
}

func (t *TCP) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("transport: tcp connect %s: %w", t.addr, err)
	}
	t.conn = conn
	t.txID = 0
	return nil
}

func (t *TCP) Disconnect() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// Execute sends req as a single MBAP frame and waits for the matching
// response. A single request is ever outstanding per connection; the
// transaction id increments monotonically.
func (t *TCP) Execute(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	if t.conn == nil {
		return Response{}, fmt.Errorf("transport: tcp not connected")
	}

	t.txID++
	txID := t.txID

	pdu := append([]byte{req.Function}, req.Data...)
	header := make([]byte, 7)
	binary.BigEndian.PutUint16(header[0:2], txID)
	binary.BigEndian.PutUint16(header[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(header[4:6], uint16(len(pdu)+1))
	header[6] = req.SlaveID

	if deadline, ok := ctxOrTimeoutDeadline(ctx, timeout); ok {
		_ = t.conn.SetDeadline(deadline)
	}

	if _, err := t.conn.Write(append(header, pdu...)); err != nil {
		return Response{}, fmt.Errorf("%w: write: %v", ErrFraming, err)
	}

	respHeader := make([]byte, 7)
	if _, err := io.ReadFull(t.conn, respHeader); err != nil {
		if isTimeout(err) {
			return Response{}, ErrTimeout
		}
		return Response{}, fmt.Errorf("%w: read header: %v", ErrFraming, err)
	}

	if gotTxID := binary.BigEndian.Uint16(respHeader[0:2]); gotTxID != txID {
		return Response{}, fmt.Errorf("%w: transaction id mismatch, want %d got %d", ErrFraming, txID, gotTxID)
	}

	length := binary.BigEndian.Uint16(respHeader[4:6])
	if length == 0 {
		return Response{}, fmt.Errorf("%w: zero length field", ErrFraming)
	}
	respPDU := make([]byte, int(length)-1)
	if _, err := io.ReadFull(t.conn, respPDU); err != nil {
		if isTimeout(err) {
			return Response{}, ErrTimeout
		}
		return Response{}, fmt.Errorf("%w: read pdu: %v", ErrFraming, err)
	}

	return parsePDU(respPDU)
}

func parsePDU(pdu []byte) (Response, error) {
	if len(pdu) == 0 {
		return Response{}, fmt.Errorf("%w: empty pdu", ErrFraming)
	}
	function := pdu[0]
	if function&0x80 != 0 {
		if len(pdu) < 2 {
			return Response{}, fmt.Errorf("%w: short exception response", ErrFraming)
		}
		return Response{}, &ProtocolException{Code: pdu[1]}
	}
	return Response{Function: function, Data: pdu[1:]}, nil
}

func ctxOrTimeoutDeadline(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	if d, ok := ctx.Deadline(); ok {
		return d, true
	}
	if timeout > 0 {
		return time.Now().Add(timeout), true
	}
	return time.Time{}, false
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
