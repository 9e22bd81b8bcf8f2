// Package transport implements the single-request Modbus transport
// abstraction of spec.md §4.4: TCP (MBAP framing) and RTU (PDU + CRC over a
// serial line), each exposing Connect, Execute and Disconnect.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request is one outbound Modbus PDU addressed to a slave/unit.
type Request struct {
	SlaveID  uint8
	Function byte
	Data     []byte // PDU payload following the function code
}

// Response is the PDU returned for a Request that was not an exception.
type Response struct {
	Function byte
	Data     []byte
}

// ProtocolException is a Modbus exception response (function code with the
// high bit set); Code is the single exception-code byte that followed it.
type ProtocolException struct {
	Code byte
}

func (e *ProtocolException) Error() string {
	return fmt.Sprintf("transport: protocol exception 0x%02x", e.Code)
}

// FramingError covers malformed responses: bad CRC, short reads, or a
// mismatched TCP transaction id. The connection is considered poisoned and
// must be reconnected before the next request.
var ErrFraming = errors.New("transport: framing error")

// ErrTimeout indicates the per-request deadline elapsed without a
// response. Like FramingError, it poisons the connection.
var ErrTimeout = errors.New("transport: request timed out")

// Transport is a single outstanding-request-at-a-time connection to one
// Modbus endpoint. Exactly one goroutine may call Execute on a given
// Transport at a time (spec.md §5).
type Transport interface {
	Connect(ctx context.Context) error
	Execute(ctx context.Context, req Request, timeout time.Duration) (Response, error)
	Disconnect() error
}
