package transport

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

type mockPort struct {
	written  bytes.Buffer
	response []byte
	readPos  int
	block    bool
}

func (m *mockPort) Write(p []byte) (int, error) {
	return m.written.Write(p)
}

func (m *mockPort) Read(p []byte) (int, error) {
	if m.block {
		time.Sleep(200 * time.Millisecond)
		return 0, &timeoutErr{}
	}
	if m.readPos >= len(m.response) {
		return 0, io.EOF
	}
	n := copy(p, m.response[m.readPos:])
	m.readPos += n
	return n, nil
}

func (m *mockPort) Close() error { return nil }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRTUExecuteRoundTrip(t *testing.T) {
	port := &mockPort{}
	// response: unit=5, fc=0x03, bytecount=2, data=0x002A, crc
	payload := []byte{0x05, 0x03, 0x02, 0x00, 0x2A}
	crc := CRC16Modbus(payload)
	port.response = append(payload, byte(crc), byte(crc>>8))

	r := &RTU{params: SerialParams{Address: "/dev/ttyTEST"}, port: port}
	resp, err := r.Execute(context.Background(), Request{SlaveID: 5, Function: 0x03, Data: []byte{0, 0, 0, 1}}, time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Function != 0x03 || len(resp.Data) != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}

	req := port.written.Bytes()
	if req[0] != 5 || req[1] != 0x03 {
		t.Fatalf("unexpected request frame %x", req)
	}
}

func TestRTUExecuteBadCRC(t *testing.T) {
	port := &mockPort{}
	payload := []byte{0x05, 0x03, 0x02, 0x00, 0x2A}
	port.response = append(payload, 0x00, 0x00) // wrong crc

	r := &RTU{params: SerialParams{Address: "/dev/ttyTEST"}, port: port}
	_, err := r.Execute(context.Background(), Request{SlaveID: 5, Function: 0x03, Data: []byte{0, 0, 0, 1}}, time.Second)
	if err == nil {
		t.Fatal("expected crc mismatch error")
	}
}

func TestRTUExecuteUnitIDMismatch(t *testing.T) {
	port := &mockPort{}
	payload := []byte{0x09, 0x03, 0x02, 0x00, 0x2A}
	crc := CRC16Modbus(payload)
	port.response = append(payload, byte(crc), byte(crc>>8))

	r := &RTU{params: SerialParams{Address: "/dev/ttyTEST"}, port: port}
	_, err := r.Execute(context.Background(), Request{SlaveID: 5, Function: 0x03, Data: []byte{0, 0, 0, 1}}, time.Second)
	if err == nil {
		t.Fatal("expected unit id mismatch error")
	}
}
