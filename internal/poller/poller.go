// Package poller implements the client-mode poll loop: the explicit state
// machine of spec.md §4.6 that connects, waits out a post-connect delay,
// executes the planner's read program on a fixed interval, updates the
// snapshot store and drives the script engine. Grounded on the teacher's
// internal/collector.Collector.Run/pollOnce loop shape (ticker-driven,
// context-cancellable, reconnect-on-error) generalized from a fixed point
// list into a catalogue-driven burst program.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"modbus-term/internal/catalogue"
	"modbus-term/internal/codec"
	"modbus-term/internal/persist"
	"modbus-term/internal/planner"
	"modbus-term/internal/script"
	"modbus-term/internal/snapshot"
	"modbus-term/internal/transport"
)

// State is one of the poll loop's five states (spec.md §4.6).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StatePostConnectDelay
	StatePolling
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StatePostConnectDelay:
		return "PostConnectDelay"
	case StatePolling:
		return "Polling"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Config bundles the tunables spec.md §6 assigns to the poll loop.
type Config struct {
	IntervalMs         int
	DelayAfterConnect  int
	TimeoutMs          int
	EnableScript       bool
	ReconnectBackoffMs int // 0 uses a 1s default
}

// Poller drives a Transport against a Catalogue's planned burst program,
// writing results into a Store and invoking on_update scripts.
type Poller struct {
	tr     transport.Transport
	cat    *catalogue.Catalogue
	bursts []planner.Burst
	store   *snapshot.Store
	queue   *snapshot.WriteQueue
	engine  *script.Engine
	scripts map[string]*script.Compiled
	rec     *persist.Recorder

	interval         time.Duration
	postConnectDelay time.Duration
	requestTimeout   time.Duration
	reconnectBackoff time.Duration
	enableScript     bool

	log *logrus.Entry

	mu    sync.Mutex
	state State

	disconnectCh chan struct{}
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	doneCh       chan struct{}
}

// New builds a Poller. scripts maps definition name to its compiled
// on_update script, for every definition that declared one; cat.Build
// already validated each script compiles.
func New(tr transport.Transport, cat *catalogue.Catalogue, store *snapshot.Store, queue *snapshot.WriteQueue, scripts map[string]*script.Compiled, cfg Config, log *logrus.Entry) *Poller {
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	delay := time.Duration(cfg.DelayAfterConnect) * time.Millisecond
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	backoff := time.Duration(cfg.ReconnectBackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Poller{
		tr:               tr,
		cat:              cat,
		bursts:           planner.Plan(cat),
		store:            store,
		queue:            queue,
		engine:           script.NewEngine(snapshot.NewScriptView(store, cat, queue)),
		scripts:          scripts,
		interval:         interval,
		postConnectDelay: delay,
		requestTimeout:   timeout,
		reconnectBackoff: backoff,
		enableScript:     cfg.EnableScript,
		log:              log,
		state:            StateDisconnected,
		disconnectCh:     make(chan struct{}, 1),
		shutdownCh:       make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// SetRecorder attaches a durable history sink; every successful or
// failed register update is also handed to rec. Passing nil (the
// default) disables persistence.
func (p *Poller) SetRecorder(rec *persist.Recorder) {
	p.rec = rec
}

// State returns the loop's current state. Safe for concurrent callers.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Disconnect requests an immediate transition to Disconnected, cancelling
// any in-flight wait at the next checkpoint.
func (p *Poller) Disconnect() {
	select {
	case p.disconnectCh <- struct{}{}:
	default:
	}
}

// Shutdown requests termination; Run returns once the current checkpoint
// is reached.
func (p *Poller) Shutdown() {
	p.shutdownOnce.Do(func() { close(p.shutdownCh) })
}

// Done reports completion of Run.
func (p *Poller) Done() <-chan struct{} { return p.doneCh }

type checkpointResult int

const (
	checkpointContinue checkpointResult = iota
	checkpointDisconnect
	checkpointTerminate
)

func (p *Poller) checkpointNow(ctx context.Context) checkpointResult {
	select {
	case <-ctx.Done():
		return checkpointTerminate
	case <-p.shutdownCh:
		return checkpointTerminate
	case <-p.disconnectCh:
		return checkpointDisconnect
	default:
		return checkpointContinue
	}
}

func (p *Poller) checkpointSleep(ctx context.Context, d time.Duration) checkpointResult {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return checkpointTerminate
	case <-p.shutdownCh:
		return checkpointTerminate
	case <-p.disconnectCh:
		return checkpointDisconnect
	case <-timer.C:
		return checkpointContinue
	}
}

// Run drives the state machine until Shutdown is called or ctx is done.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.doneCh)
	p.setState(StateConnecting)

	for {
		switch p.State() {
		case StateConnecting:
			if err := p.tr.Connect(ctx); err != nil {
				p.log.WithError(err).Warn("poller: connect failed")
				p.setState(StateDisconnected)
				if p.checkpointSleep(ctx, p.reconnectBackoff) == checkpointTerminate {
					p.setState(StateTerminated)
					return
				}
				p.setState(StateConnecting)
				continue
			}
			p.setState(StatePostConnectDelay)

		case StatePostConnectDelay:
			switch p.checkpointSleep(ctx, p.postConnectDelay) {
			case checkpointTerminate:
				p.setState(StateTerminated)
				return
			case checkpointDisconnect:
				_ = p.tr.Disconnect()
				p.setState(StateDisconnected)
			default:
				p.setState(StatePolling)
			}

		case StatePolling:
			switch p.pollProgram(ctx) {
			case checkpointTerminate:
				_ = p.tr.Disconnect()
				p.setState(StateTerminated)
				return
			default: // framing/timeout error or explicit disconnect both reconnect
				_ = p.tr.Disconnect()
				p.setState(StateDisconnected)
			}

		case StateDisconnected:
			if p.checkpointSleep(ctx, p.reconnectBackoff) == checkpointTerminate {
				p.setState(StateTerminated)
				return
			}
			p.setState(StateConnecting)

		case StateTerminated:
			return
		}
	}
}

// pollProgram runs the burst program to exhaustion, applies any pending
// script writes, then sleeps interval before restarting; it returns as
// soon as a checkpoint fires or a burst fails with a transport/framing
// error. A protocol exception only marks that burst's registers errored
// and the program continues with the next burst.
func (p *Poller) pollProgram(ctx context.Context) checkpointResult {
	for {
		for _, b := range p.bursts {
			if r := p.checkpointNow(ctx); r != checkpointContinue {
				return r
			}
			if err := p.executeBurst(ctx, b); err != nil {
				var pe *transport.ProtocolException
				if errors.As(err, &pe) {
					p.log.WithError(err).Warn("poller: burst exception")
					continue
				}
				p.log.WithError(err).Warn("poller: burst failed")
				return checkpointDisconnect
			}
		}

		p.applyPendingWrites(ctx)

		if r := p.checkpointSleep(ctx, p.interval); r != checkpointContinue {
			return r
		}
	}
}

func (p *Poller) executeBurst(ctx context.Context, b planner.Burst) error {
	req := transport.Request{
		SlaveID:  b.SlaveID,
		Function: byte(b.Function),
		Data:     []byte{byte(b.Address >> 8), byte(b.Address), byte(b.Quantity >> 8), byte(b.Quantity)},
	}

	resp, err := p.tr.Execute(ctx, req, p.requestTimeout)
	if err != nil {
		now := time.Now()
		for _, def := range b.Defs {
			p.store.Fail(def.Name, err, now)
			p.recordFail(def.Name, err, now)
		}
		return err
	}

	now := time.Now()
	if b.Function.IsBitwise() {
		bits := unpackBits(resp.Data, b.Quantity)
		for i, def := range b.Defs {
			offset := b.Offsets[i]
			p.decodeAndStore(def, boolRegs(bits, offset, def.Length), now)
		}
		return nil
	}

	regs := registersFromBytes(resp.Data)
	for i, def := range b.Defs {
		offset := b.Offsets[i]
		if offset+def.Length > len(regs) {
			shortErr := fmt.Errorf("poller: response too short for %s", def.Name)
			p.store.Fail(def.Name, shortErr, now)
			p.recordFail(def.Name, shortErr, now)
			continue
		}
		p.decodeAndStore(def, regs[offset:offset+def.Length], now)
	}
	return nil
}

func (p *Poller) decodeAndStore(def catalogue.Definition, regs []uint16, now time.Time) {
	val, err := codec.Decode(def.Type, regs, def.Reverse)
	if err != nil {
		p.store.Fail(def.Name, err, now)
		p.recordFail(def.Name, err, now)
		return
	}
	numeric, isNumeric := numericValue(val)
	p.store.Update(def.Name, val, regs, numeric, isNumeric, now)
	if p.rec != nil {
		if err := p.rec.Handle(persist.Record{Name: def.Name, Value: val, Numeric: numeric, IsNumeric: isNumeric, Timestamp: now}); err != nil {
			p.log.WithError(err).WithField("register", def.Name).Debug("poller: persist enqueue failed")
		}
	}

	if def.OnUpdate == "" || !p.enableScript {
		return
	}
	compiled, ok := p.scripts[def.Name]
	if !ok {
		return
	}
	if err := p.engine.Run(compiled); err != nil {
		p.log.WithError(err).WithField("register", def.Name).Warn("poller: on_update script error")
	}
}

// applyPendingWrites drains script-scheduled writes and sends them to the
// device; a write failure is logged but does not abort the program (the
// next read cycle will surface any resulting staleness via the snapshot).
func (p *Poller) applyPendingWrites(ctx context.Context) {
	for _, w := range p.queue.DrainAll() {
		def, ok := p.cat.LookupByName(w.Name)
		if !ok || !def.Access.Writable() {
			continue
		}
		if err := p.writeOne(ctx, def, w.Value); err != nil {
			p.log.WithError(err).WithField("register", w.Name).Warn("poller: scheduled write failed")
		}
	}
}

func (p *Poller) writeOne(ctx context.Context, def catalogue.Definition, value any) error {
	regs, err := codec.Encode(def.Type, value, def.Length, def.Reverse)
	if err != nil {
		return err
	}

	var req transport.Request
	switch {
	case def.Function.IsBitwise() && len(regs) == 1:
		req = transport.Request{SlaveID: def.SlaveID, Function: 5, Data: encodeWriteSingleCoil(def.Address, regs[0] != 0)}
	case def.Function.IsBitwise():
		req = transport.Request{SlaveID: def.SlaveID, Function: 15, Data: encodeWriteMultipleCoils(def.Address, regs)}
	case len(regs) == 1:
		req = transport.Request{SlaveID: def.SlaveID, Function: 6, Data: encodeWriteSingleRegister(def.Address, regs[0])}
	default:
		req = transport.Request{SlaveID: def.SlaveID, Function: 16, Data: encodeWriteMultipleRegisters(def.Address, regs)}
	}

	_, err = p.tr.Execute(ctx, req, p.requestTimeout)
	return err
}

func (p *Poller) recordFail(name string, err error, now time.Time) {
	if p.rec == nil {
		return
	}
	if err := p.rec.Handle(persist.Record{Name: name, Err: err, Timestamp: now}); err != nil {
		p.log.WithError(err).WithField("register", name).Debug("poller: persist enqueue failed")
	}
}

func numericValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case *big.Int:
		f := new(big.Float).SetInt(val)
		out, _ := f.Float64()
		return out, true
	default:
		return 0, false
	}
}

func registersFromBytes(data []byte) []uint16 {
	regs := make([]uint16, len(data)/2)
	for i := range regs {
		regs[i] = uint16(data[i*2])<<8 | uint16(data[i*2+1])
	}
	return regs
}

func unpackBits(data []byte, quantity int) []bool {
	bits := make([]bool, quantity)
	for i := 0; i < quantity; i++ {
		byteIdx, bitIdx := i/8, uint(i%8)
		if byteIdx < len(data) {
			bits[i] = data[byteIdx]&(1<<bitIdx) != 0
		}
	}
	return bits
}

func boolRegs(bits []bool, offset, length int) []uint16 {
	regs := make([]uint16, length)
	for i := 0; i < length && offset+i < len(bits); i++ {
		if bits[offset+i] {
			regs[i] = 1
		}
	}
	return regs
}

func encodeWriteSingleCoil(addr uint16, on bool) []byte {
	val := uint16(0x0000)
	if on {
		val = 0xFF00
	}
	return []byte{byte(addr >> 8), byte(addr), byte(val >> 8), byte(val)}
}

func encodeWriteSingleRegister(addr, value uint16) []byte {
	return []byte{byte(addr >> 8), byte(addr), byte(value >> 8), byte(value)}
}

func encodeWriteMultipleCoils(addr uint16, regs []uint16) []byte {
	quantity := len(regs)
	byteCount := (quantity + 7) / 8
	packed := make([]byte, byteCount)
	for i, r := range regs {
		if r != 0 {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	out := []byte{byte(addr >> 8), byte(addr), byte(quantity >> 8), byte(quantity), byte(byteCount)}
	return append(out, packed...)
}

func encodeWriteMultipleRegisters(addr uint16, regs []uint16) []byte {
	out := []byte{byte(addr >> 8), byte(addr), byte(len(regs) >> 8), byte(len(regs)), byte(len(regs) * 2)}
	for _, r := range regs {
		out = append(out, byte(r>>8), byte(r))
	}
	return out
}
