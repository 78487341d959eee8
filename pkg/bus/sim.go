package bus

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/chewxy/math32"

	"github.com/itohio/wqm/pkg/frame"
)

// Modbus exception codes returned by the simulated devices.
const (
	ExceptionIllegalFunction byte = 0x01
	ExceptionIllegalAddress  byte = 0x02
)

type simKey struct {
	fn  byte
	reg uint16
}

type simDevice struct {
	registers map[simKey]uint16
	jitter    map[simKey]uint16
}

// Sim simulates a fleet of Modbus devices on one bus. It answers requests
// written to it and supports fault injection for tests and demo mode.
type Sim struct {
	mu      sync.Mutex
	devices map[byte]*simDevice
	rx      []byte
	chunk   int
	writes  []frame.Request

	drop     int
	corrupt  int
	truncate int
	truncN   int
}

// NewSim creates an empty simulated bus.
func NewSim() *Sim {
	return &Sim{devices: make(map[byte]*simDevice)}
}

func (s *Sim) device(addr byte) *simDevice {
	d, ok := s.devices[addr]
	if !ok {
		d = &simDevice{
			registers: make(map[simKey]uint16),
			jitter:    make(map[simKey]uint16),
		}
		s.devices[addr] = d
	}
	return d
}

func registerFunction(fn byte) byte {
	if fn == frame.FuncWriteSingle {
		return frame.FuncReadHolding
	}
	return fn
}

// SetRegister stores a raw register value for device addr under function fn.
func (s *Sim) SetRegister(addr, fn byte, reg uint16, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device(addr).registers[simKey{registerFunction(fn), reg}] = value
}

// SetScaled stores round(value*scale) as an unsigned register.
func (s *Sim) SetScaled(addr, fn byte, reg uint16, value, scale float64) {
	s.SetRegister(addr, fn, reg, uint16(math.Round(value*scale)))
}

// SetFloat32 stores value as an IEEE-754 float in two registers, high word first.
func (s *Sim) SetFloat32(addr, fn byte, reg uint16, value float32) {
	bits := math32.Float32bits(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.device(addr)
	fn = registerFunction(fn)
	d.registers[simKey{fn, reg}] = uint16(bits >> 16)
	d.registers[simKey{fn, reg + 1}] = uint16(bits)
}

// SetJitter makes reads of a register wander by up to ±amplitude counts.
func (s *Sim) SetJitter(addr, fn byte, reg uint16, amplitude uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device(addr).jitter[simKey{registerFunction(fn), reg}] = amplitude
}

// Register returns a stored register value.
func (s *Sim) Register(addr, fn byte, reg uint16) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[addr]
	if !ok {
		return 0, false
	}
	v, ok := d.registers[simKey{registerFunction(fn), reg}]
	return v, ok
}

// RemoveDevice makes a device stop answering.
func (s *Sim) RemoveDevice(addr byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, addr)
}

// SetChunkSize limits how many bytes each Read returns. Zero means unlimited.
func (s *Sim) SetChunkSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunk = n
}

// DropNext silently ignores the next n requests.
func (s *Sim) DropNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop = n
}

// CorruptNext flips a payload bit in the next n replies.
func (s *Sim) CorruptNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = n
}

// TruncateNext sends only the first keep bytes of the next n replies.
func (s *Sim) TruncateNext(n, keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncate = n
	s.truncN = keep
}

// Writes returns every request received so far.
func (s *Sim) Writes() []frame.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Request(nil), s.writes...)
}

// Read returns pending reply bytes. It never blocks.
func (s *Sim) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.rx)
	if s.chunk > 0 && n > s.chunk {
		n = s.chunk
	}
	n = copy(p, s.rx[:n])
	s.rx = s.rx[n:]
	return n, nil
}

// Write accepts one request frame and queues the reply.
func (s *Sim) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := frame.DecodeRequest(p)
	if err != nil {
		// Devices ignore frames they cannot parse.
		return len(p), nil
	}
	s.writes = append(s.writes, req)

	if s.drop > 0 {
		s.drop--
		return len(p), nil
	}

	d, ok := s.devices[req.Address]
	if !ok {
		return len(p), nil
	}

	reply := s.respond(d, req)
	if s.corrupt > 0 && len(reply) > 3 {
		s.corrupt--
		reply[3] ^= 0x01
	}
	if s.truncate > 0 && s.truncN < len(reply) {
		s.truncate--
		reply = reply[:s.truncN]
	}
	s.rx = append(s.rx, reply...)
	return len(p), nil
}

func (s *Sim) respond(d *simDevice, req frame.Request) []byte {
	switch req.Function {
	case frame.FuncReadHolding, frame.FuncReadInput:
		if req.Count == 0 || req.Count > 125 {
			return frame.EncodeException(req.Address, req.Function, ExceptionIllegalAddress)
		}
		payload := make([]byte, 2*int(req.Count))
		for i := range int(req.Count) {
			key := simKey{req.Function, req.Register + uint16(i)}
			v, ok := d.registers[key]
			if !ok {
				return frame.EncodeException(req.Address, req.Function, ExceptionIllegalAddress)
			}
			if amp := d.jitter[key]; amp > 0 {
				v = jitter(v, amp)
			}
			binary.BigEndian.PutUint16(payload[2*i:], v)
		}
		return frame.EncodeResponse(req.Address, req.Function, payload)

	case frame.FuncWriteSingle:
		d.registers[simKey{frame.FuncReadHolding, req.Register}] = req.Count
		return req.Encode()

	default:
		return frame.EncodeException(req.Address, req.Function, ExceptionIllegalFunction)
	}
}

func jitter(v, amp uint16) uint16 {
	delta := rand.IntN(2*int(amp)+1) - int(amp)
	out := int(v) + delta
	if out < 0 {
		out = 0
	} else if out > math.MaxUint16 {
		out = math.MaxUint16
	}
	return uint16(out)
}

// ResetInputBuffer discards pending reply bytes.
func (s *Sim) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx = s.rx[:0]
	return nil
}

// Drain is a no-op; writes complete immediately.
func (s *Sim) Drain() error {
	return nil
}
