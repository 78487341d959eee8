package bus

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// DefaultBaudRate is the factory rate of the RS-485 water-quality probes.
	DefaultBaudRate = 9600
	// DefaultReadTimeout bounds a single Read so the transport can poll.
	DefaultReadTimeout = 10 * time.Millisecond
)

// Direction line modes.
const (
	DirectionRTS         = "rts"          // RTS high while transmitting
	DirectionRTSInverted = "rts-inverted" // RTS low while transmitting
	DirectionAuto        = "auto"         // adapter switches on its own
)

// PortInfo describes an available serial port.
type PortInfo struct {
	Name        string
	Description string
}

// Ports returns the serial ports present on this machine.
func Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]PortInfo, 0, len(details))
	for _, d := range details {
		desc := d.Name
		if d.IsUSB {
			desc = fmt.Sprintf("%s (USB %s:%s %s)", d.Name, d.VID, d.PID, d.Product)
		}
		result = append(result, PortInfo{Name: d.Name, Description: desc})
	}
	return result, nil
}

// Serial is an RS-485 adapter on a local serial port.
type Serial struct {
	port        string
	baudRate    int
	readTimeout time.Duration
	direction   string

	conn      serial.Port
	mu        sync.RWMutex
	connected bool
}

// NewSerial creates a serial bus for the given port. Zero values select defaults.
func NewSerial(port string, baudRate int, direction string) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if direction == "" {
		direction = DirectionRTS
	}
	return &Serial{
		port:        port,
		baudRate:    baudRate,
		readTimeout: DefaultReadTimeout,
		direction:   direction,
	}
}

// Connect opens the port at 8N1 and releases the transmit line.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	conn, err := serial.Open(s.port, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}
	if err := conn.SetReadTimeout(s.readTimeout); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	s.conn = conn
	s.connected = true

	if err := s.setTransmit(false); err != nil {
		log.Printf("[bus] failed to release transmit line on %s: %v", s.port, err)
	}

	log.Printf("[bus] opened %s at %d baud (direction=%s)", s.port, s.baudRate, s.direction)
	return nil
}

// Close closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		if err != nil {
			return fmt.Errorf("failed to close serial port: %w", err)
		}
	}
	return nil
}

// IsConnected returns whether the port is open.
func (s *Serial) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Serial) Read(p []byte) (int, error) {
	conn, err := s.active()
	if err != nil {
		return 0, err
	}
	return conn.Read(p)
}

func (s *Serial) Write(p []byte) (int, error) {
	conn, err := s.active()
	if err != nil {
		return 0, err
	}
	return conn.Write(p)
}

func (s *Serial) ResetInputBuffer() error {
	conn, err := s.active()
	if err != nil {
		return err
	}
	return conn.ResetInputBuffer()
}

func (s *Serial) Drain() error {
	conn, err := s.active()
	if err != nil {
		return err
	}
	return conn.Drain()
}

// SetTransmit drives RTS as the DE/RE line according to the direction mode.
func (s *Serial) SetTransmit(on bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.setTransmit(on)
}

func (s *Serial) setTransmit(on bool) error {
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	switch s.direction {
	case DirectionAuto:
		return nil
	case DirectionRTSInverted:
		return s.conn.SetRTS(!on)
	default:
		return s.conn.SetRTS(on)
	}
}

func (s *Serial) active() (serial.Port, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected || s.conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	return s.conn, nil
}

var _ DirectionControl = (*Serial)(nil)
