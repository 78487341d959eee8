// Package frame implements Modbus RTU framing: request encoding, the CRC-16
// checksum and an incremental response decoder.
//
// Request layout (8 bytes):
//
//	Address(1) | Function(1) | Register(2, BE) | Count(2, BE) | CRC16(2, LE)
//
// Response layout:
//
//	Address(1) | Function(1) | ByteCount(1) | Payload(ByteCount) | CRC16(2, LE)
package frame

import "encoding/binary"

const (
	// FuncReadHolding reads holding registers.
	FuncReadHolding byte = 0x03
	// FuncReadInput reads input registers.
	FuncReadInput byte = 0x04
	// FuncWriteSingle writes a single holding register.
	FuncWriteSingle byte = 0x06

	// RequestSize is the size of every request frame.
	RequestSize = 8
	// MinResponseSize is the smallest response that can carry a length.
	MinResponseSize = 5
	// MaxFrameSize bounds the RTU frame size.
	MaxFrameSize = 256

	exceptionBit = 0x80
	crcSize      = 2
)

// Request describes one Modbus request. For FuncWriteSingle, Count carries the
// register value.
type Request struct {
	Address  byte
	Function byte
	Register uint16
	Count    uint16
}

// Encode builds the 8-byte wire frame.
func (r Request) Encode() []byte {
	data := make([]byte, RequestSize)
	data[0] = r.Address
	data[1] = r.Function
	binary.BigEndian.PutUint16(data[2:4], r.Register)
	binary.BigEndian.PutUint16(data[4:6], r.Count)
	binary.LittleEndian.PutUint16(data[6:8], CRC16(data[:6]))
	return data
}

// DecodeRequest parses an 8-byte request frame. It returns ErrIncomplete for
// short input and ErrChecksumMismatch if the CRC does not match.
func DecodeRequest(data []byte) (Request, error) {
	if len(data) < RequestSize {
		return Request{}, ErrIncomplete
	}
	data = data[:RequestSize]
	if binary.LittleEndian.Uint16(data[6:8]) != CRC16(data[:6]) {
		return Request{}, ErrChecksumMismatch
	}
	return Request{
		Address:  data[0],
		Function: data[1],
		Register: binary.BigEndian.Uint16(data[2:4]),
		Count:    binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

// EncodeResponse builds a read response frame around payload. Used by the
// simulated bus and by tests.
func EncodeResponse(address, function byte, payload []byte) []byte {
	data := make([]byte, 0, 3+len(payload)+crcSize)
	data = append(data, address, function, byte(len(payload)))
	data = append(data, payload...)
	return AppendCRC(data)
}

// EncodeException builds an exception reply frame.
func EncodeException(address, function, code byte) []byte {
	return AppendCRC([]byte{address, function | exceptionBit, code})
}

// AppendCRC appends the little-endian CRC of data to data.
func AppendCRC(data []byte) []byte {
	crc := CRC16(data)
	return append(data, byte(crc), byte(crc>>8))
}

// ExpectedLength returns the total length of the reply to a request with the
// given function code, or false if not enough of the header has arrived to
// know. A zero function infers the request function from the reply.
func ExpectedLength(function byte, buf []byte) (int, bool) {
	if len(buf) < 3 {
		return 0, false
	}
	if function == 0 {
		function = buf[1] &^ exceptionBit
	}
	switch {
	case buf[1] == function|exceptionBit:
		return MinResponseSize, true
	case function == FuncWriteSingle:
		return RequestSize, true
	default:
		return int(buf[2]) + MinResponseSize, true
	}
}

// IsException reports whether the frame is an exception reply.
func IsException(frame []byte) bool {
	return len(frame) >= 2 && frame[1]&exceptionBit != 0
}

// Payload returns the data bytes of a validated read response.
func Payload(frame []byte) []byte {
	if len(frame) < MinResponseSize {
		return nil
	}
	return frame[3 : len(frame)-crcSize]
}
