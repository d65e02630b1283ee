package sshfx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

func unexpectedPacketType(want, got PacketType) error {
	return fmt.Errorf("%w: unexpected packet type: got %s, want %s", ErrMalformedFrame, got, want)
}

// minPacketLength is the smallest valid packet body: uint8(type) + uint32(request-id or version).
const minPacketLength = 1 + 4

// readPacket reads a uint32 length-prefixed binary data packet from r,
// and returns the packet body, starting with the uint8(type).
//
// If the given buffer has a capacity of less than 4-bytes, it allocates a new buffer of DefaultMaxPacketLength.
// If the length of the packet is larger than the buffer, a new buffer is allocated for it.
// A maxPacketLength of zero means DefaultMaxPacketLength.
func readPacket(r io.Reader, b []byte, maxPacketLength uint32) ([]byte, error) {
	if maxPacketLength == 0 {
		maxPacketLength = DefaultMaxPacketLength
	}

	if cap(b) < 4 {
		b = make([]byte, DefaultMaxPacketLength)
	}
	b = b[:cap(b)]

	if _, err := io.ReadFull(r, b[:4]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(b)
	if length < minPacketLength {
		return nil, ErrShortPacket
	}
	if length > maxPacketLength {
		return nil, ErrLongPacket
	}

	if int64(length) > int64(len(b)) {
		b = make([]byte, length)
	}

	n, err := io.ReadFull(r, b[:length])
	return b[:n], err
}

// RawPacket implements the general packet format from draft-ietf-secsh-filexfer-02
//
// RawPacket is intended for use in clients receiving responses,
// where a response will be expected to be of a limited number of types,
// and unmarshaling unknown/unexpected response packets is unnecessary.
// The body is decoded later, by the caller waiting on the request-id.
//
// Defined in https://tools.ietf.org/html/draft-ietf-secsh-filexfer-02#section-3
type RawPacket struct {
	PacketType PacketType
	RequestID  uint32

	Data Buffer
}

// Type returns the Type field defining the SSH_FXP_xy type for this packet.
func (p *RawPacket) Type() PacketType {
	return p.PacketType
}

// Reset clears the pointers and reference-semantic variables of RawPacket,
// releasing underlying resources, and making them and the RawPacket suitable to be reused,
// so long as no other references have been kept.
func (p *RawPacket) Reset() {
	p.Data = Buffer{}
}

// MarshalPacket returns p as a two-part binary encoding of p.
//
// The internal p.RequestID is overridden by the reqid argument.
func (p *RawPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	buf := NewBuffer(b)
	if buf.Cap() < 9 {
		buf = NewMarshalBuffer(0)
	}

	buf.StartPacket(p.PacketType, reqid)

	return buf.Packet(p.Data.Bytes())
}

// MarshalBinary returns p as the binary encoding of p.
//
// This is a convenience implementation primarily intended for tests,
// because it is inefficient with allocations.
func (p *RawPacket) MarshalBinary() ([]byte, error) {
	return ComposePacket(p.MarshalPacket(p.RequestID, nil))
}

// UnmarshalFrom decodes a RawPacket from the given Buffer into p.
//
// The Data field will alias the passed in Buffer,
// so the buffer passed in should not be reused before RawPacket.Reset().
func (p *RawPacket) UnmarshalFrom(buf *Buffer) error {
	*p = RawPacket{
		PacketType: PacketType(buf.ConsumeUint8()),
		RequestID:  buf.ConsumeUint32(),
	}

	p.Data = *buf

	return buf.Err
}

// UnmarshalBinary decodes a full raw packet out of the given data.
// It is assumed that the uint32(length) has already been consumed to receive the data.
//
// This is a convenience implementation primarily intended for tests,
// because this must clone the given data byte slice,
// as Data is not allowed to alias any part of the data byte slice.
func (p *RawPacket) UnmarshalBinary(data []byte) error {
	clone := make([]byte, len(data))
	n := copy(clone, data)
	return p.UnmarshalFrom(NewBuffer(clone[:n]))
}

// Decode decodes exactly one frame from the front of data, and reports how many bytes it used.
//
// Decode holds no state between calls:
// if data does not yet hold a whole frame, it returns 0 and ErrIncompleteFrame, and the caller should
// retry once more bytes have arrived, passing the same unconsumed prefix again.
//
// A frame declaring a length shorter than a type and request-id returns an error wrapping ErrShortPacket,
// and a frame longer than maxPacketLength returns an error wrapping ErrLongPacket,
// without waiting for the rest of the frame.
// Both of these wrap ErrMalformedFrame, and the stream cannot be resynchronized after them.
//
// The Data field aliases data.
func (p *RawPacket) Decode(data []byte, maxPacketLength uint32) (n int, err error) {
	if maxPacketLength == 0 {
		maxPacketLength = DefaultMaxPacketLength
	}

	if len(data) < 4 {
		return 0, ErrIncompleteFrame
	}

	length := binary.BigEndian.Uint32(data)
	if length < minPacketLength {
		return 0, ErrShortPacket
	}
	if length > maxPacketLength {
		return 0, ErrLongPacket
	}

	end := 4 + int64(length)
	if int64(len(data)) < end {
		return 0, ErrIncompleteFrame
	}

	if err := p.UnmarshalFrom(NewBuffer(data[4:end:end])); err != nil {
		return 0, err
	}

	return int(end), nil
}

// Frames returns the number of complete frames at the front of data, and the number of bytes they span.
// It stops at the first incomplete frame, or returns an error wrapping ErrMalformedFrame at the first malformed one.
func Frames(data []byte, maxPacketLength uint32) (count, n int, err error) {
	var p RawPacket

	for {
		m, err := p.Decode(data[n:], maxPacketLength)
		if err != nil {
			if errors.Is(err, ErrIncompleteFrame) {
				return count, n, nil
			}

			return count, n, err
		}

		count++
		n += m
	}
}
