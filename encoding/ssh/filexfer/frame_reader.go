package sshfx

import (
	"errors"
	"io"
)

// frameReadSize is the largest read buffer a FrameReader starts with.
const frameReadSize = 64 << 10

// FrameReader reads a stream of packets, decoding each frame with RawPacket.Decode.
//
// It reads from the underlying reader in blocks, and so may read past the end of the current frame.
// Nothing else may read from the underlying reader once a FrameReader is in use.
type FrameReader struct {
	r   io.Reader
	max uint32

	buf        []byte
	start, end int
	err        error
}

// NewFrameReader returns a FrameReader over r, which rejects any frame longer than maxPacketLength.
// A maxPacketLength of zero means DefaultMaxPacketLength.
func NewFrameReader(r io.Reader, maxPacketLength uint32) *FrameReader {
	if maxPacketLength == 0 {
		maxPacketLength = DefaultMaxPacketLength
	}

	return &FrameReader{
		r:   r,
		max: maxPacketLength,
		buf: make([]byte, min(int64(maxPacketLength)+4, frameReadSize)),
	}
}

// ReadPacket decodes the next frame into p.
//
// The frame body is copied into b, which is grown when it is too short,
// so p.Data never aliases the read buffer, and b may be handed back to a pool after p.Reset().
//
// At a frame boundary the end of the stream returns io.EOF, and inside a frame io.ErrUnexpectedEOF.
// A malformed frame returns an error wrapping ErrMalformedFrame, and the stream cannot be read further.
func (fr *FrameReader) ReadPacket(p *RawPacket, b []byte) error {
	for {
		var frame RawPacket

		n, err := frame.Decode(fr.buf[fr.start:fr.end], fr.max)
		if err == nil {
			body := fr.buf[fr.start+4 : fr.start+n]
			fr.start += n

			return p.UnmarshalFrom(NewBuffer(append(b[:0], body...)))
		}

		if !errors.Is(err, ErrIncompleteFrame) {
			return err
		}

		if err := fr.fill(); err != nil {
			return err
		}
	}
}

// fill reads at least one more byte into the buffer, or returns the error that stopped it.
func (fr *FrameReader) fill() error {
	if fr.err != nil {
		return fr.readErr()
	}

	if fr.start > 0 {
		fr.end = copy(fr.buf, fr.buf[fr.start:fr.end])
		fr.start = 0
	}

	if fr.end == len(fr.buf) {
		// Decode rejects a frame over the limit from its length alone, so the buffer never outgrows it.
		size := min(2*int64(len(fr.buf)), int64(fr.max)+4)
		fr.buf = append(fr.buf, make([]byte, size-int64(len(fr.buf)))...)
	}

	n, err := fr.r.Read(fr.buf[fr.end:])
	fr.end += n

	if err != nil {
		fr.err = err
		if n == 0 {
			return fr.readErr()
		}
	}

	return nil
}

func (fr *FrameReader) readErr() error {
	if errors.Is(fr.err, io.EOF) && fr.end > fr.start {
		return io.ErrUnexpectedEOF
	}

	return fr.err
}
