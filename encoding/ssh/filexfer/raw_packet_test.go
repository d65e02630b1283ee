package sshfx

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"testing"
	"testing/iotest"
)

func composeFrames(t *testing.T, pkts ...PacketMarshaller) []byte {
	t.Helper()

	var out []byte
	for i, p := range pkts {
		b, err := ComposePacket(p.MarshalPacket(uint32(i+1), nil))
		if err != nil {
			t.Fatal("unexpected error:", err)
		}

		out = append(out, b...)
	}

	return out
}

func TestRawPacketDecodeResumable(t *testing.T) {
	stream := composeFrames(t,
		&StatusPacket{StatusCode: StatusOK},
		&HandlePacket{Handle: "42"},
	)

	first := 4 + 1 + 4 + 4 + 4 + 4 // length + type + id + code + two empty strings

	var p RawPacket

	for i := range first {
		n, err := p.Decode(stream[:i], 0)
		if !errors.Is(err, ErrIncompleteFrame) || n != 0 {
			t.Fatalf("Decode(%d bytes) = (%d, %v), but expected (0, %v)", i, n, err, ErrIncompleteFrame)
		}
	}

	n, err := p.Decode(stream, 0)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	if n != first {
		t.Fatalf("Decode() consumed %d bytes, but expected %d", n, first)
	}

	if p.PacketType != PacketTypeStatus || p.RequestID != 1 {
		t.Errorf("Decode() = %v:%d, but expected %v:%d", p.PacketType, p.RequestID, PacketTypeStatus, 1)
	}

	rest := stream[n:]

	n, err = p.Decode(rest, 0)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	if n != len(rest) {
		t.Fatalf("Decode() consumed %d bytes, but expected %d", n, len(rest))
	}

	var handle HandlePacket
	if err := handle.UnmarshalPacketBody(&p.Data); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if p.PacketType != PacketTypeHandle || p.RequestID != 2 || handle.Handle != "42" {
		t.Errorf("Decode() = %v:%d:%q, but expected %v:%d:%q", p.PacketType, p.RequestID, handle.Handle, PacketTypeHandle, 2, "42")
	}
}

func TestRawPacketDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		max  uint32
		want error
	}{
		{
			name: "short",
			data: []byte{0x00, 0x00, 0x00, 0x03, 101, 0x00, 0x00},
			want: ErrShortPacket,
		},
		{
			name: "long",
			data: []byte{0x00, 0x00, 0x01, 0x00},
			max:  100,
			want: ErrLongPacket,
		},
		{
			name: "default limit",
			data: []byte{0x7F, 0xFF, 0xFF, 0xFF},
			want: ErrLongPacket,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p RawPacket

			n, err := p.Decode(tt.data, tt.max)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode() = (%d, %v), but expected %v", n, err, tt.want)
			}

			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Decode() error %v does not wrap ErrMalformedFrame", err)
			}
		})
	}
}

func TestFrames(t *testing.T) {
	stream := composeFrames(t,
		&StatusPacket{StatusCode: StatusOK},
		&DataPacket{Data: []byte("hello")},
		&HandlePacket{Handle: "1"},
	)

	count, n, err := Frames(stream, 0)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	if count != 3 || n != len(stream) {
		t.Errorf("Frames() = (%d, %d), but expected (%d, %d)", count, n, 3, len(stream))
	}

	count, n, err = Frames(stream[:len(stream)-1], 0)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	if count != 2 {
		t.Errorf("Frames() on a truncated stream = %d frames, but expected %d", count, 2)
	}

	bad := append(stream[:n:n], 0x00, 0x00, 0x00, 0x01, 0x00)

	_, _, err = Frames(bad, 0)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Frames() = %v, but expected %v", err, ErrMalformedFrame)
	}
}

func TestFrameReader(t *testing.T) {
	big := bytes.Repeat([]byte{'x'}, 100<<10)

	stream := composeFrames(t,
		&StatusPacket{StatusCode: StatusOK},
		&DataPacket{Data: big},
		&HandlePacket{Handle: "1"},
	)

	// One byte per read forces every frame to be resumed, the big one past the initial buffer.
	fr := NewFrameReader(iotest.OneByteReader(bytes.NewReader(stream)), 200<<10)

	var types []PacketType
	for {
		var p RawPacket

		hint := make([]byte, 8)
		err := fr.ReadPacket(&p, hint)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal("unexpected error:", err)
		}

		if p.RequestID != uint32(len(types)+1) {
			t.Errorf("ReadPacket(): RequestID was %d, but expected %d", p.RequestID, len(types)+1)
		}

		if p.PacketType == PacketTypeData {
			var data DataPacket
			if err := data.UnmarshalPacketBody(&p.Data); err != nil {
				t.Fatal("unexpected error:", err)
			}

			if !bytes.Equal(data.Data, big) {
				t.Errorf("ReadPacket(): data of %d bytes did not match", len(data.Data))
			}
		}

		types = append(types, p.PacketType)
	}

	want := []PacketType{PacketTypeStatus, PacketTypeData, PacketTypeHandle}
	if !slices.Equal(types, want) {
		t.Errorf("ReadPacket() = %v, but expected %v", types, want)
	}
}

func TestFrameReaderDoesNotAlias(t *testing.T) {
	stream := composeFrames(t,
		&HandlePacket{Handle: "first"},
		&HandlePacket{Handle: "second"},
	)

	// Both frames arrive in one read.
	fr := NewFrameReader(bytes.NewReader(stream), 0)

	var first, second RawPacket
	if err := fr.ReadPacket(&first, nil); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if err := fr.ReadPacket(&second, nil); err != nil {
		t.Fatal("unexpected error:", err)
	}

	var handle HandlePacket
	if err := handle.UnmarshalPacketBody(&first.Data); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if handle.Handle != "first" {
		t.Errorf("first packet decoded to %q after reading the second", handle.Handle)
	}
}

func TestFrameReaderErrors(t *testing.T) {
	stream := composeFrames(t,
		&DataPacket{Data: bytes.Repeat([]byte{'x'}, 100)},
	)

	tests := []struct {
		name string
		data []byte
		max  uint32
		want error
	}{
		{"empty", nil, 0, io.EOF},
		{"truncated header", stream[:2], 0, io.ErrUnexpectedEOF},
		{"truncated body", stream[:10], 0, io.ErrUnexpectedEOF},
		{"over limit", stream, 50, ErrLongPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p RawPacket

			err := NewFrameReader(bytes.NewReader(tt.data), tt.max).ReadPacket(&p, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadPacket() = %v, but expected %v", err, tt.want)
			}
		})
	}

	fr := NewFrameReader(iotest.ErrReader(io.ErrClosedPipe), 0)

	var p RawPacket
	if err := fr.ReadPacket(&p, nil); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("ReadPacket() = %v, but expected %v", err, io.ErrClosedPipe)
	}
}
