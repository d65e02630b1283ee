package sshfx

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"
)

var _ Packet = &OpenPacket{}

func TestOpenPacket(t *testing.T) {
	const (
		id       = 42
		filename = "/foo"
		perms    = 0o755
	)

	p := &OpenPacket{
		Filename: filename,
		PFlags:   FlagRead | FlagWrite,
		Attrs: Attributes{
			Flags:       AttrPermissions,
			Permissions: perms,
		},
	}

	buf, err := ComposePacket(p.MarshalPacket(id, nil))
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 25,
		3,
		0x00, 0x00, 0x00, 42,
		0x00, 0x00, 0x00, 4, '/', 'f', 'o', 'o',
		0x00, 0x00, 0x00, 3,
		0x00, 0x00, 0x00, 0x04,
		0x00, 0x00, 0x01, 0xED,
	}

	if !bytes.Equal(buf, want) {
		t.Fatalf("MarshalPacket() = %X, but wanted %X", buf, want)
	}

	*p = OpenPacket{}

	// UnmarshalPacketBody assumes the (length, type, request-id) have already been consumed.
	if err := p.UnmarshalPacketBody(NewBuffer(buf[9:])); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if p.Filename != filename {
		t.Errorf("UnmarshalPacketBody(): Filename was %q, but expected %q", p.Filename, filename)
	}

	if p.PFlags != FlagRead|FlagWrite {
		t.Errorf("UnmarshalPacketBody(): PFlags was %#x, but expected %#x", p.PFlags, FlagRead|FlagWrite)
	}

	if perm, ok := p.Attrs.GetPermissions(); !ok || perm != perms {
		t.Errorf("UnmarshalPacketBody(): Attrs.Permissions was %#o (%t), but expected %#o", perm, ok, perms)
	}
}

var _ Packet = &WritePacket{}

func TestWritePacket(t *testing.T) {
	const (
		id     = 42
		handle = "h"
		offset = 0x0102
	)

	var payload = []byte(`abc`)

	p := &WritePacket{
		Handle: handle,
		Offset: offset,
		Data:   payload,
	}

	header, data, err := p.MarshalPacket(id, nil)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	if !bytes.Equal(data, payload) {
		t.Errorf("MarshalPacket(): payload was %X, but expected it to pass through %X", data, payload)
	}

	want := []byte{
		0x00, 0x00, 0x00, 25,
		6,
		0x00, 0x00, 0x00, 42,
		0x00, 0x00, 0x00, 1, 'h',
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x02,
		0x00, 0x00, 0x00, 3,
	}

	if !bytes.Equal(header, want) {
		t.Fatalf("MarshalPacket() = %X, but wanted %X", header, want)
	}

	buf := append(header, data...)

	*p = WritePacket{}

	if err := p.UnmarshalPacketBody(NewBuffer(buf[9:])); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if p.Handle != handle {
		t.Errorf("UnmarshalPacketBody(): Handle was %q, but expected %q", p.Handle, handle)
	}

	if p.Offset != offset {
		t.Errorf("UnmarshalPacketBody(): Offset was %x, but expected %x", p.Offset, offset)
	}

	if !bytes.Equal(p.Data, payload) {
		t.Errorf("UnmarshalPacketBody(): Data was %X, but expected %X", p.Data, payload)
	}
}

func TestWritePacketSplit(t *testing.T) {
	b := []byte("0123456789")

	p := &WritePacket{
		Handle: "h",
		Offset: 100,
	}

	var offsets []uint64
	var chunks []string

	for len(b) > 0 {
		b = p.Split(b, 4)

		offsets = append(offsets, p.Offset)
		chunks = append(chunks, string(p.Data))

		p.Advance()
	}

	if want := []string{"0123", "4567", "89"}; !slices.Equal(chunks, want) {
		t.Errorf("Split() chunks = %q, but expected %q", chunks, want)
	}

	if want := []uint64{100, 104, 108}; !slices.Equal(offsets, want) {
		t.Errorf("Split() offsets = %v, but expected %v", offsets, want)
	}

	if p.Offset != 110 {
		t.Errorf("Advance(): Offset was %d, but expected %d", p.Offset, 110)
	}

	rest := p.Split(make([]byte, DefaultMaxDataLength+1), 0)
	if len(p.Data) != DefaultMaxDataLength || len(rest) != 1 {
		t.Errorf("Split() with no limit = (%d, %d), but expected (%d, %d)", len(p.Data), len(rest), DefaultMaxDataLength, 1)
	}
}

func TestRequestBodyTruncated(t *testing.T) {
	for _, pkt := range []Packet{
		&ReadPacket{Handle: "h", Offset: 1, Length: 2},
		&SetStatPacket{Path: "/a", Attrs: Attributes{Flags: AttrPermissions, Permissions: 0o644}},
		&RenamePacket{OldPath: "/a", NewPath: "/b"},
	} {
		b, err := ComposePacket(pkt.MarshalPacket(1, nil))
		if err != nil {
			t.Fatal("unexpected error:", err)
		}

		err = pkt.UnmarshalPacketBody(NewBuffer(b[9 : len(b)-1]))
		if !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%v: UnmarshalPacketBody() on a truncated body = %v, but expected %v", pkt.Type(), err, ErrMalformedFrame)
		}

		if err != nil && !strings.Contains(err.Error(), pkt.Type().String()) {
			t.Errorf("UnmarshalPacketBody() error %q does not name %v", err, pkt.Type())
		}
	}
}

func TestMarshalPacketReusesBuffer(t *testing.T) {
	b := make([]byte, 64)

	p := &RemovePacket{
		Path: "/x",
	}

	header, _, err := p.MarshalPacket(1, b)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	if &header[0] != &b[0] {
		t.Error("MarshalPacket() did not marshal into the given buffer")
	}

	want := []byte{
		0x00, 0x00, 0x00, 11,
		13,
		0x00, 0x00, 0x00, 1,
		0x00, 0x00, 0x00, 2, '/', 'x',
	}

	if !bytes.Equal(header, want) {
		t.Fatalf("MarshalPacket() = %X, but wanted %X", header, want)
	}
}

var _ Packet = &StatusPacket{}

func TestStatusPacket(t *testing.T) {
	const (
		id           = 42
		statusCode   = StatusBadMessage
		errorMessage = "foo"
		languageTag  = "x-example"
	)

	p := &StatusPacket{
		StatusCode:   statusCode,
		ErrorMessage: errorMessage,
		LanguageTag:  languageTag,
	}

	buf, err := ComposePacket(p.MarshalPacket(id, nil))
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 29,
		101,
		0x00, 0x00, 0x00, 42,
		0x00, 0x00, 0x00, 5,
		0x00, 0x00, 0x00, 3, 'f', 'o', 'o',
		0x00, 0x00, 0x00, 9, 'x', '-', 'e', 'x', 'a', 'm', 'p', 'l', 'e',
	}

	if !bytes.Equal(buf, want) {
		t.Fatalf("MarshalPacket() = %X, but wanted %X", buf, want)
	}

	*p = StatusPacket{}

	if err := p.UnmarshalPacketBody(NewBuffer(buf[9:])); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if p.StatusCode != statusCode {
		t.Errorf("UnmarshalPacketBody(): StatusCode was %v, but expected %v", p.StatusCode, statusCode)
	}

	if p.ErrorMessage != errorMessage {
		t.Errorf("UnmarshalPacketBody(): ErrorMessage was %q, but expected %q", p.ErrorMessage, errorMessage)
	}

	if p.LanguageTag != languageTag {
		t.Errorf("UnmarshalPacketBody(): LanguageTag was %q, but expected %q", p.LanguageTag, languageTag)
	}
}

func TestStatusPacketWithoutMessage(t *testing.T) {
	var p StatusPacket

	if err := p.UnmarshalPacketBody(NewBuffer([]byte{0x00, 0x00, 0x00, 0x01})); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if p.StatusCode != StatusEOF {
		t.Errorf("UnmarshalPacketBody(): StatusCode was %v, but expected %v", p.StatusCode, StatusEOF)
	}
}

var _ Packet = &DataPacket{}

func TestDataPacketGrowsHint(t *testing.T) {
	p := &DataPacket{
		Data: []byte(`hello world`),
	}

	buf, err := ComposePacket(p.MarshalPacket(3, nil))
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	hint := make([]byte, 0, 4)
	resp := &DataPacket{
		Data: hint,
	}

	if err := resp.UnmarshalPacketBody(NewBuffer(buf[9:])); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if string(resp.Data) != "hello world" {
		t.Errorf("UnmarshalPacketBody(): Data was %q, but expected %q", resp.Data, "hello world")
	}

	hint = make([]byte, 0, 64)
	resp.Data = hint

	if err := resp.UnmarshalPacketBody(NewBuffer(buf[9:])); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if &resp.Data[0] != &hint[:1][0] {
		t.Error("UnmarshalPacketBody(): did not reuse a sufficiently large hint")
	}
}

var _ Packet = &NamePacket{}

func TestNamePacket(t *testing.T) {
	const (
		id                = 42
		filename          = "foo"
		longname          = "bar"
		perms    FileMode = 0x87654300
	)

	p := &NamePacket{
		Entries: []*NameEntry{
			{
				Filename: filename + "1",
				Longname: longname + "1",
				Attrs: Attributes{
					Flags:       AttrPermissions | (1 << 8),
					Permissions: perms | 1,
				},
			},
			{
				Filename: filename + "2",
				Longname: longname + "2",
				Attrs: Attributes{
					Flags:       AttrPermissions | (2 << 8),
					Permissions: perms | 2,
				},
			},
		},
	}

	buf, err := ComposePacket(p.MarshalPacket(id, nil))
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 57,
		104,
		0x00, 0x00, 0x00, 42,
		0x00, 0x00, 0x00, 0x02,
		0x00, 0x00, 0x00, 4, 'f', 'o', 'o', '1',
		0x00, 0x00, 0x00, 4, 'b', 'a', 'r', '1',
		0x00, 0x00, 0x01, 0x04,
		0x87, 0x65, 0x43, 0x01,
		0x00, 0x00, 0x00, 4, 'f', 'o', 'o', '2',
		0x00, 0x00, 0x00, 4, 'b', 'a', 'r', '2',
		0x00, 0x00, 0x02, 0x04,
		0x87, 0x65, 0x43, 0x02,
	}

	if !bytes.Equal(buf, want) {
		t.Fatalf("MarshalPacket() = %X, but wanted %X", buf, want)
	}

	*p = NamePacket{}

	if err := p.UnmarshalPacketBody(NewBuffer(buf[9:])); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if count := len(p.Entries); count != 2 {
		t.Fatalf("UnmarshalPacketBody(): len(NameEntries) was %d, but expected %d", count, 2)
	}

	for i, e := range p.Entries {
		if got, want := e.Filename, filename+string('1'+rune(i)); got != want {
			t.Errorf("UnmarshalPacketBody(): Entries[%d].Filename was %q, but expected %q", i, got, want)
		}

		if got, want := e.Longname, longname+string('1'+rune(i)); got != want {
			t.Errorf("UnmarshalPacketBody(): Entries[%d].Longname was %q, but expected %q", i, got, want)
		}

		if got, want := e.Attrs.Permissions, perms|FileMode(i+1); got != want {
			t.Errorf("UnmarshalPacketBody(): Entries[%d].Attrs.Permissions was %#v, but expected %#v", i, got, want)
		}
	}
}

func TestNamePacketImplausibleCount(t *testing.T) {
	var p NamePacket

	err := p.UnmarshalPacketBody(NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0x00}))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("UnmarshalPacketBody() = %v, but expected %v", err, ErrMalformedFrame)
	}
}

var _ Packet = &PathPseudoPacket{}

func TestPathPseudoPacket(t *testing.T) {
	p := &PathPseudoPacket{
		Path: "/home/user",
	}

	buf, err := ComposePacket(p.MarshalPacket(9, nil))
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	var got PathPseudoPacket
	if err := got.UnmarshalPacketBody(NewBuffer(buf[9:])); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if got.Path != p.Path {
		t.Errorf("UnmarshalPacketBody(): Path was %q, but expected %q", got.Path, p.Path)
	}

	var name NamePacket
	if err := name.UnmarshalPacketBody(NewBuffer(buf[9:])); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if len(name.Entries) != 1 {
		t.Fatalf("PathPseudoPacket should encode as a single entry NamePacket, got %d entries", len(name.Entries))
	}
}

func TestNewPacketUnknownType(t *testing.T) {
	tests := []struct {
		name string
		new  func(PacketType) (Packet, error)
		typ  PacketType
	}{
		{"response with request type", NewResponsePacket, PacketTypeOpen},
		{"response with unassigned type", NewResponsePacket, PacketType(150)},
		{"request with response type", NewRequestPacket, PacketTypeStatus},
		{"request with unassigned type", NewRequestPacket, PacketType(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.new(tt.typ)
			if !errors.Is(err, errors.ErrUnsupported) {
				t.Fatalf("got (%v, %v), but expected an error wrapping errors.ErrUnsupported", p, err)
			}
		})
	}

	for _, typ := range []PacketType{PacketTypeStatus, PacketTypeHandle, PacketTypeData, PacketTypeName, PacketTypeAttrs, PacketTypeExtendedReply} {
		p, err := NewResponsePacket(typ)
		if err != nil {
			t.Fatalf("NewResponsePacket(%v): unexpected error: %v", typ, err)
		}

		if p.Type() != typ {
			t.Errorf("NewResponsePacket(%v).Type() = %v", typ, p.Type())
		}

		if !typ.IsResponse() {
			t.Errorf("%v.IsResponse() = false", typ)
		}
	}
}
