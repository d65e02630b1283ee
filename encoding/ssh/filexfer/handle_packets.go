package sshfx

// The requests in this file all operate on a handle returned by an earlier SSH_FXP_OPEN or SSH_FXP_OPENDIR.
// A client only ever marshals them, decoding is kept for dumping captured traffic.

// ClosePacket releases a file or directory handle.
type ClosePacket struct {
	Handle string
}

// Type returns SSH_FXP_CLOSE.
func (p *ClosePacket) Type() PacketType {
	return PacketTypeClose
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *ClosePacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return startRequest(PacketTypeClose, reqid, b, p.Handle, 0).Packet(nil)
}

// UnmarshalPacketBody decodes the handle, the request-id having already been consumed.
func (p *ClosePacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Handle = buf.ConsumeString()
	return bodyError(PacketTypeClose, buf.Err)
}

// ReadPacket asks for up to Length bytes of a file, starting at Offset.
// The server may answer with fewer bytes, and answers SSH_FX_EOF at or past the end of the file.
type ReadPacket struct {
	Handle string
	Offset uint64
	Length uint32
}

// Type returns SSH_FXP_READ.
func (p *ReadPacket) Type() PacketType {
	return PacketTypeRead
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *ReadPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	buf := startRequest(PacketTypeRead, reqid, b, p.Handle, 8+4)
	buf.AppendUint64(p.Offset)
	buf.AppendUint32(p.Length)

	return buf.Packet(nil)
}

// UnmarshalPacketBody decodes the body of an SSH_FXP_READ.
func (p *ReadPacket) UnmarshalPacketBody(buf *Buffer) error {
	*p = ReadPacket{
		Handle: buf.ConsumeString(),
		Offset: buf.ConsumeUint64(),
		Length: buf.ConsumeUint32(),
	}

	return bodyError(PacketTypeRead, buf.Err)
}

// WritePacket writes Data into a file at Offset.
type WritePacket struct {
	Handle string
	Offset uint64
	Data   []byte
}

// Type returns SSH_FXP_WRITE.
func (p *WritePacket) Type() PacketType {
	return PacketTypeWrite
}

// Split sets Data to at most maxDataLength bytes from the front of b, and returns the rest of b.
// A maxDataLength of zero or less means DefaultMaxDataLength.
//
// Once the request is sent, Advance moves Offset past Data, ready for the next Split.
func (p *WritePacket) Split(b []byte, maxDataLength int) (rest []byte) {
	if maxDataLength <= 0 {
		maxDataLength = DefaultMaxDataLength
	}

	n := min(len(b), maxDataLength)
	p.Data = b[:n]

	return b[n:]
}

// Advance moves Offset past Data, and returns the length of Data.
func (p *WritePacket) Advance() int {
	n := len(p.Data)
	p.Offset += uint64(n)
	return n
}

// MarshalPacket returns p as a two-part binary encoding of p.
//
// Data is returned as the payload, and is never copied into the header.
func (p *WritePacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	buf := startRequest(PacketTypeWrite, reqid, b, p.Handle, 8+4)
	buf.AppendUint64(p.Offset)
	buf.AppendCount(len(p.Data))

	return buf.Packet(p.Data)
}

// UnmarshalPacketBody decodes the body of an SSH_FXP_WRITE.
//
// The data is copied into p.Data when it is long enough to hold it,
// otherwise into a newly allocated slice.
func (p *WritePacket) UnmarshalPacketBody(buf *Buffer) error {
	*p = WritePacket{
		Handle: buf.ConsumeString(),
		Offset: buf.ConsumeUint64(),
		Data:   buf.ConsumeByteSliceCopy(p.Data),
	}

	return bodyError(PacketTypeWrite, buf.Err)
}

// FStatPacket asks for the attributes of an open file.
type FStatPacket struct {
	Handle string
}

// Type returns SSH_FXP_FSTAT.
func (p *FStatPacket) Type() PacketType {
	return PacketTypeFStat
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *FStatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return startRequest(PacketTypeFStat, reqid, b, p.Handle, 0).Packet(nil)
}

// UnmarshalPacketBody decodes the handle.
func (p *FStatPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Handle = buf.ConsumeString()
	return bodyError(PacketTypeFStat, buf.Err)
}

// FSetStatPacket changes the attributes of an open file.
// Only the attributes flagged in Attrs are changed.
type FSetStatPacket struct {
	Handle string
	Attrs  Attributes
}

// Type returns SSH_FXP_FSETSTAT.
func (p *FSetStatPacket) Type() PacketType {
	return PacketTypeFSetstat
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *FSetStatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	buf := startRequest(PacketTypeFSetstat, reqid, b, p.Handle, p.Attrs.Len())
	p.Attrs.MarshalInto(buf)

	return buf.Packet(nil)
}

// UnmarshalPacketBody decodes the handle and attributes.
func (p *FSetStatPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Handle = buf.ConsumeString()
	if buf.Err != nil {
		return bodyError(PacketTypeFSetstat, buf.Err)
	}

	return bodyError(PacketTypeFSetstat, p.Attrs.UnmarshalFrom(buf))
}

// ReadDirPacket asks for the next batch of entries of an open directory.
// The server answers SSH_FX_EOF once every entry has been returned.
type ReadDirPacket struct {
	Handle string
}

// Type returns SSH_FXP_READDIR.
func (p *ReadDirPacket) Type() PacketType {
	return PacketTypeReadDir
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *ReadDirPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return startRequest(PacketTypeReadDir, reqid, b, p.Handle, 0).Packet(nil)
}

// UnmarshalPacketBody decodes the handle.
func (p *ReadDirPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Handle = buf.ConsumeString()
	return bodyError(PacketTypeReadDir, buf.Err)
}
