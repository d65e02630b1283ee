package sshfx

// LStatPacket asks for the attributes of a path, without following a final symbolic link.
type LStatPacket struct {
	Path string
}

// Type returns SSH_FXP_LSTAT.
func (p *LStatPacket) Type() PacketType {
	return PacketTypeLStat
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *LStatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return startRequest(PacketTypeLStat, reqid, b, p.Path, 0).Packet(nil)
}

// UnmarshalPacketBody decodes the path, the request-id having already been consumed.
func (p *LStatPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	return bodyError(PacketTypeLStat, buf.Err)
}

// SetStatPacket changes the attributes of a path.
// Only the attributes flagged in Attrs are changed.
type SetStatPacket struct {
	Path  string
	Attrs Attributes
}

// Type returns SSH_FXP_SETSTAT.
func (p *SetStatPacket) Type() PacketType {
	return PacketTypeSetstat
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *SetStatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	buf := startRequest(PacketTypeSetstat, reqid, b, p.Path, p.Attrs.Len())
	p.Attrs.MarshalInto(buf)

	return buf.Packet(nil)
}

// UnmarshalPacketBody decodes the path and attributes.
func (p *SetStatPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	if buf.Err != nil {
		return bodyError(PacketTypeSetstat, buf.Err)
	}

	return bodyError(PacketTypeSetstat, p.Attrs.UnmarshalFrom(buf))
}

// RemovePacket deletes a file.
type RemovePacket struct {
	Path string
}

// Type returns SSH_FXP_REMOVE.
func (p *RemovePacket) Type() PacketType {
	return PacketTypeRemove
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *RemovePacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return startRequest(PacketTypeRemove, reqid, b, p.Path, 0).Packet(nil)
}

// UnmarshalPacketBody decodes the path.
func (p *RemovePacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	return bodyError(PacketTypeRemove, buf.Err)
}

// MkdirPacket creates a single directory, whose parent must already exist.
type MkdirPacket struct {
	Path  string
	Attrs Attributes
}

// Type returns SSH_FXP_MKDIR.
func (p *MkdirPacket) Type() PacketType {
	return PacketTypeMkdir
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *MkdirPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	buf := startRequest(PacketTypeMkdir, reqid, b, p.Path, p.Attrs.Len())
	p.Attrs.MarshalInto(buf)

	return buf.Packet(nil)
}

// UnmarshalPacketBody decodes the path and attributes.
func (p *MkdirPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	if buf.Err != nil {
		return bodyError(PacketTypeMkdir, buf.Err)
	}

	return bodyError(PacketTypeMkdir, p.Attrs.UnmarshalFrom(buf))
}

// RmdirPacket removes an empty directory.
type RmdirPacket struct {
	Path string
}

// Type returns SSH_FXP_RMDIR.
func (p *RmdirPacket) Type() PacketType {
	return PacketTypeRmdir
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *RmdirPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return startRequest(PacketTypeRmdir, reqid, b, p.Path, 0).Packet(nil)
}

// UnmarshalPacketBody decodes the path.
func (p *RmdirPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	return bodyError(PacketTypeRmdir, buf.Err)
}

// RealPathPacket asks the server to canonicalize a path.
// The answer is an SSH_FXP_NAME holding exactly one entry.
type RealPathPacket struct {
	Path string
}

// Type returns SSH_FXP_REALPATH.
func (p *RealPathPacket) Type() PacketType {
	return PacketTypeRealPath
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *RealPathPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return startRequest(PacketTypeRealPath, reqid, b, p.Path, 0).Packet(nil)
}

// UnmarshalPacketBody decodes the path.
func (p *RealPathPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	return bodyError(PacketTypeRealPath, buf.Err)
}

// StatPacket asks for the attributes of a path, following symbolic links.
type StatPacket struct {
	Path string
}

// Type returns SSH_FXP_STAT.
func (p *StatPacket) Type() PacketType {
	return PacketTypeStat
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *StatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return startRequest(PacketTypeStat, reqid, b, p.Path, 0).Packet(nil)
}

// UnmarshalPacketBody decodes the path.
func (p *StatPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	return bodyError(PacketTypeStat, buf.Err)
}

// ReadLinkPacket asks for the target of a symbolic link.
type ReadLinkPacket struct {
	Path string
}

// Type returns SSH_FXP_READLINK.
func (p *ReadLinkPacket) Type() PacketType {
	return PacketTypeReadLink
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *ReadLinkPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return startRequest(PacketTypeReadLink, reqid, b, p.Path, 0).Packet(nil)
}

// UnmarshalPacketBody decodes the path.
func (p *ReadLinkPacket) UnmarshalPacketBody(buf *Buffer) error {
	p.Path = buf.ConsumeString()
	return bodyError(PacketTypeReadLink, buf.Err)
}

// RenamePacket renames OldPath to NewPath.
// Servers speaking version 3 fail it when NewPath already exists, see posix-rename@openssh.com.
type RenamePacket struct {
	OldPath string
	NewPath string
}

// Type returns SSH_FXP_RENAME.
func (p *RenamePacket) Type() PacketType {
	return PacketTypeRename
}

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *RenamePacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	buf := startRequest(PacketTypeRename, reqid, b, p.OldPath, 4+len(p.NewPath))
	buf.AppendString(p.NewPath)

	return buf.Packet(nil)
}

// UnmarshalPacketBody decodes both paths.
func (p *RenamePacket) UnmarshalPacketBody(buf *Buffer) error {
	*p = RenamePacket{
		OldPath: buf.ConsumeString(),
		NewPath: buf.ConsumeString(),
	}

	return bodyError(PacketTypeRename, buf.Err)
}

// SymlinkPacket creates a symbolic link at LinkPath pointing to TargetPath.
//
// OpenSSH sends the target before the link path, the reverse of draft-ietf-secsh-filexfer-02,
// and every widely deployed server follows it.
// Covered in Section 4.1 of https://github.com/openssh/openssh-portable/blob/master/PROTOCOL
type SymlinkPacket struct {
	LinkPath   string
	TargetPath string
}

// Type returns SSH_FXP_SYMLINK.
func (p *SymlinkPacket) Type() PacketType {
	return PacketTypeSymlink
}

// MarshalPacket returns p as a two-part binary encoding of p, in the OpenSSH argument order.
func (p *SymlinkPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	buf := startRequest(PacketTypeSymlink, reqid, b, p.TargetPath, 4+len(p.LinkPath))
	buf.AppendString(p.LinkPath)

	return buf.Packet(nil)
}

// UnmarshalPacketBody decodes both paths, in the OpenSSH argument order.
func (p *SymlinkPacket) UnmarshalPacketBody(buf *Buffer) error {
	*p = SymlinkPacket{
		TargetPath: buf.ConsumeString(),
		LinkPath:   buf.ConsumeString(),
	}

	return bodyError(PacketTypeSymlink, buf.Err)
}
