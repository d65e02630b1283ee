package openssh

import (
	sshfx "github.com/sftpkit/sftp/encoding/ssh/filexfer"
)

// Extension names, as announced by the server in SSH_FXP_VERSION.
const (
	extensionPOSIXRename = "posix-rename@openssh.com"
	extensionHardlink    = "hardlink@openssh.com"
	extensionFSync       = "fsync@openssh.com"
)

// OpenSSH announces each of these extensions at version "1".
func version1(name string) *sshfx.ExtensionPair {
	return &sshfx.ExtensionPair{
		Name: name,
		Data: "1",
	}
}

// ExtensionPOSIXRename returns the posix-rename@openssh.com pair a server announces when it supports POSIXRenameExtendedPacket.
func ExtensionPOSIXRename() *sshfx.ExtensionPair { return version1(extensionPOSIXRename) }

// ExtensionHardlink returns the hardlink@openssh.com pair a server announces when it supports HardlinkExtendedPacket.
func ExtensionHardlink() *sshfx.ExtensionPair { return version1(extensionHardlink) }

// ExtensionFSync returns the fsync@openssh.com pair a server announces when it supports FSyncExtendedPacket.
func ExtensionFSync() *sshfx.ExtensionPair { return version1(extensionFSync) }

// NewExtendedData returns an empty request body for an extension of this package, by its extended-request name.
// It is used to decode the opaque body of a captured SSH_FXP_EXTENDED request.
func NewExtendedData(extendedRequest string) (sshfx.ExtendedData, bool) {
	switch extendedRequest {
	case extensionPOSIXRename:
		return new(POSIXRenameExtendedPacket), true
	case extensionHardlink:
		return new(HardlinkExtendedPacket), true
	case extensionFSync:
		return new(FSyncExtendedPacket), true
	}

	return nil, false
}

func marshalExtended(name string, data sshfx.ExtendedData, reqid uint32, b []byte) (header, payload []byte, err error) {
	p := &sshfx.ExtendedPacket{
		ExtendedRequest: name,
		Data:            data,
	}

	return p.MarshalPacket(reqid, b)
}

// POSIXRenameExtendedPacket renames OldPath to NewPath, replacing NewPath if it exists.
type POSIXRenameExtendedPacket struct {
	OldPath string
	NewPath string
}

// Type returns SSH_FXP_EXTENDED.
func (ep *POSIXRenameExtendedPacket) Type() sshfx.PacketType {
	return sshfx.PacketTypeExtended
}

// MarshalPacket returns ep as a two-part binary encoding of the full extended request.
func (ep *POSIXRenameExtendedPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalExtended(extensionPOSIXRename, ep, reqid, b)
}

// MarshalInto appends the request body: string(oldpath) + string(newpath).
func (ep *POSIXRenameExtendedPacket) MarshalInto(buf *sshfx.Buffer) {
	buf.AppendString(ep.OldPath)
	buf.AppendString(ep.NewPath)
}

// UnmarshalFrom decodes the request body from buf.
func (ep *POSIXRenameExtendedPacket) UnmarshalFrom(buf *sshfx.Buffer) error {
	*ep = POSIXRenameExtendedPacket{
		OldPath: buf.ConsumeString(),
		NewPath: buf.ConsumeString(),
	}

	return buf.Err
}

// HardlinkExtendedPacket creates NewPath as a hard link to the existing OldPath.
type HardlinkExtendedPacket struct {
	OldPath string
	NewPath string
}

// Type returns SSH_FXP_EXTENDED.
func (ep *HardlinkExtendedPacket) Type() sshfx.PacketType {
	return sshfx.PacketTypeExtended
}

// MarshalPacket returns ep as a two-part binary encoding of the full extended request.
func (ep *HardlinkExtendedPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalExtended(extensionHardlink, ep, reqid, b)
}

// MarshalInto appends the request body: string(oldpath) + string(newpath).
func (ep *HardlinkExtendedPacket) MarshalInto(buf *sshfx.Buffer) {
	buf.AppendString(ep.OldPath)
	buf.AppendString(ep.NewPath)
}

// UnmarshalFrom decodes the request body from buf.
func (ep *HardlinkExtendedPacket) UnmarshalFrom(buf *sshfx.Buffer) error {
	*ep = HardlinkExtendedPacket{
		OldPath: buf.ConsumeString(),
		NewPath: buf.ConsumeString(),
	}

	return buf.Err
}

// FSyncExtendedPacket flushes an open file to stable storage on the server.
type FSyncExtendedPacket struct {
	Handle string
}

// Type returns SSH_FXP_EXTENDED.
func (ep *FSyncExtendedPacket) Type() sshfx.PacketType {
	return sshfx.PacketTypeExtended
}

// MarshalPacket returns ep as a two-part binary encoding of the full extended request.
func (ep *FSyncExtendedPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalExtended(extensionFSync, ep, reqid, b)
}

// MarshalInto appends the request body: string(handle).
func (ep *FSyncExtendedPacket) MarshalInto(buf *sshfx.Buffer) {
	buf.AppendString(ep.Handle)
}

// UnmarshalFrom decodes the request body from buf.
func (ep *FSyncExtendedPacket) UnmarshalFrom(buf *sshfx.Buffer) error {
	ep.Handle = buf.ConsumeString()
	return buf.Err
}
