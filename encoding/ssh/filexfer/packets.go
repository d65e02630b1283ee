package sshfx

import (
	"errors"
	"fmt"
)

// startRequest starts marshaling a request whose body begins with one string, a path or a handle.
// The size of any fields the caller appends after it is given in extra,
// and only matters when b is too small to be reused.
func startRequest(typ PacketType, reqid uint32, b []byte, first string, extra int) *Buffer {
	buf := NewBuffer(b)
	if buf.Cap() < 9 {
		buf = NewMarshalBuffer(4 + len(first) + extra)
	}

	buf.StartPacket(typ, reqid)
	buf.AppendString(first)

	return buf
}

// bodyError names the packet type in a failure to decode its body.
// The cause is kept wrapped, so that ErrMalformedFrame still matches.
func bodyError(typ PacketType, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s body: %w", typ, err)
}

// NewRequestPacket returns a new, empty request packet of the given type.
// It is used to decode captured client traffic.
//
// Unknown, and response types, return an error wrapping errors.ErrUnsupported.
func NewRequestPacket(typ PacketType) (Packet, error) {
	switch typ {
	case PacketTypeOpen:
		return new(OpenPacket), nil
	case PacketTypeClose:
		return new(ClosePacket), nil
	case PacketTypeRead:
		return new(ReadPacket), nil
	case PacketTypeWrite:
		return new(WritePacket), nil
	case PacketTypeLStat:
		return new(LStatPacket), nil
	case PacketTypeFStat:
		return new(FStatPacket), nil
	case PacketTypeSetstat:
		return new(SetStatPacket), nil
	case PacketTypeFSetstat:
		return new(FSetStatPacket), nil
	case PacketTypeOpenDir:
		return new(OpenDirPacket), nil
	case PacketTypeReadDir:
		return new(ReadDirPacket), nil
	case PacketTypeRemove:
		return new(RemovePacket), nil
	case PacketTypeMkdir:
		return new(MkdirPacket), nil
	case PacketTypeRmdir:
		return new(RmdirPacket), nil
	case PacketTypeRealPath:
		return new(RealPathPacket), nil
	case PacketTypeStat:
		return new(StatPacket), nil
	case PacketTypeRename:
		return new(RenamePacket), nil
	case PacketTypeReadLink:
		return new(ReadLinkPacket), nil
	case PacketTypeSymlink:
		return new(SymlinkPacket), nil
	case PacketTypeExtended:
		return new(ExtendedPacket), nil
	default:
		return nil, fmt.Errorf("%w: unexpected request packet type: %v", errors.ErrUnsupported, typ)
	}
}

// NewResponsePacket returns a new, empty response packet of the given type.
//
// Unknown, and request types, return an error wrapping errors.ErrUnsupported.
func NewResponsePacket(typ PacketType) (Packet, error) {
	switch typ {
	case PacketTypeStatus:
		return new(StatusPacket), nil
	case PacketTypeHandle:
		return new(HandlePacket), nil
	case PacketTypeData:
		return new(DataPacket), nil
	case PacketTypeName:
		return new(NamePacket), nil
	case PacketTypeAttrs:
		return new(AttrsPacket), nil
	case PacketTypeExtendedReply:
		return new(ExtendedReplyPacket), nil
	default:
		return nil, fmt.Errorf("%w: unexpected response packet type: %v", errors.ErrUnsupported, typ)
	}
}
