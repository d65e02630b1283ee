package sftp

import (
	"fmt"
	"io/fs"
	"strings"
	"time"

	sshfx "github.com/sftpkit/sftp/encoding/ssh/filexfer"
)

// EntryType is the kind of a directory entry, as shown by the first character of an `ls -l` line.
type EntryType byte

// Entry types.
const (
	EntryFile      EntryType = '-'
	EntryDirectory EntryType = 'd'
	EntrySymlink   EntryType = 'l'
	EntryOther     EntryType = '?'
)

// String returns the single character code of the entry type.
func (t EntryType) String() string {
	return string(rune(t))
}

func entryTypeOf(c byte) EntryType {
	switch EntryType(c) {
	case EntryFile, EntryDirectory, EntrySymlink:
		return EntryType(c)
	}
	return EntryOther
}

// Rights are the permission triplets of an entry, with every unset position removed.
// A full set of permissions is "rwx", a read-only one is "r", and no permissions are "".
type Rights struct {
	User  string
	Group string
	Other string
}

// String returns the rights in the form "user/group/other".
func (r Rights) String() string {
	return r.User + "/" + r.Group + "/" + r.Other
}

// DirectoryEntry is one entry of a directory listing.
type DirectoryEntry struct {
	Type       EntryType
	Name       string
	Size       int64
	ModifyTime time.Time
	AccessTime time.Time
	Rights     Rights
	Owner      uint32
	Group      uint32

	// Longname is the `ls -l` style line from the server, which may be empty.
	Longname string
}

// ErrShortLongname is returned from ParseLongname when the line cannot hold a type and three permission triplets.
var ErrShortLongname = fmt.Errorf("%w: long name too short", fs.ErrInvalid)

// ParseLongname parses the type character and permission triplets at the start of an `ls -l` style line,
// such as "drwxr-x---    2 user group 4096 Jan  1 00:00 name".
//
// The special execute markers 's' and 't' count as execute, while 'S' and 'T' count as no execute.
func ParseLongname(longname string) (EntryType, Rights, error) {
	if len(longname) < 10 {
		return EntryOther, Rights{}, ErrShortLongname
	}

	return entryTypeOf(longname[0]), Rights{
		User:  triplet(longname[1:4]),
		Group: triplet(longname[4:7]),
		Other: triplet(longname[7:10]),
	}, nil
}

func triplet(s string) string {
	var b strings.Builder

	for i := range len(s) {
		switch c := s[i]; c {
		case '-', 'S', 'T':
		case 's', 't':
			b.WriteByte('x')
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// rightsFromMode builds the rights from the attribute permission bits,
// for servers that send no usable long name.
func rightsFromMode(perm sshfx.FileMode) Rights {
	bits := func(shift uint) string {
		var b strings.Builder
		for i, c := range "rwx" {
			if perm&(1<<(shift+2-uint(i))) != 0 {
				b.WriteRune(c)
			}
		}
		return b.String()
	}

	return Rights{
		User:  bits(6),
		Group: bits(3),
		Other: bits(0),
	}
}

func entryTypeFromMode(perm sshfx.FileMode) EntryType {
	switch perm & sshfx.ModeType {
	case sshfx.ModeRegular:
		return EntryFile
	case sshfx.ModeDir:
		return EntryDirectory
	case sshfx.ModeSymlink:
		return EntrySymlink
	}
	return EntryOther
}

// newDirectoryEntry converts a name entry from SSH_FXP_READDIR.
func newDirectoryEntry(e *sshfx.NameEntry) DirectoryEntry {
	ent := DirectoryEntry{
		Name:       e.Filename,
		Size:       int64(e.Attrs.Size),
		ModifyTime: time.Unix(int64(e.Attrs.MTime), 0),
		AccessTime: time.Unix(int64(e.Attrs.ATime), 0),
		Owner:      e.Attrs.UID,
		Group:      e.Attrs.GID,
		Longname:   e.Longname,
	}

	typ, rights, err := ParseLongname(e.Longname)
	if err != nil {
		perm, ok := e.Attrs.GetPermissions()
		if !ok {
			ent.Type = EntryOther
			return ent
		}

		typ, rights = entryTypeFromMode(perm), rightsFromMode(perm)
	}

	ent.Type, ent.Rights = typ, rights

	return ent
}
