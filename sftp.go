// Package sftp implements an SSH File Transfer Protocol (version 3) client,
// as described in https://filezilla-project.org/specs/draft-ietf-secsh-filexfer-02.txt
//
// A [Client] multiplexes concurrent requests over a single SFTP channel,
// correlating responses to requests purely by request id.
// A [Session] owns the SSH transport and the client, and drives the connection lifecycle.
package sftp

import (
	sshfx "github.com/sftpkit/sftp/encoding/ssh/filexfer"
)

const sftpProtocolVersion = sshfx.ProtocolVersion

// Default transfer tunables.
const (
	DefaultMaxInflight = 64
	DefaultReadAhead   = 1
	DefaultChunkSize   = sshfx.DefaultMaxDataLength
	DefaultFileMode    = 0o644
)
