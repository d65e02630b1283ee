package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	sshfx "github.com/sftpkit/sftp/encoding/ssh/filexfer"
)

// Errors returned by the client and session, in addition to the io/fs sentinels.
var (
	// ErrConnect is wrapped by every error from establishing a session:
	// dialing, authentication, host key verification, opening the channel, or the SFTP handshake.
	ErrConnect = errors.New("sftp: connect failed")

	// ErrConnectionClosed is returned for any request attempted without a live connection,
	// and for every request still pending when the connection goes away.
	ErrConnectionClosed = errors.New("sftp: connection closed")

	// ErrRequestTimeout is returned when a response does not arrive within the request timeout.
	ErrRequestTimeout = fmt.Errorf("sftp: request timed out: %w", context.DeadlineExceeded)
)

// Kind classifies an error returned from this package.
type Kind int

// Error kinds.
const (
	KindNone Kind = iota
	KindConnect
	KindConnectionClosed
	KindNoSuchPath
	KindAlreadyExists
	KindPermissionDenied
	KindInvalidArgument
	KindMalformedFrame
	KindUnsupportedOperation
	KindTimeout
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindConnect:
		return "ConnectError"
	case KindConnectionClosed:
		return "ConnectionClosed"
	case KindNoSuchPath:
		return "NoSuchPath"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindMalformedFrame:
		return "MalformedFrame"
	case KindUnsupportedOperation:
		return "UnsupportedOperation"
	case KindTimeout:
		return "Timeout"
	case KindFailure:
		return "Failure"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindOf classifies err.
// A nil error is KindNone, and any error not otherwise recognized is KindFailure.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConnect):
		return KindConnect
	case errors.Is(err, ErrConnectionClosed):
		return KindConnectionClosed
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, fs.ErrNotExist):
		return KindNoSuchPath
	case errors.Is(err, fs.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, sshfx.ErrMalformedFrame):
		return KindMalformedFrame
	case errors.Is(err, errors.ErrUnsupported):
		return KindUnsupportedOperation
	case errors.Is(err, fs.ErrInvalid):
		return KindInvalidArgument
	}

	return KindFailure
}

func closedError(cause error) error {
	if cause == nil || errors.Is(cause, ErrConnectionClosed) {
		return ErrConnectionClosed
	}

	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

func statusToError(status *sshfx.StatusPacket, okExpected bool) error {
	switch status.StatusCode {
	case sshfx.StatusOK:
		if !okExpected {
			return fmt.Errorf("sftp: unexpected %s", sshfx.StatusOK)
		}
		return nil

	case sshfx.StatusEOF:
		return io.EOF

	case sshfx.StatusNoConnection, sshfx.StatusConnectionLost:
		return closedError(status)
	}

	return status
}

func wrapPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) {
		// callers compare against bare io.EOF.
		return io.EOF
	}

	return &fs.PathError{Op: op, Path: path, Err: err}
}

func wrapLinkError(op, oldpath, newpath string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) {
		return io.EOF
	}

	return &os.LinkError{Op: op, Old: oldpath, New: newpath, Err: err}
}

func invalidArgument(op, path, reason string) error {
	return &fs.PathError{Op: op, Path: path, Err: fmt.Errorf("%w: %s", fs.ErrInvalid, reason)}
}
