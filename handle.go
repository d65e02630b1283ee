package sftp

import (
	"context"
	"io/fs"
	"sync/atomic"

	sshfx "github.com/sftpkit/sftp/encoding/ssh/filexfer"
)

// handle is a server-issued file or directory handle.
// It is closed exactly once: the first close swaps out the handle value,
// so any later close, or any request started after it, sees fs.ErrClosed.
type handle struct {
	value  atomic.Pointer[string]
	closed chan struct{}
	name   string
}

func (h *handle) init(cl *Client, name, handle string) {
	h.name = name
	h.value.Store(&handle)
	h.closed = make(chan struct{})

	cl.handles.Store(h, name)
	cl.metrics.handleOpened()
}

func (h *handle) get() (handle string, cancel <-chan struct{}, err error) {
	p := h.value.Load()
	if p == nil {
		return "", nil, fs.ErrClosed
	}
	return *p, h.closed, nil
}

func (h *handle) close(cl *Client) error {
	// openssh sftp-server marks a handle unused on SSH_FXP_CLOSE no matter the outcome,
	// so the local copy is invalidated unconditionally as well.
	handle := h.value.Swap(nil)
	if handle == nil {
		return fs.ErrClosed
	}

	// Only one caller can get here.
	// Closing h.closed happens before the CLOSE request,
	// so no request from this handle can be dispatched after it.
	close(h.closed)

	if _, loaded := cl.handles.LoadAndDelete(h); loaded {
		cl.metrics.handleClosed()
	}

	// Never pass h.closed, nor a caller context, here:
	// the CLOSE request must go out even on a canceled code path.
	return cl.sendPacket(context.Background(), nil, &sshfx.ClosePacket{
		Handle: *handle,
	})
}

// OpenHandles returns the number of file and directory handles currently open on this client.
func (cl *Client) OpenHandles() int {
	return cl.handles.Len()
}
