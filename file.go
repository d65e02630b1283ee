package sftp

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"time"
	"unsafe"

	sshfx "github.com/sftpkit/sftp/encoding/ssh/filexfer"
	"github.com/sftpkit/sftp/encoding/ssh/filexfer/openssh"
	"github.com/sftpkit/sftp/internal/sync"
)

// File represents an open file handle.
//
// The methods of File are safe for concurrent use.
type File struct {
	cl   *Client
	name string

	handle handle

	mu     sync.RWMutex
	offset int64 // current offset within remote file
}

// These aliases to the os package values are provided as a convenience to avoid needing two imports to use OpenFile.
const (
	// Exactly one of OpenReadOnly, OpenWriteOnly, OpenReadWrite must be specified.
	OpenFlagReadOnly  = os.O_RDONLY
	OpenFlagWriteOnly = os.O_WRONLY
	OpenFlagReadWrite = os.O_RDWR
	// The remaining values may be or'ed in to control behavior.
	OpenFlagAppend    = os.O_APPEND
	OpenFlagCreate    = os.O_CREATE
	OpenFlagTruncate  = os.O_TRUNC
	OpenFlagExclusive = os.O_EXCL
)

// toPortableFlags converts the flags passed to OpenFile into SFTP flags.
// Unsupported flags are ignored.
func toPortableFlags(f int) uint32 {
	var out uint32

	switch f & (OpenFlagReadOnly | OpenFlagWriteOnly | OpenFlagReadWrite) {
	case OpenFlagReadOnly:
		out |= sshfx.FlagRead
	case OpenFlagWriteOnly:
		out |= sshfx.FlagWrite
	case OpenFlagReadWrite:
		out |= sshfx.FlagRead | sshfx.FlagWrite
	}

	for _, m := range []struct {
		os int
		fx uint32
	}{
		{OpenFlagAppend, sshfx.FlagAppend},
		{OpenFlagCreate, sshfx.FlagCreate},
		{OpenFlagTruncate, sshfx.FlagTruncate},
		{OpenFlagExclusive, sshfx.FlagExclusive},
	} {
		if f&m.os == m.os {
			out |= m.fx
		}
	}

	return out
}

// Open opens the named file for reading.
// If successful, methods on the returned file can be used for reading;
// the associated file handle has mode OpenFlagReadOnly.
func (cl *Client) Open(name string) (*File, error) {
	return cl.OpenFileContext(context.Background(), name, OpenFlagReadOnly, 0)
}

// Create creates or truncates the named file.
// If the file already exists, it is truncated.
// If the file does not exist, it is created with mode 0o666 (before umask).
// If successful, methods on the returned File can be used for I/O;
// the associated file handle has mode OpenFlagReadWrite.
func (cl *Client) Create(name string) (*File, error) {
	return cl.OpenFileContext(context.Background(), name, OpenFlagReadWrite|OpenFlagCreate|OpenFlagTruncate, 0o666)
}

// OpenFile calls OpenFileContext with the background context.
func (cl *Client) OpenFile(name string, flag int, perm fs.FileMode) (*File, error) {
	return cl.OpenFileContext(context.Background(), name, flag, perm)
}

// OpenFileContext is the generalized open call;
// most users can use the simplified Open or Create methods instead.
// It opens the named file with the specified flag (OpenFlagReadOnly, etc.).
// If the file does not exist, and the OpenFileCreate flag is passed, it is created with mode perm (before umask).
// If successful, methods on the returned File can be used for I/O.
//
// Since all writes go through an offset-specifying request, the OpenFlagAppend flag is only passed on to the server.
func (cl *Client) OpenFileContext(ctx context.Context, name string, flag int, perm fs.FileMode) (*File, error) {
	if name == "" {
		return nil, invalidArgument("open", name, "empty path")
	}

	pkt, err := getPacket[sshfx.HandlePacket](ctx, nil, cl, &sshfx.OpenPacket{
		Filename: name,
		PFlags:   toPortableFlags(flag),
		Attrs: sshfx.Attributes{
			Flags:       sshfx.AttrPermissions,
			Permissions: sshfx.FileMode(perm.Perm()),
		},
	})
	if err != nil {
		return nil, wrapPathError("open", name, err)
	}

	f := &File{
		cl:   cl,
		name: name,
	}

	f.handle.init(cl, name, pkt.Handle)

	return f, nil
}

func (f *File) wrapErr(op string, err error) error {
	return wrapPathError(op, f.name, err)
}

// Close closes the File, rendering it unusable for I/O.
// Close will not send any request, and return an error if it has already been called.
func (f *File) Close() error {
	if f == nil {
		return fs.ErrInvalid
	}

	return f.wrapErr("close", f.handle.close(f.cl))
}

// Name returns the name of the file as presented to Open.
//
// It is safe to call Name after Close.
func (f *File) Name() string {
	return f.name
}

func (f *File) setstat(ctx context.Context, attrs *sshfx.Attributes) error {
	if f == nil {
		return fs.ErrInvalid
	}

	handle, closed, err := f.handle.get()
	if err != nil {
		return f.wrapErr("fsetstat", err)
	}

	return f.wrapErr("fsetstat",
		f.cl.sendPacket(ctx, closed, &sshfx.FSetStatPacket{
			Handle: handle,
			Attrs:  *attrs,
		}),
	)
}

// Truncate changes the size of the file.
// It does not change the I/O offset.
func (f *File) Truncate(size int64) error {
	return f.setstat(context.Background(), &sshfx.Attributes{
		Flags: sshfx.AttrSize,
		Size:  uint64(size),
	})
}

// Chmod changes the mode of the file to mode.
func (f *File) Chmod(mode fs.FileMode) error {
	return f.setstat(context.Background(), &sshfx.Attributes{
		Flags:       sshfx.AttrPermissions,
		Permissions: sshfx.FromGoFileMode(mode),
	})
}

// Chown changes the numeric uid and gid of the file.
func (f *File) Chown(uid, gid int) error {
	return f.setstat(context.Background(), &sshfx.Attributes{
		Flags: sshfx.AttrUIDGID,
		UID:   uint32(uid),
		GID:   uint32(gid),
	})
}

// Chtimes sends a request to change the access and modification times of the file.
//
// The server may alter the modification time again when the file is closed.
// Use [Client.Chtimes] after Close to make the times stick.
func (f *File) Chtimes(atime, mtime time.Time) error {
	return f.setstat(context.Background(), &sshfx.Attributes{
		Flags: sshfx.AttrACModTime,
		ATime: uint32(atime.Unix()),
		MTime: uint32(mtime.Unix()),
	})
}

// Stat returns the FileInfo structure describing file.
func (f *File) Stat() (fs.FileInfo, error) {
	if f == nil {
		return nil, fs.ErrInvalid
	}

	handle, closed, err := f.handle.get()
	if err != nil {
		return nil, f.wrapErr("fstat", err)
	}

	pkt, err := getPacket[sshfx.AttrsPacket](context.Background(), closed, f.cl, &sshfx.FStatPacket{
		Handle: handle,
	})
	if err != nil {
		return nil, f.wrapErr("fstat", err)
	}

	return &sshfx.NameEntry{
		Filename: f.name,
		Attrs:    pkt.Attrs,
	}, nil
}

// span is one request of a pipelined transfer.
type span struct {
	reqid uint32
	res   chan result
	off   uint64
	b     []byte
}

// spanErr is a failure of the request covering off.
type spanErr struct {
	off uint64
	err error
}

// firstFailure drains errs until it is closed, and returns the failure at the lowest offset.
// The first failure calls stop, so that no more requests are dispatched.
func firstFailure(errs <-chan spanErr, stop context.CancelFunc) spanErr {
	var first spanErr

	for e := range errs {
		if first.err == nil || e.off <= first.off {
			first = e
		}

		stop()
	}

	return first
}

var errNegativeRead = errors.New("sftp: reader returned negative count")

func (f *File) writeatFull(ctx context.Context, b []byte, off int64) (written int, err error) {
	handle, closed, err := f.handle.get()
	if err != nil {
		return 0, f.wrapErr("writeat", err)
	}

	req := &sshfx.WritePacket{
		Handle: handle,
		Offset: uint64(off),
	}

	for len(b) > 0 {
		b = req.Split(b, f.cl.maxDataLen)

		if err := f.cl.sendPacket(ctx, closed, req); err != nil {
			return written, f.wrapErr("writeat", err)
		}

		written += req.Advance()
	}

	return written, nil
}

// writeat writes b at off.
// A buffer larger than one request is split into concurrent writes at strictly increasing offsets,
// bounded by the in-flight ceiling.
// On failure, written counts the bytes before the lowest failing offset.
func (f *File) writeat(ctx context.Context, b []byte, off int64) (written int, err error) {
	defer func() { f.cl.metrics.transfer(DirectionUpload, written) }()

	if len(b) <= f.cl.maxDataLen {
		return f.writeatFull(ctx, b, off)
	}

	handle, closed, err := f.handle.get()
	if err != nil {
		return 0, f.wrapErr("writeat", err)
	}

	spans := make(chan span, f.cl.maxInflight)
	errs := make(chan spanErr)

	sendCtx, stop := context.WithCancel(ctx)
	defer stop()

	// Dispatch.
	go func() {
		defer close(spans)

		b := b

		req := &sshfx.WritePacket{
			Handle: handle,
			Offset: uint64(off),
		}

		for len(b) > 0 {
			b = req.Split(b, f.cl.maxDataLen)

			reqid, res, err := f.cl.conn.dispatch(sendCtx, closed, req)
			if err != nil {
				errs <- spanErr{req.Offset, err}
				return
			}

			select {
			case spans <- span{reqid: reqid, res: res, off: req.Offset}:
			case <-sendCtx.Done():
				f.cl.conn.discard(res)
				return
			}

			req.Advance()
		}
	}()

	// Receive: every result channel is buffered, so one receiver can take them in order.
	go func() {
		defer close(errs)

		var status sshfx.StatusPacket

		for s := range spans {
			if err := f.cl.recvStatus(ctx, s.reqid, s.res, &status); err != nil {
				// Keep draining spans until it is closed.
				errs <- spanErr{s.off, err}
			}
		}
	}()

	if first := firstFailure(errs, stop); first.err != nil {
		return int(int64(first.off) - off), f.wrapErr("writeat", first.err)
	}

	return len(b), nil
}

// WriteAt writes len(b) bytes to the File starting at byte offset off.
// It returns the number of bytes written and an error, if any.
// WriteAt returns a non-nil error when n != len(b).
func (f *File) WriteAt(b []byte, off int64) (n int, err error) {
	return f.WriteAtContext(context.Background(), b, off)
}

// WriteAtContext is WriteAt, with requests bound to ctx.
func (f *File) WriteAtContext(ctx context.Context, b []byte, off int64) (n int, err error) {
	if f == nil {
		return 0, fs.ErrInvalid
	}

	if off < 0 {
		return 0, f.wrapErr("writeat", fmt.Errorf("%w: negative offset: %d", fs.ErrInvalid, off))
	}

	return f.writeat(ctx, b, off)
}

// Write writes len(b) bytes from b to the File.
// It returns the number of bytes written and an error, if any.
// Write returns a non-nil error when n != len(b)
func (f *File) Write(b []byte) (int, error) {
	if f == nil {
		return 0, fs.ErrInvalid
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.writeat(context.Background(), b, f.offset)
	f.offset += int64(n)

	return n, err
}

// WriteString is like Write, but writes the contents of the string s rather than a slice of bytes.
func (f *File) WriteString(s string) (n int, err error) {
	b := unsafe.Slice(unsafe.StringData(s), len(s))
	return f.Write(b)
}

// readFromSequential writes r to the file one request at a time, in offset order.
// The first error from r, or from a write, ends the transfer; the file is left as written so far.
func (f *File) readFromSequential(ctx context.Context, r io.Reader) (read int64, err error) {
	if f == nil {
		return 0, fs.ErrInvalid
	}

	handle, closed, err := f.handle.get()
	if err != nil {
		return 0, f.wrapErr("readfrom", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.cl.getDataBuf(f.cl.maxDataLen)
	defer f.cl.conn.bufPool.Put(b)

	req := &sshfx.WritePacket{
		Handle: handle,
	}

	for {
		n, err := r.Read(b)
		if n < 0 {
			return read, f.wrapErr("readfrom", errNegativeRead)
		}

		if n > 0 {
			read += int64(n)

			req.Data = b[:n]
			req.Offset = uint64(f.offset)

			err1 := f.cl.sendPacket(ctx, closed, req)
			if err1 == nil {
				f.offset += int64(n)
				f.cl.metrics.transfer(DirectionUpload, n)
			}

			err = cmp.Or(err1, err)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return read, nil
			}

			return read, f.wrapErr("readfrom", err)
		}
	}
}

// ReadFrom calls ReadFromContext with the background context.
func (f *File) ReadFrom(r io.Reader) (read int64, err error) {
	return f.ReadFromContext(context.Background(), r)
}

// ReadFromContext reads data from r until EOF and writes it to the file.
// The return value is the number of bytes read from the Reader.
// Any error except io.EOF encountered during the read or write is also returned.
//
// Writes are pipelined up to the in-flight ceiling,
// so this is preferred over calling Write multiple times,
// especially over high-latency links.
func (f *File) ReadFromContext(ctx context.Context, r io.Reader) (read int64, err error) {
	if f == nil {
		return 0, fs.ErrInvalid
	}

	handle, closed, err := f.handle.get()
	if err != nil {
		return 0, f.wrapErr("readfrom", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	start := f.offset

	spans := make(chan span, f.cl.maxInflight)
	errs := make(chan spanErr)

	sendCtx, stop := context.WithCancel(ctx)
	defer stop()

	// Dispatch: read from r, and dispatch one write per chunk.
	go func() {
		defer close(spans)

		b := f.cl.getDataBuf(f.cl.maxDataLen)
		defer f.cl.conn.bufPool.Put(b)

		req := &sshfx.WritePacket{
			Handle: handle,
			Offset: uint64(start),
		}

		for {
			n, err := r.Read(b)
			if n < 0 {
				errs <- spanErr{req.Offset, errNegativeRead}
				return
			}

			if n > 0 {
				read += int64(n)
				req.Data = b[:n]

				reqid, res, err1 := f.cl.conn.dispatch(sendCtx, closed, req)
				if err1 == nil {
					select {
					case spans <- span{reqid: reqid, res: res, off: req.Offset}:
					case <-sendCtx.Done():
						f.cl.conn.discard(res)
						return
					}

					req.Advance()
				}

				err = cmp.Or(err1, err)
			}

			if err != nil {
				if !errors.Is(err, io.EOF) {
					errs <- spanErr{req.Offset, err}
				}
				return
			}
		}
	}()

	// Receive: the data buffer is reused as soon as dispatch returns, the write having been fully written out.
	go func() {
		defer close(errs)

		var status sshfx.StatusPacket

		for s := range spans {
			if err := f.cl.recvStatus(ctx, s.reqid, s.res, &status); err != nil {
				errs <- spanErr{s.off, err}
			}
		}
	}()

	first := firstFailure(errs, stop)

	if first.err != nil {
		// The lower of the first failed write, or the end of what was read.
		f.offset = int64(first.off)
		f.cl.metrics.transfer(DirectionUpload, int(f.offset-start))

		// ReadFrom returns the bytes read, regardless of any write errors.
		return read, f.wrapErr("readfrom", first.err)
	}

	f.offset = start + read
	f.cl.metrics.transfer(DirectionUpload, int(read))

	return read, nil
}

// readatFull reads the whole length of b from the file starting at off, one request at a time.
// Unlike io.ReadFull, it reuses the read and data packets between requests.
func (f *File) readatFull(ctx context.Context, b []byte, off int64) (read int, err error) {
	handle, closed, err := f.handle.get()
	if err != nil {
		return 0, f.wrapErr("readat", err)
	}

	req := &sshfx.ReadPacket{
		Handle: handle,
		Offset: uint64(off),
	}

	var resp sshfx.DataPacket

	for len(b) > 0 {
		n := min(len(b), f.cl.maxDataLen)

		req.Length = uint32(n)

		// An over-long data packet grows resp.Data.
		// The clip guarantees that growth reallocates, rather than writing past b[:n].
		resp.Data = slices.Clip(b[:n])

		m, err := f.cl.sendRead(ctx, closed, req, &resp)
		if m > n {
			m = copy(b, resp.Data)
		}
		b = b[m:]

		req.Offset += uint64(m)
		read += m

		if err != nil {
			return read, f.wrapErr("readat", err)
		}
	}

	return read, nil
}

func (f *File) readat(ctx context.Context, b []byte, off int64) (read int, err error) {
	defer func() { f.cl.metrics.transfer(DirectionDownload, read) }()

	if len(b) <= f.cl.maxDataLen {
		return f.readatFull(ctx, b, off)
	}

	handle, closed, err := f.handle.get()
	if err != nil {
		return 0, f.wrapErr("readat", err)
	}

	sendCtx, stop := context.WithCancel(ctx)
	defer stop()

	spans := make(chan span, f.cl.maxInflight)
	errs := make(chan spanErr)

	// Dispatch: one read per chunk of b.
	go func() {
		defer close(spans)

		b := b

		req := &sshfx.ReadPacket{
			Handle: handle,
			Offset: uint64(off),
		}

		for len(b) > 0 {
			n := min(len(b), f.cl.maxDataLen)

			req.Length = uint32(n)

			reqid, res, err := f.cl.conn.dispatch(sendCtx, closed, req)
			if err != nil {
				errs <- spanErr{req.Offset, err}
				return
			}

			select {
			case spans <- span{reqid: reqid, res: res, off: req.Offset, b: b[:n]}:
			case <-sendCtx.Done():
				f.cl.conn.discard(res)
				return
			}

			b = b[n:]
			req.Offset += uint64(n)
		}
	}()

	// Receive.
	go func() {
		defer close(errs)

		var resp sshfx.DataPacket

		for s := range spans {
			resp.Data = slices.Clip(s.b)

			n, err := f.cl.recvData(ctx, s.reqid, s.res, &resp)
			if n > len(s.b) {
				n = copy(s.b, resp.Data)
			}

			if n < len(s.b) {
				// A regular file only reads short at end of file.
				err = cmp.Or(err, io.EOF)
			}

			if err != nil {
				errs <- spanErr{s.off + uint64(n), err}
			}
		}
	}()

	if first := firstFailure(errs, stop); first.err != nil {
		return int(int64(first.off) - off), f.wrapErr("readat", first.err)
	}

	return len(b), nil
}

// ReadAt reads len(b) bytes from the File starting at byte offset off.
// It returns the number of bytes read and the error, if any.
// ReadAt always returns a non-nil error when n < len(b).
// At the end of file, the error is io.EOF.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	if f == nil {
		return 0, fs.ErrInvalid
	}

	if off < 0 {
		return 0, f.wrapErr("readat", fmt.Errorf("%w: negative offset: %d", fs.ErrInvalid, off))
	}

	return f.readat(context.Background(), b, off)
}

// Read reads up to len(b) bytes from the File and stores them in b.
// It returns the number of bytes read and any error encountered.
// At end of file, Read returns 0, io.EOF.
func (f *File) Read(b []byte) (int, error) {
	if f == nil {
		return 0, fs.ErrInvalid
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.readat(context.Background(), b, f.offset)

	f.offset += int64(n)

	if errors.Is(err, io.EOF) && n != 0 {
		return n, nil
	}

	return n, err
}

// WriteTo calls WriteToContext with the background context.
func (f *File) WriteTo(w io.Writer) (written int64, err error) {
	return f.WriteToContext(context.Background(), w)
}

// WriteToContext writes the file to the given Writer.
// The return value is the number of bytes written, which may be different than the bytes read.
// Any error encountered during the write is also returned.
//
// Reads are pipelined up to the in-flight ceiling,
// so this is preferred over calling Read multiple times,
// especially over high latency links.
func (f *File) WriteToContext(ctx context.Context, w io.Writer) (written int64, err error) {
	if f == nil {
		return 0, fs.ErrInvalid
	}

	handle, closed, err := f.handle.get()
	if err != nil {
		return 0, f.wrapErr("writeto", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	defer func() { f.cl.metrics.transfer(DirectionDownload, int(written)) }()

	chunkSize := f.cl.maxDataLen

	spans := make(chan span, f.cl.maxInflight)

	// Once the writing below has ended, all dispatching needs to unconditionally stop.
	sendCtx, stop := context.WithCancel(ctx)

	defer func() {
		stop() // must happen before the drain.

		for s := range spans {
			f.cl.conn.discardBlocking(s.res)
		}
	}()

	var dispatchErr error

	// Dispatch: reads past the end of file are fine, the first EOF stops the transfer.
	go func() {
		defer close(spans)

		req := &sshfx.ReadPacket{
			Handle: handle,
			Offset: uint64(f.offset),
			Length: uint32(chunkSize),
		}

		for {
			reqid, res, err := f.cl.conn.dispatch(sendCtx, closed, req)
			if err != nil {
				dispatchErr = err
				return
			}

			select {
			case spans <- span{reqid: reqid, res: res, off: req.Offset}:
			case <-sendCtx.Done():
				f.cl.conn.discard(res)
				return
			}

			req.Offset += uint64(chunkSize)
		}
	}()

	hint := f.cl.getDataBuf(chunkSize)
	defer f.cl.conn.bufPool.Put(hint)

	resp := sshfx.DataPacket{
		Data: hint,
	}

	// Requests were dispatched in offset order, so they are received in offset order.
	for s := range spans {
		n, recvErr := f.cl.recvData(ctx, s.reqid, s.res, &resp)
		n = min(n, chunkSize)

		f.offset = int64(s.off) + int64(n)

		if n > 0 {
			n, err := w.Write(resp.Data[:n])
			written += int64(n)

			if err != nil {
				return written, err
			}
		}

		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				return written, nil
			}

			return written, f.wrapErr("writeto", recvErr)
		}
	}

	return written, f.wrapErr("writeto", dispatchErr)
}

// WriteFile writes data to the named file, creating it if necessary.
// If the file does not exist, WriteFile creates it with permissions perm (before umask);
// otherwise WriteFile truncates it before writing, without changing permissions.
// A failure mid-operation can leave the file in a partially written state.
func (cl *Client) WriteFile(name string, data []byte, perm fs.FileMode) error {
	f, err := cl.OpenFile(name, OpenFlagWriteOnly|OpenFlagCreate|OpenFlagTruncate, perm)
	if err != nil {
		return err
	}

	_, err = f.Write(data)

	return cmp.Or(err, f.Close())
}

// ReadFile reads the named file and returns the contents.
// A successful call returns err == nil, not err == EOF.
//
// ReadFile stats the open file to size its buffer.
// Some "read once" servers delete a file once it is stat'ed while open, so use Download for those.
func (cl *Client) ReadFile(name string) ([]byte, error) {
	f, err := cl.Open(name)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)

	// Don't trust the file size for pre-allocation unless it is a regular file.
	if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
		size := fi.Size()
		if int64(int(size)) == size {
			buf.Grow(int(size))
		}
	}

	_, err = f.WriteTo(buf)

	return buf.Bytes(), cmp.Or(err, f.Close())
}

// These aliases to the io package values are provided as a convenience to avoid needing two imports to use Seek.
const (
	SeekStart   = io.SeekStart   // seek relative to the origin of the file
	SeekCurrent = io.SeekCurrent // seek relative to the current offset
	SeekEnd     = io.SeekEnd     // seek relative to the end
)

// Seek sets the offset for the next Read or Write on file to offset,
// interpreted according to whence:
// SeekStart means relative to the origin of the file,
// SeekCurrent means relative to the current offset,
// and SeekEnd means relative to the end.
// It returns the new offset and an error, if any.
//
// A whence of SeekEnd makes an SSH_FXP_FSTAT request on the file handle.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f == nil {
		return 0, fs.ErrInvalid
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var abs int64
	switch whence {
	case SeekStart:
		abs = offset
	case SeekCurrent:
		abs = f.offset + offset
	case SeekEnd:
		fi, err := f.Stat()
		if err != nil {
			return 0, err
		}
		abs = fi.Size() + offset
	default:
		return 0, f.wrapErr("seek", fmt.Errorf("%w: invalid whence: %d", fs.ErrInvalid, whence))
	}

	if abs < 0 {
		return 0, f.wrapErr("seek", fmt.Errorf("%w: negative offset: %d", fs.ErrInvalid, abs))
	}

	f.offset = abs
	return abs, nil
}

// Sync commits the current contents of the file to stable storage.
//
// If the server did not announce support for the "fsync@openssh.com" extension,
// then no request will be sent,
// and Sync returns an *fs.PathError wrapping sshfx.StatusOPUnsupported.
func (f *File) Sync() error {
	if f == nil {
		return fs.ErrInvalid
	}

	handle, closed, err := f.handle.get()
	if err != nil {
		return f.wrapErr("fsync", err)
	}

	if !f.cl.hasExtension(openssh.ExtensionFSync()) {
		return f.wrapErr("fsync", sshfx.StatusOPUnsupported)
	}

	return f.wrapErr("fsync",
		f.cl.sendPacket(context.Background(), closed, &openssh.FSyncExtendedPacket{
			Handle: handle,
		}),
	)
}
