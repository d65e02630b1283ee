package sftp

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"slices"

	"go.uber.org/multierr"

	sshfx "github.com/sftpkit/sftp/encoding/ssh/filexfer"
	"github.com/sftpkit/sftp/internal/sync"
)

// DownloadStream is a remote file being read in offset order.
//
// It only requests data as it is consumed:
// at most ReadAhead read requests are outstanding at any time,
// so a slow consumer holds back the transfer rather than buffering the file in memory.
type DownloadStream struct {
	f   *File
	ctx context.Context

	readAhead int
	chunkSize int

	mu      sync.Mutex
	pending []span // outstanding reads, in offset order
	next    uint64 // offset of the next read to dispatch
	hint    []byte
	buf     []byte // received, but not yet consumed
	err     error
}

// Download opens the named file for reading, and returns a stream of its contents.
// The stream must be closed, which also closes the remote file handle.
//
// Every read request of the stream is bound to ctx.
func (cl *Client) Download(ctx context.Context, name string) (*DownloadStream, error) {
	f, err := cl.OpenFileContext(ctx, name, OpenFlagReadOnly, 0)
	if err != nil {
		return nil, err
	}

	return &DownloadStream{
		f:         f,
		ctx:       ctx,
		readAhead: cl.readAhead,
		chunkSize: cl.maxDataLen,
		hint:      cl.getDataBuf(cl.maxDataLen),
	}, nil
}

// Name returns the remote name of the file being downloaded.
func (s *DownloadStream) Name() string {
	return s.f.name
}

// fill dispatches reads until the read ahead window is full,
// or until the in-flight ceiling is reached with at least one read outstanding.
func (s *DownloadStream) fill() error {
	handle, closed, err := s.f.handle.get()
	if err != nil {
		return err
	}

	req := &sshfx.ReadPacket{
		Handle: handle,
		Length: uint32(s.chunkSize),
	}

	for len(s.pending) < s.readAhead {
		req.Offset = s.next

		var (
			reqid uint32
			res   chan result
		)

		if len(s.pending) == 0 {
			reqid, res, err = s.f.cl.conn.dispatch(s.ctx, closed, req)
		} else {
			// Holding slots already, so only take free ones: the reads held are received next.
			var ok bool
			reqid, res, ok, err = s.f.cl.conn.tryDispatch(closed, req)
			if err == nil && !ok {
				return nil
			}
		}

		if err != nil {
			return err
		}

		s.pending = append(s.pending, span{reqid: reqid, res: res, off: req.Offset})
		s.next += uint64(s.chunkSize)
	}

	return nil
}

// abandon gives up on every outstanding read.
func (s *DownloadStream) abandon() {
	for _, p := range s.pending {
		s.f.cl.conn.discard(p.res)
	}

	s.pending = s.pending[:0]
}

// advance receives the next chunk into s.buf.
func (s *DownloadStream) advance() error {
	if err := s.fill(); err != nil {
		return err
	}

	p := s.pending[0]
	s.pending = slices.Delete(s.pending, 0, 1)

	resp := sshfx.DataPacket{
		Data: slices.Clip(s.hint[:s.chunkSize]),
	}

	n, err := s.f.cl.recvData(s.ctx, p.reqid, p.res, &resp)
	if err != nil {
		return err
	}

	if n > s.chunkSize {
		n = copy(s.hint[:s.chunkSize], resp.Data)
	}

	if n == 0 {
		// No progress can be made from an empty reply.
		return io.EOF
	}

	if n < s.chunkSize {
		// The reads already in flight were issued past the bytes missing from this reply.
		// Drop them, and continue reading from where this reply ended.
		s.abandon()
		s.next = p.off + uint64(n)
	}

	s.buf = s.hint[:n]
	s.f.cl.metrics.transfer(DirectionDownload, n)

	return nil
}

// Read reads up to len(b) bytes of the file into b.
// At the end of the file, Read returns 0, io.EOF.
func (s *DownloadStream) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}

		if err := s.advance(); err != nil {
			s.fail(err)
		}
	}

	n := copy(b, s.buf)
	s.buf = s.buf[n:]

	return n, nil
}

// WriteTo writes the rest of the file to w.
func (s *DownloadStream) WriteTo(w io.Writer) (written int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.buf) > 0 {
			n, err := w.Write(s.buf)
			written += int64(n)
			s.buf = s.buf[n:]

			if err != nil {
				return written, err
			}
		}

		if s.err != nil {
			if errors.Is(s.err, io.EOF) {
				return written, nil
			}
			return written, s.err
		}

		if err := s.advance(); err != nil {
			s.fail(err)
		}
	}
}

// fail makes err sticky, and gives up on the outstanding reads.
func (s *DownloadStream) fail(err error) {
	s.abandon()

	if errors.Is(err, io.EOF) {
		s.err = io.EOF
		return
	}

	s.err = s.f.wrapErr("read", err)
}

// Close discards any outstanding reads, and closes the remote file.
func (s *DownloadStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.abandon()
	s.buf = nil

	if s.err == nil {
		s.err = s.f.wrapErr("read", fs.ErrClosed)
	}

	if s.hint != nil {
		s.f.cl.conn.bufPool.Put(s.hint)
		s.hint = nil
	}

	return s.f.Close()
}

// openForUpload creates or truncates the remote file.
func (cl *Client) openForUpload(ctx context.Context, name string) (*File, error) {
	return cl.OpenFileContext(ctx, name, OpenFlagWriteOnly|OpenFlagCreate|OpenFlagTruncate, cl.filePerm)
}

// UploadFile copies the local file to the remote path, pipelining writes up to the in-flight ceiling.
// The remote file is created or truncated first.
func (cl *Client) UploadFile(ctx context.Context, localPath, remotePath string) (err error) {
	if localPath == "" {
		return invalidArgument("upload", localPath, "empty local path")
	}

	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	f, err := cl.openForUpload(ctx, remotePath)
	if err != nil {
		return err
	}

	_, err = f.ReadFromContext(ctx, src)

	return multierr.Append(err, f.Close())
}

// UploadBytes writes b as the whole contents of the remote path.
// The result includes the result of closing the remote file.
func (cl *Client) UploadBytes(ctx context.Context, b []byte, remotePath string) error {
	f, err := cl.openForUpload(ctx, remotePath)
	if err != nil {
		return err
	}

	_, err = f.WriteAtContext(ctx, b, 0)

	return multierr.Append(err, f.Close())
}

// UploadStream writes everything read from r to the remote path, one request per chunk, in offset order.
// On failure the partially written remote file is left in place.
func (cl *Client) UploadStream(ctx context.Context, r io.Reader, remotePath string) error {
	if r == nil {
		return invalidArgument("upload", remotePath, "nil reader")
	}

	f, err := cl.openForUpload(ctx, remotePath)
	if err != nil {
		return err
	}

	_, err = f.readFromSequential(ctx, r)

	return multierr.Append(err, f.Close())
}
