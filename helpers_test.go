package sftp

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	pkgsftp "github.com/pkg/sftp"
	"github.com/stretchr/testify/require"

	sshfx "github.com/sftpkit/sftp/encoding/ssh/filexfer"
	"github.com/sftpkit/sftp/internal/sync"
)

type pipeConn struct {
	io.Reader
	io.WriteCloser
}

// newServerPipe starts an in-process SFTP server, and returns the client side of its pipes.
func newServerPipe(t *testing.T) (io.Reader, io.WriteCloser) {
	t.Helper()

	cr, sw := io.Pipe()
	sr, cw := io.Pipe()

	srv, err := pkgsftp.NewServer(pipeConn{sr, sw})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve()
	}()

	t.Cleanup(func() {
		cw.Close()
		sw.Close()
		<-done
	})

	return cr, cw
}

// newTestClient connects a client to an in-process SFTP server,
// and returns it along with an empty directory to work in.
func newTestClient(t *testing.T, opts ...ClientOption) (*Client, string) {
	t.Helper()

	rd, wr := newServerPipe(t)

	cl, err := NewClientPipe(context.Background(), rd, wr, opts...)
	require.NoError(t, err)

	t.Cleanup(func() { cl.Close() })

	return cl, t.TempDir()
}

func writeLocal(t *testing.T, name string, data []byte) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, data, 0o644))
}

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// fakeServer is a scripted server: the test reads each request, and decides when and how to answer it.
type fakeServer struct {
	rd *sshfx.FrameReader
	wr io.WriteCloser

	wmu sync.Mutex
}

func newFakeServer(t *testing.T, exts map[string]string, opts ...ClientOption) (*Client, *fakeServer) {
	t.Helper()

	cr, sw := io.Pipe()
	sr, cw := io.Pipe()

	srv := &fakeServer{
		rd: sshfx.NewFrameReader(sr, 0),
		wr: sw,
	}

	errch := make(chan error, 1)
	go func() {
		var init sshfx.InitPacket
		if err := init.ReadFrom(sr, nil, 0); err != nil {
			errch <- err
			return
		}

		ver := &sshfx.VersionPacket{
			Version: sftpProtocolVersion,
		}
		for name, data := range exts {
			ver.Extensions = append(ver.Extensions, &sshfx.ExtensionPair{Name: name, Data: data})
		}

		b, err := ver.MarshalBinary()
		if err == nil {
			_, err = sw.Write(b)
		}
		errch <- err
	}()

	cl, err := NewClientPipe(context.Background(), cr, cw, opts...)
	require.NoError(t, err)
	require.NoError(t, <-errch)

	t.Cleanup(func() {
		cl.Close()
		sw.Close()
		sr.Close()
	})

	return cl, srv
}

// next reads the next request sent by the client.
func (s *fakeServer) next() (*sshfx.RawPacket, error) {
	raw := new(sshfx.RawPacket)
	if err := s.rd.ReadPacket(raw, nil); err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *fakeServer) mustNext(t *testing.T) *sshfx.RawPacket {
	t.Helper()

	raw, err := s.next()
	require.NoError(t, err)
	return raw
}

func (s *fakeServer) reply(reqid uint32, pkt sshfx.PacketMarshaller) error {
	header, payload, err := pkt.MarshalPacket(reqid, nil)
	if err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if _, err := s.wr.Write(header); err != nil {
		return err
	}

	if len(payload) > 0 {
		_, err = s.wr.Write(payload)
	}
	return err
}

// write sends raw bytes, which need not end on a frame boundary.
func (s *fakeServer) write(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.wr.Write(b)
	return err
}

func (s *fakeServer) status(reqid uint32, code sshfx.Status) error {
	return s.reply(reqid, &sshfx.StatusPacket{StatusCode: code})
}

// hangup closes the server side of the connection.
func (s *fakeServer) hangup() {
	s.wr.Close()
}

// requests collects every request the client sends onto a channel, until the connection closes.
func (s *fakeServer) requests() <-chan *sshfx.RawPacket {
	ch := make(chan *sshfx.RawPacket, 256)

	go func() {
		defer close(ch)

		for {
			raw, err := s.next()
			if err != nil {
				return
			}
			ch <- raw
		}
	}()

	return ch
}

func statPath(t *testing.T, raw *sshfx.RawPacket) string {
	t.Helper()

	require.Equal(t, sshfx.PacketTypeStat, raw.PacketType)

	var req sshfx.StatPacket
	require.NoError(t, req.UnmarshalPacketBody(&raw.Data))
	return req.Path
}
