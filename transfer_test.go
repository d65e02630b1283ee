package sftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	sshfx "github.com/sftpkit/sftp/encoding/ssh/filexfer"
)

func download(t *testing.T, cl *Client, name string) []byte {
	t.Helper()

	s, err := cl.Download(context.Background(), name)
	require.NoError(t, err)

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	return got
}

func TestRoundTrip(t *testing.T) {
	uploads := map[string]func(cl *Client, data []byte, remote string) error{
		"bytes": func(cl *Client, data []byte, remote string) error {
			return cl.UploadBytes(context.Background(), data, remote)
		},
		"stream": func(cl *Client, data []byte, remote string) error {
			// A reader without a size, so the upload cannot know the length up front.
			return cl.UploadStream(context.Background(), io.MultiReader(bytes.NewReader(data)), remote)
		},
		"file": func(cl *Client, data []byte, remote string) error {
			local := filepath.Join(t.TempDir(), "local")
			if err := os.WriteFile(local, data, 0o644); err != nil {
				return err
			}
			return cl.UploadFile(context.Background(), local, remote)
		},
	}

	contents := map[string][]byte{
		"hello": []byte("hello"),
		"49000": patterned(49000),
		"empty": {},
	}

	for _, readAhead := range []int{1, 4} {
		for _, chunk := range []int{1000, DefaultChunkSize} {
			cl, dir := newTestClient(t, WithReadAhead(readAhead), WithChunkSize(chunk))

			for upName, upload := range uploads {
				for dataName, data := range contents {
					name := fmt.Sprintf("readahead=%d/chunk=%d/%s/%s", readAhead, chunk, upName, dataName)

					t.Run(name, func(t *testing.T) {
						remote := filepath.Join(dir, upName+"-"+dataName)

						require.NoError(t, upload(cl, data, remote))

						onDisk, err := os.ReadFile(remote)
						require.NoError(t, err)
						assert.True(t, bytes.Equal(data, onDisk), "uploaded contents differ")

						got := download(t, cl, remote)
						assert.True(t, bytes.Equal(data, got), "downloaded contents differ: %d != %d bytes", len(got), len(data))

						assert.Zero(t, cl.OpenHandles())
					})
				}
			}
		}
	}
}

func TestUploadReplacesContents(t *testing.T) {
	cl, dir := newTestClient(t, WithFileMode(0o600))
	ctx := context.Background()

	remote := filepath.Join(dir, "file")
	writeLocal(t, remote, patterned(1000))

	require.NoError(t, cl.UploadBytes(ctx, []byte("short"), remote))

	got, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "short", string(got))

	fresh := filepath.Join(dir, "fresh")
	require.NoError(t, cl.UploadBytes(ctx, nil, fresh))

	fi, err := os.Stat(fresh)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), fi.Mode().Perm())
}

func TestUploadErrors(t *testing.T) {
	cl, dir := newTestClient(t, WithChunkSize(100))
	ctx := context.Background()

	assert.ErrorIs(t, cl.UploadStream(ctx, nil, filepath.Join(dir, "nil")), fs.ErrInvalid)
	assert.ErrorIs(t, cl.UploadFile(ctx, "", filepath.Join(dir, "x")), fs.ErrInvalid)
	assert.ErrorIs(t, cl.UploadFile(ctx, filepath.Join(dir, "missing"), filepath.Join(dir, "x")), fs.ErrNotExist)
	assert.ErrorIs(t, cl.UploadBytes(ctx, []byte("x"), filepath.Join(dir, "no", "such", "dir")), fs.ErrNotExist)

	// A failing source leaves what was written so far.
	boom := errors.New("boom")
	remote := filepath.Join(dir, "partial")

	err := cl.UploadStream(ctx, &failingReader{data: patterned(250), err: boom}, remote)
	assert.ErrorIs(t, err, boom)

	got, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Len(t, got, 250)

	assert.Zero(t, cl.OpenHandles())
}

func TestDownloadErrors(t *testing.T) {
	cl, dir := newTestClient(t)
	ctx := context.Background()

	_, err := cl.Download(ctx, filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, KindNoSuchPath, KindOf(err))

	remote := filepath.Join(dir, "file")
	writeLocal(t, remote, []byte("data"))

	s, err := cl.Download(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, remote, s.Name())

	require.NoError(t, s.Close())

	_, err = s.Read(make([]byte, 4))
	assert.ErrorIs(t, err, fs.ErrClosed)

	assert.Zero(t, cl.OpenHandles())
}

func TestDownloadWriteTo(t *testing.T) {
	cl, dir := newTestClient(t, WithChunkSize(512), WithReadAhead(3))

	remote := filepath.Join(dir, "file")
	want := patterned(10_000)
	writeLocal(t, remote, want)

	s, err := cl.Download(context.Background(), remote)
	require.NoError(t, err)
	defer s.Close()

	// Consume part of the stream first, to exercise the buffered remainder.
	head := make([]byte, 100)
	_, err = io.ReadFull(s, head)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := s.WriteTo(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, len(want)-100, n)
	assert.True(t, bytes.Equal(want, append(head, buf.Bytes()...)))
}

func TestDownloadInflightCeiling(t *testing.T) {
	t.Run("read ahead above ceiling", func(t *testing.T) {
		cl, dir := newTestClient(t, WithMaxInflight(2), WithReadAhead(4), WithChunkSize(1000))
		assert.Equal(t, 2, cl.readAhead)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		remote := filepath.Join(dir, "file")
		want := patterned(49000)
		require.NoError(t, cl.UploadBytes(ctx, want, remote))

		s, err := cl.Download(ctx, remote)
		require.NoError(t, err)
		defer s.Close()

		got, err := io.ReadAll(s)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got))
	})

	t.Run("concurrent streams", func(t *testing.T) {
		cfg := validConfig()
		cfg.Transfer.MaxInflight = 4
		cfg.Transfer.ReadAhead = 4
		cfg.Transfer.ChunkSize = 100
		require.NoError(t, cfg.Validate())

		cl, dir := newTestClient(t, cfg.ClientOptions()...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		want := patterned(20000)

		var names []string
		for i := range 3 {
			remote := filepath.Join(dir, fmt.Sprint("file", i))
			writeLocal(t, remote, want)
			names = append(names, remote)
		}

		// Together the streams want more reads outstanding than the ceiling allows.
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range names {
			g.Go(func() error {
				s, err := cl.Download(gctx, name)
				if err != nil {
					return err
				}
				defer s.Close()

				var buf bytes.Buffer
				if _, err := io.Copy(&buf, s); err != nil {
					return err
				}

				if !bytes.Equal(want, buf.Bytes()) {
					return fmt.Errorf("%s: contents differ: %d != %d bytes", name, buf.Len(), len(want))
				}
				return nil
			})
		}

		require.NoError(t, g.Wait())
		assert.Zero(t, cl.OpenHandles())
	})
}

func readRequest(t *testing.T, reqs <-chan *sshfx.RawPacket) (uint32, *sshfx.ReadPacket) {
	t.Helper()

	select {
	case raw := <-reqs:
		require.NotNil(t, raw)
		require.Equal(t, sshfx.PacketTypeRead, raw.PacketType)

		var req sshfx.ReadPacket
		require.NoError(t, req.UnmarshalPacketBody(&raw.Data))
		return raw.RequestID, &req

	case <-time.After(time.Second):
		t.Fatal("no read request")
		return 0, nil
	}
}

func TestDownloadBackpressure(t *testing.T) {
	cl, srv := newFakeServer(t, nil, WithChunkSize(4), WithReadAhead(2))

	reqs := srv.requests()

	opened := make(chan *DownloadStream, 1)
	go func() {
		s, err := cl.Download(context.Background(), "/f")
		assert.NoError(t, err)
		opened <- s
	}()

	raw := <-reqs
	require.Equal(t, sshfx.PacketTypeOpen, raw.PacketType)
	require.NoError(t, srv.reply(raw.RequestID, &sshfx.HandlePacket{Handle: "h"}))

	s := <-opened
	require.NotNil(t, s)

	type read struct {
		data string
		err  error
	}

	next := func() <-chan read {
		ch := make(chan read, 1)
		go func() {
			b := make([]byte, 16)
			n, err := s.Read(b)
			ch <- read{string(b[:n]), err}
		}()
		return ch
	}

	// No reads are issued before the stream is consumed.
	select {
	case raw := <-reqs:
		t.Fatalf("unexpected %s before the first read", raw.PacketType)
	case <-time.After(20 * time.Millisecond):
	}

	res := next()

	id0, r0 := readRequest(t, reqs)
	id4, r4 := readRequest(t, reqs)
	assert.EqualValues(t, 0, r0.Offset)
	assert.EqualValues(t, 4, r4.Offset)
	assert.EqualValues(t, 4, r0.Length)

	// The window is full.
	select {
	case raw := <-reqs:
		t.Fatalf("read ahead exceeded: %s", raw.PacketType)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, srv.reply(id0, &sshfx.DataPacket{Data: []byte("abcd")}))
	got := <-res
	require.NoError(t, got.err)
	assert.Equal(t, "abcd", got.data)

	// Consuming a chunk refills the window by one.
	res = next()

	id8, r8 := readRequest(t, reqs)
	assert.EqualValues(t, 8, r8.Offset)

	// A short reply abandons the reads beyond it, and reading resumes where it ended.
	require.NoError(t, srv.reply(id4, &sshfx.DataPacket{Data: []byte("ef")}))
	got = <-res
	require.NoError(t, got.err)
	assert.Equal(t, "ef", got.data)

	res = next()

	id6, r6 := readRequest(t, reqs)
	id10, r10 := readRequest(t, reqs)
	assert.EqualValues(t, 6, r6.Offset)
	assert.EqualValues(t, 10, r10.Offset)

	require.NoError(t, srv.reply(id8, &sshfx.DataPacket{Data: []byte("late")}))
	require.NoError(t, srv.status(id6, sshfx.StatusEOF))
	require.NoError(t, srv.status(id10, sshfx.StatusEOF))

	got = <-res
	assert.ErrorIs(t, got.err, io.EOF)
	assert.Empty(t, got.data)

	closed := make(chan error, 1)
	go func() {
		closed <- s.Close()
	}()

	raw = <-reqs
	require.Equal(t, sshfx.PacketTypeClose, raw.PacketType)
	require.NoError(t, srv.status(raw.RequestID, sshfx.StatusOK))

	assert.NoError(t, <-closed)
	assert.Zero(t, cl.OpenHandles())
}

func TestDownloadServerError(t *testing.T) {
	cl, srv := newFakeServer(t, nil, WithChunkSize(4))

	reqs := srv.requests()

	opened := make(chan *DownloadStream, 1)
	go func() {
		s, err := cl.Download(context.Background(), "/f")
		assert.NoError(t, err)
		opened <- s
	}()

	raw := <-reqs
	require.NoError(t, srv.reply(raw.RequestID, &sshfx.HandlePacket{Handle: "h"}))
	s := <-opened

	errs := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(s)
		errs <- err
	}()

	id, _ := readRequest(t, reqs)
	require.NoError(t, srv.status(id, sshfx.StatusPermissionDenied))

	err := <-errs
	assert.ErrorIs(t, err, fs.ErrPermission)

	// The failure is sticky.
	_, err = s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, fs.ErrPermission)

	go func() {
		raw := <-reqs
		srv.status(raw.RequestID, sshfx.StatusOK)
	}()
	assert.NoError(t, s.Close())
}
