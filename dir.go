package sftp

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"path"
	"slices"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	sshfx "github.com/sftpkit/sftp/encoding/ssh/filexfer"
	"github.com/sftpkit/sftp/internal/sync"
)

// Dir represents an open directory handle.
//
// The methods of Dir are safe for concurrent use.
type Dir struct {
	cl   *Client
	name string

	handle handle

	mu      sync.RWMutex
	entries []*sshfx.NameEntry
}

// OpenDir calls OpenDirContext with the background context.
func (cl *Client) OpenDir(name string) (*Dir, error) {
	return cl.OpenDirContext(context.Background(), name)
}

// OpenDirContext opens the named directory for reading.
// If successful, methods on the returned Dir can be used for reading.
func (cl *Client) OpenDirContext(ctx context.Context, name string) (*Dir, error) {
	if name == "" {
		return nil, invalidArgument("opendir", name, "empty path")
	}

	pkt, err := getPacket[sshfx.HandlePacket](ctx, nil, cl, &sshfx.OpenDirPacket{
		Path: name,
	})
	if err != nil {
		return nil, wrapPathError("opendir", name, err)
	}

	d := &Dir{
		cl:   cl,
		name: name,
	}

	d.handle.init(cl, name, pkt.Handle)

	return d, nil
}

func (d *Dir) wrapErr(op string, err error) error {
	return wrapPathError(op, d.name, err)
}

// Close closes the Dir, rendering it unusable for I/O.
// Close will not send any request, and return an error if it has already been called.
func (d *Dir) Close() error {
	if d == nil {
		return fs.ErrInvalid
	}

	return d.wrapErr("close", d.handle.close(d.cl))
}

// Name returns the name of the directory as presented to OpenDir.
func (d *Dir) Name() string {
	return d.name
}

// rangedir iterates over the entries of the directory, in server order.
// Entries left over from an early break are saved, and yielded first on the next call.
// The iteration ends with io.EOF at the end of the directory.
//
// Callers must hold d.mu.
func (d *Dir) rangedir(ctx context.Context) iter.Seq2[*sshfx.NameEntry, error] {
	return func(yield func(v *sshfx.NameEntry, err error) bool) {
		for i, ent := range d.entries {
			if !yield(ent, nil) {
				d.entries = slices.Delete(d.entries, 0, i+1)
				return
			}
		}

		d.entries = d.entries[:0]

		for {
			handle, closed, err := d.handle.get()
			if err != nil {
				yield(nil, err)
				return
			}

			pkt, err := getPacket[sshfx.NamePacket](ctx, closed, d.cl, &sshfx.ReadDirPacket{
				Handle: handle,
			})
			if err != nil {
				// A response carries either entries or an error, never both.
				yield(nil, err)
				return
			}

			for i, entry := range pkt.Entries {
				if !yield(entry, nil) {
					d.entries = append(d.entries, pkt.Entries[i+1:]...)
					return
				}
			}
		}
	}
}

// collect reads up to n entries, or all of the remaining entries if n <= 0.
func collect[T any](ctx context.Context, d *Dir, n int, conv func(*sshfx.NameEntry) T) ([]T, error) {
	if d == nil {
		return nil, fs.ErrInvalid
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var ret []T

	for ent, err := range d.rangedir(ctx) {
		if err != nil {
			if errors.Is(err, io.EOF) && (n <= 0 || len(ret) > 0) {
				return ret, nil
			}

			return ret, d.wrapErr("readdir", err)
		}

		ret = append(ret, conv(ent))

		if n > 0 && len(ret) >= n {
			break
		}
	}

	return ret, nil
}

// Readdir calls ReaddirContext with the background context.
func (d *Dir) Readdir(n int) ([]fs.FileInfo, error) {
	return d.ReaddirContext(context.Background(), n)
}

// ReaddirContext reads the contents of the directory and returns a slice of up to n [fs.FileInfo] values,
// in directory order.
// Subsequent calls on the same Dir yield later records.
//
// If n > 0, at most n records are returned, and an empty slice comes with an error explaining why.
// At the end of a directory, the error is io.EOF.
//
// If n <= 0, all of the remaining records are returned, and a successful read returns a nil error.
func (d *Dir) ReaddirContext(ctx context.Context, n int) ([]fs.FileInfo, error) {
	return collect(ctx, d, n, func(e *sshfx.NameEntry) fs.FileInfo { return e })
}

// ReadDir calls ReadDirContext with the background context.
func (d *Dir) ReadDir(n int) ([]fs.DirEntry, error) {
	return d.ReadDirContext(context.Background(), n)
}

// ReadDirContext is ReaddirContext returning [fs.DirEntry] values.
func (d *Dir) ReadDirContext(ctx context.Context, n int) ([]fs.DirEntry, error) {
	return collect(ctx, d, n, func(e *sshfx.NameEntry) fs.DirEntry { return e })
}

// Readdir reads the named directory, returning all its directory entries as [fs.FileInfo] sorted by filename.
// If an error occurs reading the directory,
// Readdir returns the entries it was able to read before the error, along with the error.
func (cl *Client) Readdir(name string) ([]fs.FileInfo, error) {
	d, err := cl.OpenDir(name)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	fis, err := d.Readdir(0)

	slices.SortFunc(fis, func(a, b fs.FileInfo) int {
		return cmp.Compare(a.Name(), b.Name())
	})

	return fis, err
}

// ReadDir calls ReadDirContext with the background context.
func (cl *Client) ReadDir(name string) ([]fs.DirEntry, error) {
	return cl.ReadDirContext(context.Background(), name)
}

// ReadDirContext reads the named directory, returning all its directory entries sorted by filename.
// If an error occurs reading the directory, including the context being canceled,
// ReadDirContext returns the entries it was able to read before the error, along with the error.
func (cl *Client) ReadDirContext(ctx context.Context, name string) ([]fs.DirEntry, error) {
	d, err := cl.OpenDirContext(ctx, name)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	ents, err := d.ReadDirContext(ctx, 0)

	slices.SortFunc(ents, func(a, b fs.DirEntry) int {
		return cmp.Compare(a.Name(), b.Name())
	})

	return ents, err
}

func isDotEntry(name string) bool {
	return name == "." || name == ".."
}

// List returns the entries of the named directory in server order, without the "." and ".." entries.
// The directory handle is closed before List returns, whether or not it succeeds.
func (cl *Client) List(ctx context.Context, name string) (ents []DirectoryEntry, err error) {
	if name == "" {
		return nil, invalidArgument("opendir", name, "empty path")
	}

	d, err := cl.OpenDirContext(ctx, name)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err1 := d.Close(); err == nil {
			err = err1
		}
	}()

	raw, err := collect(ctx, d, 0, func(e *sshfx.NameEntry) *sshfx.NameEntry { return e })
	if err != nil {
		return nil, err
	}

	ents = make([]DirectoryEntry, 0, len(raw))

	for _, e := range raw {
		if isDotEntry(e.Filename) {
			continue
		}

		ents = append(ents, newDirectoryEntry(e))
	}

	return ents, nil
}

// Mkdir calls MkdirContext with the background context.
func (cl *Client) Mkdir(name string, perm fs.FileMode) error {
	return cl.MkdirContext(context.Background(), name, perm)
}

// MkdirContext creates the specified directory.
//
// If the path already exists as a directory, the error wraps fs.ErrExist.
// If it exists as anything else, the error wraps both fs.ErrExist, and syscall.ENOTDIR.
func (cl *Client) MkdirContext(ctx context.Context, name string, perm fs.FileMode) error {
	if name == "" {
		return invalidArgument("mkdir", name, "empty path")
	}

	err := cl.sendPacket(ctx, nil, &sshfx.MkdirPacket{
		Path: name,
		Attrs: sshfx.Attributes{
			Flags:       sshfx.AttrPermissions,
			Permissions: sshfx.FileMode(perm.Perm()),
		},
	})

	if errors.Is(err, sshfx.StatusFailure) || errors.Is(err, fs.ErrExist) {
		// Version 3 servers report an existing path only as a generic failure.
		if fi, err1 := cl.LStatContext(ctx, name); err1 == nil {
			if fi.IsDir() {
				err = fmt.Errorf("%w: %w", fs.ErrExist, err)
			} else {
				err = fmt.Errorf("%w: %w", fs.ErrExist, syscall.ENOTDIR)
			}
		}
	}

	return wrapPathError("mkdir", name, err)
}

// MkdirAll calls MkdirAllContext with the background context.
func (cl *Client) MkdirAll(name string, perm fs.FileMode) error {
	return cl.MkdirAllContext(context.Background(), name, perm)
}

// MkdirAllContext creates a directory named path, along with any necessary parents.
// Each prefix of the path is created in order, and a prefix that is already a directory is skipped.
// If the path is already a directory, MkdirAllContext does nothing and returns nil.
func (cl *Client) MkdirAllContext(ctx context.Context, name string, perm fs.FileMode) error {
	if name == "" {
		return invalidArgument("mkdir", name, "empty path")
	}

	var prefix string
	if strings.HasPrefix(name, "/") {
		prefix = "/"
	}

	for seg := range strings.SplitSeq(name, "/") {
		if seg == "" {
			continue
		}

		prefix = path.Join(prefix, seg)

		err := cl.MkdirContext(ctx, prefix, perm)
		if err != nil && (!errors.Is(err, fs.ErrExist) || errors.Is(err, syscall.ENOTDIR)) {
			return err
		}
	}

	return nil
}

// Rmdir calls RmdirContext with the background context.
func (cl *Client) Rmdir(name string) error {
	return cl.RmdirContext(context.Background(), name)
}

// RmdirContext removes the named empty directory.
func (cl *Client) RmdirContext(ctx context.Context, name string) error {
	if name == "" {
		return invalidArgument("rmdir", name, "empty path")
	}

	return wrapPathError("rmdir", name,
		cl.sendPacket(ctx, nil, &sshfx.RmdirPacket{
			Path: name,
		}),
	)
}

// RemoveAll removes the named directory and everything it contains.
//
// The children of each directory are removed concurrently, symbolic links are removed rather than followed.
// The first failure cancels the removals still pending, and is returned.
// Anything removed before the failure stays removed.
func (cl *Client) RemoveAll(ctx context.Context, name string) error {
	if name == "" {
		return invalidArgument("rmdir", name, "empty path")
	}

	return cl.removeAll(ctx, name)
}

func (cl *Client) removeAll(ctx context.Context, dir string) error {
	d, err := cl.OpenDirContext(ctx, dir)
	if err != nil {
		return err
	}

	ents, err := d.ReaddirContext(ctx, 0)
	if err1 := d.Close(); err == nil {
		err = err1
	}
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, fi := range ents {
		if isDotEntry(fi.Name()) {
			continue
		}

		child := path.Join(dir, fi.Name())

		if fi.IsDir() {
			g.Go(func() error {
				return cl.removeAll(gctx, child)
			})
			continue
		}

		g.Go(func() error {
			return cl.Delete(gctx, child)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return cl.RmdirContext(ctx, dir)
}
