package sftp

import (
	"io/fs"
	"path"
	"slices"

	kfs "github.com/kr/fs"
)

// remoteFS adapts a Client to the kr/fs FileSystem interface.
type remoteFS struct {
	cl *Client
}

// ReadDir drops the "." and ".." entries some servers list, which the walker would otherwise descend into.
func (r remoteFS) ReadDir(dirname string) ([]fs.FileInfo, error) {
	fis, err := r.cl.Readdir(dirname)

	return slices.DeleteFunc(fis, func(fi fs.FileInfo) bool {
		return isDotEntry(fi.Name())
	}), err
}

func (r remoteFS) Lstat(name string) (fs.FileInfo, error) { return r.cl.LStat(name) }
func (r remoteFS) Join(elem ...string) string             { return path.Join(elem...) }

// Walk returns a new Walker rooted at root.
// The walk uses lstat, so symbolic links are reported, never followed.
func (cl *Client) Walk(root string) *kfs.Walker {
	return kfs.WalkFS(root, remoteFS{cl})
}
