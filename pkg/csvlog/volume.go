package csvlog

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/src-d/go-billy.v4"
	"gopkg.in/src-d/go-billy.v4/memfs"
	"gopkg.in/src-d/go-billy.v4/osfs"
)

// Volume is the storage a Pipeline writes its files to.
type Volume interface {
	Exists(path string) bool
	// OpenFile opens path for writing, creating it if needed. With append
	// set existing content is kept, otherwise it is truncated.
	OpenFile(path string, append bool) (io.WriteCloser, error)
}

// busySink is implemented by sinks that can be temporarily unable to take
// data, e.g. a card still committing a previous block.
type busySink interface {
	Busy() bool
}

// BillyVolume is a Volume on a go-billy filesystem.
type BillyVolume struct {
	fs billy.Filesystem
}

// NewDirVolume returns a volume rooted at dir on the local disk.
func NewDirVolume(dir string) *BillyVolume {
	return &BillyVolume{fs: osfs.New(dir)}
}

// NewMemVolume returns an in-memory volume.
func NewMemVolume() *BillyVolume {
	return &BillyVolume{fs: memfs.New()}
}

func (v *BillyVolume) Filesystem() billy.Filesystem { return v.fs }

func (v *BillyVolume) Exists(path string) bool {
	_, err := v.fs.Stat(path)
	return err == nil
}

func (v *BillyVolume) OpenFile(path string, append bool) (io.WriteCloser, error) {
	flag := os.O_CREATE | os.O_WRONLY
	if append {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := v.fs.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", v.fs.Join(v.fs.Root(), path))
	}
	return f, nil
}
