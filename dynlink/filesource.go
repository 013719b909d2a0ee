package dynlink

import (
	"io"
	"os"

	"github.com/anillo-os/kernel-core/internal/errkind"
)

// FileSource is the I/O boundary the loader reads images through (§4.4):
// "read exact bytes at an offset", "open a dependency by name", and "copy a
// path for rpath/@loader_path resolution diagnostics". Abstracting this out
// keeps the bytecode interpreters below testable against an in-memory
// implementation, without needing real files on disk.
type FileSource interface {
	ReadExact(name string, offset int64, buf []byte) error
	OpenByName(name string) (io.ReadCloser, error)
	CopyPath(name string) (string, error)
}

// OSFileSource resolves images from the local filesystem, trying each
// directory in SearchPaths in order (the production FileSource; tests use
// an in-memory one instead).
type OSFileSource struct {
	SearchPaths []string
}

func (s OSFileSource) resolve(name string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	for _, dir := range s.SearchPaths {
		candidate := dir + "/" + name
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errkind.New(errkind.NoSuchResource, "dynlink.filesource.resolve")
}

func (s OSFileSource) ReadExact(name string, offset int64, buf []byte) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return errkind.Wrap(errkind.NoSuchResource, "dynlink.filesource.read_exact", err)
	}
	defer f.Close()
	if _, err := f.ReadAt(buf, offset); err != nil {
		return errkind.Wrap(errkind.TemporaryOutage, "dynlink.filesource.read_exact", err)
	}
	return nil
}

func (s OSFileSource) OpenByName(name string) (io.ReadCloser, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.NoSuchResource, "dynlink.filesource.open_by_name", err)
	}
	return f, nil
}

func (s OSFileSource) CopyPath(name string) (string, error) {
	return s.resolve(name)
}
