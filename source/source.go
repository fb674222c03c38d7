package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/wnxd/microdbg/debugger"
	"github.com/wnxd/microdbg/filesystem"
)

// EnvLibraryPath names the environment variable read by Env.
const EnvLibraryPath = "RTLD_LIBRARY_PATH"

var ErrNotFound = debugger.ErrModuleNotFound

// Source produces the raw bytes of a module by name.
type Source interface {
	Open(ctx context.Context, name string) ([]byte, error)
}

// Map serves modules from memory, keyed by name.
type Map map[string][]byte

func (m Map) Open(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, nil
}

type dirs struct {
	fsys fs.FS
	dirs []string
}

// Dirs searches each directory of fsys in order. Names containing a slash
// are opened as given.
func Dirs(fsys fs.FS, dir ...string) Source {
	return &dirs{fsys: fsys, dirs: dir}
}

func (d *dirs) Open(ctx context.Context, name string) ([]byte, error) {
	return search(ctx, name, d.dirs, path.Join, func(p string) ([]byte, error) {
		return fs.ReadFile(d.fsys, strings.TrimPrefix(p, "/"))
	})
}

type paths []string

// Paths searches host directories in order.
func Paths(dir ...string) Source {
	return paths(dir)
}

func (p paths) Open(ctx context.Context, name string) ([]byte, error) {
	return search(ctx, name, p, filepath.Join, os.ReadFile)
}

// Env searches the directories listed in RTLD_LIBRARY_PATH.
func Env() Source {
	return Paths(filepath.SplitList(os.Getenv(EnvLibraryPath))...)
}

type fsSource struct {
	fsys filesystem.FS
	dirs []string
}

// FS searches the directories of a microdbg file system.
func FS(fsys filesystem.FS, dir ...string) Source {
	return &fsSource{fsys: fsys, dirs: dir}
}

func (s *fsSource) Open(ctx context.Context, name string) ([]byte, error) {
	return search(ctx, name, s.dirs, path.Join, func(p string) ([]byte, error) {
		f, err := filesystem.Open(s.fsys, p)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	})
}

// Chain tries each source in order and returns the first hit.
type Chain []Source

func (c Chain) Open(ctx context.Context, name string) ([]byte, error) {
	for _, src := range c {
		data, err := src.Open(ctx, name)
		if err == nil {
			return data, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func search(ctx context.Context, name string, dirs []string, join func(...string) string, read func(string) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.ContainsRune(name, '/') {
		data, err := read(name)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, name, err)
		}
		return data, err
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		data, err := read(join(dir, name))
		if err == nil {
			return data, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}
