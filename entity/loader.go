package entity

import (
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/najoast/hive/entity/mesh"
)

// ErrUnknownExtension is returned when no loader handles a file extension.
var ErrUnknownExtension = errors.New("unknown extension")

// Loader turns the content of one resource file into an Entity.
type Loader interface {
	Load(name string, r io.Reader) (Entity, error)
}

// LoaderFunc adapts a function to a Loader.
type LoaderFunc func(name string, r io.Reader) (Entity, error)

// Load calls f(name, r).
func (f LoaderFunc) Load(name string, r io.Reader) (Entity, error) {
	return f(name, r)
}

// Loaders maps a lower-case file extension, without the dot, to its loader.
type Loaders map[string]Loader

// DefaultLoaders returns the loaders for every built-in entity kind.
func DefaultLoaders() Loaders {
	return Loaders{
		"obj": LoaderFunc(loadOBJ),
	}
}

// For returns the loader for path, or ErrUnknownExtension.
func (l Loaders) For(path string) (Loader, string, error) {
	ext := extension(path)
	loader, ok := l[ext]
	if !ok {
		return nil, ext, ErrUnknownExtension
	}
	return loader, ext, nil
}

func extension(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

func loadOBJ(_ string, r io.Reader) (Entity, error) {
	m, err := mesh.Load(r)
	if err != nil {
		return nil, err
	}
	return MeshEntity{Mesh: m}, nil
}
