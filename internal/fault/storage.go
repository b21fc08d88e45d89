// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package fault

import (
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Storage provides the bytes behind a fault table.
type Storage interface {
	// Load returns a slice of exactly size bytes. New storage is zero-filled.
	Load(size int) ([]byte, error)

	// Flush persists the slice returned by Load.
	Flush() error

	Close() error
}

// NewStorage selects a backend by name: memory, file or mmap.
func NewStorage(kind, path string) (Storage, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "file":
		return NewFileStorage(path), nil
	case "mmap":
		return NewMmapStorage(path), nil
	default:
		return nil, fmt.Errorf("unknown fault storage %q", kind)
	}
}

// MemoryStorage is a no-op storage (non-persistent).
type MemoryStorage struct{}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) Load(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (ms *MemoryStorage) Flush() error { return nil }

func (ms *MemoryStorage) Close() error { return nil }

// openSized opens path, creating it if necessary, and makes it exactly size bytes long.
func openSized(path string, size int) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize %s: %w", path, err)
		}
	}
	return f, nil
}

// FileStorage keeps the table in memory and writes it back on every Flush.
type FileStorage struct {
	path string
	file *os.File
	data []byte
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{
		path: path,
	}
}

func (fs *FileStorage) Load(size int) ([]byte, error) {
	f, err := openSized(fs.path, size)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	fs.file = f
	fs.data = data
	return data, nil
}

func (fs *FileStorage) Flush() error {
	if fs.data == nil || fs.file == nil {
		return nil
	}
	if _, err := fs.file.WriteAt(fs.data, 0); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

func (fs *FileStorage) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}

// MmapStorage maps the table file into memory; the OS writes it back.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{
		path: path,
	}
}

func (ms *MmapStorage) Load(size int) ([]byte, error) {
	f, err := openSized(ms.path, size)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.file = f
	ms.data = data
	return data, nil
}

func (ms *MmapStorage) Flush() error {
	if ms.data == nil {
		return fmt.Errorf("mmap data is nil")
	}
	return ms.data.Flush()
}

// Close unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
