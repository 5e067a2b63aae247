/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package fs

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
)

// Disk is the local-filesystem Backend. Every fileID maps 1:1 to a path
// under basepath; directories are created lazily on first write.
type Disk struct {
	basepath string

	mu    sync.Mutex
	fixed map[string]int64 // fileIDs created via CreateSized, and their declared size
}

// NewDisk returns a Disk backend rooted at basepath.
func NewDisk(basepath string) *Disk {
	return &Disk{basepath: basepath, fixed: make(map[string]int64)}
}

func (d *Disk) path(fileID string) string {
	return filepath.Join(d.basepath, filepath.FromSlash(fileID))
}

func (d *Disk) open(fileID string, flag int) (*os.File, error) {
	p := d.path(fileID)
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return nil, err
	}
	return os.OpenFile(p, flag, 0640)
}

func (d *Disk) CreateSized(fileID string, size int64) error {
	f, err := d.open(fileID, os.O_RDWR|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return &IOError{"CreateSized", fileID, err}
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return &IOError{"CreateSized", fileID, err}
	}
	d.mu.Lock()
	d.fixed[fileID] = size
	d.mu.Unlock()
	return nil
}

func (d *Disk) WriteAt(fileID string, offset int64, data []byte) error {
	d.mu.Lock()
	size, isFixed := d.fixed[fileID]
	d.mu.Unlock()
	if isFixed && offset+int64(len(data)) > size {
		return &IOError{"WriteAt", fileID, ErrFixedSizeExceeded}
	}
	f, err := d.open(fileID, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return &IOError{"WriteAt", fileID, err}
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return &IOError{"WriteAt", fileID, err}
	}
	return nil
}

func (d *Disk) Append(fileID string, data []byte) (int64, error) {
	d.mu.Lock()
	_, isFixed := d.fixed[fileID]
	d.mu.Unlock()
	if isFixed {
		return 0, &IOError{"Append", fileID, ErrAppendNotAllowed}
	}
	f, err := d.open(fileID, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return 0, &IOError{"Append", fileID, err}
	}
	defer f.Close()
	offset, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		return 0, &IOError{"Append", fileID, err}
	}
	if _, err := f.Write(data); err != nil {
		return 0, &IOError{"Append", fileID, err}
	}
	return offset, nil
}

func (d *Disk) ReadAt(fileID string, offset int64, length int) ([]byte, error) {
	f, err := os.Open(d.path(fileID))
	if err != nil {
		return nil, &IOError{"ReadAt", fileID, ErrNotExist}
	}
	defer f.Close()
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if n == length {
		return buf, nil
	}
	if err != nil {
		return nil, &IOError{"ReadAt", fileID, ErrRangeExceedsFile}
	}
	return nil, &IOError{"ReadAt", fileID, ErrRangeExceedsFile}
}

func (d *Disk) ReadAll(fileID string) ([]byte, error) {
	data, err := os.ReadFile(d.path(fileID))
	if err != nil {
		return nil, &IOError{"ReadAll", fileID, ErrNotExist}
	}
	return data, nil
}

func (d *Disk) Len(fileID string) (int64, error) {
	st, err := os.Stat(d.path(fileID))
	if err != nil {
		return 0, &IOError{"Len", fileID, ErrNotExist}
	}
	return st.Size(), nil
}

func (d *Disk) Exists(fileID string) (bool, error) {
	_, err := os.Stat(d.path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &IOError{"Exists", fileID, err}
	}
	return true, nil
}

func (d *Disk) Remove(fileID string) error {
	d.mu.Lock()
	delete(d.fixed, fileID)
	d.mu.Unlock()
	if err := os.Remove(d.path(fileID)); err != nil && !os.IsNotExist(err) {
		return &IOError{"Remove", fileID, err}
	}
	return nil
}

func (d *Disk) WriteAllAtomic(fileID string, data []byte) error {
	p := d.path(fileID)
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return &IOError{"WriteAllAtomic", fileID, err}
	}
	if err := atomic.WriteFile(p, bytes.NewReader(data)); err != nil {
		return &IOError{"WriteAllAtomic", fileID, err}
	}
	return nil
}

func (d *Disk) Sync(fileID string) error {
	f, err := d.open(fileID, os.O_RDWR)
	if err != nil {
		return &IOError{"Sync", fileID, err}
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return &IOError{"Sync", fileID, err}
	}
	return nil
}

func (d *Disk) List(category string) ([]Descriptor, error) {
	root := d.path(category)
	var out []Descriptor
	err := filepath.WalkDir(filepath.Dir(root), func(p string, de os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if de.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.basepath, p)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(rel)
		if !strings.HasPrefix(id, category) {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		out = append(out, Descriptor{ID: id, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, &IOError{"List", category, err}
	}
	SortDescriptors(out)
	return out, nil
}
