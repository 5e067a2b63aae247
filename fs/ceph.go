//go:build ceph

/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

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
	"encoding/json"
	"errors"
	"path"
	"strings"
	"sync"

	"github.com/ceph/go-ceph/rados"
)

// CephConfig describes how to reach a RADOS pool. Build with -tags=ceph to
// compile this backend in; see ceph_stub.go for the no-ceph default.
type CephConfig struct {
	UserName    string // e.g. "client.admin"
	ClusterName string // often "ceph"
	ConfFile    string // optional conf path; falls back to CEPH_CONF/defaults
	Pool        string
	Prefix      string
}

// Ceph is the RADOS-backed Backend. RADOS has no append primitive, so Append
// is implemented as stat-then-write-at-offset, same trade-off as S3.
type Ceph struct {
	cfg CephConfig

	mu     sync.Mutex
	conn   *rados.Conn
	ioctx  *rados.IOContext
	opened bool

	fixedMu sync.Mutex
	fixed   map[string]int64

	// manifest of object names under cfg.Prefix, since plain librados has no
	// cheap prefix listing; kept as a single small object, read-modify-write
	// on every Remove/List just like the teacher's per-shard log manifest.
	manifestObj string
}

// NewCeph returns a Ceph backend. The connection opens lazily on first use.
func NewCeph(cfg CephConfig) *Ceph {
	return &Ceph{cfg: cfg, fixed: make(map[string]int64), manifestObj: path.Join(strings.TrimSuffix(cfg.Prefix, "/"), "MANIFEST")}
}

func (c *Ceph) ensureOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return
	}
	conn, err := rados.NewConnWithClusterAndUser(c.cfg.ClusterName, c.cfg.UserName)
	if err != nil {
		panic(err)
	}
	if c.cfg.ConfFile != "" {
		if err := conn.ReadConfigFile(c.cfg.ConfFile); err != nil {
			panic(err)
		}
	} else {
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		panic(err)
	}
	ioctx, err := conn.OpenIOContext(c.cfg.Pool)
	if err != nil {
		conn.Shutdown()
		panic(err)
	}
	c.conn = conn
	c.ioctx = ioctx
	c.opened = true
}

func (c *Ceph) obj(fileID string) string {
	pfx := strings.TrimSuffix(c.cfg.Prefix, "/")
	if pfx == "" {
		return fileID
	}
	return path.Join(pfx, fileID)
}

func (c *Ceph) manifest() map[string]bool {
	c.ensureOpen()
	stat, err := c.ioctx.Stat(c.manifestObj)
	if err != nil || stat.Size == 0 {
		return map[string]bool{}
	}
	raw := make([]byte, stat.Size)
	n, err := c.ioctx.Read(c.manifestObj, raw, 0)
	if err != nil {
		return map[string]bool{}
	}
	var ids []string
	if json.Unmarshal(raw[:n], &ids) != nil {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func (c *Ceph) recordInManifest(fileID string) {
	m := c.manifest()
	if m[fileID] {
		return
	}
	m[fileID] = true
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	raw, _ := json.Marshal(ids)
	_ = c.ioctx.WriteFull(c.manifestObj, raw)
}

func (c *Ceph) removeFromManifest(fileID string) {
	m := c.manifest()
	if !m[fileID] {
		return
	}
	delete(m, fileID)
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	raw, _ := json.Marshal(ids)
	_ = c.ioctx.WriteFull(c.manifestObj, raw)
}

func (c *Ceph) CreateSized(fileID string, size int64) error {
	c.ensureOpen()
	if err := c.ioctx.WriteFull(c.obj(fileID), make([]byte, size)); err != nil {
		return &IOError{"CreateSized", fileID, err}
	}
	c.fixedMu.Lock()
	c.fixed[fileID] = size
	c.fixedMu.Unlock()
	c.recordInManifest(fileID)
	return nil
}

func (c *Ceph) WriteAt(fileID string, offset int64, data []byte) error {
	c.ensureOpen()
	c.fixedMu.Lock()
	size, isFixed := c.fixed[fileID]
	c.fixedMu.Unlock()
	if isFixed && offset+int64(len(data)) > size {
		return &IOError{"WriteAt", fileID, ErrFixedSizeExceeded}
	}
	if err := c.ioctx.Write(c.obj(fileID), data, uint64(offset)); err != nil {
		return &IOError{"WriteAt", fileID, err}
	}
	c.recordInManifest(fileID)
	return nil
}

func (c *Ceph) Append(fileID string, data []byte) (int64, error) {
	c.ensureOpen()
	c.fixedMu.Lock()
	_, isFixed := c.fixed[fileID]
	c.fixedMu.Unlock()
	if isFixed {
		return 0, &IOError{"Append", fileID, ErrAppendNotAllowed}
	}
	stat, err := c.ioctx.Stat(c.obj(fileID))
	var offset uint64
	if err == nil {
		offset = stat.Size
	}
	if err := c.ioctx.Write(c.obj(fileID), data, offset); err != nil {
		return 0, &IOError{"Append", fileID, err}
	}
	c.recordInManifest(fileID)
	return int64(offset), nil
}

func (c *Ceph) ReadAt(fileID string, offset int64, length int) ([]byte, error) {
	c.ensureOpen()
	buf := make([]byte, length)
	n, err := c.ioctx.Read(c.obj(fileID), buf, uint64(offset))
	if err != nil || n != length {
		return nil, &IOError{"ReadAt", fileID, ErrRangeExceedsFile}
	}
	return buf, nil
}

func (c *Ceph) ReadAll(fileID string) ([]byte, error) {
	c.ensureOpen()
	stat, err := c.ioctx.Stat(c.obj(fileID))
	if err != nil {
		return nil, &IOError{"ReadAll", fileID, ErrNotExist}
	}
	buf := make([]byte, stat.Size)
	n, err := c.ioctx.Read(c.obj(fileID), buf, 0)
	if err != nil {
		return nil, &IOError{"ReadAll", fileID, err}
	}
	return buf[:n], nil
}

func (c *Ceph) Len(fileID string) (int64, error) {
	c.ensureOpen()
	stat, err := c.ioctx.Stat(c.obj(fileID))
	if err != nil {
		return 0, &IOError{"Len", fileID, ErrNotExist}
	}
	return int64(stat.Size), nil
}

func (c *Ceph) Exists(fileID string) (bool, error) {
	c.ensureOpen()
	_, err := c.ioctx.Stat(c.obj(fileID))
	return err == nil, nil
}

func (c *Ceph) Remove(fileID string) error {
	c.ensureOpen()
	if err := c.ioctx.Delete(c.obj(fileID)); err != nil && !errors.Is(err, rados.ErrNotFound) {
		return &IOError{"Remove", fileID, err}
	}
	c.fixedMu.Lock()
	delete(c.fixed, fileID)
	c.fixedMu.Unlock()
	c.removeFromManifest(fileID)
	return nil
}

// Sync is a no-op: every Write above already completes synchronously against
// the OSDs before returning.
func (c *Ceph) Sync(fileID string) error { return nil }

// WriteAllAtomic replaces the object with one WriteFull call, which RADOS
// applies as a single atomic operation.
func (c *Ceph) WriteAllAtomic(fileID string, data []byte) error {
	c.ensureOpen()
	if err := c.ioctx.WriteFull(c.obj(fileID), data); err != nil {
		return &IOError{"WriteAllAtomic", fileID, err}
	}
	c.recordInManifest(fileID)
	return nil
}

func (c *Ceph) List(category string) ([]Descriptor, error) {
	c.ensureOpen()
	var out []Descriptor
	for id := range c.manifest() {
		if !strings.HasPrefix(id, category) {
			continue
		}
		stat, err := c.ioctx.Stat(c.obj(id))
		if err != nil {
			continue
		}
		out = append(out, Descriptor{ID: id, Size: int64(stat.Size), ModTime: stat.ModTime})
	}
	SortDescriptors(out)
	return out, nil
}
