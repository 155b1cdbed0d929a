//
// Copyright 2024 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package dirhandle

import (
	"fmt"
	"hash/fnv"
	"path/filepath"

	"github.com/spf13/afero"
)

// MemFS is a test double for the filesystem object layer, backed by an
// in-memory afero filesystem. It lets coverresolver/policytable/lookup
// tests build realistic nested directory trees (including simulated mount
// crossings) without touching the real filesystem, the way linuxUtils
// swaps an afero.Fs into its own tests.
type MemFS struct {
	fs           afero.Fs
	mountRoots   map[string]string // mountpoint -> directory it is mounted over
	revokedPaths map[string]bool
}

// NewMemFS returns a MemFS rooted at an empty in-memory filesystem.
func NewMemFS() *MemFS {
	return &MemFS{
		fs:           afero.NewMemMapFs(),
		mountRoots:   make(map[string]string),
		revokedPaths: make(map[string]bool),
	}
}

// Mkdir creates path (and any missing parents) in the in-memory filesystem.
func (m *MemFS) Mkdir(path string) error {
	return m.fs.MkdirAll(path, 0o755)
}

// Remove deletes path, simulating external unlink/rmdir for revocation
// tests.
func (m *MemFS) Remove(path string) error {
	m.revokedPaths[clean(path)] = true
	return m.fs.RemoveAll(path)
}

// MarkMountRoot flags mountpoint as the root of a mounted filesystem that is
// mounted over coveredBy, the way CoverResolver's mount-crossing step
// expects to discover via the real filesystem layer.
func (m *MemFS) MarkMountRoot(mountpoint, coveredBy string) {
	m.mountRoots[clean(mountpoint)] = clean(coveredBy)
}

// Open returns a Handle for path. The directory must already exist.
func (m *MemFS) Open(path string) (Handle, error) {
	path = clean(path)
	info, err := m.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("dirhandle: stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dirhandle: %s is not a directory", path)
	}
	return &memHandle{owner: m, path: path}, nil
}

type memHandle struct {
	owner *MemFS
	path  string
}

func clean(p string) string {
	p = filepath.Clean(p)
	if p == "." {
		return "/"
	}
	return p
}

func (h *memHandle) Identity() Identity {
	sum := fnv.New64a()
	_, _ = sum.Write([]byte(h.path))
	return Identity{Dev: 1, Ino: sum.Sum64()}
}

func (h *memHandle) IsDir() bool {
	info, err := h.owner.fs.Stat(h.path)
	return err == nil && info.IsDir()
}

func (h *memHandle) IsMountRoot() bool {
	if h.path == "/" {
		return true
	}
	_, ok := h.owner.mountRoots[h.path]
	return ok
}

func (h *memHandle) MountedOver() (Handle, error) {
	coveredBy, ok := h.owner.mountRoots[h.path]
	if !ok {
		return nil, ErrDetached
	}
	return h.owner.Open(coveredBy)
}

func (h *memHandle) Parent() (Handle, error) {
	if h.path == "/" {
		return nil, ErrDetached
	}
	if h.owner.revokedPaths[h.path] {
		return nil, ErrDetached
	}
	if _, err := h.owner.fs.Stat(h.path); err != nil {
		return nil, ErrDetached
	}
	return h.owner.Open(filepath.Dir(h.path))
}

func (h *memHandle) SameAs(other Handle) bool {
	o, ok := other.(*memHandle)
	if !ok {
		return false
	}
	return h.owner == o.owner && h.path == o.path
}

// Stale reports whether path has been removed (via MemFS.Remove) or no
// longer names a directory.
func (h *memHandle) Stale() bool {
	if h.owner.revokedPaths[h.path] {
		return true
	}
	info, err := h.owner.fs.Stat(h.path)
	return err != nil || !info.IsDir()
}

func (h *memHandle) Close() error {
	return nil
}

func (h *memHandle) Path() string {
	return h.path
}
