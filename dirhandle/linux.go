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
	"path/filepath"

	"github.com/nestybox/sysbox-libs/unveil/mountinfo"
	"golang.org/x/sys/unix"
)

// linuxHandle is the production Handle implementation. It holds an open
// directory file descriptor for its lifetime and resolves both identity and
// ".." relative to that fd, the same fd-relative style mount.IsMountPoint's
// device-ID comparison inspires but applied through Openat/Fstatat instead
// of a path re-stat -- a stat-by-path-then-filepath.Dir sequence has a
// window between the two calls where the path can be renamed out from
// under it, which an access-control library can't afford.
type linuxHandle struct {
	path string
	fd   int
	st   unix.Stat_t
}

// Open opens path as a directory fd and wraps it as a Handle. Returns an
// error if path does not exist or is not a directory.
func Open(path string) (Handle, error) {
	fd, err := unix.Openat(unix.AT_FDCWD, path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dirhandle: open %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dirhandle: fstat %s: %w", path, err)
	}
	return &linuxHandle{path: path, fd: fd, st: st}, nil
}

func (h *linuxHandle) Identity() Identity {
	return Identity{Dev: uint64(h.st.Dev), Ino: h.st.Ino}
}

func (h *linuxHandle) IsDir() bool {
	return h.st.Mode&unix.S_IFMT == unix.S_IFDIR
}

// IsMountRoot reports whether h is the root vnode of a mounted filesystem.
// It stats ".." relative to h's own fd (never by path) for a cheap
// device-ID comparison, then falls back to comparing the Statfs_t.Fsid of h
// and its parent -- the authoritative check, since a bind mount can keep
// the same device ID as its parent while still being a distinct mount.
func (h *linuxHandle) IsMountRoot() bool {
	var parentSt unix.Stat_t
	if err := unix.Fstatat(h.fd, "..", &parentSt, 0); err != nil {
		return false
	}
	if parentSt.Ino == h.st.Ino && parentSt.Dev == h.st.Dev {
		// ".." of the process root names itself.
		return true
	}
	if parentSt.Dev != h.st.Dev {
		return true
	}

	var selfFs, parentFs unix.Statfs_t
	if err := unix.Fstatfs(h.fd, &selfFs); err != nil {
		return false
	}
	parentFd, err := unix.Openat(h.fd, "..", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return false
	}
	defer unix.Close(parentFd)
	if err := unix.Fstatfs(parentFd, &parentFs); err != nil {
		return false
	}
	return selfFs.Fsid != parentFs.Fsid
}

func (h *linuxHandle) MountedOver() (Handle, error) {
	if !h.IsMountRoot() {
		return nil, ErrDetached
	}
	mp, err := mountinfo.MountedOver(h.path)
	if err != nil {
		return nil, ErrDetached
	}
	return Open(mp)
}

// Parent opens ".." relative to h's own fd (Openat, never a path re-stat)
// and reports ErrDetached if that resolves back to h itself (the process
// root) or the fd has gone stale underneath it.
func (h *linuxHandle) Parent() (Handle, error) {
	parentFd, err := unix.Openat(h.fd, "..", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, ErrDetached
	}
	var st unix.Stat_t
	if err := unix.Fstat(parentFd, &st); err != nil {
		unix.Close(parentFd)
		return nil, ErrDetached
	}
	if st.Ino == h.st.Ino && st.Dev == h.st.Dev {
		unix.Close(parentFd)
		return nil, ErrDetached
	}
	return &linuxHandle{path: filepath.Dir(h.path), fd: parentFd, st: st}, nil
}

func (h *linuxHandle) SameAs(other Handle) bool {
	o, ok := other.(*linuxHandle)
	if !ok {
		return false
	}
	return h.Identity() == o.Identity()
}

// Stale re-resolves the path this handle was opened with and reports
// whether it no longer names the same (dev, ino) pair -- removed, replaced,
// or the filesystem it lived on was unmounted. Unlike the fd-relative
// checks above, this one is a path-based existence poll by design: it
// exists precisely to detect that the world moved since the fd was opened.
func (h *linuxHandle) Stale() bool {
	var st unix.Stat_t
	if err := unix.Stat(h.path, &st); err != nil {
		return true
	}
	return st.Dev != h.st.Dev || st.Ino != h.st.Ino
}

func (h *linuxHandle) Close() error {
	return unix.Close(h.fd)
}

func (h *linuxHandle) Path() string {
	return h.path
}
