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

// Package mountinfo answers the one question CoverResolver needs about
// mount points: given a mount root, what vnode is it mounted over (i.e. one
// step outward in the global filesystem tree)?
//
// This is adapted from mount.IsMountPoint/GetMounts/FindMount/GetMountAt,
// extended with the "mounted-over" lookup that those left to an unexported
// parseMountTable helper.
package mountinfo

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Info describes one entry of /proc/[pid]/mountinfo.
type Info struct {
	MountID        int
	ParentID       int
	Root           string // path of the directory in the filesystem which forms the root of this mount
	Mountpoint     string
	Fstype         string
	Source         string
}

// GetMounts retrieves the mount table for the current process, parsing
// /proc/self/mountinfo.
func GetMounts() ([]*Info, error) {
	return parseMountTable("/proc/self/mountinfo")
}

// GetMountsPid retrieves the mount table for the given pid.
func GetMountsPid(pid uint32) ([]*Info, error) {
	return parseMountTable(fmt.Sprintf("/proc/%d/mountinfo", pid))
}

// FindMount reports whether mountpoint appears in mounts.
func FindMount(mountpoint string, mounts []*Info) bool {
	for _, m := range mounts {
		if m.Mountpoint == mountpoint {
			return true
		}
	}
	return false
}

// GetMountAt returns the Info for the given mountpoint.
func GetMountAt(mountpoint string, mounts []*Info) (*Info, error) {
	for _, m := range mounts {
		if m.Mountpoint == mountpoint {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%s is not a mountpoint", mountpoint)
}

// MountedOver returns the directory that the mount rooted at mountpoint is
// mounted over, i.e. the path CoverResolver should continue its ascent from
// instead of crossing back into the mounted filesystem. Returns an error if
// mountpoint is not a mount point, or if it is the overall process root (no
// covering vnode exists).
func MountedOver(mountpoint string) (string, error) {
	mounts, err := GetMounts()
	if err != nil {
		return "", err
	}
	info, err := GetMountAt(mountpoint, mounts)
	if err != nil {
		return "", err
	}

	// The entry whose MountID equals this entry's ParentID names the mount
	// this one is nested under; its mountpoint is what is returned.
	for _, m := range mounts {
		if m.MountID == info.ParentID {
			if m.Mountpoint == info.Mountpoint {
				// Same mountpoint, different mount: a covering mount was
				// stacked at the same path (e.g. bind mount); nothing to
				// ascend into here.
				continue
			}
			return m.Mountpoint, nil
		}
	}
	return "", fmt.Errorf("%s: no covering mount found (detached mount or process root)", mountpoint)
}

// parseMountTable parses a /proc/[pid]/mountinfo-formatted file. The format
// is documented in proc(5); fields before the " - " separator are the fixed
// ones followed by optional tags, fields after it are "fstype source
// options". Lines without the separator are skipped.
func parseMountTable(path string) ([]*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mountinfo: open %s: %w", path, err)
	}
	defer f.Close()

	var infos []*Info
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		info, err := parseMountinfoLine(scanner.Text())
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mountinfo: scan %s: %w", path, err)
	}
	return infos, nil
}

func parseMountinfoLine(line string) (*Info, error) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return nil, fmt.Errorf("mountinfo: malformed line: %q", line)
	}

	sepIdx := -1
	for i, f := range fields {
		if f == "-" {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 || len(fields) < sepIdx+3 {
		return nil, fmt.Errorf("mountinfo: missing separator: %q", line)
	}

	mountID, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("mountinfo: bad mount id: %w", err)
	}
	parentID, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("mountinfo: bad parent id: %w", err)
	}

	return &Info{
		MountID:    mountID,
		ParentID:   parentID,
		Root:       fields[3],
		Mountpoint: fields[4],
		Fstype:     fields[sepIdx+1],
		Source:     fields[sepIdx+2],
	}, nil
}
