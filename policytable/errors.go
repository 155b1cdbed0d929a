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

package policytable

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// errnoError wraps one of the six errno values the core returns, keeping a
// human-readable message while still letting callers recover the bare
// unix.Errno with errors.Is/errors.As (or this package's Errno helper).
// github.com/pkg/errors' Cause stops at the *errnoError, not the errno.
type errnoError struct {
	errno unix.Errno
	msg   string
}

func (e *errnoError) Error() string { return e.msg }

// Unwrap lets errors.Is(err, unix.EACCES) work directly.
func (e *errnoError) Unwrap() error { return e.errno }

func wrapErrno(errno unix.Errno, msg string) error {
	return pkgerrors.WithStack(&errnoError{errno: errno, msg: msg})
}

// ErrInvalid is returned when a permission string contains a character
// outside {r,w,x,c}.
func ErrInvalid(msg string) error { return wrapErrno(unix.EINVAL, msg) }

// ErrTooBig is returned when an Add would exceed MaxDirs or MaxNames.
func ErrTooBig(msg string) error { return wrapErrno(unix.E2BIG, msg) }

// ErrNotPermitted is returned when the calling process lacks the capability
// gating further policy mutation, or the table has been finalized.
func ErrNotPermitted(msg string) error { return wrapErrno(unix.EPERM, msg) }

// ErrAccessDenied is returned from CheckFinal when a USER_SET entry actively
// denies the requested permission.
func ErrAccessDenied(msg string) error { return wrapErrno(unix.EACCES, msg) }

// ErrNotFound is returned from CheckFinal when no covering entry exists, or
// when denial must not leak the existence of an auto-interposed entry.
func ErrNotFound(msg string) error { return wrapErrno(unix.ENOENT, msg) }

// ErrNotDir is returned when Add's target is not a directory.
func ErrNotDir(msg string) error { return wrapErrno(unix.ENOTDIR, msg) }

// Errno extracts the underlying syscall errno from an error returned by this
// package, if any.
func Errno(err error) (unix.Errno, bool) {
	var ee *errnoError
	if errors.As(err, &ee) {
		return ee.errno, true
	}
	return 0, false
}
