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

// Package privilege answers the one question the outer capability model is
// allowed to ask at this module's one interaction point with it: may this
// process still mutate its own policy table?
//
// A full POSIX capability implementation -- its own Cap enum, capget/capset
// headers, a per-pid capability reader -- is more generality than a
// single-bit query needs, so instead of porting a whole capability table,
// the current process's effective set is read with golang.org/x/sys/unix's
// own Capget wrapper (the same capget(2) syscall a from-scratch
// capability_linux.go-style initialize() would call to learn the running
// kernel's capability version), and a remote process's set is taken from
// whatever ProcessIdentity.Capabilities the caller supplied (e.g. from an
// OCI runtime spec).
package privilege

import "golang.org/x/sys/unix"

// DeclareCap is the capability this module treats as gating further policy
// mutation, standing in for the outer capability model's own notion of
// "may still shrink its own sandbox". CAP_DAC_OVERRIDE is reused here the
// same way pathres.go's checkPerm treats it as the one capability that
// changes how access checks are evaluated.
const DeclareCap = "CAP_DAC_OVERRIDE"

// capNum maps the handful of capability names this package cares about to
// their Linux capability bit numbers (see capabilities(7)).
var capNum = map[string]uint{
	"CAP_DAC_OVERRIDE":    1,
	"CAP_DAC_READ_SEARCH": 2,
	"CAP_SYS_ADMIN":       21,
}

// HasEffective reports whether cap is set in effective, a string slice of
// capability names (as carried by an OCI runtime-spec LinuxCapabilities).
func HasEffective(effective []string, cap string) bool {
	for _, c := range effective {
		if c == cap {
			return true
		}
	}
	return false
}

// CurrentProcessHas reports whether the calling OS thread's effective
// capability set contains cap. Returns an error if capget(2) fails or cap is
// not a capability this package knows about.
func CurrentProcessHas(cap string) (bool, error) {
	bit, ok := capNum[cap]
	if !ok {
		return false, unix.EINVAL
	}

	var hdr unix.CapUserHeader
	var data [2]unix.CapUserData
	hdr.Version = unix.LINUX_CAPABILITY_VERSION_3

	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false, err
	}

	word, idx := bit/32, bit%32
	return data[word].Effective&(1<<idx) != 0, nil
}
