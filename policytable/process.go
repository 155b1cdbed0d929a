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

import specs "github.com/opencontainers/runtime-spec/specs-go"

// ProcessIdentity names the process a PolicyTable belongs to, shaped after
// an OCI runtime-spec Process so the engine slots directly under an
// OCI-runtime-style caller (the way idMap/shiftfs/linuxUtils already accept
// specs-go types for their own process/mount descriptions).
type ProcessIdentity struct {
	// Pid is the kernel process id; outside this package's model, not part
	// of the OCI spec proper (config.json has no live pid).
	Pid int

	// Capabilities mirrors the process's capability sets, used by the
	// privilege gate on policy mutation (see the privilege package).
	Capabilities *specs.LinuxCapabilities
}

// HasCapability reports whether cap is present in the process's effective
// capability set.
func (p ProcessIdentity) HasCapability(cap string) bool {
	if p.Capabilities == nil {
		return false
	}
	for _, c := range p.Capabilities.Effective {
		if c == cap {
			return true
		}
	}
	return false
}
