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
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the tunables a PolicyTable leaves implementation-defined. It
// never configures policy entries themselves -- those live only for a
// process's lifetime, per the no-persistence non-goal.
type Config struct {
	// MaxDirs bounds the number of DirEntries a PolicyTable may hold.
	MaxDirs int `toml:"max_dirs"`

	// MaxNames bounds the total NameSet cardinality across a PolicyTable.
	MaxNames int `toml:"max_names"`

	// RevokePollInterval is how often the revoke watcher checks declared
	// directories for external removal/unmount.
	RevokePollInterval time.Duration `toml:"revoke_poll_interval"`
}

// DefaultConfig holds the package's default capacity constants.
func DefaultConfig() Config {
	return Config{
		MaxDirs:            128,
		MaxNames:            128,
		RevokePollInterval: 2 * time.Second,
	}
}

// LoadConfig reads a TOML file into a Config, starting from DefaultConfig
// and overriding only the fields the file sets.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
