// Copyright 2024 The Clusterfabric Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"flag"
	"strings"
)

// debugFlag implements flag.Value for --logger-debug.
type debugFlag struct{}

// pending debug requests for sources that have no logger yet
var requested = make(map[string]struct{})

func requestDebug(source string) {
	requested[source] = struct{}{}
}

func debugRequested(source string) bool {
	_, ok := requested[source]
	return ok
}

func (debugFlag) String() string {
	lock.RLock()
	defer lock.RUnlock()

	sources := make([]string, 0, len(requested))
	for source := range requested {
		sources = append(sources, source)
	}

	return strings.Join(sources, ",")
}

func (debugFlag) Set(value string) error {
	for _, source := range strings.Split(value, ",") {
		if source = strings.TrimSpace(source); source != "" {
			EnableDebug(source)
		}
	}
	return nil
}

func init() {
	flag.Var(debugFlag{}, "logger-debug",
		"comma-separated list of log sources to enable debugging for, or 'all'")
}
