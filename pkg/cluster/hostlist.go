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

package cluster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/clusterfabric/consres/pkg/bitmap"
)

// HostList renders the nodes set in nodeMap as a compact host-range
// expression, collapsing numeric suffix runs: linux01, linux02, linux03
// and linux05 become "linux[01-03],linux05".
func (s *Snapshot) HostList(nodeMap *bitmap.Bitmap) string {
	type run struct {
		prefix string
		width  int
		first  int
		last   int
	}

	var runs []run
	for _, n := range nodeMap.Indices() {
		prefix, num, width := splitHostName(s.Nodes[n].Name)
		if len(runs) > 0 {
			r := &runs[len(runs)-1]
			if num >= 0 && r.prefix == prefix && r.width == width && num == r.last+1 {
				r.last = num
				continue
			}
		}
		runs = append(runs, run{prefix: prefix, width: width, first: num, last: num})
	}

	parts := make([]string, 0, len(runs))
	for _, r := range runs {
		switch {
		case r.first < 0:
			parts = append(parts, r.prefix)
		case r.first == r.last:
			parts = append(parts, fmt.Sprintf("%s%0*d", r.prefix, r.width, r.first))
		default:
			parts = append(parts, fmt.Sprintf("%s[%0*d-%0*d]",
				r.prefix, r.width, r.first, r.width, r.last))
		}
	}

	return strings.Join(parts, ",")
}

// splitHostName splits a trailing decimal suffix off a host name,
// returning the prefix, the numeric value (-1 if none) and its width.
func splitHostName(name string) (string, int, int) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return name, -1, 0
	}
	num, err := strconv.Atoi(name[i:])
	if err != nil {
		return name, -1, 0
	}
	return name[:i], num, len(name) - i
}
