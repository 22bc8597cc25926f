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
	"sort"

	"github.com/clusterfabric/consres/pkg/bitmap"
)

// Infinite marks an unlimited per-node CPU cap on a partition.
const Infinite = ^uint32(0)

// Row is one parallel slice of a partition's occupancy. Its bitmap
// records the cores consumed by the running jobs placed in the row.
// A nil bitmap means the row is empty.
type Row struct {
	Bitmap *bitmap.Bitmap
}

// Partition groups nodes under a common priority and sharing policy.
// NumRows > 1 permits jobs of the partition to share node resources.
type Partition struct {
	Name           string
	Priority       uint32
	MaxCPUsPerNode uint32
	// LLN selects least-loaded-node placement for the partition's jobs.
	LLN     bool
	NumRows uint32
	Rows    []Row
}

// NewPartition creates a partition with numRows empty rows.
func NewPartition(name string, priority uint32, numRows uint32) *Partition {
	if numRows < 1 {
		numRows = 1
	}
	return &Partition{
		Name:           name,
		Priority:       priority,
		MaxCPUsPerNode: Infinite,
		NumRows:        numRows,
		Rows:           make([]Row, numRows),
	}
}

// SortRows orders the partition's rows densest first, so row-fitting
// tries the most constrained row before emptier ones. Empty rows sort
// last. The order is stable for equal densities.
func (p *Partition) SortRows() {
	sort.SliceStable(p.Rows, func(i, j int) bool {
		return rowDensity(&p.Rows[i]) > rowDensity(&p.Rows[j])
	})
}

func rowDensity(r *Row) int {
	if r.Bitmap == nil {
		return -1
	}
	return r.Bitmap.Count()
}

// Occupancy returns the union of the partition's row bitmaps, sized
// for the given core count.
func (p *Partition) Occupancy(coreCount int) *bitmap.Bitmap {
	occ := bitmap.New(coreCount)
	for i := range p.Rows {
		if p.Rows[i].Bitmap != nil {
			occ.Or(p.Rows[i].Bitmap)
		}
	}
	return occ
}
