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

package selector

import (
	"github.com/clusterfabric/consres/pkg/bitmap"
	"github.com/clusterfabric/consres/pkg/cluster"
)

// JobResources is the concrete allocation handed to a job: the node
// set, the cores backing it, and the per-node CPU and memory shares.
// The core bitmap is dense over the selected nodes only; CoreBegin and
// CoreEnd map a selected-node ordinal into it.
type JobResources struct {
	NodeBitmap *bitmap.Bitmap
	// Hosts is the compact host-range rendering of NodeBitmap.
	Hosts   string
	NHosts  int
	NCPUs   uint32
	NodeReq cluster.SharingState

	// CPUs, CPUsUsed, MemoryAllocated and MemoryUsed are indexed by
	// selected-node ordinal.
	CPUs            []uint16
	CPUsUsed        []uint16
	MemoryAllocated []uint64
	MemoryUsed      []uint64

	// Per-selected-node hardware mirror, captured at allocation time.
	Sockets        []uint16
	CoresPerSocket []uint16
	ThreadsPerCore []uint16

	CoreBitmap *bitmap.Bitmap

	// CPUArrayValue/CPUArrayReps run-length encode CPUs.
	CPUArrayValue []uint16
	CPUArrayReps  []uint32

	coreOffsets []int
}

// newJobResources captures the hardware layout of the selected nodes
// and sizes the allocation's own core bitmap.
func newJobResources(sys *cluster.Snapshot, nodeMap *bitmap.Bitmap,
	nodeReq cluster.SharingState, cpus []uint16) *JobResources {

	nhosts := nodeMap.Count()
	r := &JobResources{
		NodeBitmap:      nodeMap.Clone(),
		Hosts:           sys.HostList(nodeMap),
		NHosts:          nhosts,
		NodeReq:         nodeReq,
		CPUs:            cpus,
		CPUsUsed:        make([]uint16, nhosts),
		MemoryAllocated: make([]uint64, nhosts),
		MemoryUsed:      make([]uint64, nhosts),
		Sockets:         make([]uint16, 0, nhosts),
		CoresPerSocket:  make([]uint16, 0, nhosts),
		ThreadsPerCore:  make([]uint16, 0, nhosts),
		coreOffsets:     make([]int, 1, nhosts+1),
	}

	for _, n := range nodeMap.Indices() {
		node := &sys.Nodes[n]
		r.Sockets = append(r.Sockets, node.Sockets)
		r.CoresPerSocket = append(r.CoresPerSocket, node.CoresPerSocket)
		r.ThreadsPerCore = append(r.ThreadsPerCore, node.ThreadsPerCore)
		r.coreOffsets = append(r.coreOffsets,
			r.coreOffsets[len(r.coreOffsets)-1]+node.Cores())
	}
	r.CoreBitmap = bitmap.New(r.coreOffsets[len(r.coreOffsets)-1])

	return r
}

// CoreBegin returns the first index of selected-node ordinal i in the
// allocation's core bitmap.
func (r *JobResources) CoreBegin(i int) int {
	return r.coreOffsets[i]
}

// CoreEnd returns one past the last index of selected-node ordinal i
// in the allocation's core bitmap.
func (r *JobResources) CoreEnd(i int) int {
	return r.coreOffsets[i+1]
}

// CoreCount returns the size of the allocation's core bitmap.
func (r *JobResources) CoreCount() int {
	return r.coreOffsets[len(r.coreOffsets)-1]
}

// GlobalCoreBitmap translates the allocation's dense core bitmap back
// into the cluster-wide core index space, for the caller to fold into
// its partition row bitmaps.
func (r *JobResources) GlobalCoreBitmap(sys *cluster.Snapshot) *bitmap.Bitmap {
	global := bitmap.New(sys.CoreCount())
	for i, n := range r.NodeBitmap.Indices() {
		off := sys.CoreBegin(n)
		for c := r.CoreBegin(i); c < r.CoreEnd(i); c++ {
			if r.CoreBitmap.Test(c) {
				global.Set(off + (c - r.CoreBegin(i)))
			}
		}
	}
	return global
}

// BuildCPUArray run-length encodes the per-node CPU vector and returns
// the total CPU count across the allocation.
func (r *JobResources) BuildCPUArray() int {
	r.CPUArrayValue = r.CPUArrayValue[:0]
	r.CPUArrayReps = r.CPUArrayReps[:0]

	total := 0
	for _, c := range r.CPUs {
		total += int(c)
		n := len(r.CPUArrayValue)
		if n > 0 && r.CPUArrayValue[n-1] == c {
			r.CPUArrayReps[n-1]++
			continue
		}
		r.CPUArrayValue = append(r.CPUArrayValue, c)
		r.CPUArrayReps = append(r.CPUArrayReps, 1)
	}

	return total
}
