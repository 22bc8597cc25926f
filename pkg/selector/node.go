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
	"github.com/clusterfabric/consres/pkg/gres"
)

// canJobRunOnNode determines which resources of node nodeI can serve
// the job: the socket/core/thread solver first, then memory and
// generic-resource accounting. Returns the usable CPU count; coreMap
// is narrowed to the selected cores, and fully cleared for the node
// when the answer is zero.
//
// The returned CPU count may be lower than the number of set bits left
// in coreMap for the node; the task distribution stage deselects the
// excess bits afterwards.
func (s *Selector) canJobRunOnNode(job *Job, coreMap *bitmap.Bitmap, nodeI int,
	usage []cluster.NodeUsage, crType CRType, testOnly bool,
	partCoreMap *bitmap.Bitmap) uint16 {

	node := &s.sys.Nodes[nodeI]

	if !testOnly && node.IsCompleting() {
		// do not pile more jobs onto a node still tearing one down
		return 0
	}

	coreBegin := s.sys.CoreBegin(nodeI)
	coreEnd := s.sys.CoreEnd(nodeI)
	cpusPerCore := uint32(node.CPUs) / uint32(coreEnd-coreBegin)

	gresList := node.Gres
	if usage[nodeI].Gres != nil {
		gresList = usage[nodeI].Gres
	}

	gres.JobCoreFilter(job.Gres, gresList, testOnly, coreMap,
		coreBegin, coreEnd, node.Name)

	var cpus uint16
	var cpuAllocSize uint32
	switch {
	case crType&CRCore != 0:
		cpus = s.allocateCores(job, coreMap, partCoreMap, nodeI)
		cpuAllocSize = uint32(node.ThreadsPerCore)
	case crType&CRSocket != 0:
		cpus = s.allocateSockets(job, coreMap, partCoreMap, nodeI)
		cpuAllocSize = uint32(node.CoresPerSocket) * uint32(node.ThreadsPerCore)
	default:
		cpus = s.allocateCores(job, coreMap, partCoreMap, nodeI)
		cpuAllocSize = 1
	}

	if crType&CRMemory != 0 {
		reqMem := job.Details.PnMinMemory &^ MemPerCPU
		availMem := node.RealMemory
		if !testOnly {
			availMem -= usage[nodeI].AllocMemory
		}
		if job.Details.PnMinMemory&MemPerCPU != 0 {
			// memory is per CPU
			for cpus > 0 && reqMem*uint64(cpus) > availMem {
				if uint32(cpus) <= cpuAllocSize {
					cpus = 0
				} else {
					cpus -= uint16(cpuAllocSize)
				}
			}
			if uint32(cpus) < uint32(job.Details.NtasksPerNode) ||
				(job.Details.CPUsPerTask > 1 && cpus < job.Details.CPUsPerTask) {
				cpus = 0
			}
		} else {
			// memory is per node
			if reqMem > availMem {
				cpus = 0
			}
		}
	}

	gresCores := gres.JobTest(job.Gres, gresList, testOnly, coreMap,
		coreBegin, coreEnd, job.ID, node.Name)
	gresCPUs := gresCores
	if gresCPUs != gres.NoVal {
		gresCPUs *= cpusPerCore
	}
	if gresCPUs < uint32(job.Details.NtasksPerNode) ||
		(job.Details.CPUsPerTask > 1 && gresCPUs < uint32(job.Details.CPUsPerTask)) {
		gresCPUs = 0
	}

	for gresCPUs < uint32(cpus) {
		if uint32(cpus) < cpuAllocSize {
			s.Debug("cpu_alloc_size > cpus, cannot continue (node: %s)", node.Name)
			cpus = 0
			break
		}
		cpus -= uint16(cpuAllocSize)
	}

	if cpus == 0 {
		coreMap.ClearRange(coreBegin, coreEnd)
	}

	s.Debug("%d cpus on %s(%s), mem %d/%d",
		cpus, node.Name, usage[nodeI].State,
		usage[nodeI].AllocMemory, node.RealMemory)

	return cpus
}

// getResUsage computes the per-node usable CPU vector for the job over
// every node set in nodeMap, narrowing coreMap as it goes.
func (s *Selector) getResUsage(job *Job, nodeMap, coreMap *bitmap.Bitmap,
	usage []cluster.NodeUsage, crType CRType, testOnly bool,
	partCoreMap *bitmap.Bitmap) []uint16 {

	cpuCnt := make([]uint16, s.sys.NodeCount())
	for n := 0; n < s.sys.NodeCount(); n++ {
		if !nodeMap.Test(n) {
			continue
		}
		cpuCnt[n] = s.canJobRunOnNode(job, coreMap, n, usage, crType,
			testOnly, partCoreMap)
	}
	return cpuCnt
}

// getCPUCount returns the CPUs the job may use on the node, applying
// the required-node layout cap when one was supplied.
func getCPUCount(job *Job, nodeIndex int, cpuCnt []uint16) int {
	cpus := int(cpuCnt[nodeIndex])

	layout := job.Details.ReqNodeLayout
	reqMap := job.Details.ReqNodeBitmap
	if layout != nil && reqMap != nil && reqMap.Test(nodeIndex) {
		offset := reqMap.CountRange(0, nodeIndex)
		if int(layout[offset]) < cpus {
			cpus = int(layout[offset])
		}
	} else if layout != nil {
		cpus = 0 // nodes outside the requested layout contribute nothing
	}

	return cpus
}
