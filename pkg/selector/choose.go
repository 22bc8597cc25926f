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
	"github.com/pkg/errors"

	"github.com/clusterfabric/consres/pkg/bitmap"
	"github.com/clusterfabric/consres/pkg/cluster"
)

// chooseNodes sits between selectNodes and the choosers to tackle the
// knapsack problem: when the first evaluation fails, incrementally
// remove nodes with low CPU counts and retry.
func (s *Selector) chooseNodes(job *Job, nodeMap *bitmap.Bitmap,
	minNodes, maxNodes, reqNodes uint32, cpuCnt []uint16, crType CRType) error {

	var (
		details = job.Details
		reqMap  = details.ReqNodeBitmap
		nodeCnt = s.sys.NodeCount()
	)

	// Drop nodes with no available resources, and ones too big to hand
	// out whole under the job's max CPU count.
	for i := 0; i < nodeCnt; i++ {
		if !nodeMap.Test(i) {
			continue
		}
		if (details.WholeNode && details.MaxCPUs != NoVal &&
			details.MaxCPUs < uint32(cpuCnt[i])) ||
			cpuCnt[i] < 1 {
			if reqMap != nil && reqMap.Test(i) {
				// can't clear a required node
				return errors.Wrap(ErrInfeasible, "required node unusable")
			}
			nodeMap.Clear(i)
		}
	}

	// min_cpus defaults to 1; only clamp max_nodes when the user asked
	// for an explicit CPU count.
	if details.MinCPUs > 1 && maxNodes > details.MinCPUs {
		maxNodes = details.MinCPUs
	}

	origMap := nodeMap.Clone()

	err := s.evalNodes(job, nodeMap, minNodes, maxNodes, reqNodes, cpuCnt, crType)
	if err == nil {
		return nil
	}

	mostCPUs := 0
	for i := 0; i < nodeCnt; i++ {
		if int(cpuCnt[i]) > mostCPUs {
			mostCPUs = int(cpuCnt[i])
		}
	}

	for count := 1; count < mostCPUs; count++ {
		noChange := true
		nodeMap.Or(origMap)
		for i := 0; i < nodeCnt; i++ {
			if cpuCnt[i] > 0 && int(cpuCnt[i]) <= count {
				if !nodeMap.Test(i) {
					continue
				}
				if reqMap != nil && reqMap.Test(i) {
					continue
				}
				noChange = false
				nodeMap.Clear(i)
				origMap.Clear(i)
			}
		}
		if noChange {
			continue
		}
		err = s.evalNodes(job, nodeMap, minNodes, maxNodes, reqNodes, cpuCnt, crType)
		if err == nil {
			return nil
		}
	}

	return err
}

// selectNodes picks the best node set for the job: build the per-node
// usable CPU vector over the candidate set, drive the knapsack retry,
// then synchronise coreMap with the surviving node set. Returns the
// compact CPU vector, one entry per selected node, or nil when the
// job does not fit.
func (s *Selector) selectNodes(job *Job, minNodes, maxNodes, reqNodes uint32,
	nodeMap, coreMap *bitmap.Bitmap, usage []cluster.NodeUsage, crType CRType,
	testOnly bool, partCoreMap *bitmap.Bitmap) []uint16 {

	var (
		details = job.Details
		reqMap  = details.ReqNodeBitmap
		nodeCnt = s.sys.NodeCount()
	)

	if nodeMap.Count() < int(minNodes) {
		return nil
	}

	// usable CPUs for this job on every candidate node
	cpuCnt := s.getResUsage(job, nodeMap, coreMap, usage, crType, testOnly, partCoreMap)

	// drop nodes with insufficient resources
	for n := 0; n < nodeCnt; n++ {
		if nodeMap.Test(n) && cpuCnt[n] == 0 {
			if reqMap != nil && reqMap.Test(n) {
				// cannot clear a required node
				return nil
			}
			nodeMap.Clear(n)
		}
	}
	if nodeMap.Count() < int(minNodes) {
		return nil
	}

	if details.NtasksPerNode != 0 && details.NumTasks != 0 {
		// enough nodes to lay the tasks out
		n := (details.NumTasks + uint32(details.NtasksPerNode) - 1) /
			uint32(details.NtasksPerNode)
		minNodes = maxU32(minNodes, n)
	}

	if err := s.chooseNodes(job, nodeMap, minNodes, maxNodes, reqNodes,
		cpuCnt, crType); err != nil {
		return nil
	}

	// sync the core map with the chosen nodes and compact the vector
	cpus := make([]uint16, 0, nodeMap.Count())
	start := 0
	for n := 0; n < nodeCnt; n++ {
		if !nodeMap.Test(n) {
			continue
		}
		cpus = append(cpus, cpuCnt[n])
		if s.sys.CoreBegin(n) != start {
			coreMap.ClearRange(start, s.sys.CoreBegin(n))
		}
		start = s.sys.CoreEnd(n)
	}
	if s.sys.CoreCount() != start {
		coreMap.ClearRange(start, s.sys.CoreCount())
	}

	return cpus
}
