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
	"github.com/clusterfabric/consres/pkg/gres"
)

// isNodeBusy checks whether any partition row holds cores of node
// nodeI. With sharingOnly, partitions that cannot share (single row)
// and the job's own partition are ignored.
func (s *Selector) isNodeBusy(parts []*cluster.Partition, nodeI int,
	sharingOnly bool, myPart *cluster.Partition) bool {

	cpuBegin := s.sys.CoreBegin(nodeI)
	cpuEnd := s.sys.CoreEnd(nodeI)

	for _, p := range parts {
		if sharingOnly && (p.NumRows < 2 || p == myPart) {
			continue
		}
		for r := range p.Rows {
			row := p.Rows[r].Bitmap
			if row == nil {
				continue
			}
			for c := cpuBegin; c < cpuEnd; c++ {
				if row.Test(c) {
					return true
				}
			}
		}
	}
	return false
}

// verifyNodeState drops from nodeMap every node that fails node-level
// preconditions: draining, too little free memory or no feasible gres,
// exclusive use by another job, or a sharing state incompatible with
// the job's node request. Losing a required node fails the whole
// selection.
func (s *Selector) verifyNodeState(parts []*cluster.Partition, job *Job,
	nodeMap *bitmap.Bitmap, crType CRType, usage []cluster.NodeUsage,
	jobNodeReq cluster.SharingState) error {

	var minMem uint64
	if job.Details.PnMinMemory&MemPerCPU != 0 {
		minMem = job.Details.PnMinMemory &^ MemPerCPU
		minCPUs := maxU16(job.Details.NtasksPerNode, job.Details.PnMinCPUs)
		minCPUs = maxU16(minCPUs, job.Details.CPUsPerTask)
		if minCPUs > 0 {
			minMem *= uint64(minCPUs)
		}
	} else {
		minMem = job.Details.PnMinMemory
	}

	first := nodeMap.FirstSet()
	last := nodeMap.LastSet()
	for i := first; i >= 0 && i <= last; i++ {
		if !nodeMap.Test(i) {
			continue
		}
		node := &s.sys.Nodes[i]
		usable := s.nodeUsable(parts, job, node, i, crType, usage, jobNodeReq, minMem)
		if usable {
			continue
		}

		nodeMap.Clear(i)
		if job.Details.ReqNodeBitmap != nil && job.Details.ReqNodeBitmap.Test(i) {
			return errors.Wrapf(ErrInfeasible, "required node %s unusable", node.Name)
		}
	}

	return nil
}

func (s *Selector) nodeUsable(parts []*cluster.Partition, job *Job,
	node *cluster.Node, i int, crType CRType, usage []cluster.NodeUsage,
	jobNodeReq cluster.SharingState, minMem uint64) bool {

	if node.IsDraining() {
		s.Debug("vns: node %s draining", node.Name)
		return false
	}

	// node-level memory check
	if job.Details.PnMinMemory != 0 && crType&CRMemory != 0 {
		var freeMem uint64
		if node.RealMemory > usage[i].AllocMemory {
			freeMem = node.RealMemory - usage[i].AllocMemory
		}
		if freeMem < minMem {
			s.Debug("vns: node %s no mem %d < %d", node.Name, freeMem, minMem)
			return false
		}
	}

	// node-level gres check
	gresList := node.Gres
	if usage[i].Gres != nil {
		gresList = usage[i].Gres
	}
	coreBegin := s.sys.CoreBegin(i)
	coreEnd := s.sys.CoreEnd(i)
	cpusPerCore := uint32(node.CPUs) / uint32(coreEnd-coreBegin)
	gresCPUs := gres.JobTest(job.Gres, gresList, true, nil, coreBegin,
		coreEnd, job.ID, node.Name)
	if gresCPUs != gres.NoVal {
		gresCPUs *= cpusPerCore
	}
	if gresCPUs == 0 {
		s.Debug("vns: node %s lacks gres", node.Name)
		return false
	}

	switch {
	case usage[i].State >= cluster.StateReserved:
		// exclusive use by another job
		s.Debug("vns: node %s in exclusive use", node.Name)
		return false

	case usage[i].State >= cluster.StateOneRow:
		// node does not share resources
		if jobNodeReq == cluster.StateReserved ||
			jobNodeReq == cluster.StateAvailable {
			s.Debug("vns: node %s non-sharing", node.Name)
			return false
		}
		// unusable while running jobs of sharing partitions
		if s.isNodeBusy(parts, i, true, job.Partition) {
			s.Debug("vns: node %s busy under sharing partition", node.Name)
			return false
		}

	default:
		// node is freely shareable, check the job's own request
		if jobNodeReq == cluster.StateReserved {
			if s.isNodeBusy(parts, i, false, job.Partition) {
				s.Debug("vns: node %s busy", node.Name)
				return false
			}
		} else if jobNodeReq == cluster.StateOneRow {
			if s.isNodeBusy(parts, i, true, job.Partition) {
				s.Debug("vns: node %s busy under sharing partition", node.Name)
				return false
			}
		}
	}

	return true
}

func maxU16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}
