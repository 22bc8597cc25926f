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

// JobTest is the selector's entry point. It decides whether, and
// where, the job can run on the candidate nodes in nodeMap.
//
// The search proceeds in phases:
//
//	test 0: is the job feasible at all on the bare hardware?
//	test 1: does it fit on resources idle across every partition?
//	test 2: does it fit once higher-priority allocations are removed?
//	test 3: ... once equal-priority allocations are removed too?
//	test 4: does it fit into one of its own partition's rows?
//
// On success in RunNow mode job.Resources holds the allocation; in
// WillRun mode only job.TotalCPUs is estimated. nodeMap is narrowed to
// the chosen nodes.
func (s *Selector) JobTest(job *Job, nodeMap *bitmap.Bitmap,
	minNodes, maxNodes, reqNodes uint32, mode Mode, crType CRType,
	jobNodeReq cluster.SharingState, parts []*cluster.Partition,
	usage []cluster.NodeUsage, excCoreMap *bitmap.Bitmap) error {

	details := job.Details
	if details == nil || job.Partition == nil {
		return errors.Wrap(ErrConsistency, "job lacks details or partition")
	}

	job.Resources = nil
	job.BestSwitch = true
	testOnly := mode == TestOnly

	// check node states and trim the candidate set accordingly
	if !testOnly {
		if err := s.verifyNodeState(parts, job, nodeMap, crType, usage,
			jobNodeReq); err != nil {
			s.cfg.Metrics.Decision(mode, err)
			return err
		}
	}

	// the --overcommit case: scale the CPU demand up to the layout
	if details.MinCPUs == details.MinNodes && details.MC != nil {
		mc := details.MC
		if mc.ThreadsPerCore != NoVal16 && mc.ThreadsPerCore > 1 {
			details.MinCPUs *= uint32(mc.ThreadsPerCore)
		}
		if mc.CoresPerSocket != NoVal16 && mc.CoresPerSocket > 1 {
			details.MinCPUs *= uint32(mc.CoresPerSocket)
		}
		if mc.SocketsPerNode != NoVal16 && mc.SocketsPerNode > 1 {
			details.MinCPUs *= uint32(mc.SocketsPerNode)
		}
	}

	s.Debug("evaluating job %d on %d nodes", job.ID, nodeMap.Count())

	origMap := nodeMap.Clone()
	availCores := s.sys.MakeCoreBitmap(nodeMap, details.CoreSpec)

	// Test 0: the job must fit with every core available, otherwise no
	// amount of layering will help.
	freeCores := availCores.Clone()
	cpuCount := s.selectNodes(job, minNodes, maxNodes, reqNodes, nodeMap,
		freeCores, usage, crType, testOnly, nil)
	s.cfg.Metrics.Phase("test0", cpuCount != nil)
	if cpuCount == nil {
		s.Debug("test 0 fail: insufficient resources")
		s.cfg.Metrics.Decision(mode, ErrInfeasible)
		return errors.Wrap(ErrInfeasible, "job can never fit the candidate nodes")
	}
	if testOnly {
		s.Debug("test 0 pass: test_only")
		s.cfg.Metrics.Decision(mode, nil)
		return nil
	}
	if !job.BestSwitch {
		s.cfg.Metrics.Decision(mode, ErrSwitchWait)
		return ErrSwitchWait
	}
	if crType == CRMemory {
		// memory-only selection does not care about CPU layering
		return s.allocJob(job, mode, crType, jobNodeReq, nodeMap,
			freeCores, cpuCount)
	}
	s.Debug("test 0 pass - job fits on given resources")

	// The job can run. Now layer it against the existing allocations
	// for the best placement. Steps 5 and 6 of the original procedure,
	// overlap-optimizing placement against lower-priority jobs, remain
	// TODO hooks in test 3 (step 6) and test 4 (step 5).

	// Test 1: seek idle resources across all partitions.
	nodeMap.CopyFrom(origMap)
	freeCores.CopyFrom(availCores)

	if excCoreMap != nil && excCoreMap.Size() != freeCores.Size() {
		// Core counts changed under a reservation, e.g. after a
		// controller restart with a new node table. Ignore the
		// exclusion rather than corrupting the search.
		s.Warn("bad core bitmap size for reservation %s (%d != %d), "+
			"ignoring core reservation", job.ResvName,
			excCoreMap.Size(), freeCores.Size())
		excCoreMap = nil
	}
	if excCoreMap != nil {
		s.Debug("excluding reserved cores: %s", excCoreMap)
		freeCores.AndNot(excCoreMap)
	}

	// remove all existing allocations from freeCores, collecting the
	// job's own partition occupancy on the side
	var partCoreMap *bitmap.Bitmap
	for _, p := range parts {
		for r := range p.Rows {
			row := p.Rows[r].Bitmap
			if row == nil {
				continue
			}
			freeCores.AndNot(row)
			if p != job.Partition {
				continue
			}
			if partCoreMap == nil {
				partCoreMap = row.Clone()
			} else {
				partCoreMap.Or(row)
			}
		}
	}
	cpuCount = s.selectNodes(job, minNodes, maxNodes, reqNodes, nodeMap,
		freeCores, usage, crType, testOnly, partCoreMap)
	s.cfg.Metrics.Phase("test1", cpuCount != nil)
	if cpuCount != nil && job.BestSwitch {
		s.Debug("test 1 pass - idle resources found")
		return s.allocJob(job, mode, crType, jobNodeReq, nodeMap,
			freeCores, cpuCount)
	}

	if !s.cfg.GangMode && jobNodeReq == cluster.StateOneRow {
		// The job cannot share CPUs regardless of priority, so this is
		// the end of the line.
		s.Debug("test 1 fail - no idle resources available")
		return s.allocJob(job, mode, crType, jobNodeReq, nodeMap,
			freeCores, nil)
	}
	s.Debug("test 1 fail - not enough idle resources")

	// Test 2: remove only the allocations of strictly-higher-priority
	// partitions; failing here means failing for good.
	nodeMap.CopyFrom(origMap)
	freeCores.CopyFrom(availCores)
	if excCoreMap != nil {
		freeCores.AndNot(excCoreMap)
	}

	var jp *cluster.Partition
	for _, p := range parts {
		if p == job.Partition {
			jp = p
			break
		}
	}
	if jp == nil {
		s.Fatal("could not find partition %s for job %d",
			job.Partition.Name, job.ID)
	}

	for _, p := range parts {
		if p.Priority <= jp.Priority {
			continue
		}
		for r := range p.Rows {
			if p.Rows[r].Bitmap != nil {
				freeCores.AndNot(p.Rows[r].Bitmap)
			}
		}
	}
	// make the higher-priority subtraction permanent
	availCores.CopyFrom(freeCores)
	cpuCount = s.selectNodes(job, minNodes, maxNodes, reqNodes, nodeMap,
		freeCores, usage, crType, testOnly, partCoreMap)
	s.cfg.Metrics.Phase("test2", cpuCount != nil)
	if cpuCount == nil {
		// the needed resources are busy with higher-priority jobs
		s.Debug("test 2 fail - resources busy with higher priority jobs")
		return s.allocJob(job, mode, crType, jobNodeReq, nodeMap,
			freeCores, nil)
	}
	s.Debug("test 2 pass - available resources for this priority")

	// Test 3: also remove equal-priority allocations.
	nodeMap.CopyFrom(origMap)
	freeCores.CopyFrom(availCores)
	for _, p := range parts {
		if p.Priority != jp.Priority {
			continue
		}
		for r := range p.Rows {
			if p.Rows[r].Bitmap != nil {
				freeCores.AndNot(p.Rows[r].Bitmap)
			}
		}
	}
	cpuCount = s.selectNodes(job, minNodes, maxNodes, reqNodes, nodeMap,
		freeCores, usage, crType, testOnly, partCoreMap)
	s.cfg.Metrics.Phase("test3", cpuCount != nil)
	if cpuCount != nil {
		// Only lower-priority jobs are in the way; ignore them here.
		// TODO(step 6): overlap-optimizing placement against the
		// lower-priority jobs instead of plain selection.
		s.Debug("test 3 pass - found resources")
		return s.allocJob(job, mode, crType, jobNodeReq, nodeMap,
			freeCores, cpuCount)
	}
	s.Debug("test 3 fail - not enough idle resources in same priority")

	// Test 4: fit the job into one of its own partition's rows,
	// densest row first.
	if jp.Rows == nil {
		// No jobs in this partition yet, place into the free cores.
		// TODO(step 5): overlap-optimizing placement against jobs of
		// partitions at <= priority.
		nodeMap.CopyFrom(origMap)
		freeCores.CopyFrom(availCores)
		cpuCount = s.selectNodes(job, minNodes, maxNodes, reqNodes,
			nodeMap, freeCores, usage, crType, testOnly, partCoreMap)
		s.cfg.Metrics.Phase("test4", cpuCount != nil)
		s.Debug("test 4 pass - first row found")
		return s.allocJob(job, mode, crType, jobNodeReq, nodeMap,
			freeCores, cpuCount)
	}

	jp.SortRows()
	rows := int(jp.NumRows)
	if jobNodeReq != cluster.StateAvailable {
		rows = 1
	}
	i := 0
	for ; i < rows; i++ {
		if jp.Rows[i].Bitmap == nil {
			break
		}
		nodeMap.CopyFrom(origMap)
		freeCores.CopyFrom(availCores)
		freeCores.AndNot(jp.Rows[i].Bitmap)
		cpuCount = s.selectNodes(job, minNodes, maxNodes, reqNodes,
			nodeMap, freeCores, usage, crType, testOnly, partCoreMap)
		if cpuCount != nil {
			s.Debug("test 4 pass - row %d", i)
			break
		}
		s.Debug("test 4 fail - row %d", i)
	}

	if i < rows && jp.Rows[i].Bitmap == nil {
		// an empty row, use it
		nodeMap.CopyFrom(origMap)
		freeCores.CopyFrom(availCores)
		s.Debug("test 4 trying empty row %d", i)
		cpuCount = s.selectNodes(job, minNodes, maxNodes, reqNodes,
			nodeMap, freeCores, usage, crType, testOnly, partCoreMap)
	}
	s.cfg.Metrics.Phase("test4", cpuCount != nil)

	if cpuCount == nil {
		s.Debug("test 4 fail - busy partition")
	}

	return s.allocJob(job, mode, crType, jobNodeReq, nodeMap, freeCores, cpuCount)
}

// allocJob finishes a planner run: reject failed searches, answer
// WillRun estimates, and for RunNow build the JobResources, distribute
// tasks, and fill in the memory allocation.
func (s *Selector) allocJob(job *Job, mode Mode, crType CRType,
	jobNodeReq cluster.SharingState, nodeMap, freeCores *bitmap.Bitmap,
	cpuCount []uint16) error {

	details := job.Details

	if cpuCount == nil {
		s.Debug("exiting job test with no allocation")
		s.cfg.Metrics.Decision(mode, ErrInfeasible)
		return errors.Wrap(ErrInfeasible, "no phase found a placement")
	}
	if !job.BestSwitch {
		s.cfg.Metrics.Decision(mode, ErrSwitchWait)
		return ErrSwitchWait
	}

	if mode == WillRun {
		// a reasonable guess without computing the task distribution
		job.TotalCPUs = maxU32(details.MinCPUs, details.MinNodes)
		s.cfg.Metrics.Decision(mode, nil)
		return nil
	}

	s.Debug("distributing job %d", job.ID)

	res := newJobResources(s.sys, nodeMap, jobNodeReq, cpuCount)
	ncpus := uint32(res.NHosts)
	if details.NtasksPerNode != 0 {
		ncpus *= uint32(details.NtasksPerNode)
	}
	ncpus = maxU32(ncpus, details.MinCPUs)
	ncpus = maxU32(ncpus, uint32(details.PnMinCPUs))
	res.NCPUs = ncpus

	// Sync the CPU vector with the required-node layout, total up the
	// CPUs and load the allocation's core bitmap.
	var (
		layout    = details.ReqNodeLayout
		reqMap    = details.ReqNodeBitmap
		csize     = res.CoreCount()
		totalCPUs = 0
		ll        = -1
		c         = 0
		i         = 0
	)
	for n := 0; n < s.sys.NodeCount(); n++ {
		if layout != nil && reqMap != nil && reqMap.Test(n) {
			ll++
		}
		if !nodeMap.Test(n) {
			continue
		}
		for j := s.sys.CoreBegin(n); j < s.sys.CoreEnd(n); j, c = j+1, c+1 {
			if !freeCores.Test(j) {
				continue
			}
			if c >= csize {
				s.Error("core bitmap index error on node %s",
					s.sys.Nodes[n].Name)
				if s.cfg.DrainFn != nil {
					s.cfg.DrainFn(s.sys.Nodes[n].Name, "bad core count")
				}
				s.cfg.Metrics.Decision(mode, ErrConsistency)
				return errors.Wrapf(ErrConsistency,
					"core bitmap index error on node %s", s.sys.Nodes[n].Name)
			}
			res.CoreBitmap.Set(c)
		}

		if layout != nil && reqMap != nil && reqMap.Test(n) {
			if layout[ll] < res.CPUs[i] {
				res.CPUs[i] = layout[ll]
			}
		} else if layout != nil {
			res.CPUs[i] = 0
		}
		totalCPUs += int(res.CPUs[i])
		i++
	}

	// With --overcommit and an explicit task count, ncpus is only what
	// the tasks need; every logical processor of the nodes still ends
	// up allocated.
	if details.Overcommit && details.NumTasks != 0 {
		if uint32(totalCPUs) < details.NumTasks {
			res.NCPUs = uint32(totalCPUs)
		} else {
			res.NCPUs = details.NumTasks
		}
	}

	s.Debug("job %d ncpus %d cbits %d/%d nbits %d", job.ID, res.NCPUs,
		freeCores.Count(), res.CoreBitmap.Count(), res.NHosts)

	// distribute the tasks and release any unused cores
	job.Resources = res
	if err := s.cfg.Distributor.Distribute(job, crType); err != nil {
		job.Resources = nil
		s.cfg.Metrics.Decision(mode, err)
		return errors.Wrap(err, "task distribution failed")
	}

	buildCnt := res.BuildCPUArray()
	if details.CoreSpec != 0 {
		// specialized cores are charged to the job as well
		job.TotalCPUs = 0
		for _, n := range res.NodeBitmap.Indices() {
			job.TotalCPUs += uint32(s.sys.Nodes[n].CPUs)
		}
	} else {
		job.TotalCPUs = uint32(buildCnt)
	}

	if crType&CRMemory == 0 {
		s.cfg.Metrics.Decision(mode, nil)
		return nil
	}

	saveMem := details.PnMinMemory
	if saveMem&MemPerCPU != 0 {
		saveMem &^= MemPerCPU
		for i := 0; i < res.NHosts; i++ {
			res.MemoryAllocated[i] = uint64(res.CPUs[i]) * saveMem
		}
	} else {
		for i := 0; i < res.NHosts; i++ {
			res.MemoryAllocated[i] = saveMem
		}
	}

	s.cfg.Metrics.Decision(mode, nil)
	return nil
}
