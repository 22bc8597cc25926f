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
)

// evalNodesTopo selects nodes against the switch topology: find the
// lowest-level switch able to hold the whole job (best fit), then pick
// leaves under it and nodes within each leaf, best-fit by CPU count.
// Required nodes must all live under a single switch.
func (s *Selector) evalNodesTopo(job *Job, nodeMap *bitmap.Bitmap,
	minNodes, maxNodes, reqNodes uint32, cpuCnt []uint16) error {

	var (
		details     = job.Details
		switchCnt   = len(s.sys.Switches)
		nodeCnt     = s.sys.NodeCount()
		remCPUs     = int(details.MinCPUs)
		remNodes    = int(maxU32(minNodes, reqNodes))
		minRemNodes = int(minNodes)
		maxNodesRem = int(maxNodes)
		totalCPUs   = 0

		leafSwitchCount = 0
		timeWaiting     int64
	)

	if job.ReqSwitch != 0 {
		now := s.cfg.Clock()
		if job.Wait4SwitchStart.IsZero() {
			job.Wait4SwitchStart = now
		}
		timeWaiting = int64(now.Sub(job.Wait4SwitchStart).Seconds())
	}

	var reqNodesMap *bitmap.Bitmap
	if details.ReqNodeBitmap != nil {
		reqNodesMap = details.ReqNodeBitmap.Clone()
		if cnt := reqNodesMap.Count(); cnt > maxNodesRem {
			s.Info("job %d requires more nodes than currently available (%d > %d)",
				job.ID, cnt, maxNodesRem)
			return errors.Wrap(ErrInfeasible, "too many required nodes")
		}
	}

	// Per-switch view of the candidate set, indexed like the snapshot's
	// switch table. switchRequired doubles as the accumulated CPU count
	// of required nodes under the switch.
	switchNodes := make([]*bitmap.Bitmap, switchCnt)
	switchCPUCnt := make([]int, switchCnt)
	switchNodeCnt := make([]int, switchCnt)
	switchRequired := make([]int, switchCnt)
	availNodes := bitmap.New(nodeCnt)
	for i := 0; i < switchCnt; i++ {
		switchNodes[i] = s.sys.Switches[i].Nodes.Clone()
		switchNodes[i].And(nodeMap)
		availNodes.Or(switchNodes[i])
		switchNodeCnt[i] = switchNodes[i].Count()
		if reqNodesMap != nil && reqNodesMap.Overlaps(switchNodes[i]) {
			switchRequired[i] = 1
		}
	}
	nodeMap.ClearRange(0, nodeCnt)

	if s.DebugEnabled() {
		for i := 0; i < switchCnt; i++ {
			s.Debug("switch=%s level=%d nodes=%d:%s required:%d speed:%d",
				s.sys.Switches[i].Name, s.sys.Switches[i].Level,
				switchNodeCnt[i], switchNodes[i], switchRequired[i],
				s.sys.Switches[i].LinkSpeed)
		}
	}

	if reqNodesMap != nil && !reqNodesMap.IsSubsetOf(availNodes) {
		s.Info("job %d requires nodes not available on any switch", job.ID)
		return errors.Wrap(ErrInfeasible, "required nodes not on any switch")
	}

	// all required nodes must hang off one switch
	if reqNodesMap != nil {
		linked := false
		for i := 0; i < switchCnt; i++ {
			if reqNodesMap.IsSubsetOf(switchNodes[i]) {
				linked = true
				break
			}
		}
		if !linked {
			s.Info("job %d requires nodes that are not linked together", job.ID)
			return ErrTopoUnroutable
		}
	}

	if reqNodesMap != nil {
		// take the required nodes first
		first := reqNodesMap.FirstSet()
		last := reqNodesMap.LastSet()
		for i := first; i >= 0 && i <= last; i++ {
			if !reqNodesMap.Test(i) {
				continue
			}
			if maxNodesRem <= 0 {
				s.Info("job %d requires more nodes than allowed", job.ID)
				return errors.Wrap(ErrInfeasible, "too many required nodes")
			}
			nodeMap.Set(i)
			availNodes.Clear(i)
			availCPUs := getCPUCount(job, i, cpuCnt)
			// can end up zero, but a node the user named is granted
			cpusToUse(&availCPUs, remCPUs, minRemNodes, details, &cpuCnt[i])
			remNodes--
			minRemNodes--
			maxNodesRem--
			totalCPUs += availCPUs
			remCPUs -= availCPUs
			for j := 0; j < switchCnt; j++ {
				if !switchNodes[j].Test(i) {
					continue
				}
				switchNodes[j].Clear(i)
				switchNodeCnt[j]--
				// track the resources accumulated under the switch
				switchRequired[j] += availCPUs
			}
		}
		if details.MaxCPUs != NoVal && totalCPUs > int(details.MaxCPUs) {
			s.Info("job %d can't use required nodes due to max CPU limit", job.ID)
			return ErrOverbudget
		}
		if remNodes <= 0 && remCPUs <= 0 {
			return nil
		}

		// refresh counts for the remaining nodes under each switch
		for j := 0; j < switchCnt; j++ {
			if switchNodeCnt[j] == 0 {
				continue
			}
			first := switchNodes[j].FirstSet()
			if first < 0 {
				continue
			}
			last := switchNodes[j].LastSet()
			for i := first; i <= last; i++ {
				if !switchNodes[j].Test(i) {
					continue
				}
				if !availNodes.Test(i) {
					// cleared at a lower level
					switchNodes[j].Clear(i)
					switchNodeCnt[j]--
				} else {
					switchCPUCnt[j] += getCPUCount(job, i, cpuCnt)
				}
			}
		}
	} else {
		// no required nodes, only the CPU counts are needed
		for j := 0; j < switchCnt; j++ {
			first := switchNodes[j].FirstSet()
			if first < 0 {
				continue
			}
			last := switchNodes[j].LastSet()
			for i := first; i <= last; i++ {
				if switchNodes[j].Test(i) {
					switchCPUCnt[j] += getCPUCount(job, i, cpuCnt)
				}
			}
		}
	}

	// Choose the root switch: lowest level able to hold the job, best
	// fit by node count, honoring required nodes.
	bestFitInx := -1
	for j := 0; j < switchCnt; j++ {
		if switchCPUCnt[j] < remCPUs ||
			!enoughNodes(switchNodeCnt[j], remNodes, minNodes, reqNodes) {
			continue
		}
		if bestFitInx != -1 && reqNodes > minNodes &&
			switchNodeCnt[bestFitInx] < int(reqNodes) &&
			switchNodeCnt[bestFitInx] < switchNodeCnt[j] {
			// try to reach the requested node count
			bestFitInx = -1
		}

		// first possibility, or first holding required nodes, or a
		// lower level, or the same level but tighter, or equally
		// required and equally sized but more required CPUs behind it
		if bestFitInx == -1 ||
			(switchRequired[bestFitInx] == 0 && switchRequired[j] != 0) ||
			s.sys.Switches[j].Level < s.sys.Switches[bestFitInx].Level ||
			(s.sys.Switches[j].Level == s.sys.Switches[bestFitInx].Level &&
				switchNodeCnt[j] < switchNodeCnt[bestFitInx]) ||
			(switchRequired[bestFitInx] != 0 && switchRequired[j] != 0 &&
				s.sys.Switches[j].Level == s.sys.Switches[bestFitInx].Level &&
				switchNodeCnt[j] == switchNodeCnt[bestFitInx] &&
				switchRequired[bestFitInx] < switchRequired[j]) {
			// never trade a required switch for an unrequired one
			if bestFitInx == -1 ||
				switchRequired[bestFitInx] == 0 ||
				(switchRequired[bestFitInx] != 0 && switchRequired[j] != 0) {
				bestFitInx = j
			}
		}
	}
	if bestFitInx == -1 {
		s.Debug("job %d: best_fit topology failure: no switch satisfying the request", job.ID)
		return errors.Wrap(ErrInfeasible, "no switch satisfies the request")
	}
	if switchRequired[bestFitInx] == 0 && reqNodesMap != nil {
		s.Debug("job %d: best_fit topology failure: no switch with requested nodes", job.ID)
		return errors.Wrap(ErrInfeasible, "no switch holds the requested nodes")
	}
	availNodes.And(switchNodes[bestFitInx])

	// keep only the leaves under the chosen root
	for j := 0; j < switchCnt; j++ {
		if s.sys.Switches[j].Level != 0 ||
			!switchNodes[j].IsSubsetOf(switchNodes[bestFitInx]) {
			switchNodeCnt[j] = 0
		}
	}

	// Pick leaves best-fit, required ones first, and nodes within each
	// leaf best-fit by CPU count.
	for maxNodesRem > 0 && (remNodes > 0 || remCPUs > 0) {
		bestFitCPUs, bestFitNodes := 0, 0
		bestFitLocation := 0
		bestFitSufficient := false
		for j := 0; j < switchCnt; j++ {
			if switchNodeCnt[j] == 0 {
				continue
			}
			sufficient := switchCPUCnt[j] >= remCPUs &&
				enoughNodes(switchNodeCnt[j], remNodes, minNodes, reqNodes)
			if bestFitNodes == 0 ||
				(switchRequired[bestFitLocation] == 0 && switchRequired[j] != 0) ||
				(sufficient && !bestFitSufficient) ||
				(sufficient && switchCPUCnt[j] < bestFitCPUs) ||
				(!sufficient && switchCPUCnt[j] > bestFitCPUs) ||
				(switchRequired[bestFitLocation] != 0 && switchRequired[j] != 0 &&
					switchCPUCnt[bestFitLocation] == switchCPUCnt[j] &&
					switchRequired[bestFitLocation] < switchRequired[j]) {
				if bestFitNodes == 0 ||
					switchRequired[bestFitLocation] == 0 ||
					(switchRequired[bestFitLocation] != 0 && switchRequired[j] != 0) {
					bestFitCPUs = switchCPUCnt[j]
					bestFitNodes = switchNodeCnt[j]
					bestFitLocation = j
					bestFitSufficient = sufficient
				}
			}
		}
		if bestFitNodes == 0 {
			break
		}

		leafSwitchCount++
		first := switchNodes[bestFitLocation].FirstSet()
		last := switchNodes[bestFitLocation].LastSet()

		// per-node CPU counts of this leaf
		var cpusArray []int
		if first >= 0 {
			cpusArray = make([]int, last-first+1)
			for i, j := first, 0; i <= last; i, j = i+1, j+1 {
				if switchNodes[bestFitLocation].Test(i) {
					cpusArray[j] = getCPUCount(job, i, cpuCnt)
				}
			}
		}

		if job.ReqSwitch > 0 {
			if timeWaiting >= int64(job.Wait4Switch) {
				job.BestSwitch = true
				s.Debug("job %d waited %d sec for switches, using %d",
					job.ID, timeWaiting, leafSwitchCount)
			} else if leafSwitchCount > int(job.ReqSwitch) {
				// allocation spans more switches than requested
				job.BestSwitch = false
				s.Debug("job %d waited %d sec for switches=%d found=%d wait %d",
					job.ID, timeWaiting, job.ReqSwitch,
					leafSwitchCount, job.Wait4Switch)
			} else {
				job.BestSwitch = true
			}
		}

		// accumulate nodes from this leaf on a best-fit basis
		for maxNodesRem > 0 && (remNodes > 0 || remCPUs > 0) {
			bfSuff := false
			bfLoc, bfSize := 0, 0
			caBfLoc := 0
			for i, j := first, 0; first >= 0 && i <= last; i, j = i+1, j+1 {
				if cpusArray[j] == 0 {
					continue
				}
				suff := cpusArray[j] >= remCPUs
				if bfSize == 0 ||
					(suff && !bfSuff) ||
					(suff && cpusArray[j] < bfSize) ||
					(!suff && cpusArray[j] > bfSize) {
					bfSuff = suff
					bfLoc = i
					bfSize = cpusArray[j]
					caBfLoc = j
				}
			}
			if bfSize == 0 {
				break
			}

			// consume the node from the leaf
			switchNodes[bestFitLocation].Clear(bfLoc)
			switchNodeCnt[bestFitLocation]--
			switchCPUCnt[bestFitLocation] -= bfSize
			cpusArray[caBfLoc] = 0

			// already selected through another switch
			if nodeMap.Test(bfLoc) {
				continue
			}

			cpusToUse(&bfSize, remCPUs, minRemNodes, details, &cpuCnt[bfLoc])

			if details.MaxCPUs != NoVal &&
				totalCPUs+bfSize > int(details.MaxCPUs) {
				s.Debug("can't use node %d, it would exceed the CPU limit", bfLoc)
				continue
			}

			nodeMap.Set(bfLoc)
			totalCPUs += bfSize
			remNodes--
			minRemNodes--
			maxNodesRem--
			remCPUs -= bfSize
		}

		// leaf processed
		switchNodeCnt[bestFitLocation] = 0
	}

	if remCPUs <= 0 && enoughNodes(0, remNodes, minNodes, reqNodes) {
		return nil
	}
	return errors.Wrap(ErrInfeasible, "topology best-fit failed")
}
