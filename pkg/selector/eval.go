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

// enoughNodes checks whether availNodes can still satisfy the
// remaining node demand, crediting the slack between the requested and
// the minimum node count.
func enoughNodes(availNodes, remNodes int, minNodes, reqNodes uint32) bool {
	var needed int
	if reqNodes > minNodes {
		needed = remNodes + int(minNodes) - int(reqNodes)
	} else {
		needed = remNodes
	}
	return availNodes >= needed
}

// cpusToUse trims the CPUs taken from the current node so that at
// least pn_min_cpus remain claimable on each node still to be picked.
// Whole-node jobs always take everything.
func cpusToUse(availCPUs *int, remCPUs, remNodes int, details *JobDetails, cpuCnt *uint16) {
	if details.WholeNode {
		return
	}

	resvCPUs := remNodes - 1
	if resvCPUs < 0 {
		resvCPUs = 0
	}
	resvCPUs *= int(details.PnMinCPUs) // at least 1
	remCPUs -= resvCPUs

	if *availCPUs > remCPUs {
		*availCPUs = remCPUs
		if *availCPUs < int(details.PnMinCPUs) {
			*availCPUs = int(details.PnMinCPUs)
		}
		*cpuCnt = uint16(*availCPUs)
	}
}

// consecRun is one maximal run of consecutive available node indices.
type consecRun struct {
	start int
	end   int
	cpus  int
	nodes int
	req   int // first required node in the run, -1 if none
}

// evalNodes picks the job's node set out of nodeMap. It dispatches to
// the least-loaded or topology chooser when they apply, and otherwise
// runs best-fit over runs of consecutive available nodes. On success
// nodeMap holds exactly the chosen nodes.
func (s *Selector) evalNodes(job *Job, nodeMap *bitmap.Bitmap,
	minNodes, maxNodes, reqNodes uint32, cpuCnt []uint16, crType CRType) error {

	details := job.Details

	if nodeMap.Size() != s.sys.NodeCount() {
		s.Error("node count inconsistent with controller")
		return ErrConsistency
	}
	if nodeMap.Count() < int(minNodes) {
		return ErrInfeasible
	}
	if details.ReqNodeBitmap != nil && !details.ReqNodeBitmap.IsSubsetOf(nodeMap) {
		return ErrInfeasible
	}

	if crType&CRLLN != 0 ||
		(details.ReqNodeLayout == nil && job.Partition != nil && job.Partition.LLN) {
		// select resources on the least loaded nodes
		return s.evalNodesLLN(job, nodeMap, minNodes, maxNodes, reqNodes, cpuCnt)
	}

	if len(s.sys.Switches) > 0 {
		// optimized resource selection based on topology
		return s.evalNodesTopo(job, nodeMap, minNodes, maxNodes, reqNodes, cpuCnt)
	}

	return s.evalNodesConsec(job, nodeMap, minNodes, maxNodes, reqNodes, cpuCnt)
}

// evalNodesConsec is the heart of the selection process: best-fit over
// runs of consecutive available nodes.
func (s *Selector) evalNodesConsec(job *Job, nodeMap *bitmap.Bitmap,
	minNodes, maxNodes, reqNodes uint32, cpuCnt []uint16) error {

	var (
		details  = job.Details
		reqMap   = details.ReqNodeBitmap
		layout   = details.ReqNodeLayout
		nodeCnt  = s.sys.NodeCount()
		runs     []consecRun
		cur      = consecRun{req: -1}
		open     bool
		remCPUs  = int(details.MinCPUs)
		remNodes = int(maxU32(minNodes, reqNodes))

		minRemNodes = int(minNodes)
		maxNodesRem = int(maxNodes)
		totalCPUs   = 0
	)

	// Build the table of consecutive-node runs. Required nodes are
	// pre-selected; everything else starts deselected and contributes
	// to its run's totals.
	ll := -1
	for i := 0; i < nodeCnt; i++ {
		required := reqMap != nil && reqMap.Test(i)
		if layout != nil && required {
			ll++
		}
		switch {
		case nodeMap.Test(i):
			if !open {
				cur = consecRun{start: i, req: -1}
				open = true
			}
			availCPUs := int(cpuCnt[i])
			if layout != nil && required {
				if int(layout[ll]) < availCPUs {
					availCPUs = int(layout[ll])
				}
			} else if layout != nil {
				availCPUs = 0
			}
			if maxNodesRem > 0 && required {
				if cur.req == -1 {
					// first required node in the run
					cur.req = i
				}
				totalCPUs += availCPUs
				remCPUs -= availCPUs
				remNodes--
				minRemNodes--
				// node stays selected, charge the max limit
				maxNodesRem--
			} else {
				nodeMap.Clear(i)
				cur.cpus += availCPUs
				cur.nodes++
			}
		case !open:
			// nothing accumulated yet, keep waiting
		case cur.nodes == 0:
			// only required nodes so far, they are already picked up
			open = false
		default:
			cur.end = i - 1
			runs = append(runs, cur)
			open = false
		}
	}
	if open && cur.nodes > 0 {
		cur.end = nodeCnt - 1
		runs = append(runs, cur)
	}

	if s.DebugEnabled() {
		for i, r := range runs {
			s.Debug("eval_nodes: consec %d c=%d n=%d b=%d e=%d r=%d",
				i, r.cpus, r.nodes, r.start, r.end, r.req)
		}
	}

	// CPUs already committed to required nodes
	if details.MaxCPUs != NoVal && totalCPUs > int(details.MaxCPUs) {
		s.Info("job %d can't use required nodes due to max CPU limit", job.ID)
		return ErrOverbudget
	}

	err := error(ErrInfeasible)

	// accumulate nodes from runs until the demand is met
	for len(runs) > 0 && maxNodesRem > 0 {
		bestFit := -1
		bestFitCPUs, bestFitNodes := 0, 0
		bestFitReq := -1
		bestFitSufficient := false

		for i := range runs {
			if runs[i].nodes == 0 {
				continue // no usable nodes left here
			}
			if details.Contiguous && reqMap != nil && runs[i].req == -1 {
				continue // not the run holding required nodes
			}

			sufficient := runs[i].cpus >= remCPUs &&
				enoughNodes(runs[i].nodes, remNodes, minNodes, reqNodes)

			// pick if first possibility, or contains required nodes,
			// or first sufficient run, or a tighter sufficient fit,
			// or the biggest insufficient run so far
			if bestFitNodes == 0 ||
				(bestFitReq == -1 && runs[i].req != -1) ||
				(sufficient && !bestFitSufficient) ||
				(sufficient && runs[i].cpus < bestFitCPUs) ||
				(!sufficient && runs[i].cpus > bestFitCPUs) {
				bestFitCPUs = runs[i].cpus
				bestFitNodes = runs[i].nodes
				bestFit = i
				bestFitReq = runs[i].req
				bestFitSufficient = sufficient
			}

			if details.Contiguous && reqMap != nil {
				// all required nodes must share a single run
				otherRuns := false
				for j := i + 1; j < len(runs); j++ {
					if runs[j].req != -1 {
						otherRuns = true
						break
					}
				}
				if otherRuns {
					bestFitNodes = 0
					break
				}
			}
		}
		if bestFitNodes == 0 {
			break
		}

		if details.Contiguous &&
			(bestFitCPUs < remCPUs ||
				!enoughNodes(bestFitNodes, remNodes, minNodes, reqNodes)) {
			break // no hole large enough
		}

		if bestFitReq != -1 {
			// This run includes required nodes: work up from the first
			// required index, then down from it.
			for i := bestFitReq; i <= runs[bestFit].end; i++ {
				if maxNodesRem <= 0 || (remNodes <= 0 && remCPUs <= 0) {
					break
				}
				if nodeMap.Test(i) {
					continue // required node already in the set
				}
				s.takeNode(job, nodeMap, i, cpuCnt,
					&remCPUs, &remNodes, &minRemNodes, &maxNodesRem, &totalCPUs)
			}
			for i := bestFitReq - 1; i >= runs[bestFit].start; i-- {
				if maxNodesRem <= 0 || (remNodes <= 0 && remCPUs <= 0) {
					break
				}
				if nodeMap.Test(i) {
					continue
				}
				s.takeNode(job, nodeMap, i, cpuCnt,
					&remCPUs, &remNodes, &minRemNodes, &maxNodesRem, &totalCPUs)
			}
		} else {
			// No required nodes. When a single node would finish the
			// job, scan the run for the tightest-fitting one.
			first, last := runs[bestFit].start, runs[bestFit].end
			var cpusArray []int
			if remNodes <= 1 {
				cpusArray = make([]int, last-first+1)
				bestSingle, bestSize := -1, 0
				for i, j := first, 0; i <= last; i, j = i+1, j+1 {
					if nodeMap.Test(i) {
						continue
					}
					cpusArray[j] = getCPUCount(job, i, cpuCnt)
					if cpusArray[j] < remCPUs {
						continue
					}
					if bestSingle == -1 || cpusArray[j] < bestSize {
						bestSingle = j
						bestSize = cpusArray[j]
						if bestSize == remCPUs {
							break
						}
					}
				}
				if bestSingle != -1 {
					for j := range cpusArray {
						if j != bestSingle {
							cpusArray[j] = 0
						}
					}
				}
			}

			for i, j := first, 0; i <= last; i, j = i+1, j+1 {
				if maxNodesRem <= 0 || (remNodes <= 0 && remCPUs <= 0) {
					break
				}
				if nodeMap.Test(i) {
					continue
				}

				var availCPUs int
				if cpusArray != nil {
					availCPUs = cpusArray[j]
				} else {
					availCPUs = getCPUCount(job, i, cpuCnt)
				}
				if availCPUs <= 0 {
					continue
				}
				if maxNodesRem == 1 && availCPUs < remCPUs {
					// one more node allowed and this one is too small
					continue
				}
				cpusToUse(&availCPUs, remCPUs, minRemNodes, details, &cpuCnt[i])
				totalCPUs += availCPUs
				if details.MaxCPUs != NoVal && totalCPUs > int(details.MaxCPUs) {
					s.Debug("can't use node %d, it would exceed the CPU limit", i)
					totalCPUs -= availCPUs
					continue
				}
				remCPUs -= availCPUs
				nodeMap.Set(i)
				remNodes--
				minRemNodes--
				maxNodesRem--
			}
		}

		if details.Contiguous || (remNodes <= 0 && remCPUs <= 0) {
			err = nil
			break
		}
		runs[bestFit].cpus = 0
		runs[bestFit].nodes = 0
	}

	if err != nil && remCPUs <= 0 &&
		enoughNodes(0, remNodes, minNodes, reqNodes) {
		err = nil
	}

	if err != nil {
		return errors.Wrap(err, "consecutive best-fit failed")
	}
	return nil
}

// takeNode selects node i while trimming its CPU share and enforcing
// the job's CPU budget.
func (s *Selector) takeNode(job *Job, nodeMap *bitmap.Bitmap, i int,
	cpuCnt []uint16, remCPUs, remNodes, minRemNodes, maxNodesRem, totalCPUs *int) {

	availCPUs := getCPUCount(job, i, cpuCnt)
	if availCPUs <= 0 {
		return
	}

	// This can end up zero, but a node the user named is still granted;
	// the step layout sorts it out later.
	cpusToUse(&availCPUs, *remCPUs, *minRemNodes, job.Details, &cpuCnt[i])
	*totalCPUs += availCPUs
	if job.Details.MaxCPUs != NoVal && *totalCPUs > int(job.Details.MaxCPUs) {
		s.Debug("can't use node %d, it would exceed the CPU limit", i)
		*totalCPUs -= availCPUs
		return
	}
	nodeMap.Set(i)
	*remCPUs -= availCPUs
	*remNodes--
	*minRemNodes--
	*maxNodesRem--
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
