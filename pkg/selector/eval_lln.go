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

// evalNodesLLN selects resources on the least loaded nodes: repeatedly
// take the remaining node with the highest free CPU count. Optimized
// for small allocations; the scan short-circuits when it sees the
// previous peak value again.
func (s *Selector) evalNodesLLN(job *Job, nodeMap *bitmap.Bitmap,
	minNodes, maxNodes, reqNodes uint32, cpuCnt []uint16) error {

	var (
		details     = job.Details
		reqMap      = details.ReqNodeBitmap
		nodeCnt     = s.sys.NodeCount()
		remCPUs     = int(details.MinCPUs)
		remNodes    = int(maxU32(minNodes, reqNodes))
		minRemNodes = int(minNodes)
		maxNodesRem = int(maxNodes)
		totalCPUs   = 0
	)

	if reqMap != nil {
		for i := 0; i < nodeCnt; i++ {
			if !reqMap.Test(i) || !nodeMap.Test(i) {
				continue
			}
			availCPUs := int(cpuCnt[i])
			if maxNodesRem > 0 {
				totalCPUs += availCPUs
				remCPUs -= availCPUs
				remNodes--
				minRemNodes--
				// node stays selected, charge the max limit
				maxNodesRem--
			} else {
				nodeMap.Clear(i)
			}
		}
	} else {
		nodeMap.ClearRange(0, nodeCnt)
	}

	// CPUs already committed to required nodes
	if details.MaxCPUs != NoVal && totalCPUs > int(details.MaxCPUs) {
		s.Info("job %d can't use required nodes due to max CPU limit", job.ID)
		return ErrOverbudget
	}

	lastMaxCPUCnt := -1
	for (remCPUs > 0 || remNodes > 0) && maxNodesRem > 0 {
		maxCPUIdx := -1
		for i := 0; i < nodeCnt; i++ {
			if nodeMap.Test(i) {
				continue
			}
			if maxCPUIdx == -1 || cpuCnt[maxCPUIdx] < cpuCnt[i] {
				maxCPUIdx = i
				if int(cpuCnt[maxCPUIdx]) == lastMaxCPUCnt {
					break
				}
			}
		}
		if maxCPUIdx == -1 || cpuCnt[maxCPUIdx] == 0 {
			break
		}
		lastMaxCPUCnt = int(cpuCnt[maxCPUIdx])
		availCPUs := getCPUCount(job, maxCPUIdx, cpuCnt)
		if availCPUs == 0 {
			break
		}
		remCPUs -= availCPUs
		nodeMap.Set(maxCPUIdx)
		remNodes--
		minRemNodes--
		maxNodesRem--
	}

	if remCPUs > 0 || minRemNodes > 0 {
		nodeMap.ClearRange(0, nodeCnt)
		return errors.Wrap(ErrInfeasible, "least-loaded selection failed")
	}
	return nil
}
