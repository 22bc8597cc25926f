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

// allocateSockets determines which whole sockets of the node can serve
// the job. Returns the usable CPU count and narrows coreMap to the
// selected cores.
func (s *Selector) allocateSockets(job *Job, coreMap, partCoreMap *bitmap.Bitmap, nodeI int) uint16 {
	return s.allocateSC(job, coreMap, partCoreMap, nodeI, true)
}

// allocateCores determines which cores of the node can serve the job.
// Returns the usable CPU count and narrows coreMap to the selected
// cores.
func (s *Selector) allocateCores(job *Job, coreMap, partCoreMap *bitmap.Bitmap, nodeI int) uint16 {
	return s.allocateSC(job, coreMap, partCoreMap, nodeI, false)
}

// allocateSC is the per-node feasibility solver. Given the job's
// socket/core/thread and task layout constraints, it computes how many
// CPUs the node can contribute and which cores carry them. With
// entireSocketsOnly, sockets holding any allocated core are unusable.
//
// The work is a single ascending pass over the node's core range with
// O(sockets) scratch:
//
//	step 1: per-socket free/used tallies, partition-held CPU count
//	step 2: apply the partition per-node CPU cap, then
//	        min-cores-per-socket and min-sockets-per-node
//	step 3: derive the task count from ntasks-per-{core,socket,node}
//	        and cpus-per-task
//	step 4: walk cores ascending, keeping cores until the CPU budget
//	        and the per-socket task caps are exhausted
func (s *Selector) allocateSC(job *Job, coreMap, partCoreMap *bitmap.Bitmap, nodeI int, entireSocketsOnly bool) uint16 {
	var (
		node           = &s.sys.Nodes[nodeI]
		coreBegin      = s.sys.CoreBegin(nodeI)
		coreEnd        = s.sys.CoreEnd(nodeI)
		sockets        = int(node.Sockets)
		coresPerSocket = int(node.CoresPerSocket)
		threadsPerCore = uint16(node.ThreadsPerCore)

		cpusPerTask     = job.Details.CPUsPerTask
		minCores        = 1
		minSockets      = 1
		ntasksPerCore   = NoVal16
		ntasksPerSocket = uint16(0)
	)

	if mc := job.Details.MC; mc != nil {
		if mc.CoresPerSocket != NoVal16 && mc.CoresPerSocket != 0 {
			minCores = int(mc.CoresPerSocket)
		}
		if mc.SocketsPerNode != NoVal16 && mc.SocketsPerNode != 0 {
			minSockets = int(mc.SocketsPerNode)
		}
		if mc.NtasksPerCore != 0 {
			ntasksPerCore = mc.NtasksPerCore
		}
		if mc.ThreadsPerCore != NoVal16 && mc.ThreadsPerCore < ntasksPerCore {
			ntasksPerCore = mc.ThreadsPerCore
		}
		ntasksPerSocket = mc.NtasksPerSocket
	}

	// Step 1: per-socket core tallies and partition-held CPUs.
	freeCores := make([]uint16, sockets)
	usedCores := make([]uint16, sockets)
	partCores := make([]uint32, sockets)
	freeCoreCount := uint16(0)

	for c := coreBegin; c < coreEnd; c++ {
		i := (c - coreBegin) / coresPerSocket
		if coreMap.Test(c) {
			freeCores[i]++
			freeCoreCount++
		} else {
			usedCores[i]++
		}
		if partCoreMap != nil && partCoreMap.Test(c) {
			partCores[i]++
		}
	}

	freeCPUCount := uint32(0)
	usedCPUCount := uint32(0)
	for i := 0; i < sockets; i++ {
		if entireSocketsOnly && usedCores[i] != 0 {
			// socket already in use, job cannot touch it
			freeCoreCount -= freeCores[i]
			usedCores[i] += freeCores[i]
			freeCores[i] = 0
		}
		freeCPUCount += uint32(freeCores[i]) * uint32(threadsPerCore)
		if partCores[i] != 0 {
			usedCPUCount = uint32(usedCores[i]) * uint32(threadsPerCore)
		}
	}

	// Drop free cores that would push the allocation past the
	// partition's per-node CPU cap.
	if maxCPUs := job.Partition.MaxCPUsPerNode; maxCPUs != cluster.Infinite &&
		freeCPUCount+usedCPUCount > maxCPUs {
		excess := int(freeCPUCount+usedCPUCount) - int(maxCPUs)
		for c := coreBegin; c < coreEnd; c++ {
			i := (c - coreBegin) / coresPerSocket
			if freeCores[i] > 0 {
				freeCoreCount--
				freeCores[i]--
				excess -= int(threadsPerCore)
				if excess <= 0 {
					break
				}
			}
		}
	}

	var cpuCount, numTasks, availCPUs uint16

	// Step 2: min cores per socket, min sockets per node.
	usableSockets := 0
	for i := 0; i < sockets; i++ {
		if int(freeCores[i]) < minCores {
			freeCoreCount -= freeCores[i]
			freeCores[i] = 0
			continue
		}
		usableSockets++
	}
	if usableSockets < minSockets {
		goto fini
	}

	if freeCoreCount < 1 {
		// no available resources on this node
		goto fini
	}

	// Step 3: task count from the per-socket free cores. cpus_per_task
	// and ntasks_per_core have to play nice with each other.
	if threadsPerCore > ntasksPerCore {
		threadsPerCore = ntasksPerCore
	}
	for i := 0; i < sockets; i++ {
		tmp := freeCores[i] * threadsPerCore
		availCPUs += tmp
		if ntasksPerSocket != 0 {
			numTasks += minU16(tmp, ntasksPerSocket)
		} else {
			numTasks += tmp
		}
	}

	// An exclusive job takes the whole node, clipping to
	// ntasks_per_node would leave parts of it unallocated.
	if job.Details.NtasksPerNode != 0 && job.Details.ShareRes {
		numTasks = minU16(numTasks, job.Details.NtasksPerNode)
	}

	if cpusPerTask < 2 {
		availCPUs = numTasks
	} else {
		numTasks = minU16(numTasks, availCPUs/cpusPerTask)
		if job.Details.NtasksPerNode != 0 {
			availCPUs = numTasks * cpusPerTask
		}
	}
	if (job.Details.NtasksPerNode != 0 &&
		numTasks < job.Details.NtasksPerNode &&
		!job.Details.Overcommit) ||
		(job.Details.PnMinCPUs != 0 && availCPUs < job.Details.PnMinCPUs) {
		// insufficient resources on this node
		numTasks = 0
		goto fini
	}

	// Step 4: keep cores ascending while enforcing ntasks_per_socket.
	{
		cps := numTasks
		if ntasksPerSocket >= 1 {
			cps = ntasksPerSocket
			if cpusPerTask > 1 {
				cps = ntasksPerSocket * cpusPerTask
			}
		}
		si := -1
		var socketCPUs uint16
		c := coreBegin
		for ; c < coreEnd && availCPUs > 0; c++ {
			if !coreMap.Test(c) {
				continue
			}
			i := (c - coreBegin) / coresPerSocket
			if freeCores[i] > 0 {
				// this socket has free cores, but hold to the
				// ntasks_per_socket budget
				if si != i {
					si = i
					socketCPUs = threadsPerCore
				} else {
					if socketCPUs >= cps {
						// do not allocate this core
						coreMap.Clear(c)
						continue
					}
					socketCPUs += threadsPerCore
				}
				freeCores[i]--
				// cpuCount must not exceed availCPUs: with
				// hyperthreading the last core may carry fewer
				// CPUs than threads_per_core
				if availCPUs >= threadsPerCore {
					availCPUs -= threadsPerCore
					cpuCount += threadsPerCore
				} else {
					cpuCount += availCPUs
					availCPUs = 0
				}
			} else {
				coreMap.Clear(c)
			}
		}
		// clear leftovers
		if c < coreEnd {
			coreMap.ClearRange(c, coreEnd)
		}
	}

fini:
	if numTasks == 0 {
		coreMap.ClearRange(coreBegin, coreEnd)
		cpuCount = 0
	}
	return cpuCount
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}
