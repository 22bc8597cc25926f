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

// Package selector decides, for one pending job, which nodes and which
// cores on those nodes to allocate. It combines a per-node
// socket/core/thread feasibility solver, three node choosers
// (consecutive best-fit, least-loaded, switch-topology best-fit), a
// knapsack relaxation retry loop, and a four-phase planner that layers
// the job against existing allocations under partition priorities.
package selector

import (
	"time"

	"github.com/pkg/errors"

	"github.com/clusterfabric/consres/pkg/bitmap"
	"github.com/clusterfabric/consres/pkg/cluster"
	"github.com/clusterfabric/consres/pkg/gres"
)

// CRType is the bitfield of consumable resource kinds a selection
// draws down. CRMemory is orthogonal to the CPU-ish kinds.
type CRType uint16

const (
	// CRCPU consumes individual schedulable CPUs.
	CRCPU CRType = 1 << iota
	// CRSocket consumes entire sockets.
	CRSocket
	// CRCore consumes entire cores.
	CRCore
	// CRMemory consumes node memory.
	CRMemory
	// CRLLN places jobs on the least loaded nodes.
	CRLLN
)

// Mode tells the planner what kind of answer is wanted.
type Mode int

const (
	// RunNow allocates resources immediately.
	RunNow Mode = iota
	// TestOnly answers whether the job could ever run.
	TestOnly
	// WillRun estimates a future placement.
	WillRun
)

const (
	// NoVal marks an unset 32-bit job parameter.
	NoVal = ^uint32(0)
	// NoVal16 marks an unset 16-bit job parameter.
	NoVal16 = ^uint16(0)
	// MemPerCPU flags PnMinMemory as a per-CPU quantity.
	MemPerCPU = uint64(1) << 63
)

// Selection error kinds.
var (
	// ErrInfeasible reports that no node set can serve the job.
	ErrInfeasible = errors.New("insufficient resources for job")
	// ErrTopoUnroutable reports required nodes spanning unlinked switches.
	ErrTopoUnroutable = errors.New("required nodes are not linked together")
	// ErrOverbudget reports required nodes exceeding the job CPU limit.
	ErrOverbudget = errors.New("required nodes exceed the max CPU limit")
	// ErrConsistency reports a snapshot/controller disagreement.
	ErrConsistency = errors.New("cluster snapshot inconsistency")
	// ErrSwitchWait reports a placement rejected by the switch-count
	// gate; the job should be retried later.
	ErrSwitchWait = errors.New("placement exceeds requested switch count")
)

// MultiCore carries the per-socket/per-core request layout.
type MultiCore struct {
	// CoresPerSocket is the minimum cores to allocate per socket,
	// NoVal16 when unset.
	CoresPerSocket uint16
	// SocketsPerNode is the minimum sockets to allocate per node,
	// NoVal16 when unset.
	SocketsPerNode uint16
	// NtasksPerCore limits tasks per core, 0 when unset.
	NtasksPerCore uint16
	// NtasksPerSocket limits tasks per socket, 0 when unset.
	NtasksPerSocket uint16
	// ThreadsPerCore limits usable threads per core, NoVal16 when unset.
	ThreadsPerCore uint16
}

// JobDetails is the resource request of a job.
type JobDetails struct {
	MinCPUs uint32
	// MaxCPUs limits the job's total CPUs, NoVal = unlimited.
	MaxCPUs   uint32
	MinNodes  uint32
	PnMinCPUs uint16
	// PnMinMemory is the minimum memory per node, or per CPU when the
	// MemPerCPU bit is set.
	PnMinMemory   uint64
	CPUsPerTask   uint16
	NtasksPerNode uint16
	NumTasks      uint32
	Overcommit    bool
	ShareRes      bool
	WholeNode     bool
	Contiguous    bool
	// CoreSpec reserves this many cores per node for system use.
	CoreSpec uint16
	// ReqNodeBitmap holds nodes the job asked for by name.
	ReqNodeBitmap *bitmap.Bitmap
	// ReqNodeLayout caps the CPU count of each required node, indexed
	// by the node's position among the required set.
	ReqNodeLayout []uint16
	MC            *MultiCore
}

// Job is the pending job under evaluation plus the per-decision
// scratch the planner maintains on it.
type Job struct {
	ID        uint32
	Details   *JobDetails
	Partition *cluster.Partition
	Gres      []gres.Spec

	// ReqSwitch is the maximum number of leaf switches wanted,
	// 0 = no preference. Wait4Switch is how long to hold out for it.
	ReqSwitch        uint32
	Wait4Switch      uint32
	Wait4SwitchStart time.Time
	// BestSwitch is scratch set by the topology chooser: false when
	// the placement uses more leaves than ReqSwitch allows and fewer
	// than Wait4Switch seconds have passed since Wait4SwitchStart.
	BestSwitch bool

	// ResvName names the reservation whose exclusion core mask was
	// passed in, for diagnostics only.
	ResvName string

	// Resources holds the allocation after a successful RunNow test.
	Resources *JobResources
	// TotalCPUs is filled in by RunNow, and as an estimate by WillRun.
	TotalCPUs uint32
}

func (j *Job) ntasksPerCore() uint16 {
	ntasks := NoVal16
	if j.Details.MC != nil && j.Details.MC.NtasksPerCore != 0 {
		ntasks = j.Details.MC.NtasksPerCore
	}
	return ntasks
}
