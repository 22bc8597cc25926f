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

// Package cluster holds the read-only cluster snapshot the selector
// works against: node hardware descriptors, per-node usage, partitions
// with their allocation rows, and the switch topology forest.
package cluster

import (
	"github.com/clusterfabric/consres/pkg/gres"
)

// NodeFlags holds node state bits relevant to selection.
type NodeFlags uint32

const (
	// NodeCompleting is set while a job is still tearing down on the node.
	NodeCompleting NodeFlags = 1 << iota
	// NodeDraining marks a node scheduled to go out of service.
	NodeDraining
)

// Node is the read-only hardware descriptor of one node.
type Node struct {
	Name           string
	Sockets        uint16
	CoresPerSocket uint16
	// ThreadsPerCore is the number of hardware threads per core (vpus).
	ThreadsPerCore uint16
	// CPUs is the number of schedulable units, always
	// Sockets * CoresPerSocket * ThreadsPerCore.
	CPUs       uint16
	RealMemory uint64
	Gres       []gres.Resource
	Flags      NodeFlags
}

// Cores returns the number of physical cores on the node.
func (n *Node) Cores() int {
	return int(n.Sockets) * int(n.CoresPerSocket)
}

// IsCompleting checks whether a job is still completing on the node.
func (n *Node) IsCompleting() bool {
	return n.Flags&NodeCompleting != 0
}

// IsDraining checks whether the node is being drained.
func (n *Node) IsDraining() bool {
	return n.Flags&NodeDraining != 0
}

// SharingState describes how heavily a node, or a job's node request,
// participates in resource sharing. The order matters: higher values
// are more exclusive.
type SharingState uint8

const (
	// StateAvailable allows the resource to be shared freely.
	StateAvailable SharingState = iota
	// StateOneRow restricts the node to jobs that do not share CPUs.
	StateOneRow
	// StateReserved dedicates the node to a single job.
	StateReserved
)

// String returns the state name.
func (s SharingState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateOneRow:
		return "one-row"
	case StateReserved:
		return "reserved"
	}
	return "invalid"
}

// NodeUsage is the mutable per-node allocation state maintained by the
// caller between selector invocations.
type NodeUsage struct {
	AllocMemory uint64
	State       SharingState
	// Gres, when non-nil, overrides the node descriptor's gres list.
	Gres []gres.Resource
}
