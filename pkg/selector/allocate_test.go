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
	"testing"

	"github.com/clusterfabric/consres/pkg/bitmap"
	"github.com/clusterfabric/consres/pkg/cluster"
)

func TestAllocateSC(t *testing.T) {
	tcs := []struct {
		description string
		geometry    [3]uint16 // sockets, cores per socket, threads per core
		usedCores   []int     // node-local cores already taken
		maxCPUs     uint32    // partition cap, 0 = unlimited
		details     JobDetails
		mc          *MultiCore
		sockets     bool // entire sockets only
		expected    uint16
		kept        string // expected core map afterwards
	}{
		{
			description: "unconstrained job takes every core",
			geometry:    [3]uint16{2, 2, 1},
			details:     JobDetails{},
			expected:    4,
			kept:        "0-3",
		},
		{
			description: "entire sockets only skips a touched socket",
			geometry:    [3]uint16{2, 2, 1},
			usedCores:   []int{0},
			details:     JobDetails{},
			sockets:     true,
			expected:    2,
			kept:        "2-3",
		},
		{
			description: "cores mode still uses the partial socket",
			geometry:    [3]uint16{2, 2, 1},
			usedCores:   []int{0},
			details:     JobDetails{},
			expected:    3,
			kept:        "1-3",
		},
		{
			description: "partition per-node CPU cap drops free cores",
			geometry:    [3]uint16{1, 4, 1},
			maxCPUs:     2,
			details:     JobDetails{},
			expected:    2,
			kept:        "0-1",
		},
		{
			description: "min cores per socket disqualifies small sockets",
			geometry:    [3]uint16{2, 2, 1},
			usedCores:   []int{1},
			details:     JobDetails{},
			mc:          &MultiCore{CoresPerSocket: 2, SocketsPerNode: NoVal16, ThreadsPerCore: NoVal16},
			expected:    2,
			kept:        "2-3",
		},
		{
			description: "min sockets per node refuses the node",
			geometry:    [3]uint16{2, 2, 1},
			usedCores:   []int{0, 1},
			details:     JobDetails{},
			mc:          &MultiCore{CoresPerSocket: NoVal16, SocketsPerNode: 2, ThreadsPerCore: NoVal16},
			expected:    0,
			kept:        "",
		},
		{
			description: "ntasks per node unreachable without overcommit",
			geometry:    [3]uint16{1, 2, 1},
			details:     JobDetails{NtasksPerNode: 4, ShareRes: true},
			expected:    0,
			kept:        "",
		},
		{
			description: "ntasks per node reachable with overcommit",
			geometry:    [3]uint16{1, 2, 1},
			details:     JobDetails{NtasksPerNode: 4, ShareRes: true, Overcommit: true},
			expected:    2,
			kept:        "0-1",
		},
		{
			description: "pn_min_cpus refuses a too-small node",
			geometry:    [3]uint16{1, 2, 1},
			details:     JobDetails{PnMinCPUs: 3},
			expected:    0,
			kept:        "",
		},
		{
			description: "ntasks per socket caps cores per socket",
			geometry:    [3]uint16{2, 4, 1},
			details:     JobDetails{},
			mc:          &MultiCore{CoresPerSocket: NoVal16, SocketsPerNode: NoVal16, ThreadsPerCore: NoVal16, NtasksPerSocket: 2},
			expected:    4,
			kept:        "0-1,4-5",
		},
		{
			// The per-socket tally caps at ntasks_per_socket *
			// cpus_per_task while the CPU pool was clipped to the task
			// count: the last hyperthreaded core carries only one of
			// its two threads. 3 CPUs granted on 2 whole cores.
			description: "hyperthread rounding grants half a core",
			geometry:    [3]uint16{1, 2, 2},
			details:     JobDetails{},
			mc:          &MultiCore{CoresPerSocket: NoVal16, SocketsPerNode: NoVal16, ThreadsPerCore: NoVal16, NtasksPerSocket: 3},
			expected:    3,
			kept:        "0-1",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.description, func(t *testing.T) {
			sys := customSnapshot(t, tc.geometry)
			sel := New(sys, Config{})

			part := cluster.NewPartition("p", 1, 1)
			if tc.maxCPUs != 0 {
				part.MaxCPUsPerNode = tc.maxCPUs
			}

			details := tc.details
			details.MaxCPUs = NoVal
			details.MC = tc.mc
			job := &Job{ID: 1, Details: &details, Partition: part}

			coreMap := bitmap.New(sys.CoreCount())
			coreMap.SetRange(0, sys.CoreCount())
			for _, c := range tc.usedCores {
				coreMap.Clear(c)
			}

			got := sel.allocateSC(job, coreMap, nil, 0, tc.sockets)
			if got != tc.expected {
				t.Errorf("expected %d cpus, got %d", tc.expected, got)
			}
			if coreMap.String() != tc.kept {
				t.Errorf("expected cores %q kept, got %q", tc.kept, coreMap.String())
			}
		})
	}
}

func TestAllocateSCPartitionOwnedCores(t *testing.T) {
	// A partition CPU cap counts cores the partition already holds on
	// the node against the job.
	sys := customSnapshot(t, [3]uint16{1, 4, 1})
	sel := New(sys, Config{})

	part := cluster.NewPartition("p", 1, 1)
	part.MaxCPUsPerNode = 3

	job := &Job{ID: 1, Details: &JobDetails{MaxCPUs: NoVal}, Partition: part}

	coreMap := bitmap.New(sys.CoreCount())
	coreMap.SetRange(1, 4) // core 0 is allocated
	partCoreMap := bitmap.NewFromIndices(sys.CoreCount(), 0)

	got := sel.allocateSC(job, coreMap, partCoreMap, 0, false)
	if got != 2 {
		t.Errorf("expected 2 cpus under the cap, got %d", got)
	}
}
