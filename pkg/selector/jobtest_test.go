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

	"github.com/pkg/errors"

	"github.com/clusterfabric/consres/pkg/bitmap"
	"github.com/clusterfabric/consres/pkg/cluster"
)

// TestJobTestExampleCluster walks the documented example: four sruns
// against linux01-04 (2+2+2+4 CPUs), then a pending job that becomes
// runnable when the first one finishes.
func TestJobTestExampleCluster(t *testing.T) {
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("lsf", 1, 1)
	parts := []*cluster.Partition{part}
	usage := make([]cluster.NodeUsage, 4)

	// srun -n 4 -N 4
	job1 := newJob(1, part, 4, 4)
	nodeMap, err := runJob(t, sel, job1, 4, 4, 4, parts, usage)
	if err != nil {
		t.Fatalf("job 1: %v", err)
	}
	if nodeMap.String() != "0-3" {
		t.Fatalf("job 1: expected all nodes, got %q", nodeMap.String())
	}
	assertCPUs(t, job1, 1, 1, 1, 1)
	if job1.TotalCPUs != 4 {
		t.Errorf("job 1: expected 4 total cpus, got %d", job1.TotalCPUs)
	}
	commit(t, sys, part, job1)

	// srun -n 3 -N 3
	job2 := newJob(2, part, 3, 3)
	nodeMap, err = runJob(t, sel, job2, 3, 3, 3, parts, usage)
	if err != nil {
		t.Fatalf("job 2: %v", err)
	}
	if nodeMap.String() != "0-2" {
		t.Fatalf("job 2: expected linux01-03, got %q", nodeMap.String())
	}
	assertCPUs(t, job2, 1, 1, 1)
	commit(t, sys, part, job2)

	// srun -n 1
	job3 := newJob(3, part, 1, 1)
	nodeMap, err = runJob(t, sel, job3, 1, 4, 1, parts, usage)
	if err != nil {
		t.Fatalf("job 3: %v", err)
	}
	if nodeMap.String() != "3" {
		t.Fatalf("job 3: expected linux04 only, got %q", nodeMap.String())
	}
	assertCPUs(t, job3, 1)
	commit(t, sys, part, job3)

	// srun -n 3: only 2 CPUs left anywhere, must stay pending
	job4 := newJob(4, part, 3, 1)
	_, err = runJob(t, sel, job4, 1, 4, 1, parts, usage)
	if errors.Cause(err) != ErrInfeasible {
		t.Fatalf("job 4: expected ErrInfeasible while the cluster is loaded, got %v", err)
	}
	if job4.Resources != nil {
		t.Fatalf("job 4: failed test must not allocate")
	}

	// ... but it could run once the cluster drains: a TestOnly probe
	// stops after test 0, which ignores current allocations.
	probe := newJob(40, part, 3, 1)
	nm := sys.NewNodeBitmap()
	nm.SetAll()
	if err := sel.JobTest(probe, nm, 1, 4, 1, TestOnly, CRCPU,
		cluster.StateAvailable, parts, usage, nil); err != nil {
		t.Fatalf("job 4 feasibility probe: %v", err)
	}

	// job 1 finishes; -n 3 now fits on linux04's three free CPUs
	release(t, sys, part, job1)
	job5 := newJob(5, part, 3, 1)
	nodeMap, err = runJob(t, sel, job5, 1, 4, 1, parts, usage)
	if err != nil {
		t.Fatalf("job 5: %v", err)
	}
	if nodeMap.String() != "3" {
		t.Fatalf("job 5: expected the tight fit on linux04, got %q", nodeMap.String())
	}
	assertCPUs(t, job5, 3)
	commit(t, sys, part, job5)

	// with linux04 drained, a further -n 3 spreads over linux01-03
	job6 := newJob(6, part, 3, 1)
	nodeMap, err = runJob(t, sel, job6, 1, 4, 1, parts, usage)
	if err != nil {
		t.Fatalf("job 6: %v", err)
	}
	if nodeMap.String() != "0-2" {
		t.Fatalf("job 6: expected linux01-03, got %q", nodeMap.String())
	}
	assertCPUs(t, job6, 1, 1, 1)
	commit(t, sys, part, job6)

	// the cluster is now completely full
	job7 := newJob(7, part, 1, 1)
	if _, err := runJob(t, sel, job7, 1, 4, 1, parts, usage); err == nil {
		t.Fatalf("job 7: expected a full cluster to refuse the job")
	}
}

func TestJobTestInvariants(t *testing.T) {
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)
	parts := []*cluster.Partition{part}
	usage := make([]cluster.NodeUsage, 4)

	job := newJob(1, part, 5, 2)
	job.Details.ReqNodeBitmap = bitmap.NewFromIndices(4, 1)

	input := sys.NewNodeBitmap()
	input.SetAll()
	nodeMap := input.Clone()
	if err := sel.JobTest(job, nodeMap, 2, 4, 2, RunNow, CRCPU,
		cluster.StateAvailable, parts, usage, nil); err != nil {
		t.Fatalf("job test: %v", err)
	}
	res := job.Resources

	// node mask subset of the input
	if !nodeMap.IsSubsetOf(input) {
		t.Errorf("selected nodes %q escape the candidate set", nodeMap.String())
	}
	// required nodes preserved
	if !nodeMap.Test(1) {
		t.Errorf("required node 1 missing from %q", nodeMap.String())
	}
	// CPU vector shape and minimums
	if len(res.CPUs) != nodeMap.Count() {
		t.Errorf("cpu vector length %d != %d selected nodes",
			len(res.CPUs), nodeMap.Count())
	}
	total := 0
	for i, c := range res.CPUs {
		if c < job.Details.PnMinCPUs {
			t.Errorf("cpus[%d] = %d below pn_min_cpus", i, c)
		}
		total += int(c)
	}
	if total < int(job.Details.MinCPUs) {
		t.Errorf("total cpus %d below min_cpus %d", total, job.Details.MinCPUs)
	}
	// min/max node bounds
	if n := nodeMap.Count(); n < 2 || n > 4 {
		t.Errorf("selected node count %d outside [2, 4]", n)
	}
	// allocated cores stay inside the selected nodes' ranges
	global := res.GlobalCoreBitmap(sys)
	for _, c := range global.Indices() {
		owned := false
		for _, n := range nodeMap.Indices() {
			if c >= sys.CoreBegin(n) && c < sys.CoreEnd(n) {
				owned = true
				break
			}
		}
		if !owned {
			t.Errorf("core %d allocated outside the selected nodes", c)
		}
	}
}

func TestJobTestTestOnlyIsIdempotent(t *testing.T) {
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)
	parts := []*cluster.Partition{part}
	usage := make([]cluster.NodeUsage, 4)

	for i := 0; i < 2; i++ {
		job := newJob(1, part, 4, 2)
		nodeMap := sys.NewNodeBitmap()
		nodeMap.SetAll()
		if err := sel.JobTest(job, nodeMap, 2, 4, 2, TestOnly, CRCPU,
			cluster.StateAvailable, parts, usage, nil); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if job.Resources != nil {
			t.Errorf("round %d: TestOnly must not allocate", i)
		}
	}
}

func TestJobTestRunNowReversal(t *testing.T) {
	// RUN_NOW followed by releasing the allocation restores the
	// occupancy snapshot.
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)
	parts := []*cluster.Partition{part}
	usage := make([]cluster.NodeUsage, 4)

	seed := newJob(1, part, 2, 1)
	if _, err := runJob(t, sel, seed, 1, 4, 1, parts, usage); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	commit(t, sys, part, seed)
	before := part.Rows[0].Bitmap.Clone()

	job := newJob(2, part, 3, 1)
	if _, err := runJob(t, sel, job, 1, 4, 1, parts, usage); err != nil {
		t.Fatalf("job: %v", err)
	}
	commit(t, sys, part, job)
	release(t, sys, part, job)

	if !part.Rows[0].Bitmap.Equal(before) {
		t.Errorf("occupancy not restored: %q != %q",
			part.Rows[0].Bitmap.String(), before.String())
	}
}

func TestJobTestWillRunEstimates(t *testing.T) {
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)
	parts := []*cluster.Partition{part}
	usage := make([]cluster.NodeUsage, 4)

	job := newJob(1, part, 6, 2)
	nodeMap := sys.NewNodeBitmap()
	nodeMap.SetAll()
	if err := sel.JobTest(job, nodeMap, 2, 4, 2, WillRun, CRCPU,
		cluster.StateAvailable, parts, usage, nil); err != nil {
		t.Fatalf("will-run: %v", err)
	}
	if job.Resources != nil {
		t.Errorf("WillRun must not allocate")
	}
	if job.TotalCPUs != 6 {
		t.Errorf("expected estimate 6, got %d", job.TotalCPUs)
	}
}

func TestJobTestMemoryAccounting(t *testing.T) {
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)
	parts := []*cluster.Partition{part}

	t.Run("per-cpu memory fills the allocation", func(t *testing.T) {
		usage := make([]cluster.NodeUsage, 4)
		job := newJob(1, part, 2, 1)
		job.Details.PnMinMemory = MemPerCPU | 512

		if _, err := runJobCR(t, sel, job, 1, 4, 1, parts, usage, CRCPU|CRMemory); err != nil {
			t.Fatalf("job test: %v", err)
		}
		for i, c := range job.Resources.CPUs {
			if expected := uint64(c) * 512; job.Resources.MemoryAllocated[i] != expected {
				t.Errorf("node %d: expected %d memory, got %d",
					i, expected, job.Resources.MemoryAllocated[i])
			}
		}
	})

	t.Run("nodes without free memory are dropped", func(t *testing.T) {
		usage := make([]cluster.NodeUsage, 4)
		for i := 0; i < 3; i++ {
			usage[i].AllocMemory = 2048 // linux01-03 full
		}
		job := newJob(2, part, 1, 1)
		job.Details.PnMinMemory = 1024

		nodeMap, err := runJobCR(t, sel, job, 1, 4, 1, parts, usage, CRCPU|CRMemory)
		if err != nil {
			t.Fatalf("job test: %v", err)
		}
		if nodeMap.String() != "3" {
			t.Errorf("expected only linux04 to have memory, got %q", nodeMap.String())
		}
	})
}

func runJobCR(t *testing.T, sel *Selector, job *Job, minNodes, maxNodes, reqNodes uint32,
	parts []*cluster.Partition, usage []cluster.NodeUsage, crType CRType) (*bitmap.Bitmap, error) {
	t.Helper()
	nodeMap := sel.Snapshot().NewNodeBitmap()
	nodeMap.SetAll()
	err := sel.JobTest(job, nodeMap, minNodes, maxNodes, reqNodes, RunNow,
		crType, cluster.StateAvailable, parts, usage, nil)
	return nodeMap, err
}

func TestJobTestReservedNodeRefused(t *testing.T) {
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)
	parts := []*cluster.Partition{part}

	usage := make([]cluster.NodeUsage, 4)
	usage[3].State = cluster.StateReserved

	t.Run("reserved node dropped from the candidates", func(t *testing.T) {
		job := newJob(1, part, 4, 1)
		nodeMap, err := runJob(t, sel, job, 1, 4, 1, parts, usage)
		if err != nil {
			t.Fatalf("job test: %v", err)
		}
		if nodeMap.Test(3) {
			t.Errorf("reserved node selected: %q", nodeMap.String())
		}
	})

	t.Run("required reserved node fails the job", func(t *testing.T) {
		job := newJob(2, part, 1, 1)
		job.Details.ReqNodeBitmap = bitmap.NewFromIndices(4, 3)
		_, err := runJob(t, sel, job, 1, 4, 1, parts, usage)
		if errors.Cause(err) != ErrInfeasible {
			t.Fatalf("expected ErrInfeasible, got %v", err)
		}
	})
}

func TestJobTestPartitionPriorityLayering(t *testing.T) {
	// A high-priority partition holds cores; a lower-priority
	// partition's job must not use them, and the planner reports
	// infeasibility through test 2 when they are needed.
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})

	high := cluster.NewPartition("high", 10, 1)
	low := cluster.NewPartition("low", 1, 1)
	parts := []*cluster.Partition{high, low}
	usage := make([]cluster.NodeUsage, 4)

	// the high-priority partition owns every core of linux01-03
	high.Rows[0].Bitmap = bitmap.New(sys.CoreCount())
	high.Rows[0].Bitmap.SetRange(0, 6)

	job := newJob(1, low, 6, 1)
	nodeMap, err := runJob(t, sel, job, 1, 4, 1, parts, usage)
	if errors.Cause(err) != ErrInfeasible {
		t.Fatalf("expected failure against higher-priority usage, got %v (%s)",
			err, nodeMap)
	}

	// 4 CPUs still fit on linux04
	job2 := newJob(2, low, 4, 1)
	nodeMap, err = runJob(t, sel, job2, 1, 4, 1, parts, usage)
	if err != nil {
		t.Fatalf("job 2: %v", err)
	}
	if nodeMap.String() != "3" {
		t.Errorf("expected linux04, got %q", nodeMap.String())
	}
	assertCPUs(t, job2, 4)
}

func TestJobTestRowFitting(t *testing.T) {
	// A two-row partition shares nodes: when row 0 is occupied, the
	// planner places the job into row 1 over the same cores.
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("shared", 1, 2)
	parts := []*cluster.Partition{part}
	usage := make([]cluster.NodeUsage, 4)

	// row 0 holds every core in the cluster
	part.Rows[0].Bitmap = bitmap.New(sys.CoreCount())
	part.Rows[0].Bitmap.SetRange(0, 10)

	job := newJob(1, part, 4, 1)
	nodeMap, err := runJob(t, sel, job, 1, 4, 1, parts, usage)
	if err != nil {
		t.Fatalf("row fitting failed: %v", err)
	}
	if nodeMap.Count() == 0 {
		t.Fatalf("no nodes selected")
	}
	if job.Resources == nil {
		t.Fatalf("no allocation built")
	}
}
