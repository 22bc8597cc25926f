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

	"github.com/clusterfabric/consres/pkg/cluster"
)

func TestEnoughNodes(t *testing.T) {
	tcs := []struct {
		avail, rem         int
		minNodes, reqNodes uint32
		expected           bool
	}{
		{4, 4, 4, 4, true},
		{3, 4, 4, 4, false},
		// requested above minimum leaves slack
		{2, 4, 2, 4, true},
		{1, 4, 2, 4, false},
		{0, 0, 1, 1, true},
	}
	for _, tc := range tcs {
		got := enoughNodes(tc.avail, tc.rem, tc.minNodes, tc.reqNodes)
		if got != tc.expected {
			t.Errorf("enoughNodes(%d, %d, %d, %d): expected %v, got %v",
				tc.avail, tc.rem, tc.minNodes, tc.reqNodes, tc.expected, got)
		}
	}
}

func TestCPUsToUse(t *testing.T) {
	details := &JobDetails{PnMinCPUs: 1}

	avail := 4
	cnt := uint16(4)
	cpusToUse(&avail, 4, 3, details, &cnt)
	// two more nodes to fill, leave a CPU for each
	if avail != 2 || cnt != 2 {
		t.Errorf("expected 2/2, got %d/%d", avail, cnt)
	}

	avail = 4
	cnt = 4
	whole := &JobDetails{PnMinCPUs: 1, WholeNode: true}
	cpusToUse(&avail, 1, 1, whole, &cnt)
	if avail != 4 || cnt != 4 {
		t.Errorf("whole-node job must keep everything, got %d/%d", avail, cnt)
	}
}

func TestEvalNodesContiguous(t *testing.T) {
	// nodes: 2, 2, 2, 4 CPUs; node linux02 is unavailable, splitting
	// the candidates into runs {0} and {2,3}
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)

	job := newJob(1, part, 4, 2)
	job.Details.Contiguous = true

	nodeMap := sys.NewNodeBitmap()
	nodeMap.SetAll()
	nodeMap.Clear(1)
	cpuCnt := []uint16{2, 2, 2, 4}

	if err := sel.evalNodes(job, nodeMap, 2, 4, 2, cpuCnt, CRCPU); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	if nodeMap.String() != "2-3" {
		t.Errorf("expected the contiguous run 2-3, got %q", nodeMap.String())
	}
}

func TestEvalNodesContiguousNoHole(t *testing.T) {
	// no consecutive run can carry 6 CPUs over >= 3 nodes
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)

	job := newJob(1, part, 6, 3)
	job.Details.Contiguous = true

	nodeMap := sys.NewNodeBitmap()
	nodeMap.SetAll()
	nodeMap.Clear(1)
	cpuCnt := []uint16{2, 2, 2, 4}

	if err := sel.evalNodes(job, nodeMap, 3, 4, 3, cpuCnt, CRCPU); err == nil {
		t.Fatalf("expected failure, selection succeeded with %s", nodeMap)
	}
}

func TestEvalNodesRequiredOverBudget(t *testing.T) {
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)

	job := newJob(1, part, 2, 1)
	job.Details.MaxCPUs = 3
	job.Details.ReqNodeBitmap = sys.NewNodeBitmap()
	job.Details.ReqNodeBitmap.Set(3) // 4 CPUs > MaxCPUs

	nodeMap := sys.NewNodeBitmap()
	nodeMap.SetAll()
	cpuCnt := []uint16{2, 2, 2, 4}

	err := sel.evalNodes(job, nodeMap, 1, 4, 1, cpuCnt, CRCPU)
	if errors.Cause(err) != ErrOverbudget {
		t.Fatalf("expected ErrOverbudget, got %v", err)
	}
}

func TestEvalNodesLLN(t *testing.T) {
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)

	job := newJob(1, part, 2, 1)

	nodeMap := sys.NewNodeBitmap()
	nodeMap.SetAll()
	cpuCnt := []uint16{2, 2, 2, 4}

	if err := sel.evalNodes(job, nodeMap, 1, 4, 1, cpuCnt, CRCPU|CRLLN); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	// the emptiest node wins
	if nodeMap.String() != "3" {
		t.Errorf("expected the least loaded node 3, got %q", nodeMap.String())
	}
}

func TestEvalNodesLLNFailureClearsMap(t *testing.T) {
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)

	job := newJob(1, part, 16, 4)

	nodeMap := sys.NewNodeBitmap()
	nodeMap.SetAll()
	cpuCnt := []uint16{2, 2, 2, 4}

	if err := sel.evalNodes(job, nodeMap, 4, 4, 4, cpuCnt, CRCPU|CRLLN); err == nil {
		t.Fatalf("expected failure")
	}
	if nodeMap.Count() != 0 {
		t.Errorf("failed LLN selection must clear the node map, got %q", nodeMap.String())
	}
}

func TestChooseNodesKnapsackRetry(t *testing.T) {
	// Greedy accumulation takes the 1-CPU node first and strands the
	// job; pruning low-CPU nodes and retrying finds the fit.
	sys := customSnapshot(t,
		[3]uint16{1, 1, 1}, // 1 CPU
		[3]uint16{1, 4, 1}, // 4 CPUs
		[3]uint16{1, 4, 1}, // 4 CPUs
	)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)

	job := newJob(1, part, 8, 1)

	nodeMap := sys.NewNodeBitmap()
	nodeMap.SetAll()
	cpuCnt := []uint16{1, 4, 4}

	if err := sel.chooseNodes(job, nodeMap, 1, 2, 1, cpuCnt, CRCPU); err != nil {
		t.Fatalf("knapsack retry should have found a fit: %v", err)
	}
	if nodeMap.String() != "1-2" {
		t.Errorf("expected nodes 1-2, got %q", nodeMap.String())
	}
}

func TestChooseNodesKeepsRequired(t *testing.T) {
	sys := exampleSnapshot(t, nil)
	sel := New(sys, Config{})
	part := cluster.NewPartition("batch", 1, 1)

	job := newJob(1, part, 1, 1)
	job.Details.ReqNodeBitmap = sys.NewNodeBitmap()
	job.Details.ReqNodeBitmap.Set(2)

	nodeMap := sys.NewNodeBitmap()
	nodeMap.SetAll()
	// the required node has no CPUs left
	cpuCnt := []uint16{2, 2, 0, 4}

	err := sel.chooseNodes(job, nodeMap, 1, 4, 1, cpuCnt, CRCPU)
	if errors.Cause(err) != ErrInfeasible {
		t.Fatalf("expected ErrInfeasible for a zero-CPU required node, got %v", err)
	}
}
