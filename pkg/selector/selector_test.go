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

// The documented example cluster: linux01-03 with 2 CPUs each, linux04
// with 4 CPUs, 10 CPUs in total.
func exampleSnapshot(t *testing.T, switches []cluster.Switch) *cluster.Snapshot {
	t.Helper()
	nodes := []cluster.Node{
		{Name: "linux01", Sockets: 1, CoresPerSocket: 2, ThreadsPerCore: 1, CPUs: 2, RealMemory: 2048},
		{Name: "linux02", Sockets: 1, CoresPerSocket: 2, ThreadsPerCore: 1, CPUs: 2, RealMemory: 2048},
		{Name: "linux03", Sockets: 1, CoresPerSocket: 2, ThreadsPerCore: 1, CPUs: 2, RealMemory: 2048},
		{Name: "linux04", Sockets: 1, CoresPerSocket: 4, ThreadsPerCore: 1, CPUs: 4, RealMemory: 4096},
	}
	sys, err := cluster.NewSnapshot(nodes, switches)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return sys
}

// customSnapshot builds a snapshot from (sockets, coresPerSocket,
// threadsPerCore) triples.
func customSnapshot(t *testing.T, geometries ...[3]uint16) *cluster.Snapshot {
	t.Helper()
	nodes := make([]cluster.Node, len(geometries))
	for i, g := range geometries {
		nodes[i] = cluster.Node{
			Name:           nodeName(i),
			Sockets:        g[0],
			CoresPerSocket: g[1],
			ThreadsPerCore: g[2],
			CPUs:           g[0] * g[1] * g[2],
			RealMemory:     4096,
		}
	}
	sys, err := cluster.NewSnapshot(nodes, nil)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return sys
}

func nodeName(i int) string {
	return "node" + string(rune('a'+i))
}

func newJob(id uint32, part *cluster.Partition, minCPUs, minNodes uint32) *Job {
	return &Job{
		ID: id,
		Details: &JobDetails{
			MinCPUs:   minCPUs,
			MaxCPUs:   NoVal,
			MinNodes:  minNodes,
			PnMinCPUs: 1,
			ShareRes:  true,
		},
		Partition: part,
	}
}

// commit folds a fresh allocation into the partition's first row, the
// way the enclosing scheduler does after a successful RunNow test.
func commit(t *testing.T, sys *cluster.Snapshot, part *cluster.Partition, job *Job) {
	t.Helper()
	if job.Resources == nil {
		t.Fatalf("job %d has no resources to commit", job.ID)
	}
	global := job.Resources.GlobalCoreBitmap(sys)
	if part.Rows[0].Bitmap == nil {
		part.Rows[0].Bitmap = global
	} else {
		part.Rows[0].Bitmap.Or(global)
	}
}

// release removes a committed allocation from the partition's rows.
func release(t *testing.T, sys *cluster.Snapshot, part *cluster.Partition, job *Job) {
	t.Helper()
	global := job.Resources.GlobalCoreBitmap(sys)
	for i := range part.Rows {
		if part.Rows[i].Bitmap != nil {
			part.Rows[i].Bitmap.AndNot(global)
		}
	}
}

// runJob drives a RunNow job test over the full candidate set and
// returns the narrowed node map.
func runJob(t *testing.T, sel *Selector, job *Job, minNodes, maxNodes, reqNodes uint32,
	parts []*cluster.Partition, usage []cluster.NodeUsage) (*bitmap.Bitmap, error) {
	t.Helper()
	nodeMap := sel.Snapshot().NewNodeBitmap()
	nodeMap.SetAll()
	err := sel.JobTest(job, nodeMap, minNodes, maxNodes, reqNodes, RunNow,
		CRCPU, cluster.StateAvailable, parts, usage, nil)
	return nodeMap, err
}

func assertCPUs(t *testing.T, job *Job, expected ...uint16) {
	t.Helper()
	if job.Resources == nil {
		t.Fatalf("job %d: no resources", job.ID)
	}
	got := job.Resources.CPUs
	if len(got) != len(expected) {
		t.Fatalf("job %d: expected cpus %v, got %v", job.ID, expected, got)
	}
	for i := range got {
		if got[i] != expected[i] {
			t.Fatalf("job %d: expected cpus %v, got %v", job.ID, expected, got)
		}
	}
}
