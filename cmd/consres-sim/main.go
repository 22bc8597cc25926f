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

// consres-sim runs the consumable-resource node selector against a
// cluster snapshot and job request read from a YAML scenario file, and
// prints the resulting allocation decision.
package main

import (
	"flag"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/clusterfabric/consres/pkg/bitmap"
	"github.com/clusterfabric/consres/pkg/cluster"
	"github.com/clusterfabric/consres/pkg/gres"
	logger "github.com/clusterfabric/consres/pkg/log"
	"github.com/clusterfabric/consres/pkg/selector"
	"github.com/clusterfabric/consres/pkg/version"
)

var log = logger.NewLogger("consres-sim")

type scenario struct {
	Nodes      []nodeSpec      `json:"nodes"`
	Switches   []switchSpec    `json:"switches,omitempty"`
	Partitions []partitionSpec `json:"partitions"`
	Usage      []usageSpec     `json:"usage,omitempty"`
	Job        jobSpec         `json:"job"`
}

type nodeSpec struct {
	Name           string          `json:"name"`
	Sockets        uint16          `json:"sockets"`
	CoresPerSocket uint16          `json:"coresPerSocket"`
	ThreadsPerCore uint16          `json:"threadsPerCore"`
	RealMemory     uint64          `json:"realMemory"`
	Gres           []gres.Resource `json:"gres,omitempty"`
}

type switchSpec struct {
	Name      string   `json:"name"`
	Level     uint16   `json:"level"`
	LinkSpeed uint32   `json:"linkSpeed,omitempty"`
	Nodes     []string `json:"nodes"`
}

type partitionSpec struct {
	Name     string `json:"name"`
	Priority uint32 `json:"priority"`
	NumRows  uint32 `json:"numRows,omitempty"`
	LLN      bool   `json:"lln,omitempty"`
}

type usageSpec struct {
	Node        string `json:"node"`
	AllocMemory uint64 `json:"allocMemory,omitempty"`
	State       string `json:"state,omitempty"`
}

type jobSpec struct {
	ID            uint32      `json:"id"`
	Partition     string      `json:"partition"`
	MinCPUs       uint32      `json:"minCPUs"`
	MaxCPUs       uint32      `json:"maxCPUs,omitempty"`
	MinNodes      uint32      `json:"minNodes"`
	MaxNodes      uint32      `json:"maxNodes"`
	ReqNodes      uint32      `json:"reqNodes,omitempty"`
	PnMinCPUs     uint16      `json:"pnMinCPUs,omitempty"`
	CPUsPerTask   uint16      `json:"cpusPerTask,omitempty"`
	NtasksPerNode uint16      `json:"ntasksPerNode,omitempty"`
	NumTasks      uint32      `json:"numTasks,omitempty"`
	Contiguous    bool        `json:"contiguous,omitempty"`
	RequiredNodes []string    `json:"requiredNodes,omitempty"`
	Gres          []gres.Spec `json:"gres,omitempty"`
	ReqSwitch     uint32      `json:"reqSwitch,omitempty"`
	Wait4Switch   uint32      `json:"wait4Switch,omitempty"`
}

func main() {
	file := flag.String("scenario", "", "YAML scenario file to run.")
	mode := flag.String("mode", "run-now", "Selection mode: test-only, will-run, or run-now.")
	flag.Parse()
	version.PrintAndExitIfRequested()

	if *file == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -scenario <file> [-mode <mode>]\n", os.Args[0])
		os.Exit(2)
	}

	if err := run(*file, *mode); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func run(file, modeName string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return err
	}

	nodeIdx := make(map[string]int, len(sc.Nodes))
	nodes := make([]cluster.Node, len(sc.Nodes))
	for i, n := range sc.Nodes {
		nodeIdx[n.Name] = i
		nodes[i] = cluster.Node{
			Name:           n.Name,
			Sockets:        n.Sockets,
			CoresPerSocket: n.CoresPerSocket,
			ThreadsPerCore: n.ThreadsPerCore,
			CPUs:           n.Sockets * n.CoresPerSocket * n.ThreadsPerCore,
			RealMemory:     n.RealMemory,
			Gres:           n.Gres,
		}
	}

	switches := make([]cluster.Switch, len(sc.Switches))
	for i, sw := range sc.Switches {
		nm := bitmap.New(len(nodes))
		for _, name := range sw.Nodes {
			idx, ok := nodeIdx[name]
			if !ok {
				return fmt.Errorf("switch %s: unknown node %s", sw.Name, name)
			}
			nm.Set(idx)
		}
		switches[i] = cluster.Switch{
			Name:      sw.Name,
			Level:     sw.Level,
			LinkSpeed: sw.LinkSpeed,
			Nodes:     nm,
		}
	}

	sys, err := cluster.NewSnapshot(nodes, switches)
	if err != nil {
		return err
	}

	parts := make([]*cluster.Partition, len(sc.Partitions))
	partIdx := make(map[string]*cluster.Partition, len(sc.Partitions))
	for i, p := range sc.Partitions {
		numRows := p.NumRows
		if numRows == 0 {
			numRows = 1
		}
		parts[i] = cluster.NewPartition(p.Name, p.Priority, numRows)
		parts[i].LLN = p.LLN
		partIdx[p.Name] = parts[i]
	}

	usage := make([]cluster.NodeUsage, len(nodes))
	for _, u := range sc.Usage {
		idx, ok := nodeIdx[u.Node]
		if !ok {
			return fmt.Errorf("usage: unknown node %s", u.Node)
		}
		usage[idx].AllocMemory = u.AllocMemory
		switch u.State {
		case "", "available":
			usage[idx].State = cluster.StateAvailable
		case "one-row":
			usage[idx].State = cluster.StateOneRow
		case "reserved":
			usage[idx].State = cluster.StateReserved
		default:
			return fmt.Errorf("usage: invalid state %q for node %s", u.State, u.Node)
		}
	}

	part, ok := partIdx[sc.Job.Partition]
	if !ok {
		return fmt.Errorf("job: unknown partition %q", sc.Job.Partition)
	}

	maxCPUs := sc.Job.MaxCPUs
	if maxCPUs == 0 {
		maxCPUs = selector.NoVal
	}
	var reqMap *bitmap.Bitmap
	if len(sc.Job.RequiredNodes) > 0 {
		reqMap = bitmap.New(len(nodes))
		for _, name := range sc.Job.RequiredNodes {
			idx, ok := nodeIdx[name]
			if !ok {
				return fmt.Errorf("job: unknown required node %s", name)
			}
			reqMap.Set(idx)
		}
	}

	job := &selector.Job{
		ID: sc.Job.ID,
		Details: &selector.JobDetails{
			MinCPUs:       sc.Job.MinCPUs,
			MaxCPUs:       maxCPUs,
			MinNodes:      sc.Job.MinNodes,
			PnMinCPUs:     sc.Job.PnMinCPUs,
			CPUsPerTask:   sc.Job.CPUsPerTask,
			NtasksPerNode: sc.Job.NtasksPerNode,
			NumTasks:      sc.Job.NumTasks,
			ShareRes:      true,
			Contiguous:    sc.Job.Contiguous,
			ReqNodeBitmap: reqMap,
		},
		Partition:   part,
		Gres:        sc.Job.Gres,
		ReqSwitch:   sc.Job.ReqSwitch,
		Wait4Switch: sc.Job.Wait4Switch,
	}

	var m selector.Mode
	switch modeName {
	case "test-only":
		m = selector.TestOnly
	case "will-run":
		m = selector.WillRun
	case "run-now":
		m = selector.RunNow
	default:
		return fmt.Errorf("invalid mode %q", modeName)
	}

	sel := selector.New(sys, selector.Config{})
	nodeMap := sys.NewNodeBitmap()
	nodeMap.SetAll()

	minNodes := sc.Job.MinNodes
	maxNodes := sc.Job.MaxNodes
	if maxNodes == 0 {
		maxNodes = uint32(len(nodes))
	}
	reqNodes := sc.Job.ReqNodes
	if reqNodes == 0 {
		reqNodes = minNodes
	}

	err = sel.JobTest(job, nodeMap, minNodes, maxNodes, reqNodes, m,
		selector.CRCPU, cluster.StateAvailable, parts, usage, nil)
	if err != nil {
		fmt.Printf("job %d: not schedulable: %v\n", sc.Job.ID, err)
		return nil
	}

	fmt.Printf("job %d: schedulable\n", sc.Job.ID)
	fmt.Printf("  nodes: %s\n", sys.HostList(nodeMap))
	if job.Resources != nil {
		fmt.Printf("  hosts: %s\n", job.Resources.Hosts)
		fmt.Printf("  cpus per node: %v\n", job.Resources.CPUs)
		fmt.Printf("  total cpus: %d\n", job.TotalCPUs)
		fmt.Printf("  core bitmap: %s\n", job.Resources.CoreBitmap)
	} else if m == selector.WillRun {
		fmt.Printf("  estimated total cpus: %d\n", job.TotalCPUs)
	}

	return nil
}
