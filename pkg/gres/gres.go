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

// Package gres models generic consumable resources (GPUs, NICs, ...)
// attached to nodes, and the core-compatibility tests the node selector
// runs against them.
package gres

import (
	"github.com/clusterfabric/consres/pkg/bitmap"
	logger "github.com/clusterfabric/consres/pkg/log"
)

// NoVal marks an unrestricted core count, returned by JobTest when the
// job demands no generic resources.
const NoVal = ^uint32(0)

var log = logger.NewLogger("gres")

// Resource is one generic resource available on a node.
type Resource struct {
	Name  string `json:"name"`
	Count uint64 `json:"count"`
	// Cores, when non-empty, lists the node-local core indices from
	// which the resource is reachable. An empty list means every core.
	Cores []int `json:"cores,omitempty"`
}

// Spec is a job's demand for one generic resource.
type Spec struct {
	Name  string `json:"name"`
	Count uint64 `json:"count"`
}

func find(avail []Resource, name string) *Resource {
	for i := range avail {
		if avail[i].Name == name {
			return &avail[i]
		}
	}
	return nil
}

// JobCoreFilter narrows coreMap, over the node's core range
// [coreBegin, coreEnd), to cores compatible with every demanded
// resource. Resources without core association leave the map untouched.
func JobCoreFilter(demand []Spec, avail []Resource, testOnly bool,
	coreMap *bitmap.Bitmap, coreBegin, coreEnd int, nodeName string) {
	if len(demand) == 0 || coreMap == nil {
		return
	}

	for _, spec := range demand {
		res := find(avail, spec.Name)
		if res == nil {
			// no such resource here, JobTest will refuse the node
			continue
		}
		if len(res.Cores) == 0 {
			continue
		}
		compat := make(map[int]struct{}, len(res.Cores))
		for _, c := range res.Cores {
			compat[c] = struct{}{}
		}
		for c := coreBegin; c < coreEnd; c++ {
			if _, ok := compat[c-coreBegin]; !ok {
				coreMap.Clear(c)
			}
		}
	}
}

// JobTest returns the number of cores on the node usable by the job
// given its generic resource demands, or NoVal if the job demands
// nothing. A zero return means the node cannot serve the job.
func JobTest(demand []Spec, avail []Resource, testOnly bool,
	coreMap *bitmap.Bitmap, coreBegin, coreEnd int,
	jobID uint32, nodeName string) uint32 {
	if len(demand) == 0 {
		return NoVal
	}

	nodeCores := uint32(coreEnd - coreBegin)
	usable := nodeCores
	for _, spec := range demand {
		res := find(avail, spec.Name)
		if res == nil || res.Count < spec.Count {
			log.Debug("job %d: node %s lacks gres %s", jobID, nodeName, spec.Name)
			return 0
		}
		cores := nodeCores
		if len(res.Cores) > 0 {
			cores = uint32(len(res.Cores))
		}
		if cores < usable {
			usable = cores
		}
	}

	return usable
}
