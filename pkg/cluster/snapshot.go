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

package cluster

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/clusterfabric/consres/pkg/bitmap"
	logger "github.com/clusterfabric/consres/pkg/log"
)

var log = logger.NewLogger("cluster")

// Snapshot is an immutable view of the cluster hardware the selector
// runs against. Core indices are dense: node n owns the global core
// range [CoreBegin(n), CoreEnd(n)).
type Snapshot struct {
	Nodes    []Node
	Switches []Switch

	coreOffsets []int
}

// NewSnapshot validates the node table and computes the core-map
// layout. Node CPU counts must match their socket/core/thread
// geometry.
func NewSnapshot(nodes []Node, switches []Switch) (*Snapshot, error) {
	var errs *multierror.Error

	offsets := make([]int, len(nodes)+1)
	for i := range nodes {
		n := &nodes[i]
		product := uint32(n.Sockets) * uint32(n.CoresPerSocket) * uint32(n.ThreadsPerCore)
		if product == 0 {
			errs = multierror.Append(errs,
				errors.Errorf("node %s: invalid geometry %d/%d/%d",
					n.Name, n.Sockets, n.CoresPerSocket, n.ThreadsPerCore))
			continue
		}
		if uint32(n.CPUs) != product {
			errs = multierror.Append(errs,
				errors.Errorf("node %s: cpus %d != sockets*cores*threads %d",
					n.Name, n.CPUs, product))
		}
		offsets[i+1] = offsets[i] + n.Cores()
	}
	for i := range switches {
		sw := &switches[i]
		if sw.Nodes == nil || sw.Nodes.Size() != len(nodes) {
			errs = multierror.Append(errs,
				errors.Errorf("switch %s: node bitmap missing or mis-sized", sw.Name))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, errors.Wrap(err, "invalid cluster snapshot")
	}

	log.Debug("snapshot built: %d nodes, %d cores, %d switches",
		len(nodes), offsets[len(offsets)-1], len(switches))

	return &Snapshot{
		Nodes:       nodes,
		Switches:    switches,
		coreOffsets: offsets,
	}, nil
}

// NodeCount returns the number of nodes in the snapshot.
func (s *Snapshot) NodeCount() int {
	return len(s.Nodes)
}

// CoreCount returns the total number of physical cores in the cluster.
func (s *Snapshot) CoreCount() int {
	return s.coreOffsets[len(s.coreOffsets)-1]
}

// CoreBegin returns the first global core index of node n.
func (s *Snapshot) CoreBegin(n int) int {
	return s.coreOffsets[n]
}

// CoreEnd returns one past the last global core index of node n.
func (s *Snapshot) CoreEnd(n int) int {
	return s.coreOffsets[n+1]
}

// NewNodeBitmap returns an empty bitmap sized for the node index space.
func (s *Snapshot) NewNodeBitmap() *bitmap.Bitmap {
	return bitmap.New(s.NodeCount())
}

// NewCoreBitmap returns an empty bitmap sized for the core index space.
func (s *Snapshot) NewCoreBitmap() *bitmap.Bitmap {
	return bitmap.New(s.CoreCount())
}

// MakeCoreBitmap builds the availability core bitmap for the nodes set
// in nodeMap. With a non-zero coreSpec, coreSpec cores of each node are
// held back for system use: the highest core index of every socket,
// sockets descending, then the next lower core index of every socket,
// and so on. A node whose whole core complement would
// be held back is removed from nodeMap.
func (s *Snapshot) MakeCoreBitmap(nodeMap *bitmap.Bitmap, coreSpec uint16) *bitmap.Bitmap {
	coreMap := s.NewCoreBitmap()

	for n := 0; n < s.NodeCount(); n++ {
		if !nodeMap.Test(n) {
			continue
		}
		c := s.CoreBegin(n)
		coff := s.CoreEnd(n)
		if int(coreSpec) >= coff-c {
			nodeMap.Clear(n)
			continue
		}
		coreMap.SetRange(c, coff)

		if coreSpec == 0 {
			continue
		}
		specCores := int(coreSpec)
		for resCore := int(s.Nodes[n].CoresPerSocket) - 1; specCores > 0 && resCore >= 0; resCore-- {
			for resSock := int(s.Nodes[n].Sockets) - 1; specCores > 0 && resSock >= 0; resSock-- {
				resOff := resSock*int(s.Nodes[n].CoresPerSocket) + resCore
				coreMap.Clear(c + resOff)
				specCores--
			}
		}
	}

	return coreMap
}
