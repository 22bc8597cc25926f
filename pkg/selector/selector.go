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
	"time"

	logger "github.com/clusterfabric/consres/pkg/log"

	"github.com/clusterfabric/consres/pkg/cluster"
)

const logSource = "selector"

var log = logger.NewLogger(logSource)

// Config carries the selector's static configuration.
type Config struct {
	// GangMode reflects whether gang scheduling (time-slicing) is
	// active; it relaxes the one-row sharing failure in the planner.
	GangMode bool
	// Clock supplies the current time for the switch-wait gate.
	// Defaults to time.Now.
	Clock func() time.Time
	// DrainFn, when set, is invoked to mark a node for drain after a
	// core-bitmap consistency error during final assembly.
	DrainFn func(nodeName, reason string)
	// Distributor lays out tasks over the chosen cores after a RunNow
	// allocation. Defaults to the block distributor.
	Distributor TaskDistributor
	// Metrics, when set, receives selection outcome counts.
	Metrics *Metrics
}

// Selector owns the state for running job tests against one cluster
// snapshot. It is not safe for concurrent use; the caller serializes
// calls under its scheduling lock.
type Selector struct {
	logger.Logger
	cfg Config
	sys *cluster.Snapshot
}

// New creates a selector for the given snapshot.
func New(sys *cluster.Snapshot, cfg Config) *Selector {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Distributor == nil {
		cfg.Distributor = BlockDistributor{}
	}
	return &Selector{
		Logger: log,
		cfg:    cfg,
		sys:    sys,
	}
}

// Snapshot returns the cluster snapshot the selector runs against.
func (s *Selector) Snapshot() *cluster.Snapshot {
	return s.sys
}
