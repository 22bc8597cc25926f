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
	"github.com/pkg/errors"
)

// TaskDistributor lays the job's tasks out over the cores of a fresh
// allocation, deselecting cores the per-node CPU counts do not cover.
type TaskDistributor interface {
	Distribute(job *Job, crType CRType) error
}

// BlockDistributor is the default distribution: fill each node's cores
// in ascending order and release the surplus.
type BlockDistributor struct{}

// Distribute trims job.Resources.CoreBitmap so each node keeps only
// the leading cores needed to carry its CPU share.
func (BlockDistributor) Distribute(job *Job, crType CRType) error {
	r := job.Resources
	if r == nil {
		return errors.New("no resources to distribute")
	}

	for i := 0; i < r.NHosts; i++ {
		vpus := int(r.ThreadsPerCore[i])
		if vpus < 1 {
			vpus = 1
		}
		need := (int(r.CPUs[i]) + vpus - 1) / vpus
		for c := r.CoreBegin(i); c < r.CoreEnd(i); c++ {
			if !r.CoreBitmap.Test(c) {
				continue
			}
			if need > 0 {
				need--
				continue
			}
			r.CoreBitmap.Clear(c)
		}
	}

	return nil
}
