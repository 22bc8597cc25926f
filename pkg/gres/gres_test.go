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

package gres

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterfabric/consres/pkg/bitmap"
)

func TestJobTest(t *testing.T) {
	avail := []Resource{
		{Name: "gpu", Count: 2, Cores: []int{0, 1}},
		{Name: "nic", Count: 1},
	}

	tcs := []struct {
		description string
		demand      []Spec
		expected    uint32
	}{
		{"no demand is unrestricted", nil, NoVal},
		{"satisfied associated demand", []Spec{{Name: "gpu", Count: 1}}, 2},
		{"satisfied unassociated demand", []Spec{{Name: "nic", Count: 1}}, 4},
		{"demand above count", []Spec{{Name: "gpu", Count: 3}}, 0},
		{"unknown resource", []Spec{{Name: "fpga", Count: 1}}, 0},
		{"mixed demand takes the tightest", []Spec{
			{Name: "gpu", Count: 1},
			{Name: "nic", Count: 1},
		}, 2},
	}

	for _, tc := range tcs {
		t.Run(tc.description, func(t *testing.T) {
			got := JobTest(tc.demand, avail, true, nil, 0, 4, 1, "n0")
			require.Equal(t, tc.expected, got)
		})
	}
}

func TestJobCoreFilter(t *testing.T) {
	avail := []Resource{{Name: "gpu", Count: 2, Cores: []int{1, 2}}}

	coreMap := bitmap.New(8)
	coreMap.SetRange(4, 8) // node owns global cores [4, 8)

	JobCoreFilter([]Spec{{Name: "gpu", Count: 1}}, avail, false, coreMap, 4, 8, "n1")
	require.Equal(t, "5-6", coreMap.String())

	// no demand leaves the map untouched
	coreMap = bitmap.New(8)
	coreMap.SetRange(4, 8)
	JobCoreFilter(nil, avail, false, coreMap, 4, 8, "n1")
	require.Equal(t, 4, coreMap.Count())
}
