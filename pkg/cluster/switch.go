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
	"github.com/clusterfabric/consres/pkg/bitmap"
)

// Switch is one element of the network topology forest. Level 0
// switches are leaves directly connecting nodes; a switch at level L
// spans the union of some level L-1 switches.
type Switch struct {
	Name      string
	Level     uint16
	LinkSpeed uint32
	// Nodes is the set of nodes reachable through this switch.
	Nodes *bitmap.Bitmap
}
