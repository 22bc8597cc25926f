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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts planner phase results and final decisions. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	phases    *prometheus.CounterVec
	decisions *prometheus.CounterVec
}

// NewMetrics creates the selector metrics and registers them with the
// given registerer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		phases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "consres",
				Subsystem: "selector",
				Name:      "phase_results_total",
				Help:      "Planner phase attempts by phase and result.",
			},
			[]string{"phase", "result"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "consres",
				Subsystem: "selector",
				Name:      "decisions_total",
				Help:      "Job test decisions by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
	}

	for _, c := range []prometheus.Collector{m.phases, m.decisions} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register selector metrics")
		}
	}

	return m, nil
}

// Phase records one planner phase attempt.
func (m *Metrics) Phase(phase string, ok bool) {
	if m == nil {
		return
	}
	result := "fail"
	if ok {
		result = "pass"
	}
	m.phases.WithLabelValues(phase, result).Inc()
}

// Decision records the final outcome of a job test.
func (m *Metrics) Decision(mode Mode, err error) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(modeName(mode), outcomeName(err)).Inc()
}

func modeName(mode Mode) string {
	switch mode {
	case TestOnly:
		return "test_only"
	case WillRun:
		return "will_run"
	case RunNow:
		return "run_now"
	}
	return "invalid"
}

func outcomeName(err error) string {
	switch errors.Cause(err) {
	case nil:
		return "success"
	case ErrSwitchWait:
		return "switch_wait"
	case ErrTopoUnroutable:
		return "topo_unroutable"
	case ErrOverbudget:
		return "overbudget"
	case ErrConsistency:
		return "consistency"
	default:
		return "infeasible"
	}
}
