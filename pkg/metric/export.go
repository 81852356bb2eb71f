// Copyright 2026 The gVisor Authors.
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

package metric

import (
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// namespace prefixes every exported metric name.
const namespace = "vmmap"

// prometheusName converts a "/subsystem/metric" name into a Prometheus
// metric name, e.g. "/vm/page_faults" becomes "vmmap_vm_page_faults".
func prometheusName(name string) string {
	return namespace + strings.ReplaceAll(name, "/", "_")
}

// family builds the Prometheus metric family for m.
func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(prometheusName(m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, s := range m.samples() {
		pm := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(s.value))},
		}
		for i, v := range s.labels {
			pm.Label = append(pm.Label, &dto.LabelPair{
				Name:  proto.String(m.fieldMapper.fields[i].name),
				Value: proto.String(v),
			})
		}
		mf.Metric = append(mf.Metric, pm)
	}
	return mf
}

// WriteText writes every registered metric to w in the Prometheus text
// exposition format.
func WriteText(w io.Writer) error {
	for _, m := range registered() {
		if _, err := expfmt.MetricFamilyToText(w, m.family()); err != nil {
			return fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return nil
}
