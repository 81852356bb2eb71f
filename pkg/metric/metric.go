// Copyright 2018 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"vmmap.dev/vmmap/pkg/log"
	"vmmap.dev/vmmap/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Name returns the field name.
func (f Field) Name() string {
	return f.name
}

// fieldMapper maps multi-dimensional field values to a single unique integer
// key, and back.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		for _, v := range f.allowedValues {
			if !validFieldValue(v) {
				return fieldMapper{}, ErrFieldValueContainsIllegalChar
			}
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint16 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

func validFieldValue(v string) bool {
	for _, c := range v {
		if c == '"' || c == '\\' || c == '\n' {
			return false
		}
	}
	return v != ""
}

// lookup returns the key for the given field values. It panics on a wrong
// number of values or a value that was not allowed at registration.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic(fmt.Sprintf("invalid field lookup depth: got %d values for %d fields", len(values), len(m.fields)))
	}
	idx := 0
	remaining := m.numFieldCombinations
Lookup:
	for i, val := range values {
		for valIdx, allowed := range m.fields[i].allowedValues {
			if val == allowed {
				remaining /= len(m.fields[i].allowedValues)
				idx += remaining * valIdx
				continue Lookup
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// keyToMultiField is the reverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	remaining := m.numFieldCombinations
	for i, f := range m.fields {
		remaining /= len(f.allowedValues)
		values[i] = f.allowedValues[key/remaining]
		key %= remaining
	}
	return values
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. It is a monotonic counter, broken down by its fields.
type Uint64Metric struct {
	name        string
	description string

	// values holds one counter per field value combination.
	values []atomic.Uint64

	fieldMapper fieldMapper
}

// registry is the set of registered metrics.
type registry struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

var allMetrics = registry{metrics: make(map[string]*Uint64Metric)}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name. Names are of the form "/subsystem/metric".
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if len(name) < 2 || name[0] != '/' {
		return nil, fmt.Errorf("invalid metric name %q", name)
	}
	fm, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		values:      make([]atomic.Uint64, fm.numFieldCombinations),
		fieldMapper: fm,
	}
	allMetrics.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the registered name of m.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// sample is one exported value of a metric.
type sample struct {
	labels []string
	value  uint64
}

// samples returns every field combination of m with its current value.
func (m *Uint64Metric) samples() []sample {
	s := make([]sample, 0, len(m.values))
	for key := range m.values {
		s = append(s, sample{
			labels: m.fieldMapper.keyToMultiField(key),
			value:  m.values[key].Load(),
		})
	}
	return s
}

// registered returns all registered metrics sorted by name.
func registered() []*Uint64Metric {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	ms := make([]*Uint64Metric, 0, len(allMetrics.metrics))
	for _, m := range allMetrics.metrics {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	return ms
}

// EmitMetricUpdate logs the current value of every registered metric at the
// Debug level.
func EmitMetricUpdate() {
	if !log.IsLogging(log.Debug) {
		return
	}
	for _, m := range registered() {
		for _, s := range m.samples() {
			if s.value == 0 {
				continue
			}
			log.Debugf("Metric %s%v: %d", m.name, s.labels, s.value)
		}
	}
}
