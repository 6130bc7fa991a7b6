// Package metrics keeps in-process counters and histograms for HTTP requests
// and plugin lifecycle operations and renders them in the Prometheus text
// exposition format.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var defaultBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func (h *histogram) observe(buckets []float64, value float64) {
	h.count++
	h.sum += value
	for idx, bound := range buckets {
		if value <= bound {
			h.counts[idx]++
		}
	}
}

type counterVec struct {
	name   string
	help   string
	labels []string
	values map[string]uint64
}

type histogramVec struct {
	name    string
	help    string
	labels  []string
	buckets []float64
	values  map[string]*histogram
}

type collector struct {
	mu         sync.Mutex
	counters   []*counterVec
	histograms []*histogramVec
}

func (c *collector) counter(name, help string, labels ...string) *counterVec {
	v := &counterVec{name: name, help: help, labels: labels, values: make(map[string]uint64)}
	c.mu.Lock()
	c.counters = append(c.counters, v)
	c.mu.Unlock()
	return v
}

func (c *collector) histogram(name, help string, labels ...string) *histogramVec {
	v := &histogramVec{name: name, help: help, labels: labels, buckets: defaultBuckets, values: make(map[string]*histogram)}
	c.mu.Lock()
	c.histograms = append(c.histograms, v)
	c.mu.Unlock()
	return v
}

func (c *collector) inc(v *counterVec, values ...string) {
	c.mu.Lock()
	v.values[seriesKey(values)]++
	c.mu.Unlock()
}

func (c *collector) observe(v *histogramVec, value float64, values ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := seriesKey(values)
	h := v.values[key]
	if h == nil {
		h = &histogram{counts: make([]uint64, len(v.buckets))}
		v.values[key] = h
	}
	h.observe(v.buckets, value)
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)
	for _, v := range c.counters {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", v.name, v.help, v.name)
		for _, key := range sortedKeys(v.values) {
			fmt.Fprintf(&b, "%s{%s} %d\n", v.name, labelPairs(v.labels, key), v.values[key])
		}
	}
	for _, v := range c.histograms {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s histogram\n", v.name, v.help, v.name)
		for _, key := range sortedKeys(v.values) {
			h := v.values[key]
			pairs := labelPairs(v.labels, key)
			for idx, bound := range v.buckets {
				fmt.Fprintf(&b, "%s_bucket{%s,le=\"%s\"} %d\n", v.name, pairs, formatFloat(bound), h.counts[idx])
			}
			fmt.Fprintf(&b, "%s_bucket{%s,le=\"+Inf\"} %d\n", v.name, pairs, h.count)
			fmt.Fprintf(&b, "%s_sum{%s} %s\n", v.name, pairs, formatFloat(h.sum))
			fmt.Fprintf(&b, "%s_count{%s} %d\n", v.name, pairs, h.count)
		}
	}
	return b.String()
}

const keySep = "\xff"

func seriesKey(values []string) string {
	return strings.Join(values, keySep)
}

func labelPairs(names []string, key string) string {
	values := strings.Split(key, keySep)
	pairs := make([]string, len(names))
	for i, name := range names {
		value := ""
		if i < len(values) {
			value = values[i]
		}
		pairs[i] = fmt.Sprintf("%s=\"%s\"", name, escape(value))
	}
	return strings.Join(pairs, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
