package output

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hpc2n/softwareaccounting/pkg/config"
)

// metricRule is one "^pattern$" -> "destination template" rule, matched
// against a flattened "samplerID/key/subkey" path.
type metricRule struct {
	match *regexp.Regexp
	dest  string
}

// Metric streams live sampler readings to a time-series daemon as each
// update arrives, rather than batching to a final write, grounded on
// original_source/sams/output/Carbon.py and Collectd.py. protocol selects
// the wire format: "carbon" (plaintext UDP, "path value timestamp") or
// "collectd" (PUTVAL over a Unix stream socket).
type Metric struct {
	mu        sync.Mutex
	protocol  string
	staticMap map[string]string
	fieldMap  map[string]string
	rules     []metricRule
	data      map[string]interface{}

	carbonAddr string
	conn       net.Conn

	collectdSocket string
}

// NewMetric builds a Metric output from either the sams.output.Carbon or
// sams.output.Collectd config block depending on protocol.
func NewMetric(cfg *config.Config, protocol string) (*Metric, error) {
	section := "sams.output.Carbon"
	if protocol == "collectd" {
		section = "sams.output.Collectd"
	}
	sub := cfg.Sub(section)

	m := &Metric{
		protocol:       protocol,
		staticMap:      stringMap(sub.Get("static_map", nil)),
		fieldMap:       stringMap(sub.Get("map", nil)),
		data:           make(map[string]interface{}),
		collectdSocket: sub.GetString("socket", "/run/collectd.socket"),
	}

	for pattern, dest := range stringMap(sub.Get("metrics", nil)) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("output/metric: bad metric pattern %q: %w", pattern, err)
		}
		m.rules = append(m.rules, metricRule{match: re, dest: dest})
	}

	if protocol == "carbon" {
		server := sub.GetString("server", "localhost")
		port := sub.GetInt("port", 2003)
		m.carbonAddr = fmt.Sprintf("%s:%d", server, port)
		conn, err := net.Dial("udp", m.carbonAddr)
		if err != nil {
			return nil, fmt.Errorf("output/metric: dial carbon %s: %w", m.carbonAddr, err)
		}
		m.conn = conn
	}

	return m, nil
}

func (m *Metric) ID() string { return "metric-" + m.protocol }

// Store both remembers the latest value (for map/static_map substitution
// in destination templates) and immediately fires off any metric whose
// rule matches a flattened path in this update, matching the original's
// store() doing both jobs inline.
func (m *Metric) Store(samplerID string, data interface{}, final bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[samplerID] = data

	for _, flat := range flatten(samplerID, data) {
		for _, rule := range m.rules {
			groups := rule.match.FindStringSubmatch(flat.path)
			if groups == nil {
				continue
			}
			vars := namedGroupMap(rule.match.SubexpNames(), groups)
			m.send(flat.value, rule.dest, vars)
		}
	}
}

func (m *Metric) send(value string, destTemplate string, matchVars map[string]string) {
	vars := make(map[string]string, len(m.staticMap)+len(matchVars))
	for k, v := range m.staticMap {
		vars[k] = v
	}
	for k, v := range m.fieldMap {
		resolved, ok := lookupPath(m.data, v)
		if !ok {
			return
		}
		vars[k] = resolved
	}
	for k, v := range matchVars {
		vars[k] = v
	}

	dest := destTemplate
	for k, v := range vars {
		dest = strings.ReplaceAll(dest, "%("+k+")s", v)
		dest = strings.ReplaceAll(dest, "%("+k+")d", v)
	}

	switch m.protocol {
	case "carbon":
		msg := fmt.Sprintf("%s %s %d\n", dest, value, time.Now().Unix())
		if m.conn != nil {
			_, _ = m.conn.Write([]byte(msg))
		}
	case "collectd":
		dest = strings.ReplaceAll(dest, "/", "_")
		msg := fmt.Sprintf("PUTVAL %s %d:%s\n", dest, time.Now().Unix(), value)
		conn, err := net.DialTimeout("unix", m.collectdSocket, 2*time.Second)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte(msg))
	}
}

// Write is a no-op: Metric pushes data live from Store, matching the
// original's write() returning immediately.
func (m *Metric) Write(ctx context.Context) error { return nil }

type flatEntry struct {
	path  string
	value string
}

// flatten walks a nested map into "base/key/subkey" -> value entries,
// matching Collectd.py's dict2str.
func flatten(base string, data interface{}) []flatEntry {
	m, ok := data.(map[string]interface{})
	if !ok {
		return []flatEntry{{path: base, value: fmt.Sprintf("%v", data)}}
	}
	var out []flatEntry
	for k, v := range m {
		path := base + "/" + k
		if sub, ok := v.(map[string]interface{}); ok {
			out = append(out, flatten(path, sub)...)
			continue
		}
		out = append(out, flatEntry{path: path, value: fmt.Sprintf("%v", v)})
	}
	return out
}

func lookupPath(data map[string]interface{}, path string) (string, bool) {
	segments := strings.Split(path, "/")
	var cur interface{} = data
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		v, ok := m[seg]
		if !ok {
			return "", false
		}
		cur = v
	}
	return fmt.Sprintf("%v", cur), true
}

func namedGroupMap(names, groups []string) map[string]string {
	out := make(map[string]string, len(names))
	for i, name := range names {
		if name != "" && i < len(groups) {
			out[name] = groups[i]
		}
	}
	return out
}

func stringMap(v interface{}) map[string]string {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
