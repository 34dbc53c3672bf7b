package output

import (
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatten_NestedMapProducesSlashSeparatedPaths(t *testing.T) {
	data := map[string]interface{}{
		"cpu": map[string]interface{}{
			"user": 1.5,
		},
		"rss": 2048,
	}
	entries := flatten("sams.sampler.Core", data)

	got := map[string]string{}
	for _, e := range entries {
		got[e.path] = e.value
	}
	assert.Equal(t, "1.5", got["sams.sampler.Core/cpu/user"])
	assert.Equal(t, "2048", got["sams.sampler.Core/rss"])
}

func TestFlatten_ScalarValueProducesSingleEntry(t *testing.T) {
	entries := flatten("sams.sampler.Core/jobid", 42)
	require.Len(t, entries, 1)
	assert.Equal(t, "sams.sampler.Core/jobid", entries[0].path)
	assert.Equal(t, "42", entries[0].value)
}

func TestLookupPath_FindsNestedValue(t *testing.T) {
	data := map[string]interface{}{
		"a": map[string]interface{}{
			"b": "value",
		},
	}
	v, ok := lookupPath(data, "a/b")
	require.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestLookupPath_MissingSegmentReturnsFalse(t *testing.T) {
	data := map[string]interface{}{"a": map[string]interface{}{}}
	_, ok := lookupPath(data, "a/b")
	assert.False(t, ok)
}

func TestStringMap_NonMapReturnsNil(t *testing.T) {
	assert.Nil(t, stringMap("not a map"))
}

func TestStringMap_KeepsOnlyStringValues(t *testing.T) {
	in := map[string]interface{}{"a": "x", "b": 1}
	assert.Equal(t, map[string]string{"a": "x"}, stringMap(in))
}

func TestMetric_StoreSendsCarbonLineOnRuleMatch(t *testing.T) {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	m := &Metric{
		protocol: "carbon",
		data:     make(map[string]interface{}),
	}
	destConn, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	m.conn = destConn

	rulePattern := regexp.MustCompile(`^sams\.sampler\.Core/jobid$`)
	m.rules = []metricRule{{match: rulePattern, dest: "sams.jobid"}}

	m.Store("sams.sampler.Core", map[string]interface{}{"jobid": 42}, false)

	buf := make([]byte, 256)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	line := string(buf[:n])
	assert.Contains(t, line, "sams.jobid 42")
}

func TestMetric_WriteIsNoop(t *testing.T) {
	m := &Metric{protocol: "carbon", data: make(map[string]interface{})}
	assert.NoError(t, m.Write(nil))
}

func TestMetric_ID(t *testing.T) {
	m := &Metric{protocol: "collectd"}
	assert.Equal(t, "metric-collectd", m.ID())
}
