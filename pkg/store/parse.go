package store

import (
	"fmt"
	"time"

	"github.com/hpc2n/softwareaccounting/pkg/acct"
)

// ParseRecord extracts the typed fields both backends need out of a raw
// collector record, matching the field access pattern in the original's
// Aggregator.aggregate() (including its hard requirement that
// sams.sampler.Software and sams.sampler.SlurmInfo both be present).
func ParseRecord(record Record) (*ParsedRecord, error) {
	core, ok := record["sams.sampler.Core"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("store: record missing sams.sampler.Core")
	}
	for _, required := range []string{"sams.sampler.Software", "sams.sampler.SlurmInfo"} {
		if _, ok := record[required]; !ok {
			return nil, fmt.Errorf("store: record missing %s", required)
		}
	}

	jobID, err := asInt64(core["jobid"])
	if err != nil {
		return nil, fmt.Errorf("store: core.jobid: %w", err)
	}
	node, _ := core["node"].(string)

	slurmInfo := record["sams.sampler.SlurmInfo"].(map[string]interface{})
	project, _ := slurmInfo["account"].(string)
	user, _ := slurmInfo["username"].(string)
	partition, _ := slurmInfo["partition"].(string)
	schedulerStartTime, _ := slurmInfo["starttime"].(string)
	ncpus := 0
	if v, err := asInt64(slurmInfo["cpus"]); err == nil {
		ncpus = int(v)
	}
	uid := int64(0)
	if v, err := asInt64(slurmInfo["uid"]); err == nil {
		uid = v
	}

	software, ok := record["sams.sampler.Software"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("store: sams.sampler.Software is not an object")
	}
	startTime, _ := asInt64(software["start_time"])
	endTime, _ := asInt64(software["end_time"])

	execs, _ := software["execs"].(map[string]interface{})
	parsed := &ParsedRecord{
		JobID:              jobID,
		Node:               node,
		Project:            project,
		User:               user,
		UID:                uid,
		NCPUs:              ncpus,
		Partition:          partition,
		StartTime:          startTime,
		EndTime:            endTime,
		SchedulerStartTime: schedulerStartTime,
	}

	for path, raw := range execs {
		info, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		userTime, _ := asFloat64(info["user"])
		sysTime, _ := asFloat64(info["system"])
		parsed.Commands = append(parsed.Commands, commandFor(jobID, path, userTime, sysTime, startTime, endTime))
	}

	return parsed, nil
}

func commandFor(jobID int64, path string, userTime, sysTime float64, startTime, endTime int64) acct.Command {
	return acct.Command{
		JobID:      jobID,
		Path:       path,
		UserTime:   userTime,
		SystemTime: sysTime,
		StartTime:  time.Unix(startTime, 0),
		EndTime:    time.Unix(endTime, 0),
	}
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		var i int64
		if _, err := fmt.Sscanf(n, "%d", &i); err != nil {
			return 0, err
		}
		return i, nil
	default:
		return 0, fmt.Errorf("store: cannot convert %T to int64", v)
	}
}

func asFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("store: cannot convert %T to float64", v)
	}
}
