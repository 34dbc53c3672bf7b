package sampler

import "testing"

func TestSchedulerInfoRegexes_ExtractFieldsFromScontrolLine(t *testing.T) {
	line := `JobId=12345 JobName=my_job UserId=alice(5000) ` +
		`Account=proj1 Partition=main NumNodes=2 NumCPUs=8 ` +
		`StartTime=2024-01-02T03:04:05 EndTime=Unknown`

	if m := acctRe.FindStringSubmatch(line); m == nil || m[1] != "proj1" {
		t.Fatalf("acctRe = %v", m)
	}
	if m := useridRe.FindStringSubmatch(line); m == nil || m[1] != "alice" || m[2] != "5000" {
		t.Fatalf("useridRe = %v", m)
	}
	if m := nodesRe.FindStringSubmatch(line); m == nil || m[1] != "2" {
		t.Fatalf("nodesRe = %v", m)
	}
	if m := cpusRe.FindStringSubmatch(line); m == nil || m[1] != "8" {
		t.Fatalf("cpusRe = %v", m)
	}
	if m := partitionRe.FindStringSubmatch(line); m == nil || m[1] != "main" {
		t.Fatalf("partitionRe = %v", m)
	}
	if m := starttimeRe.FindStringSubmatch(line); m == nil || m[1] != "2024-01-02T03:04:05" {
		t.Fatalf("starttimeRe = %v", m)
	}
	if m := jobnameRe.FindStringSubmatch(line); m == nil || m[1] != "my_job" {
		t.Fatalf("jobnameRe = %v", m)
	}
}

func TestSchedulerInfo_HaveAllKeysRequiresEveryRequiredKey(t *testing.T) {
	s := &SchedulerInfo{
		data:         map[string]interface{}{"account": "proj1"},
		requiredKeys: []string{"account", "cpus"},
	}
	if s.haveAllKeys() {
		t.Fatalf("haveAllKeys() should be false when cpus is missing")
	}

	s.data["cpus"] = 8
	if !s.haveAllKeys() {
		t.Fatalf("haveAllKeys() should be true once every required key is present")
	}
}

func TestSchedulerInfo_SampleReportsNothingOnceAllKeysKnownWithoutRefresh(t *testing.T) {
	s := &SchedulerInfo{
		scontrol:     "/bin/false",
		data:         map[string]interface{}{"account": "a", "cpus": 1, "nodes": 1, "starttime": "x", "username": "u", "uid": 1},
		requiredKeys: []string{"account", "cpus", "nodes", "starttime", "username", "uid"},
	}

	data, ok, err := s.Sample(nil)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if ok || data != nil {
		t.Fatalf("Sample should report nothing once every required key is already known")
	}
}

func TestSchedulerInfo_IDAndFinalData(t *testing.T) {
	s := &SchedulerInfo{data: map[string]interface{}{"account": "proj1"}}
	if s.ID() != "schedulerinfo" {
		t.Fatalf("ID() = %q", s.ID())
	}
	data, err := s.FinalData()
	if err != nil {
		t.Fatalf("FinalData: %v", err)
	}
	if m := data.(map[string]interface{}); m["account"] != "proj1" {
		t.Fatalf("FinalData() = %v", m)
	}
}
