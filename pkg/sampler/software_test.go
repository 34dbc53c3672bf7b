package sampler

import (
	"testing"

	"github.com/hpc2n/softwareaccounting/pkg/resolver"
)

func TestParseStat_ExtractsUserAndSystemTicks(t *testing.T) {
	// utime=1500 ticks (15s), stime=300 ticks (3s); fields counted from the
	// comm field onward per man 5 proc, state is field 2.
	line := "123 (gromacs) R 1 123 123 0 -1 4194304 0 0 0 0 1500 300 0 0 20 0 1 0 1000 0 0"
	user, system, err := parseStat(line)
	if err != nil {
		t.Fatalf("parseStat: %v", err)
	}
	if user != 15 {
		t.Fatalf("user = %v, want 15", user)
	}
	if system != 3 {
		t.Fatalf("system = %v, want 3", system)
	}
}

func TestParseStat_HandlesParenthesesInCommName(t *testing.T) {
	line := "1 (my (weird) prog) S 0 1 1 0 -1 4194304 0 0 0 0 100 200 0 0 20 0 1 0 1000 0 0"
	user, system, err := parseStat(line)
	if err != nil {
		t.Fatalf("parseStat: %v", err)
	}
	if user != 1 || system != 2 {
		t.Fatalf("user=%v system=%v, want 1,2", user, system)
	}
}

func TestParseStat_UnparseableLineReturnsError(t *testing.T) {
	if _, _, err := parseStat("garbage"); err == nil {
		t.Fatalf("expected error for unparseable stat line")
	}
}

func TestProcess_AggregateSumsAllTasks(t *testing.T) {
	p := &process{
		exe: "/bin/gromacs",
		tasks: map[int]taskUsage{
			1: {user: 10, system: 1},
			2: {user: 5, system: 2},
		},
	}
	a := p.aggregate()
	if a.exe != "/bin/gromacs" || a.user != 15 || a.system != 3 {
		t.Fatalf("aggregate() = %+v", a)
	}
}

func TestSoftware_MapSoftwareWithNilMapperReturnsEmpty(t *testing.T) {
	s := &Software{}
	out := s.mapSoftware(map[string]procAggregate{"/bin/x": {exe: "/bin/x", user: 1, system: 1}})
	if len(out) != 0 {
		t.Fatalf("mapSoftware with nil mapper = %v, want empty", out)
	}
}

func TestSoftware_MapSoftwareGroupsByResolvedNameAndSumsUsage(t *testing.T) {
	cfg := loadSamplerConfig(t, `
sams:
  software:
    Regexp:
      rules:
        - match: ".*/gromacs.*"
          software: gromacs
`)
	mapper := resolver.Load(cfg, "sams.software.Regexp")
	s := &Software{mapper: mapper}

	aggr := map[string]procAggregate{
		"/usr/bin/gromacs-2023": {exe: "/usr/bin/gromacs-2023", user: 10, system: 1},
		"/opt/bin/gromacs_mpi":  {exe: "/opt/bin/gromacs_mpi", user: 5, system: 2},
	}
	out := s.mapSoftware(aggr)

	bucket, ok := out["gromacs"]
	if !ok {
		t.Fatalf("expected a gromacs bucket, got %v", out)
	}
	if bucket["user"] != 15 || bucket["system"] != 3 {
		t.Fatalf("gromacs bucket = %v, want user=15 system=3", bucket)
	}
}

func TestSoftware_AggregateSumsAcrossProcessesSharingAnExecutable(t *testing.T) {
	s := &Software{processes: map[int]*process{
		1: {exe: "/bin/x", tasks: map[int]taskUsage{1: {user: 1, system: 1}}},
		2: {exe: "/bin/x", tasks: map[int]taskUsage{2: {user: 2, system: 2}}},
	}}

	aggr, total := s.aggregate()
	if aggr["/bin/x"].user != 3 || aggr["/bin/x"].system != 3 {
		t.Fatalf("aggr = %v", aggr)
	}
	if total.user != 3 || total.system != 3 {
		t.Fatalf("total = %+v", total)
	}
}
