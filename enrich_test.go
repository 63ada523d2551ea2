package main

import (
	"strings"
	"testing"
	"time"

	"auditview/types"
)

func testEnricher(t *testing.T, mod func(*Config)) *Enricher {
	t.Helper()
	cfg := &Config{}
	cfg.Filter.FilterAction = "drop"
	cfg.Transform.ExecveArgv = []string{"array"}
	cfg.Enrich.Pid = true
	cfg.Enrich.Script = true
	if mod != nil {
		mod(cfg)
	}
	filter, err := cfg.CompileFilter()
	if err != nil {
		t.Fatal(err)
	}
	table := NewProcTable(&LabelRules{}, 0, nil)
	return NewEnricher(cfg, nil, table, filter, nil, nil)
}

func TestEnrichExecveArgvArrayAndString(t *testing.T) {
	e := testEnricher(t, func(c *Config) {
		c.Transform.ExecveArgv = []string{"array", "string"}
	})
	ev := parseEvent(t,
		`type=SYSCALL msg=audit(1000.000:1): arch=c000003e syscall=59 success=yes exit=0 pid=100 ppid=1 comm="sh" exe="/bin/sh"`,
		`type=EXECVE msg=audit(1000.000:1): argc=2 a0="sh" a1="foo bar"`,
	)
	out := e.Process(ev, time.Now())
	if out.Dropped {
		t.Fatal("event dropped")
	}
	ex := ev.First("EXECVE")
	if _, ok := ex.Get("a0"); ok {
		t.Error("positional args not removed")
	}
	argv, ok := ex.Get("ARGV")
	if !ok || argv.Kind != types.ValList || len(argv.List) != 2 {
		t.Fatalf("ARGV = %+v", argv)
	}
	b0, _ := argv.List[0].Flat()
	b1, _ := argv.List[1].Flat()
	if string(b0) != "sh" || string(b1) != "foo bar" {
		t.Errorf("ARGV = [%q %q]", b0, b1)
	}
	str, ok := ex.Get("ARGV_STR")
	if !ok || str.Kind != types.ValStringifiedList {
		t.Fatalf("ARGV_STR = %+v", str)
	}
}

func TestEnrichArgvElision(t *testing.T) {
	e := testEnricher(t, func(c *Config) {
		c.Transform.ExecveArgvLimitBytes = 16
	})
	ev := parseEvent(t,
		`type=SYSCALL msg=audit(1000.000:1): arch=c000003e syscall=59 success=yes exit=0 pid=100 ppid=1 comm="x" exe="/bin/x"`,
		`type=EXECVE msg=audit(1000.000:1): argc=5 a0="head" a1="aaaaaaaa" a2="bbbbbbbb" a3="cccccccc" a4="tail"`,
	)
	e.Process(ev, time.Now())
	argv, ok := ev.First("EXECVE").Get("ARGV")
	if !ok {
		t.Fatal("no ARGV")
	}
	var skipped *types.Value
	for i := range argv.List {
		if argv.List[i].Kind == types.ValSkipped {
			skipped = &argv.List[i]
		}
	}
	if skipped == nil {
		t.Fatalf("no elision marker in %+v", argv.List)
	}
	if skipped.SkipCnt == 0 || skipped.SkipLen == 0 {
		t.Errorf("marker = %+v", skipped)
	}
	// first and last arguments survive
	first, _ := argv.List[0].Flat()
	last, _ := argv.List[len(argv.List)-1].Flat()
	if string(first) != "head" || string(last) != "tail" {
		t.Errorf("ends = %q %q", first, last)
	}
}

func TestEnrichPidBlock(t *testing.T) {
	e := testEnricher(t, nil)
	ev := parseEvent(t,
		`type=SYSCALL msg=audit(1000.000:1): arch=c000003e syscall=59 success=yes exit=0 pid=100 ppid=1 comm="x" exe="/bin/x" key="k1"`,
	)
	out := e.Process(ev, time.Now())
	if out.Subject == nil {
		t.Fatal("no subject")
	}
	var pid *types.Field
	for i := range out.Blocks {
		if out.Blocks[i].Key == "PID" {
			pid = &out.Blocks[i]
		}
	}
	if pid == nil {
		t.Fatalf("no PID block in %+v", out.Blocks)
	}
	if pid.Value.Kind != types.ValMap {
		t.Fatalf("PID block kind = %d", pid.Value.Kind)
	}
	got := map[string]string{}
	for _, p := range pid.Value.Map {
		if b, ok := p.Val.Flat(); ok {
			got[p.Key] = string(b)
		}
	}
	if got["exe"] != "/bin/x" {
		t.Errorf("PID.exe = %q", got["exe"])
	}
	if got["EVENT_ID"] != "1000.000:1" {
		t.Errorf("PID.EVENT_ID = %q", got["EVENT_ID"])
	}
}

func TestEnrichParallelPidBlocks(t *testing.T) {
	e := testEnricher(t, nil)
	now := time.Now()

	parentEv := parseEvent(t,
		`type=SYSCALL msg=audit(999.000:1): arch=c000003e syscall=59 success=yes exit=0 pid=1 ppid=0 comm="init" exe="/sbin/init"`,
	)
	e.Process(parentEv, now)

	ev := parseEvent(t,
		`type=SYSCALL msg=audit(1000.000:2): arch=c000003e syscall=59 success=yes exit=0 pid=100 ppid=1 comm="x" exe="/bin/x"`,
	)
	out := e.Process(ev, now)
	var found bool
	for _, b := range out.Blocks {
		if b.Key == "PPID" {
			found = true
		}
	}
	if !found {
		t.Errorf("no PPID block in %+v", out.Blocks)
	}
}

func TestEnrichPrefix(t *testing.T) {
	e := testEnricher(t, func(c *Config) {
		c.Enrich.Prefix = "AV_"
	})
	ev := parseEvent(t,
		`type=SYSCALL msg=audit(1000.000:1): arch=c000003e syscall=59 success=yes exit=0 pid=100 ppid=1 comm="x" exe="/bin/x"`,
	)
	out := e.Process(ev, time.Now())
	for _, b := range out.Blocks {
		if !strings.HasPrefix(b.Key, "AV_") {
			t.Errorf("block %q not prefixed", b.Key)
		}
	}
	if len(out.Blocks) == 0 {
		t.Fatal("no blocks")
	}
}

func TestEnrichFilterIntegration(t *testing.T) {
	e := testEnricher(t, func(c *Config) {
		c.Filter.FilterSockaddr = []string{"127.0.0.1"}
	})
	ev := parseEvent(t,
		`type=SYSCALL msg=audit(1000.000:1): arch=c000003e syscall=42 success=yes exit=0 pid=100 ppid=1 comm="nc" exe="/usr/bin/nc"`,
		`type=SOCKADDR msg=audit(1000.000:1): saddr=020015B37F0000010000000000000000`,
	)
	out := e.Process(ev, time.Now())
	if !out.Dropped || out.Reason != "sockaddr" {
		t.Errorf("dropped=%v reason=%q", out.Dropped, out.Reason)
	}

	kept := parseEvent(t,
		`type=SYSCALL msg=audit(1000.000:2): arch=c000003e syscall=42 success=yes exit=0 pid=100 ppid=1 comm="nc" exe="/usr/bin/nc"`,
		`type=SOCKADDR msg=audit(1000.000:2): saddr=020015B30A0000010000000000000000`,
	)
	out = e.Process(kept, time.Now())
	if out.Dropped {
		t.Error("10.0.0.1 event dropped")
	}
}
