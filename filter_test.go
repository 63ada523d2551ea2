package main

import (
	"testing"

	"auditview/types"
)

func testFilterConfig(mod func(*Config)) *FilterEngine {
	cfg := &Config{}
	cfg.Filter.FilterAction = "drop"
	if mod != nil {
		mod(cfg)
	}
	e, err := cfg.CompileFilter()
	if err != nil {
		panic(err)
	}
	return e
}

func TestFilterByKey(t *testing.T) {
	e := testFilterConfig(func(c *Config) {
		c.Filter.FilterKeys = []string{"noise"}
	})
	ev := &types.Event{ID: types.EventID{Sec: 1, Serial: 1}}

	drop, reason := e.Decide(ev, nil, nil, []string{"noise", "other"})
	if !drop || reason != "key" {
		t.Errorf("drop=%v reason=%q", drop, reason)
	}
	drop, _ = e.Decide(ev, nil, nil, []string{"other"})
	if drop {
		t.Error("dropped without key intersection")
	}
}

func TestFilterNullKeys(t *testing.T) {
	e := testFilterConfig(func(c *Config) {
		c.Filter.FilterNullKeys = true
	})
	ev := &types.Event{}
	if drop, reason := e.Decide(ev, nil, nil, nil); !drop || reason != "null-key" {
		t.Errorf("drop=%v reason=%q", drop, reason)
	}
	if drop, _ := e.Decide(ev, nil, nil, []string{"k"}); drop {
		t.Error("dropped event that has a key")
	}
}

func TestFilterByLabel(t *testing.T) {
	e := testFilterConfig(func(c *Config) {
		c.Filter.FilterLabels = []string{"quiet"}
	})
	ev := &types.Event{}
	subject := &types.Process{Key: types.ProcKey{Pid: 1, Time: 1}, Labels: []string{"quiet"}}
	if drop, reason := e.Decide(ev, subject, nil, nil); !drop || reason != "label" {
		t.Errorf("drop=%v reason=%q", drop, reason)
	}
	loud := &types.Process{Key: types.ProcKey{Pid: 2, Time: 1}, Labels: []string{"loud"}}
	if drop, _ := e.Decide(ev, loud, nil, nil); drop {
		t.Error("dropped without label intersection")
	}
}

func TestFilterBySockaddr(t *testing.T) {
	e := testFilterConfig(func(c *Config) {
		c.Filter.FilterSockaddr = []string{"127.0.0.1"}
	})
	ev := &types.Event{}

	local, err := DecodeSockaddr([]byte{2, 0, 0x15, 0xb3, 127, 0, 0, 1})
	if err != nil {
		t.Fatal(err)
	}
	remote, err := DecodeSockaddr([]byte{2, 0, 0x15, 0xb3, 10, 0, 0, 1})
	if err != nil {
		t.Fatal(err)
	}

	if drop, reason := e.Decide(ev, nil, []*Sockaddr{local}, nil); !drop || reason != "sockaddr" {
		t.Errorf("127.0.0.1:5555 kept (drop=%v reason=%q)", drop, reason)
	}
	if drop, _ := e.Decide(ev, nil, []*Sockaddr{remote}, nil); drop {
		t.Error("10.0.0.1:5555 dropped")
	}
}

func TestFilterByRawLine(t *testing.T) {
	e := testFilterConfig(func(c *Config) {
		c.Filter.FilterRawLines = []string{`comm="chatty"`}
	})
	rec := mustParse(t, `type=SYSCALL msg=audit(1.001:2): pid=1 comm="chatty"`)
	ev := &types.Event{ID: rec.ID, Records: []types.Record{rec}}
	if drop, reason := e.Decide(ev, nil, nil, nil); !drop || reason != "raw-line" {
		t.Errorf("drop=%v reason=%q", drop, reason)
	}
}

func TestFilterOrderKeyBeforeLabel(t *testing.T) {
	e := testFilterConfig(func(c *Config) {
		c.Filter.FilterKeys = []string{"k"}
		c.Filter.FilterLabels = []string{"l"}
	})
	subject := &types.Process{Key: types.ProcKey{Pid: 1, Time: 1}, Labels: []string{"l"}}
	_, reason := e.Decide(&types.Event{}, subject, nil, []string{"k"})
	if reason != "key" {
		t.Errorf("reason = %q, want key (rule order)", reason)
	}
}

func TestFilterKeepFirstPerProcess(t *testing.T) {
	e := testFilterConfig(func(c *Config) {
		c.Filter.FilterLabels = []string{"quiet"}
		c.Filter.KeepFirstPerProcess = true
	})
	ev := &types.Event{}
	subject := &types.Process{Key: types.ProcKey{Pid: 1, Time: 1}, Labels: []string{"quiet"}}

	if drop, _ := e.Decide(ev, subject, nil, nil); drop {
		t.Fatal("first event for the process dropped")
	}
	if drop, _ := e.Decide(ev, subject, nil, nil); !drop {
		t.Error("second event kept")
	}
}

func TestFilterIdempotent(t *testing.T) {
	e := testFilterConfig(func(c *Config) {
		c.Filter.FilterKeys = []string{"k"}
	})
	ev := &types.Event{}
	first, _ := e.Decide(ev, nil, nil, []string{"k"})
	second, _ := e.Decide(ev, nil, nil, []string{"k"})
	if first != second {
		t.Errorf("decisions differ: %v then %v", first, second)
	}
}

func TestFilterActionConfig(t *testing.T) {
	e := testFilterConfig(func(c *Config) {
		c.Filter.FilterAction = "log"
	})
	if e.Action() != "log" {
		t.Errorf("action = %q", e.Action())
	}
}
