package outputformats

import (
	"strings"
	"testing"

	"auditview/types"
)

func strVal(s string) types.Value {
	return types.StrValue([]byte(s), types.QuoteDouble)
}

func TestEventDocumentKeyOrder(t *testing.T) {
	ev := &types.Event{
		ID: types.EventID{Sec: 1615114232, Msec: 375, Serial: 15558},
		Records: []types.Record{
			{
				Type: types.RecordType{Code: 1300, Name: "SYSCALL"},
				Fields: []types.Field{
					{Key: "arch", Value: types.NumValue(types.NumHex, 0xc000003e)},
					{Key: "syscall", Value: types.NumValue(types.NumDec, 59)},
					{Key: "comm", Value: strVal("whoami")},
				},
			},
			{
				Type: types.RecordType{Code: 1307, Name: "CWD"},
				Fields: []types.Field{
					{Key: "cwd", Value: strVal("/root")},
				},
			},
		},
	}
	enrich := []types.Field{
		{Key: "PID", Value: types.Value{Kind: types.ValMap, Map: []types.MapPair{
			{Key: "comm", Val: strVal("whoami")},
		}}},
	}

	doc := EventDocument(ev, "host1", enrich)
	keys := doc.Keys()
	want := []string{"ID", "NODE", "SYSCALL", "CWD", "PID"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d = %q, want %q", i, keys[i], want[i])
		}
	}

	id, _ := doc.Get("ID")
	if id != "1615114232.375:15558" {
		t.Errorf("ID = %v", id)
	}

	line, err := Encode(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s := string(line)
	if !strings.HasPrefix(s, `{"ID":"1615114232.375:15558","NODE":"host1","SYSCALL":`) {
		t.Errorf("line = %s", s)
	}
	if strings.Index(s, `"SYSCALL"`) > strings.Index(s, `"CWD"`) {
		t.Error("record order not preserved")
	}
}

func TestEventDocumentPathIsList(t *testing.T) {
	ev := &types.Event{
		ID: types.EventID{Sec: 1, Serial: 2},
		Records: []types.Record{
			{Type: types.RecordType{Name: "PATH"}, Fields: []types.Field{
				{Key: "name", Value: strVal("/bin/sh")},
			}},
		},
	}
	doc := EventDocument(ev, "", nil)
	v, ok := doc.Get("PATH")
	if !ok {
		t.Fatal("no PATH key")
	}
	if _, isList := v.([]interface{}); !isList {
		t.Errorf("PATH = %T, want list", v)
	}
}

func TestEventDocumentMarkers(t *testing.T) {
	ev := &types.Event{
		ID:        types.EventID{Sec: 1, Serial: 2},
		Truncated: true,
		Late:      true,
		Records: []types.Record{
			{Type: types.RecordType{Name: "SYSCALL"}},
		},
	}
	doc := EventDocument(ev, "", nil)
	if v, ok := doc.Get("late"); !ok || v != true {
		t.Errorf("late = %v ok=%v", v, ok)
	}
	if v, ok := doc.Get("truncated"); !ok || v != true {
		t.Errorf("truncated = %v ok=%v", v, ok)
	}
}

func TestJSONValueForms(t *testing.T) {
	tests := []struct {
		name string
		val  types.Value
		want string
	}{
		{"dec number", types.NumValue(types.NumDec, -1), `-1`},
		{"hex number", types.NumValue(types.NumHex, 0x7f), `"0x7f"`},
		{"oct number", types.NumValue(types.NumOct, 0o755), `"0o755"`},
		{"plain string", strVal("whoami"), `"whoami"`},
		{"escaped bytes", strVal("a b\x01c"), `"a b%01c"`},
		{"empty", types.EmptyValue(), `null`},
		{"skipped", types.Value{Kind: types.ValSkipped, SkipCnt: 3, SkipLen: 100}, `{"skipped_args":3,"skipped_bytes":100}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := &types.Event{
				ID: types.EventID{Sec: 1, Serial: 1},
				Records: []types.Record{
					{Type: types.RecordType{Name: "X"}, Fields: []types.Field{{Key: "v", Value: tc.val}}},
				},
			}
			line, err := Encode(EventDocument(ev, "", nil))
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if !strings.Contains(string(line), `"v":`+tc.want) {
				t.Errorf("line = %s, want v=%s", line, tc.want)
			}
		})
	}
}

func TestStringifiedListRendering(t *testing.T) {
	v := types.Value{Kind: types.ValStringifiedList, List: []types.Value{
		strVal("sh"),
		strVal("foo bar"),
	}}
	ev := &types.Event{
		ID: types.EventID{Sec: 1, Serial: 1},
		Records: []types.Record{
			{Type: types.RecordType{Name: "EXECVE"}, Fields: []types.Field{{Key: "ARGV_STR", Value: v}}},
		},
	}
	line, err := Encode(EventDocument(ev, "", nil))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(line), `"ARGV_STR":"sh foo bar"`) {
		t.Errorf("line = %s", line)
	}
}
