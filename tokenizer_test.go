package main

import (
	"bytes"
	"testing"

	"auditview/types"
)

func TestTokenizeHeader(t *testing.T) {
	line := []byte(`type=SYSCALL msg=audit(1615114232.375:15558): arch=c000003e syscall=59 success=yes exit=0 pid=19440 comm="whoami" exe="/usr/bin/whoami" key=(null)`)

	tag, node, id, toks, err := tokenizeLine(line)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if tag != "SYSCALL" {
		t.Errorf("tag = %q, want SYSCALL", tag)
	}
	if node != "" {
		t.Errorf("node = %q, want empty", node)
	}
	want := types.EventID{Sec: 1615114232, Msec: 375, Serial: 15558}
	if id != want {
		t.Errorf("id = %v, want %v", id, want)
	}
	if len(toks) != 8 {
		t.Fatalf("got %d tokens, want 8", len(toks))
	}
	if toks[0].key != "arch" || toks[0].kind != tokBare || string(toks[0].val) != "c000003e" {
		t.Errorf("first token = %+v", toks[0])
	}
	if toks[5].key != "comm" || toks[5].kind != tokQuoted || string(toks[5].val) != "whoami" {
		t.Errorf("comm token = %+v", toks[5])
	}
	if toks[7].key != "key" || toks[7].kind != tokNull {
		t.Errorf("key token = %+v", toks[7])
	}
}

func TestTokenizeNodePrefix(t *testing.T) {
	line := []byte(`node=worker1 type=EOE msg=audit(1615114232.375:15558): `)
	tag, node, id, _, err := tokenizeLine(line)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if node != "worker1" || tag != "EOE" {
		t.Errorf("node=%q tag=%q", node, tag)
	}
	if id.Serial != 15558 {
		t.Errorf("serial = %d", id.Serial)
	}
}

func TestTokenizeBareRetainsRawBytes(t *testing.T) {
	line := []byte(`type=PROCTITLE msg=audit(1615114232.375:15558): proctitle=77686F616D69`)
	_, _, _, toks, err := tokenizeLine(line)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if len(toks) != 1 || toks[0].kind != tokBare {
		t.Fatalf("tokens = %+v", toks)
	}
	// hex decoding is the parser's decision; the tokenizer keeps the raw run
	if !bytes.Equal(toks[0].val, []byte("77686F616D69")) {
		t.Errorf("val = %q", toks[0].val)
	}
}

func TestTokenizeBracesGroup(t *testing.T) {
	line := []byte(`type=BPRM_FCAPS msg=audit(1615114232.375:15558): fver=2 caps={ fp=0 fi=0 fe=1 }`)
	_, _, _, toks, err := tokenizeLine(line)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if len(toks) != 2 {
		t.Fatalf("got %d tokens, want 2", len(toks))
	}
	grp := toks[1]
	if grp.key != "caps" || grp.kind != tokBraces {
		t.Fatalf("group token = %+v", grp)
	}
	if len(grp.sub) != 3 {
		t.Fatalf("group pairs = %d, want 3", len(grp.sub))
	}
	if grp.sub[2].key != "fe" || string(grp.sub[2].val) != "1" {
		t.Errorf("last pair = %+v", grp.sub[2])
	}
}

func TestTokenizeNestedPairs(t *testing.T) {
	line := []byte(`type=USER_LOGIN msg=audit(1615114232.375:15558): pid=1 msg='op=login id=4294967295 exe="/usr/sbin/sshd" res=success'`)
	_, _, _, toks, err := tokenizeLine(line)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if len(toks) != 2 {
		t.Fatalf("got %d tokens, want 2", len(toks))
	}
	msg := toks[1]
	if msg.kind != tokBraces {
		t.Fatalf("msg token kind = %d, want braces", msg.kind)
	}
	if len(msg.sub) != 4 {
		t.Fatalf("nested pairs = %d, want 4", len(msg.sub))
	}
	if msg.sub[2].key != "exe" || string(msg.sub[2].val) != "/usr/sbin/sshd" {
		t.Errorf("nested exe = %+v", msg.sub[2])
	}
}

func TestTokenizeMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"no type", `foo=bar`},
		{"no msg", `type=SYSCALL pid=1`},
		{"bad event id", `type=SYSCALL msg=audit(xyz): pid=1`},
		{"unterminated quote", `type=SYSCALL msg=audit(1.001:2): comm="broken`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, _, err := tokenizeLine([]byte(tc.line))
			if err == nil {
				t.Fatalf("expected error for %q", tc.line)
			}
			var mErr *types.MalformedLineError
			if !asMalformed(err, &mErr) {
				t.Errorf("error type = %T", err)
			}
		})
	}
}

func asMalformed(err error, target **types.MalformedLineError) bool {
	m, ok := err.(*types.MalformedLineError)
	if ok {
		*target = m
	}
	return ok
}
