package main

import (
	"bytes"
	"strconv"

	"auditview/types"
)

// Token kinds produced by the tokenizer. The tokenizer only distinguishes
// the quoting forms; the parser decides what a bare token means (number,
// name, hex-encoded byte-string) using the per-type field tables.
type tokKind int

const (
	tokBare tokKind = iota
	tokQuoted
	tokNull
	tokBraces
)

type token struct {
	key  string
	kind tokKind
	val  []byte  // payload: unescaped string or raw bare token
	sub  []token // nested pairs for tokBraces
}

// tokenizeLine splits one complete audit line into its type tag, event id,
// and key/value tokens. An optional "node=<host> " prefix (emitted by audit
// relays) is peeled off first. On failure the returned error carries the
// byte offset; the caller downgrades the line to an opaque record.
func tokenizeLine(line []byte) (tag string, node string, id types.EventID, toks []token, err error) {
	rest := line
	pos := 0

	advance := func(n int) {
		rest = rest[n:]
		pos += n
	}

	if bytes.HasPrefix(rest, []byte("node=")) {
		sp := bytes.IndexByte(rest, ' ')
		if sp < 0 {
			return "", "", id, nil, &types.MalformedLineError{Offset: pos, Reason: "truncated node prefix"}
		}
		node = string(rest[5:sp])
		advance(sp + 1)
	}

	if !bytes.HasPrefix(rest, []byte("type=")) {
		return "", "", id, nil, &types.MalformedLineError{Offset: pos, Reason: "missing type="}
	}
	advance(5)
	sp := bytes.IndexByte(rest, ' ')
	if sp < 0 {
		return "", "", id, nil, &types.MalformedLineError{Offset: pos, Reason: "missing record body"}
	}
	tag = string(rest[:sp])
	advance(sp + 1)

	if !bytes.HasPrefix(rest, []byte("msg=audit(")) {
		return "", "", id, nil, &types.MalformedLineError{Offset: pos, Reason: "missing msg=audit(...)"}
	}
	advance(len("msg=audit("))
	rparen := bytes.IndexByte(rest, ')')
	if rparen < 0 {
		return "", "", id, nil, &types.MalformedLineError{Offset: pos, Reason: "unterminated event id"}
	}
	id, err = parseEventID(rest[:rparen])
	if err != nil {
		return "", "", id, nil, &types.MalformedLineError{Offset: pos, Reason: err.Error()}
	}
	advance(rparen + 1)
	// the header ends with "): "; some records follow with no body at all
	if bytes.HasPrefix(rest, []byte(": ")) {
		advance(2)
	} else if bytes.HasPrefix(rest, []byte(":")) {
		advance(1)
	}

	body, _, err := tokenizeBody(rest, pos, false)
	return tag, node, id, body, err
}

// parseEventID parses "<sec>.<ms>:<serial>".
func parseEventID(b []byte) (types.EventID, error) {
	var id types.EventID
	dot := bytes.IndexByte(b, '.')
	colon := bytes.IndexByte(b, ':')
	if dot < 0 || colon < 0 || colon < dot {
		return id, &types.MalformedLineError{Reason: "bad event id"}
	}
	sec, err := strconv.ParseUint(string(b[:dot]), 10, 64)
	if err != nil {
		return id, err
	}
	ms, err := strconv.ParseUint(string(b[dot+1:colon]), 10, 16)
	if err != nil {
		return id, err
	}
	serial, err := strconv.ParseUint(string(b[colon+1:]), 10, 64)
	if err != nil {
		return id, err
	}
	id.Sec, id.Msec, id.Serial = sec, uint16(ms), serial
	return id, nil
}

// tokenizeBody consumes "key=value" tokens separated by single spaces until
// end of input or, inside a braces group, the closing "}". It returns the
// tokens and the number of bytes consumed.
func tokenizeBody(b []byte, base int, inBraces bool) ([]token, int, error) {
	var toks []token
	i := 0
	for i < len(b) {
		// skip separating spaces
		for i < len(b) && b[i] == ' ' {
			i++
		}
		if i >= len(b) {
			break
		}
		if inBraces && b[i] == '}' {
			return toks, i + 1, nil
		}

		eq := indexKeyEnd(b[i:])
		if eq < 0 {
			// trailing word without '=': treat the remainder as malformed
			return toks, i, &types.MalformedLineError{Offset: base + i, Reason: "token without '='"}
		}
		key := string(b[i : i+eq])
		i += eq + 1

		tok := token{key: key}
		switch {
		case i < len(b) && (b[i] == '"' || b[i] == '\''):
			q := b[i]
			end := bytes.IndexByte(b[i+1:], q)
			if end < 0 {
				return toks, i, &types.MalformedLineError{Offset: base + i, Reason: "unterminated quote"}
			}
			tok.kind = tokQuoted
			tok.val = b[i+1 : i+1+end]
			i += end + 2
			// single-quoted audit message bodies nest their own pairs
			if q == '\'' && looksLikePairs(tok.val) {
				if sub, _, err := tokenizeBody(tok.val, base+i, false); err == nil {
					tok.kind = tokBraces
					tok.sub = sub
				}
			}
		case i < len(b) && b[i] == '{':
			sub, n, err := tokenizeBody(b[i+1:], base+i+1, true)
			if err != nil {
				return toks, i, err
			}
			tok.kind = tokBraces
			tok.sub = sub
			i += 1 + n
		default:
			end := bytes.IndexByte(b[i:], ' ')
			if end < 0 {
				end = len(b) - i
			}
			raw := b[i : i+end]
			i += end
			if bytes.Equal(raw, []byte("(null)")) {
				tok.kind = tokNull
			} else {
				tok.kind = tokBare
				tok.val = raw
			}
		}
		toks = append(toks, tok)
	}
	if inBraces {
		return toks, i, &types.MalformedLineError{Offset: base + i, Reason: "unterminated braces group"}
	}
	return toks, i, nil
}

// indexKeyEnd finds the '=' ending a key. Keys are ASCII names plus the
// EXECVE forms a<N>, a<N>_len, a<N>[i].
func indexKeyEnd(b []byte) int {
	for i, c := range b {
		if c == '=' {
			return i
		}
		if c == ' ' {
			return -1
		}
	}
	return -1
}

// looksLikePairs is a cheap test for nested "k=v" bodies inside
// single-quoted msg fields.
func looksLikePairs(b []byte) bool {
	eq := bytes.IndexByte(b, '=')
	if eq <= 0 {
		return false
	}
	for _, c := range b[:eq] {
		if !(c == '_' || c == '-' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}
