package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/elastic/go-libaudit/v2/auparse"

	"auditview/types"
)

// Fields whose unquoted form is hex-encoded whenever the payload contains
// bytes that auditd considers untrusted. For these an even-length hex run
// always decodes; for any other byte-string field decoding additionally
// requires a [a-fA-F] digit so that plain decimal values stay intact.
var hexStringKeys = map[string]bool{
	"proctitle": true, "saddr": true, "data": true, "comm": true,
	"exe": true, "cmd": true, "name": true, "cwd": true, "dir": true,
	"path": true, "acct": true, "grp": true, "new_group": true,
	"old": true, "key": true, "vm": true, "hostname": true,
}

func hasHexLetter(b []byte) bool {
	for _, c := range b {
		if (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			return true
		}
	}
	return false
}

// maybeHexDecode applies the hex-encoded byte-string rule for one bare
// token. EXECVE positional arguments are always hex when unquoted.
func maybeHexDecode(recType, key string, raw []byte) ([]byte, bool) {
	if !types.IsHexString(raw) {
		return nil, false
	}
	always := hexStringKeys[key] || (recType == "EXECVE" && isArgKey(key))
	if !always && !hasHexLetter(raw) {
		return nil, false
	}
	decoded := make([]byte, len(raw)/2)
	if _, err := hex.Decode(decoded, raw); err != nil {
		return nil, false
	}
	return decoded, true
}

// Field value shapes, keyed the way the per-type schema tables express
// them. Everything not covered parses as a byte-string.
type fieldShape int

const (
	shapeStr fieldShape = iota
	shapeDec
	shapeHex
	shapeOct
)

// Shared field table: keys that have the same shape in every record type
// that carries them.
var commonFieldShapes = map[string]fieldShape{
	"pid": shapeDec, "ppid": shapeDec, "auid": shapeDec, "uid": shapeDec,
	"gid": shapeDec, "euid": shapeDec, "suid": shapeDec, "fsuid": shapeDec,
	"egid": shapeDec, "sgid": shapeDec, "fsgid": shapeDec, "ouid": shapeDec,
	"ogid": shapeDec, "oauid": shapeDec, "ses": shapeDec, "items": shapeDec,
	"item": shapeDec, "exit": shapeDec, "syscall": shapeDec, "argc": shapeDec,
	"ino": shapeDec, "inode": shapeDec, "old-ses": shapeDec, "sig": shapeDec,
	"res": shapeDec, "format": shapeDec, "len": shapeDec, "total": shapeDec,
	"capability": shapeDec,

	"arch": shapeHex, "cap_fp": shapeHex, "cap_fi": shapeHex,
	"cap_pe": shapeHex, "cap_pp": shapeHex, "cap_pi": shapeHex,
	"cap_fver": shapeHex, "flags": shapeHex,

	"mode": shapeOct,
}

// fieldShapeFor resolves the expected shape of a key within a record type.
// SYSCALL argument registers are hex numbers; EXECVE positional arguments
// are byte-strings, so a<N> keys are special-cased per type.
func fieldShapeFor(recType string, key string) fieldShape {
	if isArgKey(key) {
		if recType == "SYSCALL" || recType == "SECCOMP" {
			return shapeHex
		}
		return shapeStr
	}
	switch recType {
	case "SOCKADDR":
		// saddr stays raw bytes; the nested decode happens in translation
		return shapeStr
	case "LOGIN":
		if key == "old" || key == "new" {
			return shapeDec
		}
	}
	if s, ok := commonFieldShapes[key]; ok {
		return s
	}
	return shapeStr
}

// isArgKey matches the EXECVE/SYSCALL positional keys a0, a1, …, including
// the chunked forms a<N>_len and a<N>[i].
func isArgKey(key string) bool {
	if len(key) < 2 || key[0] != 'a' {
		return false
	}
	c := key[1]
	return c >= '0' && c <= '9'
}

// splitArgKey decomposes "a<N>", "a<N>_len", "a<N>[i]". ok is false for
// keys that merely resemble the positional form.
func splitArgKey(key string) (idx int, chunk int, isLen bool, ok bool) {
	if !isArgKey(key) {
		return 0, 0, false, false
	}
	rest := key[1:]
	chunk = -1
	if i := strings.IndexByte(rest, '['); i > 0 {
		if !strings.HasSuffix(rest, "]") {
			return 0, 0, false, false
		}
		c, err := strconv.Atoi(rest[i+1 : len(rest)-1])
		if err != nil {
			return 0, 0, false, false
		}
		chunk = c
		rest = rest[:i]
	} else if strings.HasSuffix(rest, "_len") {
		isLen = true
		rest = rest[:len(rest)-4]
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, 0, false, false
	}
	return n, chunk, isLen, true
}

// Parser converts tokenized lines into typed records. It is stateless; all
// per-event work happens in the coalescer and enricher.
type Parser struct {
	logger *Logger
}

func NewParser(logger *Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse turns one raw line into a Record. A tokenizer failure yields an
// opaque record plus the error; the record still travels down the pipeline
// so raw-line filters can match it.
func (p *Parser) Parse(line []byte) (types.Record, error) {
	raw := make([]byte, len(line))
	copy(raw, line)

	tag, _, id, toks, err := tokenizeLine(line)
	if err != nil {
		rec := types.Record{
			Type:   types.RecordType{Name: tagOrOpaque(tag)},
			ID:     id,
			Raw:    raw,
			Opaque: true,
			Fields: []types.Field{{Key: "LINE", Value: types.StrValue(raw, types.QuoteNone)}},
		}
		return rec, err
	}

	rec := types.Record{
		Type: resolveRecordType(tag),
		ID:   id,
		Raw:  raw,
	}
	p.parseFields(&rec, toks)
	return rec, nil
}

func tagOrOpaque(tag string) string {
	if tag == "" {
		return "OPAQUE"
	}
	return tag
}

// resolveRecordType maps a type tag to its numeric code through the
// go-libaudit tables. Unknown tags pass through with code 0.
func resolveRecordType(tag string) types.RecordType {
	// auditd may emit the numeric form "type=1300" directly
	if n, err := strconv.ParseUint(tag, 10, 32); err == nil {
		name := auparse.AuditMessageType(n).String()
		return types.RecordType{Code: uint32(n), Name: strings.ToUpper(name)}
	}
	if t, err := auparse.GetAuditMessageType(tag); err == nil {
		return types.RecordType{Code: uint32(t), Name: tag}
	}
	return types.RecordType{Code: 0, Name: tag}
}

// parseFields applies the per-type schema to the token stream, preserving
// declaration order. EXECVE hex-chunked arguments are concatenated into
// segment values under their base key.
func (p *Parser) parseFields(rec *types.Record, toks []token) {
	for _, tok := range toks {
		if idx, chunk, isLen, ok := splitArgKey(tok.key); ok && rec.Type.Name == "EXECVE" {
			p.foldExecveArg(rec, tok, idx, chunk, isLen)
			continue
		}
		rec.Fields = append(rec.Fields, types.Field{Key: tok.key, Value: p.tokenValue(rec, tok)})
	}
}

// foldExecveArg merges a<N>, a<N>_len, a<N>[i] tokens into one value per
// argument index. The length announcement itself is dropped.
func (p *Parser) foldExecveArg(rec *types.Record, tok token, idx, chunk int, isLen bool) {
	key := fmt.Sprintf("a%d", idx)
	if isLen {
		// announcement only; chunks follow
		return
	}
	payload := tok.val
	quote := types.QuoteNone
	if tok.kind == tokQuoted {
		quote = types.QuoteDouble
	} else if decoded, ok := maybeHexDecode(rec.Type.Name, "a0", payload); ok {
		// chunked and unquoted positional args are hex-encoded
		payload = decoded
		quote = types.QuoteDouble
	}
	if chunk < 0 {
		rec.Set(key, types.StrValue(payload, quote))
		return
	}
	v, ok := rec.Get(key)
	if !ok || v.Kind != types.ValSegments {
		v = types.Value{Kind: types.ValSegments}
	}
	v.Segs = append(v.Segs, payload)
	rec.Set(key, v)
}

// tokenValue interprets one token according to the record's field table.
// A value that fails its declared shape is kept as a string and the record
// is flagged instead of dropped.
func (p *Parser) tokenValue(rec *types.Record, tok token) types.Value {
	switch tok.kind {
	case tokNull:
		return types.EmptyValue()
	case tokQuoted:
		return types.StrValue(tok.val, types.QuoteDouble)
	case tokBraces:
		m := make([]types.MapPair, 0, len(tok.sub))
		for _, s := range tok.sub {
			m = append(m, types.MapPair{Key: s.key, Val: p.tokenValue(rec, s)})
		}
		return types.Value{Kind: types.ValMap, Map: m}
	}

	shape := fieldShapeFor(rec.Type.Name, tok.key)
	s := string(tok.val)
	switch shape {
	case shapeDec:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return types.NumValue(types.NumDec, n)
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return types.NumValue(types.NumDec, int64(n))
		}
	case shapeHex:
		if n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64); err == nil {
			return types.NumValue(types.NumHex, int64(n))
		}
	case shapeOct:
		if n, err := strconv.ParseUint(s, 8, 64); err == nil {
			return types.NumValue(types.NumOct, int64(n))
		}
	default:
		if decoded, ok := maybeHexDecode(rec.Type.Name, tok.key, tok.val); ok {
			return types.StrValue(decoded, types.QuoteDouble)
		}
		return types.StrValue(tok.val, types.QuoteNone)
	}
	// declared numeric but not parseable: keep the bytes, flag the record
	rec.SchemaError = true
	return types.StrValue(tok.val, types.QuoteNone)
}
