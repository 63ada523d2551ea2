package outputformats

import (
	"strconv"
	"strings"

	"github.com/Velocidex/ordereddict"
	json "github.com/goccy/go-json"

	"auditview/types"
)

// EventDocument assembles the ordered JSON document for one event.
// Top-level key order: ID, NODE, one key per record type in order of first
// appearance, markers, then the enrichment blocks in the order the
// enricher produced them.
func EventDocument(ev *types.Event, node string, enrich []types.Field) *ordereddict.Dict {
	doc := ordereddict.NewDict()
	doc.Set("ID", ev.ID.String())
	if node != "" {
		doc.Set("NODE", node)
	}

	type group struct {
		name string
		recs []*types.Record
	}
	var groups []*group
	index := make(map[string]*group)
	for i := range ev.Records {
		r := &ev.Records[i]
		g, ok := index[r.Type.Name]
		if !ok {
			g = &group{name: r.Type.Name}
			index[r.Type.Name] = g
			groups = append(groups, g)
		}
		g.recs = append(g.recs, r)
	}

	for _, g := range groups {
		// PATH is a list even with a single item; everything else only
		// becomes a list when repeated
		if len(g.recs) > 1 || g.name == "PATH" {
			list := make([]interface{}, 0, len(g.recs))
			for _, r := range g.recs {
				list = append(list, recordDict(r))
			}
			doc.Set(g.name, list)
		} else {
			doc.Set(g.name, recordDict(g.recs[0]))
		}
	}

	if ev.Truncated {
		doc.Set("truncated", true)
	}
	if ev.Late {
		doc.Set("late", true)
	}
	if ev.ParseError {
		doc.Set("error", "parse")
	}

	for _, f := range enrich {
		doc.Set(f.Key, jsonValue(f.Value))
	}
	return doc
}

func recordDict(r *types.Record) *ordereddict.Dict {
	d := ordereddict.NewDict()
	for _, f := range r.Fields {
		d.Set(f.Key, jsonValue(f.Value))
	}
	return d
}

// jsonValue lowers a typed value into what the JSON encoder consumes.
// Decimal numbers stay numbers; hex and octal keep their textual form so
// the base remains visible; byte-strings are percent-escaped.
func jsonValue(v types.Value) interface{} {
	switch v.Kind {
	case types.ValEmpty:
		return nil
	case types.ValStr:
		return types.QuotedString(v.Bytes)
	case types.ValSegments:
		b, _ := v.Flat()
		return types.QuotedString(b)
	case types.ValNumber:
		if v.Num.Kind == types.NumDec {
			return v.Num.Val
		}
		return v.Num.String()
	case types.ValList:
		out := make([]interface{}, 0, len(v.List))
		for _, el := range v.List {
			out = append(out, jsonValue(el))
		}
		return out
	case types.ValStringifiedList:
		var sb strings.Builder
		for i, el := range v.List {
			if i > 0 {
				sb.WriteByte(' ')
			}
			if el.Kind == types.ValSkipped {
				sb.WriteString(skippedText(el))
				continue
			}
			b, _ := el.Flat()
			sb.WriteString(types.QuotedString(b))
		}
		return sb.String()
	case types.ValMap:
		d := ordereddict.NewDict()
		for _, p := range v.Map {
			d.Set(p.Key, jsonValue(p.Val))
		}
		return d
	case types.ValSkipped:
		d := ordereddict.NewDict()
		d.Set("skipped_args", v.SkipCnt)
		d.Set("skipped_bytes", v.SkipLen)
		return d
	case types.ValLiteral:
		return v.Lit
	}
	return nil
}

func skippedText(v types.Value) string {
	var sb strings.Builder
	sb.WriteString("<<< skipped: args=")
	sb.WriteString(strconv.Itoa(v.SkipCnt))
	sb.WriteString(", bytes=")
	sb.WriteString(strconv.Itoa(v.SkipLen))
	sb.WriteString(" >>>")
	return sb.String()
}

// Encode renders the document as one JSON line, without the trailing
// newline.
func Encode(doc *ordereddict.Dict) ([]byte, error) {
	return json.Marshal(doc)
}
