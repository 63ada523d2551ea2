package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"auditview/types"
)

// Enricher merges a sealed event with process-tracker context, applies the
// configured transforms and translations, and computes the filter
// decision. It borrows the table and the filter engine; ownership stays
// with the processor.
type Enricher struct {
	cfg        *Config
	translator *Translator
	table      *ProcTable
	filter     *FilterEngine
	userDB     *UserDB
	logger     *Logger
}

func NewEnricher(cfg *Config, tr *Translator, table *ProcTable, filter *FilterEngine, userDB *UserDB, logger *Logger) *Enricher {
	return &Enricher{cfg: cfg, translator: tr, table: table, filter: filter, userDB: userDB, logger: logger}
}

// Outcome of one event's enrichment pass.
type Enriched struct {
	Blocks   []types.Field // enrichment blocks, in emission order
	Dropped  bool
	Reason   string // filter rule class when dropped
	Subject  *types.Process
}

// Process runs the full enrichment pipeline on one sealed event. The
// event's records are mutated in place (argv transform, translation); the
// enrichment blocks are returned separately so the serializer can place
// them after the record keys.
func (e *Enricher) Process(ev *types.Event, now time.Time) *Enriched {
	out := &Enriched{}

	syscallName := EventSyscall(ev)
	keys := syscallKeys(ev)
	saddrs := decodeSockaddrs(ev)

	// captured before translation may rewrite or drop the raw field
	subjUID := int64(-1)
	if sc := ev.First("SYSCALL"); sc != nil {
		if v, ok := sc.Get("uid"); ok && v.Kind == types.ValNumber {
			subjUID = v.Num.Val
		}
	}

	out.Subject = e.table.ObserveSyscall(ev, syscallName, now)

	e.transformExecve(ev)
	if e.translator != nil {
		e.translator.TranslateEvent(ev)
	}

	if e.cfg.Enrich.Pid {
		e.attachPidBlocks(ev, out)
	}
	if len(e.cfg.Enrich.ExecveEnv) > 0 {
		e.attachEnv(ev, out)
	}
	if (e.cfg.Enrich.Container || e.cfg.Enrich.ContainerInfo) && out.Subject != nil && out.Subject.Container != "" {
		out.add(e.prefixed("CONTAINER"), mapValue(
			pair("id", types.StrValue([]byte(out.Subject.Container), types.QuoteDouble)),
		))
	}
	if e.cfg.Enrich.Systemd && out.Subject != nil {
		if unit, slice := systemdContext(out.Subject.Key.Pid); unit != "" || slice != "" {
			var pairs []types.MapPair
			if slice != "" {
				pairs = append(pairs, pair("slice", types.LiteralValue(slice)))
			}
			if unit != "" {
				pairs = append(pairs, pair("unit", types.LiteralValue(unit)))
			}
			out.add(e.prefixed("SYSTEMD"), mapValue(pairs...))
		}
	}
	if e.cfg.Enrich.UserGroups && e.userDB != nil && subjUID >= 0 && uint64(subjUID) != unsetID {
		if groups := e.userDB.UserGroups(uint32(subjUID)); len(groups) > 0 {
			out.add(e.prefixed("USER_GROUPS"), listValue(groups))
		}
	}

	drop, reason := e.filter.Decide(ev, out.Subject, saddrs, keys)
	out.Dropped, out.Reason = drop, reason
	if !drop {
		e.filter.MarkSeen(out.Subject)
	}
	return out
}

func (o *Enriched) add(key string, v types.Value) {
	o.Blocks = append(o.Blocks, types.Field{Key: key, Value: v})
}

func (e *Enricher) prefixed(name string) string {
	return e.cfg.Enrich.Prefix + name
}

func pair(k string, v types.Value) types.MapPair { return types.MapPair{Key: k, Val: v} }

func mapValue(pairs ...types.MapPair) types.Value {
	return types.Value{Kind: types.ValMap, Map: pairs}
}

func listValue(items []string) types.Value {
	v := types.Value{Kind: types.ValList}
	for _, s := range items {
		v.List = append(v.List, types.StrValue([]byte(s), types.QuoteDouble))
	}
	return v
}

// syscallKeys returns the rule keys of the event's SYSCALL record.
func syscallKeys(ev *types.Event) []string {
	sc := ev.First("SYSCALL")
	if sc == nil {
		return nil
	}
	return eventKeys(sc)
}

// decodeSockaddrs decodes every SOCKADDR record's raw saddr bytes, before
// translation may have replaced them.
func decodeSockaddrs(ev *types.Event) []*Sockaddr {
	var out []*Sockaddr
	for _, r := range ev.All("SOCKADDR") {
		b, ok := r.GetBytes("saddr")
		if !ok {
			continue
		}
		if sa, err := DecodeSockaddr(b); err == nil {
			out = append(out, sa)
		}
	}
	return out
}

// transformExecve applies the execve-argv configuration: the positional
// a<N> fields of the EXECVE record are replaced by ARGV and/or ARGV_STR.
func (e *Enricher) transformExecve(ev *types.Event) {
	modes := e.cfg.Transform.ExecveArgv
	if len(modes) == 0 {
		return
	}
	ex := ev.First("EXECVE")
	if ex == nil {
		return
	}

	var argv []types.Value
	var kept []types.Field
	for _, f := range ex.Fields {
		if idx, _, _, ok := splitArgKey(f.Key); ok && idx >= 0 {
			argv = append(argv, f.Value)
			continue
		}
		kept = append(kept, f)
	}
	if len(argv) == 0 {
		return
	}
	argv = elideArgv(argv, e.cfg.Transform.ExecveArgvLimitBytes)

	for _, mode := range modes {
		switch mode {
		case "array":
			kept = append(kept, types.Field{Key: "ARGV", Value: types.Value{Kind: types.ValList, List: argv}})
		case "string":
			kept = append(kept, types.Field{Key: "ARGV_STR", Value: types.Value{Kind: types.ValStringifiedList, List: argv}})
		}
	}
	ex.Fields = kept
}

// elideArgv removes arguments from the middle when the total byte size
// exceeds the limit, inserting the skip marker at the elision point. The
// first and last arguments are always kept.
func elideArgv(argv []types.Value, limit int) []types.Value {
	if limit <= 0 {
		return argv
	}
	sizes := make([]int, len(argv))
	total := 0
	for i, v := range argv {
		b, _ := v.Flat()
		sizes[i] = len(b)
		total += len(b)
	}
	if total <= limit {
		return argv
	}

	if len(argv) < 3 {
		return argv
	}
	// first and last are always kept; grow a prefix, then a suffix, until
	// the remaining budget is spent. lo..hi is the skipped middle.
	lo, hi := 1, len(argv)-2
	budget := limit - sizes[0] - sizes[len(argv)-1]
	for lo <= hi && budget >= sizes[lo] {
		budget -= sizes[lo]
		lo++
	}
	for hi >= lo && budget >= sizes[hi] {
		budget -= sizes[hi]
		hi--
	}
	if lo > hi {
		return argv
	}

	skipped := types.Value{Kind: types.ValSkipped}
	for i := lo; i <= hi; i++ {
		skipped.SkipCnt++
		skipped.SkipLen += sizes[i]
	}
	out := make([]types.Value, 0, lo+len(argv)-hi)
	out = append(out, argv[:lo]...)
	out = append(out, skipped)
	out = append(out, argv[hi+1:]...)
	return out
}

// attachPidBlocks emits the PID enrichment block for the subject and a
// parallel compact block for every other *pid field found in the event's
// records.
func (e *Enricher) attachPidBlocks(ev *types.Event, out *Enriched) {
	if out.Subject != nil {
		out.add(e.prefixed("PID"), e.processBlock(out.Subject, true))
	}

	seen := map[string]bool{"pid": true}
	for i := range ev.Records {
		for _, f := range ev.Records[i].Fields {
			key := f.Key
			if !strings.HasSuffix(key, "pid") || seen[key] || f.Value.Kind != types.ValNumber {
				continue
			}
			seen[key] = true
			pid := f.Value.Num.Val
			if pid <= 0 {
				continue
			}
			p := e.table.GetPidBefore(uint32(pid), ev.ID.Millis()+1)
			if p == nil {
				continue
			}
			out.add(e.prefixed(strings.ToUpper(key)), e.processBlock(p, false))
		}
	}
}

// processBlock renders one process entry as an ordered mapping. The
// subject's block carries the container id; parallel blocks stay compact.
func (e *Enricher) processBlock(p *types.Process, full bool) types.Value {
	var pairs []types.MapPair
	if p.EventID != nil {
		pairs = append(pairs, pair("EVENT_ID", types.LiteralValue(p.EventID.String())))
	}
	if p.Comm != "" {
		pairs = append(pairs, pair("comm", types.StrValue([]byte(p.Comm), types.QuoteDouble)))
	}
	if p.Exe != "" {
		pairs = append(pairs, pair("exe", types.StrValue([]byte(p.Exe), types.QuoteDouble)))
	}
	if p.PPID != 0 {
		pairs = append(pairs, pair("ppid", types.NumValue(types.NumDec, int64(p.PPID))))
	}
	if len(p.Labels) > 0 {
		pairs = append(pairs, pair("LABELS", listValue(p.Labels)))
	}
	if e.cfg.Enrich.Script {
		// a process that did not exec a script itself still runs in the
		// script context of its nearest ancestor that did
		script := p.Script
		if script == "" {
			for _, anc := range e.table.Ancestry(p) {
				if anc.Script != "" {
					script = anc.Script
					break
				}
			}
		}
		if script != "" {
			pairs = append(pairs, pair("script", types.StrValue([]byte(script), types.QuoteDouble)))
		}
	}
	if full && e.cfg.Enrich.Container && p.Container != "" {
		pairs = append(pairs, pair("container_id", types.StrValue([]byte(p.Container), types.QuoteDouble)))
	}
	return mapValue(pairs...)
}

// attachEnv captures selected environment variables of the subject at
// enrichment time. Best-effort: a vanished process simply yields no block.
func (e *Enricher) attachEnv(ev *types.Event, out *Enriched) {
	if ev.First("EXECVE") == nil || out.Subject == nil {
		return
	}
	env := procEnviron(out.Subject.Key.Pid, e.cfg.Enrich.ExecveEnv)
	if len(env) == 0 {
		return
	}
	out.add(e.prefixed("ENV"), types.Value{Kind: types.ValMap, Map: env})
}

// procEnviron reads /proc/<pid>/environ and keeps the variables whose name
// is in want, preserving the order they appear in the process image.
func procEnviron(pid uint32, want []string) []types.MapPair {
	data, err := os.ReadFile("/proc/" + strconv.FormatUint(uint64(pid), 10) + "/environ")
	if err != nil {
		return nil
	}
	wanted := make(map[string]bool, len(want))
	for _, w := range want {
		wanted[w] = true
	}
	var out []types.MapPair
	for _, kv := range strings.Split(string(data), "\x00") {
		if kv == "" {
			continue
		}
		name, val, _ := strings.Cut(kv, "=")
		if wanted[name] {
			out = append(out, pair(name, types.StrValue([]byte(val), types.QuoteDouble)))
		}
	}
	return out
}

// systemdContext derives the systemd slice and unit from the cgroup path.
func systemdContext(pid uint32) (unit, slice string) {
	data, err := os.ReadFile("/proc/" + strconv.FormatUint(uint64(pid), 10) + "/cgroup")
	if err != nil {
		return "", ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		_, path, ok := strings.Cut(line, "::")
		if !ok {
			parts := strings.SplitN(line, ":", 3)
			if len(parts) != 3 {
				continue
			}
			path = parts[2]
		}
		for _, comp := range strings.Split(path, "/") {
			switch {
			case strings.HasSuffix(comp, ".slice"):
				slice = comp
			case strings.HasSuffix(comp, ".service"), strings.HasSuffix(comp, ".scope"):
				unit = comp
			}
		}
		if unit != "" || slice != "" {
			return unit, slice
		}
	}
	return "", ""
}
