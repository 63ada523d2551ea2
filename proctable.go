package main

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"auditview/types"
)

const (
	defaultMaxProcEntries = 1 << 16
	defaultProcGrace      = 300 * time.Second
	procArgvKeep          = 32 // launch argv elements retained per entry
)

// LabelRule pairs a compiled regex with the label it grants or revokes.
type LabelRule struct {
	Pattern *regexp.Regexp
	Label   string
}

// LabelRules is the compiled [label-process] section.
type LabelRules struct {
	LabelKeys     map[string]bool
	LabelExe      []LabelRule
	UnlabelExe    []LabelRule
	LabelArgv     []LabelRule
	UnlabelArgv   []LabelRule
	ArgvCount     int
	ArgvBytes     int
	LabelScript   []LabelRule
	UnlabelScript []LabelRule
	Propagate     map[string]bool
}

// Interpreters recognized for script-context detection: an exec of one of
// these with a regular-file argv[1] present in the PATH record list is a
// script execution.
var scriptInterpreters = map[string]bool{
	"sh": true, "bash": true, "dash": true, "zsh": true, "ksh": true,
	"ash": true, "csh": true, "tcsh": true, "fish": true,
	"perl": true, "ruby": true, "lua": true, "awk": true, "gawk": true,
	"mawk": true, "node": true, "nodejs": true, "tclsh": true, "env": true,
}

func isInterpreter(path string) bool {
	base := filepath.Base(path)
	if scriptInterpreters[base] {
		return true
	}
	// versioned interpreters: python3, python3.11, perl5.36, php8
	trimmed := strings.TrimRight(base, "0123456789.")
	switch trimmed {
	case "python", "perl", "php", "ruby", "lua", "node":
		return true
	}
	return false
}

// ProcTable reconstructs the live process tree from SYSCALL events plus an
// initial /proc scan. Two indexes: by full key, and a per-pid hint list
// kept in chronological order so the last element is the current
// incarnation of the pid.
type ProcTable struct {
	procs   map[types.ProcKey]*types.Process
	byPid   map[uint32][]types.ProcKey
	lastUse map[types.ProcKey]time.Time

	rules      *LabelRules
	grace      time.Duration
	maxEntries int

	logger *Logger
}

func NewProcTable(rules *LabelRules, grace time.Duration, logger *Logger) *ProcTable {
	if rules == nil {
		rules = &LabelRules{}
	}
	if grace <= 0 {
		grace = defaultProcGrace
	}
	return &ProcTable{
		procs:      make(map[types.ProcKey]*types.Process),
		byPid:      make(map[uint32][]types.ProcKey),
		lastUse:    make(map[types.ProcKey]time.Time),
		rules:      rules,
		grace:      grace,
		maxEntries: defaultMaxProcEntries,
		logger:     logger,
	}
}

// insert adds p under its key and maintains the by-pid hint list sort.
func (t *ProcTable) insert(p *types.Process, now time.Time) {
	t.procs[p.Key] = p
	keys := append(t.byPid[p.Key.Pid], p.Key)
	sort.Slice(keys, func(i, j int) bool { return keys[i].Older(keys[j]) })
	t.byPid[p.Key.Pid] = keys
	t.lastUse[p.Key] = now
	if len(t.procs) > t.maxEntries {
		t.evictOldest()
	}
}

// Get retrieves a process by key.
func (t *ProcTable) Get(key types.ProcKey) *types.Process {
	return t.procs[key]
}

// GetPid retrieves the current incarnation of a pid.
func (t *ProcTable) GetPid(pid uint32) *types.Process {
	keys := t.byPid[pid]
	if len(keys) == 0 {
		return nil
	}
	return t.procs[keys[len(keys)-1]]
}

// GetPidBefore retrieves the incarnation of pid live at the given event
// time, used to resolve parent references from records that may arrive
// after the pid was reused.
func (t *ProcTable) GetPidBefore(pid uint32, timeMs uint64) *types.Process {
	keys := t.byPid[pid]
	for i := len(keys) - 1; i >= 0; i-- {
		if keys[i].Time < timeMs {
			return t.procs[keys[i]]
		}
	}
	if len(keys) > 0 {
		return t.procs[keys[0]]
	}
	return nil
}

// touch records key use for LRU eviction.
func (t *ProcTable) touch(key types.ProcKey, now time.Time) {
	t.lastUse[key] = now
}

// ensureSubject returns the entry for (pid) as of the event, creating it if
// the pid has never been observed. A missing parent gets a placeholder
// entry so the tree stays connected (tracker inconsistency, not an error).
func (t *ProcTable) ensureSubject(pid, ppid uint32, id types.EventID, comm, exe string, now time.Time) *types.Process {
	if p := t.GetPid(pid); p != nil {
		t.touch(p.Key, now)
		if p.Comm == "" && comm != "" {
			p.Comm = comm
		}
		if p.Exe == "" && exe != "" {
			p.Exe = exe
		}
		if p.PPID == 0 && ppid != 0 {
			p.PPID = ppid
			if parent := t.GetPidBefore(ppid, id.Millis()); parent != nil {
				k := parent.Key
				p.Parent = &k
			}
		}
		return p
	}

	var parentKey *types.ProcKey
	if ppid != 0 {
		parent := t.GetPidBefore(ppid, id.Millis())
		if parent == nil {
			parent = t.placeholder(ppid, id, now)
			trackerInconsistenciesTotal.Inc()
		}
		k := parent.Key
		parentKey = &k
	}

	eid := id
	p := &types.Process{
		Key:     types.ProcKey{Pid: pid, Time: id.Millis(), Seq: id.Serial},
		Parent:  parentKey,
		PPID:    ppid,
		Comm:    comm,
		Exe:     exe,
		EventID: &eid,
		Live:    true,
	}
	t.insert(p, now)
	return p
}

// placeholder creates an entry for a pid only ever seen as a parent
// reference. Keyed at time 0 so any later real observation sorts after it.
func (t *ProcTable) placeholder(pid uint32, id types.EventID, now time.Time) *types.Process {
	p := &types.Process{
		Key:  types.ProcKey{Pid: pid, Time: 0, Seq: 0},
		Live: true,
	}
	if exist := t.procs[p.Key]; exist != nil {
		return exist
	}
	t.insert(p, now)
	return p
}

// ObserveSyscall digests one sealed event whose anchor is a SYSCALL record
// and returns the subject process entry. syscallName is the translated
// name; empty when translation was not possible.
func (t *ProcTable) ObserveSyscall(ev *types.Event, syscallName string, now time.Time) *types.Process {
	sc := ev.First("SYSCALL")
	if sc == nil {
		return nil
	}
	pid := uint32(numField(sc, "pid"))
	ppid := uint32(numField(sc, "ppid"))
	if pid == 0 {
		return nil
	}
	comm := strField(sc, "comm")
	exe := strField(sc, "exe")
	success := strField(sc, "success") == "yes"

	subject := t.ensureSubject(pid, ppid, ev.ID, comm, exe, now)

	// 1. key match
	if len(t.rules.LabelKeys) > 0 {
		for _, key := range eventKeys(sc) {
			if t.rules.LabelKeys[key] {
				subject.AddLabel(key)
			}
		}
	}

	switch {
	case success && (syscallName == "execve" || syscallName == "execveat"):
		t.observeExec(ev, subject, comm, exe)
	case success && isForkSyscall(syscallName):
		t.observeFork(ev, sc, subject, now)
	case syscallName == "exit" || syscallName == "exit_group":
		t.observeExit(subject, ev.ID)
	}

	return subject
}

// observeExec updates the subject for an exec: exe/comm refresh, launch
// argv capture, script detection, and re-evaluation of the exe, argv, and
// script label rules.
func (t *ProcTable) observeExec(ev *types.Event, subject *types.Process, comm, exe string) {
	if comm != "" {
		subject.Comm = comm
	}
	if exe != "" {
		subject.Exe = exe
	}
	eid := ev.ID
	subject.EventID = &eid

	argv := execveArgv(ev)
	if len(argv) > 0 {
		keep := argv
		if len(keep) > procArgvKeep {
			keep = keep[:procArgvKeep]
		}
		subject.Argv = append([]string(nil), keep...)
	}

	// 2. executable regexes
	applyRules(subject, t.rules.LabelExe, t.rules.UnlabelExe, subject.Exe)

	// 3. argv regexes, bounded
	if len(t.rules.LabelArgv) > 0 || len(t.rules.UnlabelArgv) > 0 {
		cmdline := boundedCmdline(argv, t.rules.ArgvCount, t.rules.ArgvBytes)
		applyRules(subject, t.rules.LabelArgv, t.rules.UnlabelArgv, cmdline)
	}

	// 4. script context
	if script := detectScript(ev, argv); script != "" {
		subject.Script = script
		applyRules(subject, t.rules.LabelScript, t.rules.UnlabelScript, script)
	}
}

// observeFork creates the child entry. The child pid is the syscall return
// value in the exit field. Labels propagate as parent ∩ propagate, once,
// at creation.
func (t *ProcTable) observeFork(ev *types.Event, sc *types.Record, parent *types.Process, now time.Time) {
	childPid := numField(sc, "exit")
	if childPid <= 0 {
		return
	}
	pid := uint32(childPid)

	// pid reuse: a fork observed for a pid we believe is live means the
	// previous incarnation is gone
	if prev := t.GetPid(pid); prev != nil && prev.Live {
		prev.Live = false
		prev.ExitedMs = ev.ID.Millis()
	}

	eid := ev.ID
	pk := parent.Key
	child := &types.Process{
		Key:     types.ProcKey{Pid: pid, Time: ev.ID.Millis(), Seq: ev.ID.Serial},
		Parent:  &pk,
		PPID:    parent.Key.Pid,
		Comm:    parent.Comm,
		Exe:     parent.Exe,
		EventID: &eid,
		Live:    true,
	}
	for _, l := range parent.Labels {
		if t.rules.Propagate[l] {
			child.AddLabel(l)
		}
	}
	t.insert(child, now)
}

func (t *ProcTable) observeExit(subject *types.Process, id types.EventID) {
	if subject.Live {
		subject.Live = false
		subject.ExitedMs = id.Millis()
	}
}

// AddLabel / RemoveLabel mutate the label set of a keyed entry.
func (t *ProcTable) AddLabel(key types.ProcKey, label string) {
	if p := t.procs[key]; p != nil {
		p.AddLabel(label)
	}
}

func (t *ProcTable) RemoveLabel(key types.ProcKey, label string) {
	if p := t.procs[key]; p != nil {
		p.RemoveLabel(label)
	}
}

// Ancestry walks parent links by key with a visited set; the walk is
// bounded so a corrupted table can never loop.
func (t *ProcTable) Ancestry(p *types.Process) []*types.Process {
	var chain []*types.Process
	visited := map[types.ProcKey]bool{p.Key: true}
	cur := p
	for cur.Parent != nil {
		next := t.procs[*cur.Parent]
		if next == nil || visited[next.Key] {
			break
		}
		visited[next.Key] = true
		chain = append(chain, next)
		cur = next
	}
	return chain
}

// Expire removes exited entries past the grace window and trims the table
// to its hard cap, least recently used first.
func (t *ProcTable) Expire(now time.Time) {
	cutoff := uint64(now.Add(-t.grace).UnixMilli())
	for key, p := range t.procs {
		if !p.Live && p.ExitedMs > 0 && p.ExitedMs < cutoff {
			t.remove(key)
		}
	}
	for len(t.procs) > t.maxEntries {
		t.evictOldest()
	}
}

func (t *ProcTable) evictOldest() {
	var oldest types.ProcKey
	var oldestAt time.Time
	first := true
	for key := range t.procs {
		at := t.lastUse[key]
		if first || at.Before(oldestAt) {
			oldest, oldestAt, first = key, at, false
		}
	}
	if !first {
		t.remove(oldest)
	}
}

func (t *ProcTable) remove(key types.ProcKey) {
	delete(t.procs, key)
	delete(t.lastUse, key)
	keys := t.byPid[key.Pid]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(t.byPid, key.Pid)
	} else {
		t.byPid[key.Pid] = keys
	}
}

// Len returns the number of entries.
func (t *ProcTable) Len() int { return len(t.procs) }

// Snapshot returns all entries for persistence.
func (t *ProcTable) Snapshot() []*types.Process {
	out := make([]*types.Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Older(out[j].Key) })
	return out
}

// Restore loads persisted entries, replacing the current table.
func (t *ProcTable) Restore(procs []*types.Process, now time.Time) {
	t.procs = make(map[types.ProcKey]*types.Process, len(procs))
	t.byPid = make(map[uint32][]types.ProcKey)
	t.lastUse = make(map[types.ProcKey]time.Time, len(procs))
	for _, p := range procs {
		t.insert(p, now)
	}
}

// InitFromProc seeds the table from a /proc scan. Parent links are left
// unset: a scanned process may have been reparented, so guessing from the
// current ppid would wire wrong edges (per the original implementation).
func (t *ProcTable) InitFromProc(now time.Time) error {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		pid64, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := uint32(pid64)
		p := scanProcPid(pid)
		if p == nil {
			continue
		}
		applyRules(p, t.rules.LabelExe, t.rules.UnlabelExe, p.Exe)
		t.insert(p, now)
	}
	if t.logger != nil {
		t.logger.Debug("process", "seeded %d entries from /proc", len(t.procs))
	}
	return nil
}

// scanProcPid reads one /proc/<pid> entry: comm, exe, starttime (jiffies
// converted to ms), and the container id from the cgroup path.
func scanProcPid(pid uint32) *types.Process {
	dir := "/proc/" + strconv.FormatUint(uint64(pid), 10)
	comm, err := os.ReadFile(dir + "/comm")
	if err != nil {
		return nil
	}
	p := &types.Process{
		Key:  types.ProcKey{Pid: pid, Time: procStartMillis(dir)},
		Comm: strings.TrimSpace(string(comm)),
		Live: true,
	}
	if exe, err := os.Readlink(dir + "/exe"); err == nil {
		p.Exe = exe
	}
	if cid := containerIDFromCgroup(dir + "/cgroup"); cid != "" {
		p.Container = cid
	}
	return p
}

// procStartMillis derives the process start time from field 22 of
// /proc/<pid>/stat. Clock ticks are assumed to be 100 Hz, the universal
// value on the platforms audit runs on.
func procStartMillis(dir string) uint64 {
	data, err := os.ReadFile(dir + "/stat")
	if err != nil {
		return 0
	}
	// comm may contain spaces; fields start after the closing paren
	i := strings.LastIndexByte(string(data), ')')
	if i < 0 {
		return 0
	}
	fields := strings.Fields(string(data[i+1:]))
	// starttime is field 22 overall; we skipped pid and comm
	if len(fields) < 20 {
		return 0
	}
	jiffies, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0
	}
	return jiffies * 10
}

var containerIDPattern = regexp.MustCompile(`[a-f0-9]{12,64}`)

// containerIDFromCgroup pulls a container id out of a cgroup path, the same
// way the runtimes encode it (docker/containerd/cri-o scope names).
func containerIDFromCgroup(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.Contains(line, "docker") && !strings.Contains(line, "containerd") &&
			!strings.Contains(line, "crio") && !strings.Contains(line, "libpod") {
			continue
		}
		parts := strings.Split(line, "/")
		for i := len(parts) - 1; i >= 0; i-- {
			part := parts[i]
			part = strings.TrimSuffix(part, ".scope")
			if j := strings.LastIndexByte(part, '-'); j >= 0 {
				part = part[j+1:]
			}
			if containerIDPattern.MatchString(part) && len(part) >= 12 {
				return part
			}
		}
	}
	return ""
}

// --- helpers over records ---

func isForkSyscall(name string) bool {
	switch name {
	case "fork", "vfork", "clone", "clone3":
		return true
	}
	return false
}

func numField(r *types.Record, key string) int64 {
	v, ok := r.Get(key)
	if !ok {
		return 0
	}
	if v.Kind == types.ValNumber {
		return v.Num.Val
	}
	if b, ok := v.Flat(); ok {
		if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func strField(r *types.Record, key string) string {
	b, ok := r.GetBytes(key)
	if !ok {
		return ""
	}
	return string(b)
}

// eventKeys splits the SYSCALL key field on the \x01 separator auditd uses
// when several rule keys match one event.
func eventKeys(sc *types.Record) []string {
	v, ok := sc.Get("key")
	if !ok || v.Kind == types.ValEmpty {
		return nil
	}
	b, ok := v.Flat()
	if !ok || len(b) == 0 {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(string(b), "\x01") {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// execveArgv reconstructs the ordered argv of the event's EXECVE record.
func execveArgv(ev *types.Event) []string {
	ex := ev.First("EXECVE")
	if ex == nil {
		return nil
	}
	var argv []string
	for i := 0; ; i++ {
		v, ok := ex.Get("a" + strconv.Itoa(i))
		if !ok {
			break
		}
		b, _ := v.Flat()
		argv = append(argv, string(b))
	}
	return argv
}

// boundedCmdline joins up to count argv elements and at most bytes bytes
// for argv label matching.
func boundedCmdline(argv []string, count, bytes int) string {
	if count <= 0 {
		count = 32
	}
	if bytes <= 0 {
		bytes = 4096
	}
	if len(argv) > count {
		argv = argv[:count]
	}
	joined := strings.Join(argv, " ")
	if len(joined) > bytes {
		joined = joined[:bytes]
	}
	return joined
}

// applyRules grants labels for matching label rules, then revokes for
// matching unlabel rules, in rule order.
func applyRules(p *types.Process, label, unlabel []LabelRule, input string) {
	if input == "" {
		return
	}
	for _, r := range label {
		if r.Pattern.MatchString(input) {
			p.AddLabel(r.Label)
		}
	}
	for _, r := range unlabel {
		if r.Pattern.MatchString(input) {
			p.RemoveLabel(r.Label)
		}
	}
}

// detectScript recognizes interpreter-driven script execution: argv[0]
// resolves to an interpreter and argv[1] names a regular file the PATH
// record list reports as present with nametype=NORMAL.
func detectScript(ev *types.Event, argv []string) string {
	if len(argv) < 2 {
		return ""
	}
	interp := argv[0]
	if !isInterpreter(interp) {
		// argv[0] may not name the interpreter; fall back to the SYSCALL
		// record's exe
		sc := ev.First("SYSCALL")
		if sc == nil || !isInterpreter(strField(sc, "exe")) {
			return ""
		}
	}
	candidate := argv[1]
	for _, pr := range ev.All("PATH") {
		name := strField(pr, "name")
		if name == "" || strField(pr, "nametype") != "NORMAL" {
			continue
		}
		if name == candidate || filepath.Base(name) == filepath.Base(candidate) {
			return name
		}
	}
	return ""
}
