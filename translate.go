package main

import (
	"os/user"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
	"github.com/fsnotify/fsnotify"
	"github.com/elastic/go-libaudit/v2/auparse"

	"auditview/types"
)

// Audit ELF architecture values, as found in the SYSCALL arch field. The
// names match the keys of the go-libaudit syscall tables.
var archNames = map[uint64]string{
	0xc000003e: "x86_64",
	0x40000003: "i386",
	0xc00000b7: "aarch64",
	0x40000028: "arm",
	0x80000016: "s390x",
	0x80000015: "s390",
	0xc0000015: "ppc64le",
	0x80000014: "ppc64",
	0x80000008: "mips",
	0xc0000008: "mips64",
	0xc000003c: "ia64",
	0x40000062: "riscv32",
	0xc00000f3: "riscv64",
}

const unsetID = 0xffffffff

// UserDB resolves uid/gid numbers to names. Lookups go through a ristretto
// cache; an fsnotify watch on /etc/passwd and /etc/group marks the cache
// stale so the next lookup starts from a fresh snapshot.
type UserDB struct {
	cache   *ristretto.Cache
	watcher *fsnotify.Watcher
	stale   atomic.Bool
	logger  *Logger
}

func NewUserDB(logger *Logger) (*UserDB, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 14,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	db := &UserDB{cache: cache, logger: logger}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// no watcher means no invalidation, lookups still work
		if logger != nil {
			logger.Warning("translate", "user-db watch unavailable: %v", err)
		}
		return db, nil
	}
	db.watcher = watcher
	for _, f := range []string{"/etc/passwd", "/etc/group"} {
		if err := watcher.Add(f); err != nil && logger != nil {
			logger.Debug("translate", "cannot watch %s: %v", f, err)
		}
	}
	go db.watch()
	return db, nil
}

func (db *UserDB) watch() {
	for {
		select {
		case ev, ok := <-db.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				db.stale.Store(true)
			}
		case _, ok := <-db.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (db *UserDB) Close() {
	if db.watcher != nil {
		db.watcher.Close()
	}
	db.cache.Close()
}

func (db *UserDB) refreshIfStale() {
	if db.stale.CompareAndSwap(true, false) {
		db.cache.Clear()
		userDBRefreshesTotal.Inc()
	}
}

// UserName resolves a uid. The empty string means unknown.
func (db *UserDB) UserName(uid uint32) string {
	db.refreshIfStale()
	key := "u" + strconv.FormatUint(uint64(uid), 10)
	if v, ok := db.cache.Get(key); ok {
		return v.(string)
	}
	name := ""
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		name = u.Username
	}
	db.cache.Set(key, name, int64(len(key)+len(name)))
	return name
}

// GroupName resolves a gid.
func (db *UserDB) GroupName(gid uint32) string {
	db.refreshIfStale()
	key := "g" + strconv.FormatUint(uint64(gid), 10)
	if v, ok := db.cache.Get(key); ok {
		return v.(string)
	}
	name := ""
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); err == nil {
		name = g.Name
	}
	db.cache.Set(key, name, int64(len(key)+len(name)))
	return name
}

// UserGroups returns the names of the groups a user belongs to, for the
// user-groups enrichment.
func (db *UserDB) UserGroups(uid uint32) []string {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil
	}
	gids, err := u.GroupIds()
	if err != nil {
		return nil
	}
	var names []string
	for _, g := range gids {
		if n, err := strconv.ParseUint(g, 10, 32); err == nil {
			if name := db.GroupName(uint32(n)); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// Translator rewrites numeric record fields into symbolic form. Translated
// fields are inserted right after their source field under the uppercased
// key; with drop-raw the source field is removed.
type Translator struct {
	universal bool
	userDB    *UserDB // nil disables uid/gid translation
	dropRaw   bool
}

func NewTranslator(universal bool, userDB *UserDB, dropRaw bool) *Translator {
	return &Translator{universal: universal, userDB: userDB, dropRaw: dropRaw}
}

// SyscallName resolves (arch value, syscall number) via the go-libaudit
// tables. Empty when either is unknown.
func SyscallName(arch uint64, nr int64) string {
	archName, ok := archNames[arch]
	if !ok {
		return ""
	}
	table, ok := auparse.AuditSyscalls[archName]
	if !ok {
		return ""
	}
	return table[int(nr)]
}

// EventSyscall resolves the translated syscall name of an event's SYSCALL
// record, independent of whether translation is enabled for output.
func EventSyscall(ev *types.Event) string {
	sc := ev.First("SYSCALL")
	if sc == nil {
		return ""
	}
	archV, _ := sc.Get("arch")
	nrV, ok := sc.Get("syscall")
	if !ok || archV.Kind != types.ValNumber || nrV.Kind != types.ValNumber {
		return ""
	}
	return SyscallName(uint64(archV.Num.Val), nrV.Num.Val)
}

// TranslateEvent applies all configured translations to the event's
// records in place. It runs before enrichment blocks are attached; the
// sockaddr filter does not depend on it, as the enricher decodes saddr
// from the record before translation.
func (tr *Translator) TranslateEvent(ev *types.Event) {
	for i := range ev.Records {
		tr.translateRecord(&ev.Records[i])
	}
}

func (tr *Translator) translateRecord(r *types.Record) {
	if r.Opaque {
		return
	}
	if tr.universal && r.Type.Name == "SOCKADDR" {
		tr.translateSockaddr(r)
	}

	var out []types.Field
	var arch uint64
	hasArch := false
	for _, f := range r.Fields {
		translated, drop := tr.translateField(r, f, &arch, &hasArch)
		if !(drop && tr.dropRaw) {
			out = append(out, f)
		}
		if translated != nil {
			out = append(out, *translated)
		}
	}
	r.Fields = out
}

// translateField returns the symbolic companion for one field, if any, and
// whether the raw field is eligible for drop-raw removal.
func (tr *Translator) translateField(r *types.Record, f types.Field, arch *uint64, hasArch *bool) (*types.Field, bool) {
	if tr.universal {
		switch f.Key {
		case "arch":
			if f.Value.Kind == types.ValNumber {
				*arch = uint64(f.Value.Num.Val)
				*hasArch = true
				if name, ok := archNames[*arch]; ok {
					return &types.Field{Key: "ARCH", Value: types.LiteralValue(name)}, true
				}
			}
			return nil, false
		case "syscall":
			if *hasArch && f.Value.Kind == types.ValNumber {
				if name := SyscallName(*arch, f.Value.Num.Val); name != "" {
					return &types.Field{Key: "SYSCALL", Value: types.LiteralValue(name)}, true
				}
			}
			return nil, false
		}
	}

	if tr.userDB != nil && f.Value.Kind == types.ValNumber {
		switch {
		case isUIDKey(f.Key):
			return tr.idField(f, true)
		case isGIDKey(f.Key):
			return tr.idField(f, false)
		}
	}
	return nil, false
}

func (tr *Translator) idField(f types.Field, isUser bool) (*types.Field, bool) {
	v := f.Value.Num.Val
	key := strings.ToUpper(f.Key)
	if uint64(v) == unsetID || v == -1 {
		return &types.Field{Key: key, Value: types.LiteralValue("unset")}, true
	}
	if v < 0 || v > unsetID {
		return nil, false
	}
	var name string
	if isUser {
		name = tr.userDB.UserName(uint32(v))
	} else {
		name = tr.userDB.GroupName(uint32(v))
	}
	if name == "" {
		return nil, false
	}
	return &types.Field{Key: key, Value: types.LiteralValue(name)}, true
}

func isUIDKey(key string) bool {
	return key == "uid" || key == "auid" || key == "euid" || key == "suid" ||
		key == "fsuid" || key == "ouid" || key == "oauid" || key == "old-auid" ||
		key == "sauid" || key == "iuid"
}

func isGIDKey(key string) bool {
	return key == "gid" || key == "egid" || key == "sgid" || key == "fsgid" ||
		key == "ogid" || key == "new_gid"
}

// translateSockaddr inserts the family-specific decoded mapping under SADDR
// right after saddr. The saddr field stays unless drop-raw.
func (tr *Translator) translateSockaddr(r *types.Record) {
	v, ok := r.Get("saddr")
	if !ok {
		return
	}
	raw, ok := v.Flat()
	if !ok || len(raw) < 2 {
		return
	}
	decoded, err := DecodeSockaddr(raw)
	if err != nil {
		return
	}
	var out []types.Field
	for _, f := range r.Fields {
		if f.Key == "saddr" {
			if !tr.dropRaw {
				out = append(out, f)
			}
			out = append(out, types.Field{Key: "SADDR", Value: decoded.Value()})
			continue
		}
		out = append(out, f)
	}
	r.Fields = out
}
