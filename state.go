package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"auditview/types"
)

// stateFile is the persisted process-table image. Keys, parentage, and
// labels round-trip exactly; everything else is advisory.
type stateFile struct {
	SavedAt   time.Time        `json:"saved_at"`
	Processes []*types.Process `json:"processes"`
}

// SaveState serializes the table to path, rotating older state files by
// generation first. The write goes through a temp file plus rename so a
// crash never leaves a torn state file behind.
func SaveState(path string, generations int, table *ProcTable) error {
	if path == "" {
		return nil
	}
	for i := generations - 1; i >= 1; i-- {
		from := path + "." + strconv.Itoa(i)
		to := path + "." + strconv.Itoa(i+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Rename(path, path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}

	data, err := json.Marshal(&stateFile{
		SavedAt:   time.Now(),
		Processes: table.Snapshot(),
	})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadState restores the table from path if the file is younger than
// maxAge. Any failure is StateLoadFailed: logged, and the process starts
// with an empty table.
func LoadState(path string, maxAge time.Duration, table *ProcTable, now time.Time) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", types.ErrStateLoad, err)
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStateLoad, err)
	}
	if maxAge > 0 && now.Sub(sf.SavedAt) > maxAge {
		return fmt.Errorf("%w: state file older than %s", types.ErrStateLoad, maxAge)
	}
	table.Restore(sf.Processes, now)
	return nil
}
