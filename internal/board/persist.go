package board

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

// BackupFile describes one rotated backup on disk.
type BackupFile struct {
	Name    string
	Path    string
	ModTime time.Time
}

// Load restores the store from path. A missing file is not an error; any
// read or parse failure leaves the current grid in place.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			util.LogInfo("No board snapshot at %s, starting blank", path)
			return nil
		}
		return errors.Wrap(err, "read board snapshot failed")
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrap(err, "parse board snapshot failed")
	}
	if !s.Restore(snap) {
		return errors.New("board snapshot is malformed")
	}
	util.LogInfo("Loaded board snapshot from %s (saved %s)", path, snap.LastSave.Format(time.RFC3339))
	return nil
}

// WriteSnapshot writes snap to path through a temp file and rename.
func WriteSnapshot(path string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal board snapshot failed")
	}
	return util.WriteFileAtomic(path, data)
}

// WriteBackup writes snap as a timestamped file in dir and prunes the oldest
// backups beyond retain.
func WriteBackup(dir string, snap Snapshot, retain int, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create backup dir failed")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", errors.Wrap(err, "marshal board backup failed")
	}

	stamp := now.UnixMilli()
	path := backupPath(dir, stamp)
	for util.FileExists(path) {
		stamp++
		path = backupPath(dir, stamp)
	}
	if err := util.WriteFileAtomic(path, data); err != nil {
		return "", errors.Wrap(err, "write board backup failed")
	}

	if _, err := PruneBackups(dir, retain); err != nil {
		util.LogError("Failed to prune old backups: %v", err)
	}
	return path, nil
}

// ListBackups returns the backups in dir, newest first.
func ListBackups(dir string) ([]BackupFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read backup dir failed")
	}
	backups := make([]BackupFile, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, constants.BackupFilePrefix) || !strings.HasSuffix(name, constants.BackupFileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			util.LogWarn("Skipping backup %s: %v", name, err)
			continue
		}
		backups = append(backups, BackupFile{Name: name, Path: filepath.Join(dir, name), ModTime: info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].ModTime.Equal(backups[j].ModTime) {
			return backups[i].Name > backups[j].Name
		}
		return backups[i].ModTime.After(backups[j].ModTime)
	})
	return backups, nil
}

// PruneBackups deletes every backup past the newest retain and returns the
// removed names.
func PruneBackups(dir string, retain int) ([]string, error) {
	backups, err := ListBackups(dir)
	if err != nil {
		return nil, err
	}
	if len(backups) <= retain {
		return nil, nil
	}
	var removed []string
	for _, b := range backups[retain:] {
		if err := os.Remove(b.Path); err != nil {
			util.LogError("Failed to delete old backup %s: %v", b.Name, err)
			continue
		}
		util.LogInfo("Deleted old backup: %s", b.Name)
		removed = append(removed, b.Name)
	}
	return removed, nil
}

func BackupNames(backups []BackupFile) []string {
	return lo.Map(backups, func(b BackupFile, _ int) string { return b.Name })
}

func backupPath(dir string, stamp int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", constants.BackupFilePrefix, stamp, constants.BackupFileSuffix))
}
