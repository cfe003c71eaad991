// Package backup locates and parses SMS Backup & Restore XML exports.
package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// ErrNoExports means the backup directory lacks a message or call export.
var ErrNoExports = errors.New("no backup exports found")

const testPrefix = "test_"

// Export is one export file on disk.
type Export struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// HumanSize renders the file size, e.g. "4.2 MB".
func (e Export) HumanSize() string {
	return humanize.Bytes(uint64(e.Size))
}

// Latest is the newest message and call export in a directory.
type Latest struct {
	Messages Export `json:"messages"`
	Calls    Export `json:"calls"`
}

// FindLatest picks the newest message and call export in dir. Export names
// embed their creation time, so the lexicographically greatest name wins.
// With includeTest only "test_" files are considered; otherwise they are
// ignored.
func FindLatest(dir, messagePrefix, callPrefix string, includeTest bool) (Latest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Latest{}, fmt.Errorf("failed to read backup dir: %w", err)
	}

	var messages, calls []Export
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(name), ".xml") {
			continue
		}
		bare, isTest := strings.CutPrefix(name, testPrefix)
		if isTest != includeTest {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return Latest{}, fmt.Errorf("failed to stat %s: %w", name, err)
		}
		exp := Export{Path: filepath.Join(dir, name), Name: name, Size: info.Size()}
		switch {
		case strings.HasPrefix(bare, messagePrefix):
			messages = append(messages, exp)
		case strings.HasPrefix(bare, callPrefix):
			calls = append(calls, exp)
		}
	}

	if len(messages) == 0 || len(calls) == 0 {
		return Latest{}, fmt.Errorf("%w in %s (messages: %d, calls: %d)", ErrNoExports, dir, len(messages), len(calls))
	}
	return Latest{Messages: newest(messages), Calls: newest(calls)}, nil
}

func newest(exports []Export) Export {
	sort.Slice(exports, func(i, j int) bool { return exports[i].Name > exports[j].Name })
	return exports[0]
}
