package repl

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultHistorySize is the number of lines kept.
const DefaultHistorySize = 1000

// History keeps shell lines, persisted one per line.
type History struct {
	entries []string
	maxSize int
	file    string
}

// DefaultHistoryFile returns ~/.corestate/history.
func DefaultHistoryFile() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".corestate", "history")
}

// NewHistory creates a History backed by file. An empty file keeps the
// history in memory only.
func NewHistory(file string) *History {
	return &History{maxSize: DefaultHistorySize, file: file}
}

// Add appends a line unless it repeats the previous one.
func (h *History) Add(line string) {
	if n := len(h.entries); n > 0 && h.entries[n-1] == line {
		return
	}
	h.entries = append(h.entries, line)
	h.trim()
}

// Get returns the entry at index, 0 being the most recent.
func (h *History) Get(index int) string {
	if index < 0 || index >= len(h.entries) {
		return ""
	}
	return h.entries[len(h.entries)-1-index]
}

// Entries returns the history oldest first.
func (h *History) Entries() []string {
	return append([]string(nil), h.entries...)
}

// Load reads the history file. A missing file is not an error.
func (h *History) Load() error {
	if h.file == "" {
		return nil
	}
	f, err := os.Open(h.file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			h.entries = append(h.entries, line)
		}
	}
	h.trim()
	return scanner.Err()
}

// Save writes the history file with owner-only permissions.
func (h *History) Save() error {
	if h.file == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(h.file), 0o700); err != nil {
		return err
	}
	data := strings.Join(h.entries, "\n")
	if data != "" {
		data += "\n"
	}
	return os.WriteFile(h.file, []byte(data), 0o600)
}

func (h *History) trim() {
	if over := len(h.entries) - h.maxSize; over > 0 {
		h.entries = append([]string(nil), h.entries[over:]...)
	}
}
