// Package journal keeps a human-readable markdown record of wake cycles,
// appended after each wake alongside the structured ledger.
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry represents one wake appended to the journal.
type Entry struct {
	WakeCount      int64
	Outcome        string
	Action         string
	TaskID         string
	TaskTitle      string
	Classification string
	Reason         string
	CreatedAt      time.Time
}

// Journal manages the journal.md file under the waked home directory.
type Journal struct {
	Home string
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return filepath.Join(j.Home, "journal.md")
}

// Append adds an entry to the journal, creating the file if needed.
func (j *Journal) Append(ctx context.Context, entry Entry) error {
	if err := os.MkdirAll(j.Home, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	block := formatBlock(entry)
	f, err := os.OpenFile(j.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(block); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

func formatBlock(e Entry) string {
	var b strings.Builder
	b.WriteString("\n---\n\n")
	b.WriteString("## ")
	b.WriteString(e.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, " wake #%d", e.WakeCount)
	b.WriteString("\n\n")
	if e.Outcome != "" {
		b.WriteString("- **Outcome:** ")
		b.WriteString(e.Outcome)
		b.WriteString("\n")
	}
	if e.Action != "" {
		b.WriteString("- **Action:** ")
		b.WriteString(e.Action)
		b.WriteString("\n")
	}
	if e.TaskID != "" {
		b.WriteString("- **Task:** ")
		b.WriteString(e.TaskID)
		if e.TaskTitle != "" {
			b.WriteString(" — ")
			b.WriteString(e.TaskTitle)
		}
		b.WriteString("\n")
	}
	if e.Classification != "" {
		b.WriteString("- **Classification:** ")
		b.WriteString(e.Classification)
		b.WriteString("\n")
	}
	if e.Reason != "" {
		b.WriteString("- **Reason:** ")
		b.WriteString(e.Reason)
		b.WriteString("\n")
	}
	return b.String()
}
