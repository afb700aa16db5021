package journal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAppend(t *testing.T) {
	t.Parallel()
	j := &Journal{Home: filepath.Join(t.TempDir(), "home")}
	ctx := context.Background()

	err := j.Append(ctx, Entry{
		WakeCount:      7,
		Outcome:        "executed",
		Action:         "task.complete",
		TaskID:         "task-1a2b3c4d",
		TaskTitle:      "write report",
		Classification: "autonomous",
		CreatedAt:      time.Date(2026, 8, 31, 14, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	body, err := os.ReadFile(j.Path())
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		"## 2026-08-31 14:30 wake #7",
		"- **Outcome:** executed",
		"- **Action:** task.complete",
		"- **Task:** task-1a2b3c4d",
		"write report",
		"- **Classification:** autonomous",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("journal missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "**Reason:**") {
		t.Errorf("empty fields must be omitted:\n%s", text)
	}
}

func TestAppend_accumulates(t *testing.T) {
	t.Parallel()
	j := &Journal{Home: t.TempDir()}
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if err := j.Append(ctx, Entry{WakeCount: i, Outcome: "noop", CreatedAt: time.Now()}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	body, err := os.ReadFile(j.Path())
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(body), "## "); got != 3 {
		t.Fatalf("entries: got %d, want 3", got)
	}
}
