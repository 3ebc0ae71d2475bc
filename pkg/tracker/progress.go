package tracker

import (
	"fmt"
	"strings"
	"time"
)

// ProgressMarker is the first line of the bot's progress comment. It is
// the identity check for in-place updates.
const ProgressMarker = "# 🤖 Task Execution Progress"

// ChecklistItem is one line of the progress checklist.
type ChecklistItem struct {
	ID         string
	Title      string
	Done       bool
	Additional bool // appended by verification rounds
}

// HistoryEvent is one collapsed history entry.
type HistoryEvent struct {
	Time  time.Time
	Title string
	Body  string
}

// Progress is the single tracker progress comment, rendered to markdown
// and edited in place for the life of the task.
type Progress struct {
	Phase         string
	Status        string
	LatestComment string
	LLMCalls      int
	Checklist     []ChecklistItem
	History       []HistoryEvent
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// Render produces the comment body.
func (p Progress) Render() string {
	done := 0
	for _, item := range p.Checklist {
		if item.Done {
			done++
		}
	}
	latest := p.LatestComment
	if latest == "" {
		latest = "none"
	}

	var b strings.Builder
	b.WriteString(ProgressMarker + "\n")
	b.WriteString("## 📊 Status\n")
	fmt.Fprintf(&b, "- Phase: %s\n", p.Phase)
	fmt.Fprintf(&b, "- Status: %s\n", p.Status)
	fmt.Fprintf(&b, "- Latest comment: %s\n", latest)
	fmt.Fprintf(&b, "- Progress: %d/%d actions\n", done, len(p.Checklist))
	fmt.Fprintf(&b, "- LLM calls: %d\n", p.LLMCalls)

	b.WriteString("## 🎯 Checklist\n")
	additional := false
	for _, item := range p.Checklist {
		if item.Additional && !additional {
			b.WriteString("## ➕ Additional Work\n")
			additional = true
		}
		box := " "
		if item.Done {
			box = "x"
		}
		fmt.Fprintf(&b, "- [%s] **%s**: %s\n", box, item.ID, item.Title)
	}

	if len(p.History) > 0 {
		b.WriteString("## 📝 History (collapsed)\n")
		b.WriteString("<details><summary>Details</summary>\n\n")
		for _, ev := range p.History {
			fmt.Fprintf(&b, "### [%s] %s\n%s\n", ev.Time.Format("15:04:05"), ev.Title, ev.Body)
		}
		b.WriteString("</details>\n")
	}

	b.WriteString("---\n")
	fmt.Fprintf(&b, "*started: %s | updated: %s*\n",
		p.StartedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339))
	return b.String()
}
