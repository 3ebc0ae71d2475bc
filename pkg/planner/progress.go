package planner

import (
	"time"

	"github.com/codeready-toolchain/codebot/pkg/models"
	"github.com/codeready-toolchain/codebot/pkg/tracker"
)

// progressState accumulates what the single progress comment shows.
type progressState struct {
	phase         string
	status        string
	latestComment string
	llmCalls      int
	checklist     []tracker.ChecklistItem
	history       []tracker.HistoryEvent
	startedAt     time.Time
}

func newProgressState() *progressState {
	return &progressState{
		phase:     PhasePrePlanning,
		status:    "running",
		startedAt: time.Now().UTC(),
	}
}

func (p *progressState) setPhase(phase, status string) {
	p.phase = phase
	p.status = status
}

// setChecklist rebuilds the checklist from a plan's subtasks, keeping
// done marks for subtask ids that survived a revision.
func (p *progressState) setChecklist(plan *models.Plan) {
	done := map[string]bool{}
	for _, item := range p.checklist {
		if item.Done {
			done[item.ID] = true
		}
	}
	items := make([]tracker.ChecklistItem, 0, len(plan.TaskDecomposition.Subtasks))
	for _, st := range plan.TaskDecomposition.Subtasks {
		items = append(items, tracker.ChecklistItem{
			ID:    st.ID,
			Title: st.Description,
			Done:  done[st.ID],
		})
	}
	p.checklist = items
}

// appendAdditional adds verification-round actions under the Additional
// Work section.
func (p *progressState) appendAdditional(actions []models.Action) {
	for _, a := range actions {
		p.checklist = append(p.checklist, tracker.ChecklistItem{
			ID:         a.TaskID,
			Title:      a.Purpose,
			Additional: true,
		})
	}
}

func (p *progressState) markDone(id string) {
	for i := range p.checklist {
		if p.checklist[i].ID == id {
			p.checklist[i].Done = true
			return
		}
	}
}

func (p *progressState) setComment(text string) {
	if text != "" {
		p.latestComment = text
	}
}

func (p *progressState) addHistory(title, body string) {
	p.history = append(p.history, tracker.HistoryEvent{
		Time:  time.Now().UTC(),
		Title: title,
		Body:  body,
	})
}

func (p *progressState) render() string {
	return tracker.Progress{
		Phase:         p.phase,
		Status:        p.status,
		LatestComment: p.latestComment,
		LLMCalls:      p.llmCalls,
		Checklist:     p.checklist,
		History:       p.history,
		StartedAt:     p.startedAt,
		UpdatedAt:     time.Now().UTC(),
	}.Render()
}
