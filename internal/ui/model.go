// Package ui provides the Bubbletea terminal interface shown while a clip
// is being generated.
package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/waveclip/waveclip/internal/pipeline"
)

// Model is the Bubbletea model for a single generation run.
type Model struct {
	InputPath  string
	OutputPath string

	State    pipeline.State
	Attempt  int
	Progress float64

	StartTime    time.Time
	AttemptStart time.Time

	Done      bool
	Result    ResultMsg
	Cancelled bool

	// Cancel stops the pipeline when the user quits mid-run.
	Cancel func()

	Width  int
	Height int
}

// NewModel creates the model for one input/output pair. cancel may be nil.
func NewModel(inputPath, outputPath string, cancel func()) Model {
	return Model{
		InputPath:    inputPath,
		OutputPath:   outputPath,
		State:        pipeline.StateIdle,
		StartTime:    time.Now(),
		AttemptStart: time.Now(),
		Cancel:       cancel,
	}
}

// Init performs no startup work; pipeline messages arrive via Program.Send.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.Cancelled = true
			if m.Cancel != nil {
				m.Cancel()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case UpdateMsg:
		u := msg.Update
		if u.Attempt > m.Attempt {
			m.AttemptStart = time.Now()
		}
		m.State = u.State
		m.Attempt = u.Attempt
		m.Progress = u.Progress
		return m, nil

	case ResultMsg:
		m.Done = true
		m.Result = msg
		if msg.Err == nil {
			m.State = pipeline.StateCompleted
			m.Progress = 1.0
		} else {
			m.State = pipeline.StateFailed
		}
		return m, tea.Quit
	}

	return m, nil
}

// View renders the UI.
func (m Model) View() string {
	if m.Done {
		return renderResult(m)
	}
	return renderRunning(m)
}
