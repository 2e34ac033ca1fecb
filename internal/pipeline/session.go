package pipeline

import (
	"sync"

	"github.com/google/uuid"

	"github.com/waveclip/waveclip/internal/mux"
)

// State is a generation session's position in the attempt lifecycle.
type State int

const (
	StateIdle State = iota
	StateAnalyzing
	StateRenderingFrames
	StateMuxingAudio
	StateFinalizing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAnalyzing:
		return "analyzing"
	case StateRenderingFrames:
		return "rendering frames"
	case StateMuxingAudio:
		return "muxing audio"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further state changes can follow.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// phase identifies a progress span within one attempt. Setup is its own
// span even though it happens inside the Analyzing->RenderingFrames
// transition; the weights below sum to the full [0,1] range.
type phase int

const (
	phaseAnalysis phase = iota
	phaseSetup
	phaseFrames
	phaseAudio
	phaseFinalize
)

type phaseSpan struct{ from, to float64 }

var phaseSpans = [...]phaseSpan{
	phaseAnalysis: {0, 0.2},
	phaseSetup:    {0.2, 0.4},
	phaseFrames:   {0.4, 0.8},
	phaseAudio:    {0.8, 0.9},
	phaseFinalize: {0.9, 1.0},
}

// ProgressUpdate is one observation of a session, delivered to the
// controller's observer callback.
type ProgressUpdate struct {
	SessionID string
	State     State
	Attempt   int
	Progress  float64
	Err       error // set only on StateFailed
}

// Session is the unit of work: one audio clip becoming one video file.
// Progress is monotonically non-decreasing within an attempt, resets to
// zero when a new attempt begins, and pins to 1.0 only on completion.
type Session struct {
	ID         string
	InputPath  string
	OutputPath string

	mu       sync.Mutex
	tier     mux.Tier
	duration float64
	state    State
	attempt  int
	progress float64
	observer func(ProgressUpdate)
}

// NewSession creates an idle session. observer may be nil.
func NewSession(inputPath, outputPath string, observer func(ProgressUpdate)) *Session {
	return &Session{
		ID:         uuid.NewString(),
		InputPath:  inputPath,
		OutputPath: outputPath,
		state:      StateIdle,
		observer:   observer,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the current attempt number, starting at 1 once the
// controller begins work.
func (s *Session) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Progress returns the current fractional progress in [0,1].
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Tier returns the quality tier chosen after analysis.
func (s *Session) Tier() mux.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

// ClipDuration returns the analyzed source duration in seconds, zero until
// analysis has run.
func (s *Session) ClipDuration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Session) setClip(t mux.Tier, duration float64) {
	s.mu.Lock()
	s.tier = t
	s.duration = duration
	s.mu.Unlock()
}

// beginAttempt increments the attempt counter and resets progress. This is
// the only place progress may decrease.
func (s *Session) beginAttempt() {
	s.mu.Lock()
	s.attempt++
	s.progress = 0
	s.state = StateIdle
	s.mu.Unlock()
	s.notify(nil)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify(nil)
}

// phaseProgress maps a fraction of one phase onto the session's overall
// progress. Stale or out-of-order reports never move progress backwards.
func (s *Session) phaseProgress(p phase, frac float64) {
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	span := phaseSpans[p]
	v := span.from + frac*(span.to-span.from)

	s.mu.Lock()
	if v <= s.progress {
		s.mu.Unlock()
		return
	}
	s.progress = v
	s.mu.Unlock()
	s.notify(nil)
}

func (s *Session) complete() {
	s.mu.Lock()
	s.state = StateCompleted
	s.progress = 1.0
	s.mu.Unlock()
	s.notify(nil)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()
	s.notify(err)
}

func (s *Session) notify(err error) {
	if s.observer == nil {
		return
	}
	s.mu.Lock()
	u := ProgressUpdate{
		SessionID: s.ID,
		State:     s.state,
		Attempt:   s.attempt,
		Progress:  s.progress,
		Err:       err,
	}
	s.mu.Unlock()
	s.observer(u)
}
