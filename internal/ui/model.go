// ABOUTME: Bubbletea model for the playout TUI
// ABOUTME: Shows engine state, timing error, warp and correction counters
package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	clocks "github.com/Resonate-Protocol/resonate-ttp/pkg/sync"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/ttp"
)

// Model represents the TUI state
type Model struct {
	// Path
	engineID   string
	target     string
	sampleRate int
	channels   int

	// Clock
	syncOffset  int64
	syncQuality clocks.Quality

	// Engine
	stats ttp.Stats

	// Playback
	volume int
	muted  bool

	// Telemetry
	clients int

	// Debug
	showDebug  bool
	goroutines int
	memAlloc   uint64

	// Dimensions
	width  int
	height int

	ctrl *Control
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderTiming())
	b.WriteString(m.renderCounters())
	b.WriteString(m.renderControls())
	if m.showDebug {
		b.WriteString(m.renderDebug())
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) renderHeader() string {
	syncIcon := "✗"
	switch m.syncQuality {
	case clocks.QualityGood:
		syncIcon = "✓"
	case clocks.QualityDegraded:
		syncIcon = "⚠"
	}

	format := "no stream"
	if m.sampleRate > 0 {
		format = fmt.Sprintf("%dHz %s, %s warp", m.sampleRate, channelName(m.channels), m.target)
	}

	return fmt.Sprintf(`┌─ TTP Playout ────────────────────────────────────────┐
│ Engine: %-44s │
│ Format: %-44s │
│ Clock:  %s %-42s │
├──────────────────────────────────────────────────────┤
`, truncate(m.engineID, 44), truncate(format, 44), syncIcon,
		fmt.Sprintf("%s (offset %+.1fms)", m.syncQuality, float64(m.syncOffset)/1000.0))
}

func (m Model) renderTiming() string {
	st := m.stats
	levelMs := 0.0
	if m.sampleRate > 0 {
		levelMs = float64(st.OutputLevel) * 1000 / float64(m.sampleRate)
	}

	return fmt.Sprintf("│ State: %-9s Threshold: %5dμs  Late run: %d%-6s │\n"+
		"│ Error: %+8dμs  Warp: %+8.1fppm  Output: %6.1fms │\n",
		st.State, st.Threshold, st.LateCounter, "",
		st.LastError, st.Warp*1e6, levelMs)
}

func (m Model) renderCounters() string {
	st := m.stats
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ Tags:   on-time %-8d late %-8d early %-8d│
│         void %-8d faults %-6d runs %-10d│
│ Samples: dropped %-8d silenced %-8d topup %-6d│
`, st.OnTimeTags, st.LateTags, st.EarlyTags,
		st.VoidTags, st.Faults, st.Runs,
		st.Discarded+st.LeadIn, st.Silenced, st.TopUp)
}

func (m Model) renderControls() string {
	muteIcon := ""
	if m.muted {
		muteIcon = " 🔇"
	}

	return fmt.Sprintf("├──────────────────────────────────────────────────────┤\n"+
		"│ Volume: [%s] %d%%%s%-17s │\n"+
		"│ Telemetry clients: %-33d │\n",
		renderBar(m.volume, 100, 10), m.volume, muteIcon, "", m.clients)
}

func (m Model) renderHelp() string {
	return `│ ↑/↓:Volume  m:Mute  r:Resync  d:Debug  q:Quit        │
└──────────────────────────────────────────────────────┘
`
}

func (m Model) renderDebug() string {
	return fmt.Sprintf(`│ DEBUG:                                               │
│   Goroutines: %-38d │
│   Heap: %-44s │
`, m.goroutines, fmt.Sprintf("%.1fMB", float64(m.memAlloc)/(1<<20)))
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.ctrl.quit()
		return m, tea.Quit
	case "up":
		m.volume = min(m.volume+5, 100)
		m.ctrl.volume(m.volume, m.muted)
	case "down":
		m.volume = max(m.volume-5, 0)
		m.ctrl.volume(m.volume, m.muted)
	case "m":
		m.muted = !m.muted
		m.ctrl.volume(m.volume, m.muted)
	case "r":
		m.ctrl.reset()
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.EngineID != "" {
		m.engineID = msg.EngineID
	}
	if msg.SampleRate != 0 {
		m.sampleRate = msg.SampleRate
		m.channels = msg.Channels
		m.target = msg.Target
	}
	if msg.Stats != nil {
		m.stats = *msg.Stats
	}
	if msg.Sync != nil {
		m.syncOffset = msg.Sync.Offset
		m.syncQuality = msg.Sync.Quality
	}
	if msg.Clients != nil {
		m.clients = *msg.Clients
	}
	if msg.Goroutines != 0 {
		m.goroutines = msg.Goroutines
		m.memAlloc = msg.MemAlloc
	}
}

// SyncStatus is the clock sync part of a status update
type SyncStatus struct {
	Offset  int64
	Quality clocks.Quality
}

// StatusMsg updates TUI state; zero and nil fields are left unchanged
type StatusMsg struct {
	EngineID   string
	SampleRate int
	Channels   int
	Target     string
	Stats      *ttp.Stats
	Sync       *SyncStatus
	Clients    *int
	Goroutines int
	MemAlloc   uint64
}

// Utility functions
func renderBar(value, max, width int) string {
	filled := (value * width) / max
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func channelName(channels int) string {
	switch channels {
	case 1:
		return "Mono"
	case 2:
		return "Stereo"
	}
	return fmt.Sprintf("%dch", channels)
}
