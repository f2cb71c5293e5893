// ABOUTME: TUI initialization and control
// ABOUTME: Wraps bubbletea program and forwards user actions to the player
package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	clocks "github.com/Resonate-Protocol/resonate-ttp/pkg/sync"
)

// VolumeChangeMsg is sent when the user changes volume or mute
type VolumeChangeMsg struct {
	Volume int
	Muted  bool
}

// QuitMsg is sent when the user quits
type QuitMsg struct{}

// ResetMsg asks the player to resynchronise the engine
type ResetMsg struct{}

// Control holds channels carrying user actions out of the TUI
type Control struct {
	Changes chan VolumeChangeMsg
	Reset   chan ResetMsg
	Quit    chan QuitMsg
}

// NewControl creates a new control handler
func NewControl() *Control {
	return &Control{
		Changes: make(chan VolumeChangeMsg, 10),
		Reset:   make(chan ResetMsg, 1),
		Quit:    make(chan QuitMsg, 1),
	}
}

// Sends never block the UI; a full channel drops the action.
func (c *Control) volume(v int, muted bool) {
	if c == nil {
		return
	}
	select {
	case c.Changes <- VolumeChangeMsg{Volume: v, Muted: muted}:
	default:
	}
}

func (c *Control) reset() {
	if c == nil {
		return
	}
	select {
	case c.Reset <- ResetMsg{}:
	default:
	}
}

func (c *Control) quit() {
	if c == nil {
		return
	}
	select {
	case c.Quit <- QuitMsg{}:
	default:
	}
}

// NewModel creates a new TUI model
func NewModel(ctrl *Control) Model {
	return Model{
		volume:      100,
		syncQuality: clocks.QualityLost,
		ctrl:        ctrl,
	}
}

// Run starts the TUI
func Run(ctrl *Control) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(ctrl), tea.WithAltScreen())
	return p, nil
}
