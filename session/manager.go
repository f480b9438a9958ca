// Package session persists monitoring state for external observers and
// carries operator commands into a running process. A state file is
// rewritten on a fixed tick so a viewer (or a second invocation) can tell
// whether a session is alive; a command file delivers force-recheck and
// status requests asynchronously.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-darkly/tiktok-recorder/logger"
)

const (
	// DefaultStateFile is where the running session advertises itself.
	DefaultStateFile = "/tmp/tiktok_recorder_session.json"
	// DefaultCommandFile is polled for operator commands.
	DefaultCommandFile = "/tmp/tiktok_recorder_command"

	updateInterval = 5 * time.Second
	commandPoll    = 500 * time.Millisecond
)

// Commands accepted through the command file.
const (
	CommandForceRecheck = "force_recheck"
	CommandStatus       = "status"
)

// State is the persisted session descriptor.
type State struct {
	ID         string `json:"id"`
	PID        int    `json:"pid"`
	User       string `json:"user"`
	SessState  string `json:"state"`
	StartedAt  string `json:"started_at"`
	LastUpdate string `json:"last_update"`
}

// Manager owns the session state file and the command file for one process.
type Manager struct {
	stateFile   string
	commandFile string
	log         *logger.Logger

	mu    sync.Mutex
	state State
}

// NewManager creates a Manager using the default file locations.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		stateFile:   DefaultStateFile,
		commandFile: DefaultCommandFile,
		log:         log,
	}
}

// Existing returns the advertised session if its process is still running.
// A state file for a dead pid is removed as stale.
func (m *Manager) Existing() (*State, bool) {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return nil, false
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false
	}
	if s.PID == 0 || !processAlive(s.PID) {
		os.Remove(m.stateFile)
		return nil, false
	}
	return &s, true
}

// Start registers this process as the running session and launches the
// background writer that keeps the state file fresh until ctx ends.
func (m *Manager) Start(ctx context.Context, user string) {
	m.mu.Lock()
	m.state = State{
		ID:        uuid.NewString(),
		PID:       os.Getpid(),
		User:      user,
		SessState: "starting",
		StartedAt: time.Now().Format("2006-01-02 15:04:05"),
	}
	m.mu.Unlock()
	m.write()

	go func() {
		ticker := time.NewTicker(updateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.write()
			}
		}
	}()
}

// SetState updates the advertised session state label.
func (m *Manager) SetState(state string) {
	m.mu.Lock()
	m.state.SessState = state
	m.mu.Unlock()
	m.write()
}

// End removes the session file. Safe to call more than once.
func (m *Manager) End() {
	if err := os.Remove(m.stateFile); err != nil && !os.IsNotExist(err) {
		m.log.Debug("remove session file: %v", err)
	}
}

// SendCommand writes a command for the running session to pick up.
func (m *Manager) SendCommand(command string) error {
	if err := os.WriteFile(m.commandFile, []byte(command), 0644); err != nil {
		return fmt.Errorf("write command file: %w", err)
	}
	return nil
}

// ReadCommand reads and clears any pending command. Empty means none.
func (m *Manager) ReadCommand() string {
	data, err := os.ReadFile(m.commandFile)
	if err != nil {
		return ""
	}
	os.Remove(m.commandFile)
	return strings.TrimSpace(string(data))
}

// Listen polls the command file and dispatches commands until ctx ends.
// Force-recheck commands are forwarded to recheck (non-blocking: the signal
// is dropped if one is already pending); status commands log whatever the
// status callback renders so it lands in the tailed log.
func (m *Manager) Listen(ctx context.Context, recheck chan<- struct{}, status func() string) {
	go func() {
		ticker := time.NewTicker(commandPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch m.ReadCommand() {
				case CommandForceRecheck:
					m.log.Info("remote force recheck requested")
					select {
					case recheck <- struct{}{}:
					default:
					}
				case CommandStatus:
					m.log.Info("%s", status())
				case "":
				}
			}
		}
	}()
}

func (m *Manager) write() {
	m.mu.Lock()
	m.state.LastUpdate = time.Now().Format(time.RFC3339)
	data, err := json.MarshalIndent(m.state, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return
	}
	data = append(data, '\n')
	if err := os.WriteFile(m.stateFile, data, 0644); err != nil {
		m.log.Debug("write session file: %v", err)
	}
}

// processAlive checks a pid with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
