package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/whisper-darkly/tiktok-recorder/units"
)

// Snapshot is an immutable copy of a target's monitoring state, handed to
// the status surface so readers never touch live fields.
type Snapshot struct {
	User           string    `json:"user"`
	RoomID         string    `json:"room_id,omitempty"`
	State          string    `json:"state"`
	Checks         int       `json:"checks"`
	LastCheck      time.Time `json:"last_check,omitempty"`
	NextCheck      time.Time `json:"next_check,omitempty"`
	RecordingFile  string    `json:"recording_file,omitempty"`
	RecordingStart time.Time `json:"recording_start,omitempty"`
	RecordingBytes int64     `json:"recording_bytes,omitempty"`
}

// Tracker records one target's monitoring state. Writers are the monitor
// and recording loops; readers are the control server and the session file
// writer. All access goes through the mutex; readers get copies.
type Tracker struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewTracker creates a Tracker for a username.
func NewTracker(user string) *Tracker {
	return &Tracker{snap: Snapshot{User: user, State: "initializing"}}
}

// SetState updates the current state label.
func (t *Tracker) SetState(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.State = state
}

// SetRoomID updates the current room id.
func (t *Tracker) SetRoomID(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.RoomID = roomID
}

// BeginCheck bumps the check counter and stamps the check time.
func (t *Tracker) BeginCheck() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Checks++
	t.snap.LastCheck = time.Now()
	return t.snap.Checks
}

// SetNextCheck records when the next liveness check is due.
func (t *Tracker) SetNextCheck(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.NextCheck = at
}

// BeginRecording marks the start of a recording session.
func (t *Tracker) BeginRecording(file string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.State = "recording"
	t.snap.RecordingFile = file
	t.snap.RecordingStart = time.Now()
	t.snap.RecordingBytes = 0
}

// SetRecordingBytes updates the bytes-written counter.
func (t *Tracker) SetRecordingBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.RecordingBytes = n
}

// EndRecording clears the recording fields.
func (t *Tracker) EndRecording() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.RecordingFile = ""
	t.snap.RecordingStart = time.Time{}
	t.snap.RecordingBytes = 0
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Render formats the snapshot as the human status block printed on a
// status request.
func (t *Tracker) Render() string {
	s := t.Snapshot()
	now := time.Now()

	var b strings.Builder
	line := strings.Repeat("-", 50)
	fmt.Fprintf(&b, "\n%s\n", line)
	fmt.Fprintf(&b, "  STATUS @ %s\n", now.Format("15:04:05"))
	fmt.Fprintf(&b, "%s\n", line)
	fmt.Fprintf(&b, "  State: %s\n", s.State)
	fmt.Fprintf(&b, "  User:  @%s\n", s.User)
	room := s.RoomID
	if room == "" {
		room = "N/A"
	}
	fmt.Fprintf(&b, "  Room:  %s\n", room)
	fmt.Fprintf(&b, "  Checks: %d\n", s.Checks)

	if s.State == "recording" && !s.RecordingStart.IsZero() {
		fmt.Fprintf(&b, "%s\n", line)
		fmt.Fprintf(&b, "  RECORDING IN PROGRESS\n")
		elapsed := now.Sub(s.RecordingStart)
		fmt.Fprintf(&b, "  Duration: %s\n", units.FormatDuration(elapsed))
		fmt.Fprintf(&b, "  Size: %s\n", units.FormatBytes(s.RecordingBytes))
		if elapsed > 5*time.Second && s.RecordingBytes > 0 {
			kbps := float64(s.RecordingBytes*8) / (elapsed.Seconds() * 1000)
			fmt.Fprintf(&b, "  Bitrate: %.0f kbps\n", kbps)
		}
		if s.RecordingFile != "" {
			fmt.Fprintf(&b, "  File: %s\n", s.RecordingFile)
		}
	}

	if !s.LastCheck.IsZero() {
		fmt.Fprintf(&b, "  Last check: %s (%ds ago)\n",
			s.LastCheck.Format("15:04:05"), int(now.Sub(s.LastCheck).Seconds()))
	}
	if s.State != "recording" && !s.NextCheck.IsZero() && s.NextCheck.After(now) {
		fmt.Fprintf(&b, "  Next check in: %s (at %s)\n",
			units.FormatDuration(s.NextCheck.Sub(now)), s.NextCheck.Format("15:04:05"))
	}
	fmt.Fprintf(&b, "%s\n", line)
	return b.String()
}
