package transcript

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Role identifies which party spoke a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one committed utterance. Turns are immutable once committed.
type Turn struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Assembler accumulates streaming transcript deltas, one accumulator per
// role, and commits them to the conversation log at turn boundaries.
// Uncommitted fragments are ephemeral and are dropped on disconnect.
type Assembler struct {
	mu    sync.Mutex
	user  strings.Builder
	model strings.Builder
	log   []Turn
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// AppendUser appends a recognition delta of the user's speech.
func (a *Assembler) AppendUser(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.WriteString(delta)
}

// AppendModel appends a delta of the model's spoken text.
func (a *Assembler) AppendModel(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.WriteString(delta)
}

// Partial returns the uncommitted accumulator text for role.
func (a *Assembler) Partial(role Role) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch role {
	case RoleUser:
		return a.user.String()
	case RoleModel:
		return a.model.String()
	default:
		return ""
	}
}

// CommitTurn closes the current exchange: each accumulator that is non-empty
// after trimming becomes an immutable Turn appended to the log, user side
// first, and both accumulators are cleared. A turn boundary with nothing
// accumulated commits nothing.
func (a *Assembler) CommitTurn() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	var committed []Turn
	if text := strings.TrimSpace(a.user.String()); text != "" {
		committed = append(committed, Turn{ID: uuid.NewString(), Role: RoleUser, Text: text})
	}
	if text := strings.TrimSpace(a.model.String()); text != "" {
		committed = append(committed, Turn{ID: uuid.NewString(), Role: RoleModel, Text: text})
	}
	a.user.Reset()
	a.model.Reset()

	a.log = append(a.log, committed...)
	return committed
}

// ClearPartials drops any uncommitted fragments. The committed log is kept.
func (a *Assembler) ClearPartials() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.Reset()
	a.model.Reset()
}

// Log returns a copy of the committed conversation log in commit order.
func (a *Assembler) Log() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.log))
	copy(out, a.log)
	return out
}

// Len returns the number of committed turns.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.log)
}
