// Package session tracks which conversations are under human control.
//
// A conversation is AI-controlled unless the registry holds an active
// Session for its key. Join is an atomic check-and-create, so at most one
// active Session exists per key.
package session

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-control/internal/keyed"
	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/pkg/metrics"
)

// ErrNotControlled is returned when an operation needs an active session.
var ErrNotControlled = errors.New("conversation is not under human control")

// AlreadyControlledError is returned by Join when another session is active.
type AlreadyControlledError struct {
	Existing model.Session
	Elapsed  time.Duration
}

func (e *AlreadyControlledError) Error() string {
	return fmt.Sprintf("conversation already controlled by %s for %s",
		e.Existing.AgentName, e.Elapsed.Round(time.Second))
}

// Activity describes a Touch update.
type Activity struct {
	// MessagesSent is added to the session's message count and refreshes
	// lastActivity when positive.
	MessagesSent int
	// Pending, when set, replaces customerResponsesPending.
	Pending *int
	// KeepAlive refreshes lastActivity without other changes.
	KeepAlive bool
}

// Registry holds active sessions indexed by conversation key and by agent.
// Stored sessions are never mutated in place; updates swap in a copy so a
// loaded pointer is a stable snapshot. The agent index is updated while the
// session shard is held, so Join and Leave racing on one key leave it
// consistent. Lock order is always sessions then byAgent.
type Registry struct {
	sessions *keyed.Map[*model.Session]
	byAgent  *keyed.Map[map[string]model.ConversationKey]
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: keyed.NewMap[*model.Session](),
		byAgent:  keyed.NewMap[map[string]model.ConversationKey](),
		now:      time.Now,
	}
}

// WithClock overrides the time source and returns r.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Join starts a session for key owned by agent.
func (r *Registry) Join(key model.ConversationKey, agent model.Agent, leadID, reason string) (model.Session, error) {
	now := r.now()

	var (
		created  model.Session
		conflict *AlreadyControlledError
	)
	r.sessions.Update(key.String(), func(cur *model.Session, ok bool) (*model.Session, bool) {
		if ok {
			conflict = &AlreadyControlledError{Existing: *cur, Elapsed: now.Sub(cur.StartTime)}
			return cur, true
		}
		s := &model.Session{
			ID:            uuid.Must(uuid.NewV7()).String(),
			Key:           key,
			AgentID:       agent.ID,
			AgentName:     agent.Name,
			LeadID:        leadID,
			HandoffReason: reason,
			StartTime:     now,
			LastActivity:  now,
			Status:        model.SessionActive,
		}
		created = *s
		r.index(agent.ID, key, true)
		return s, true
	})
	if conflict != nil {
		return model.Session{}, conflict
	}
	metrics.SessionsActive.Inc()

	return created, nil
}

// Leave ends the active session for key and returns its terminal snapshot.
func (r *Registry) Leave(key model.ConversationKey, end model.EndData) (model.Session, error) {
	now := r.now()

	var (
		ended model.Session
		found bool
	)
	r.sessions.Update(key.String(), func(cur *model.Session, ok bool) (*model.Session, bool) {
		if !ok {
			return nil, false
		}
		found = true
		s := *cur
		endTime := now
		success := end.HandoffSuccess
		s.Status = model.SessionEnded
		s.EndTime = &endTime
		s.DurationMs = now.Sub(s.StartTime).Milliseconds()
		if s.DurationMs < 0 {
			s.DurationMs = 0
		}
		s.Summary = end.Summary
		s.NextSteps = end.NextSteps
		s.HandoffSuccess = &success
		s.EndedBy = end.EndedBy
		ended = s
		r.index(s.AgentID, key, false)
		return nil, false
	})
	if !found {
		return model.Session{}, ErrNotControlled
	}
	metrics.SessionsActive.Dec()

	return ended, nil
}

// index adds or removes key from the agent's set. Callers hold the
// session shard for key.
func (r *Registry) index(agentID string, key model.ConversationKey, add bool) {
	r.byAgent.Update(agentID, func(keys map[string]model.ConversationKey, ok bool) (map[string]model.ConversationKey, bool) {
		if !add {
			if !ok {
				return nil, false
			}
			delete(keys, key.String())
			return keys, len(keys) > 0
		}
		if !ok {
			keys = make(map[string]model.ConversationKey)
		}
		keys[key.String()] = key
		return keys, true
	})
}

// Get returns the active session for key.
func (r *Registry) Get(key model.ConversationKey) (model.Session, bool) {
	s, ok := r.sessions.Load(key.String())
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// Touch applies an activity update to the active session for key. It
// reports false when no session is active.
func (r *Registry) Touch(key model.ConversationKey, a Activity) (model.Session, bool) {
	now := r.now()

	var (
		out   model.Session
		found bool
	)
	r.sessions.Update(key.String(), func(cur *model.Session, ok bool) (*model.Session, bool) {
		if !ok {
			return nil, false
		}
		found = true
		next := *cur
		if a.MessagesSent > 0 {
			next.MessageCount += a.MessagesSent
			next.LastActivity = now
		}
		if a.KeepAlive {
			next.LastActivity = now
		}
		if a.Pending != nil {
			next.CustomerResponsesPending = *a.Pending
		}
		out = next
		return &next, true
	})
	return out, found
}

// ListByAgent returns the agent's active sessions, oldest first.
func (r *Registry) ListByAgent(agentID string) []model.Session {
	var keys []model.ConversationKey
	r.byAgent.Update(agentID, func(set map[string]model.ConversationKey, ok bool) (map[string]model.ConversationKey, bool) {
		for _, k := range set {
			keys = append(keys, k)
		}
		return set, ok
	})

	out := make([]model.Session, 0, len(keys))
	for _, k := range keys {
		if s, ok := r.Get(k); ok && s.AgentID == agentID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Idle returns active sessions whose last activity is before cutoff.
func (r *Registry) Idle(cutoff time.Time) []model.Session {
	var out []model.Session
	r.sessions.Range(func(_ string, s *model.Session) bool {
		if s.LastActivity.Before(cutoff) {
			out = append(out, *s)
		}
		return true
	})
	return out
}

// Active returns the number of active sessions.
func (r *Registry) Active() int {
	return r.sessions.Len()
}
