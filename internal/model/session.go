package model

import (
	"time"
)

// SessionStatus is the lifecycle state of a human control session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Agent is the authenticated human agent acting on a conversation.
type Agent struct {
	ID             string `json:"agentId"`
	Name           string `json:"agentName"`
	OrganizationID string `json:"organizationId"`
}

// Session records a human agent owning a conversation.
type Session struct {
	ID                       string          `json:"sessionId"`
	Key                      ConversationKey `json:"conversationKey"`
	AgentID                  string          `json:"agentId"`
	AgentName                string          `json:"agentName"`
	LeadID                   string          `json:"leadId,omitempty"`
	HandoffReason            string          `json:"handoffReason,omitempty"`
	StartTime                time.Time       `json:"startTime"`
	LastActivity             time.Time       `json:"lastActivity"`
	Status                   SessionStatus   `json:"status"`
	MessageCount             int             `json:"messageCount"`
	CustomerResponsesPending int             `json:"customerResponsesPending"`

	EndTime        *time.Time `json:"endTime,omitempty"`
	DurationMs     int64      `json:"durationMs"`
	Summary        string     `json:"summary,omitempty"`
	NextSteps      string     `json:"nextSteps,omitempty"`
	HandoffSuccess *bool      `json:"handoffSuccess,omitempty"`
	EndedBy        string     `json:"endedBy,omitempty"`
}

// ConversationID returns the identifier dashboards subscribe to: the lead
// id when known, otherwise the normalized phone number.
func (s Session) ConversationID() string {
	if s.LeadID != "" {
		return s.LeadID
	}
	return s.Key.Phone
}

// EndData carries the agent-supplied wrap-up for a session.
type EndData struct {
	Summary        string
	NextSteps      string
	HandoffSuccess bool
	EndedBy        string
}
