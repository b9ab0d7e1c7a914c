// Package models holds the plain data types persisted and exchanged by errly.
package models

// Severity orders warn < error < fatal for escalation comparisons.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
	SeverityFatal Severity = "fatal"
)

// severityRank gives the escalation order; higher wins. Unknown values
// default to the error rank so a malformed input never silently downgrades
// a group's stored severity.
var severityRank = map[Severity]int{
	SeverityWarn:  1,
	SeverityError: 2,
	SeverityFatal: 3,
}

// Rank returns the escalation order of s, defaulting to SeverityError's rank.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return severityRank[SeverityError]
}

// Max returns the higher-ranked of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

type Status string

const (
	StatusNew           Status = "new"
	StatusInvestigating Status = "investigating"
	StatusInProgress    Status = "in-progress"
	StatusResolved      Status = "resolved"
)

type Source string

const (
	SourceAutoCapture Source = "auto-capture"
	SourceDirect      Source = "direct"
)

// ErrorGroup is one logical error, keyed by fingerprint.
type ErrorGroup struct {
	ID               string
	Service          string
	DeploymentID     string
	Message          string
	StackTrace       *string
	Severity         Severity
	Status           Status
	Endpoint         *string
	RawLog           string
	Source           Source
	Metadata         map[string]any
	Fingerprint      string
	FirstSeenAt      int64 // epoch ms
	LastSeenAt       int64 // epoch ms
	OccurrenceCount  int
	StatusChangedAt  int64 // epoch ms
	CreatedAt        int64 // epoch ms
}

// Summary is the wire shape pushed to dashboards and returned from list/get.
type Summary struct {
	ID              string         `json:"id"`
	Service         string         `json:"service"`
	DeploymentID    string         `json:"deploymentId"`
	Message         string         `json:"message"`
	StackTrace      *string        `json:"stackTrace,omitempty"`
	Severity        Severity       `json:"severity"`
	Status          Status         `json:"status"`
	Endpoint        *string        `json:"endpoint,omitempty"`
	RawLog          string         `json:"rawLog"`
	Source          Source         `json:"source"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Fingerprint     string         `json:"fingerprint"`
	FirstSeenAt     int64          `json:"firstSeenAt"`
	LastSeenAt      int64          `json:"lastSeenAt"`
	OccurrenceCount int            `json:"occurrenceCount"`
	StatusChangedAt int64          `json:"statusChangedAt"`
	CreatedAt       int64          `json:"createdAt"`
}

func (g *ErrorGroup) ToSummary() Summary {
	return Summary{
		ID:              g.ID,
		Service:         g.Service,
		DeploymentID:    g.DeploymentID,
		Message:         g.Message,
		StackTrace:      g.StackTrace,
		Severity:        g.Severity,
		Status:          g.Status,
		Endpoint:        g.Endpoint,
		RawLog:          g.RawLog,
		Source:          g.Source,
		Metadata:        g.Metadata,
		Fingerprint:     g.Fingerprint,
		FirstSeenAt:     g.FirstSeenAt,
		LastSeenAt:      g.LastSeenAt,
		OccurrenceCount: g.OccurrenceCount,
		StatusChangedAt: g.StatusChangedAt,
		CreatedAt:       g.CreatedAt,
	}
}

// Occurrence is what the Error Grouper accepts per incoming line/event.
type Occurrence struct {
	Service      string
	DeploymentID string
	Message      string
	Stack        *string
	Severity     Severity
	Endpoint     *string
	RawLog       string
	Source       Source
	Metadata     map[string]any
}
