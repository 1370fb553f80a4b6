package entities

import (
	"errors"
	"time"
)

// Speaker identifies who said a transcript segment
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerCaller Speaker = "caller"
)

// TranscriptSegment is one attributed utterance. Segments are never mutated
// once received.
type TranscriptSegment struct {
	Speaker Speaker `json:"speaker" bson:"speaker"`
	Text    string  `json:"text" bson:"text"`
}

// RiskStatus is the display tier derived from the risk score
type RiskStatus string

const (
	RiskStatusSafe    RiskStatus = "safe"
	RiskStatusWarning RiskStatus = "warning"
	RiskStatusDanger  RiskStatus = "danger"
)

const (
	warningThreshold = 30
	dangerThreshold  = 70
)

// StatusForScore maps a 0-100 risk score to its status tier
func StatusForScore(score float64) RiskStatus {
	switch {
	case score < warningThreshold:
		return RiskStatusSafe
	case score < dangerThreshold:
		return RiskStatusWarning
	default:
		return RiskStatusDanger
	}
}

// CallSession is the user-facing view of one protected call
type CallSession struct {
	SessionID         string     `json:"session_id"`
	CallerPhoneNumber string     `json:"caller_phone_number"`
	Status            RiskStatus `json:"status"`
	IsListening       bool       `json:"is_listening"`
}

// CallRecord is the summary stored once a protected call ends
type CallRecord struct {
	SessionID          string              `json:"session_id" bson:"session_id"`
	UserID             string              `json:"user_id" bson:"user_id"`
	CallerPhoneNumber  string              `json:"caller_phone_number" bson:"caller_phone_number"`
	StartedAt          time.Time           `json:"started_at" bson:"started_at"`
	EndedAt            time.Time           `json:"ended_at" bson:"ended_at"`
	RiskScore          float64             `json:"risk_score" bson:"risk_score"`
	PeakRiskScore      float64             `json:"peak_risk_score" bson:"peak_risk_score"`
	Status             RiskStatus          `json:"status" bson:"status"`
	AlertSent          bool                `json:"alert_sent" bson:"alert_sent"`
	QuestionsGenerated int                 `json:"questions_generated" bson:"questions_generated"`
	Transcript         []TranscriptSegment `json:"transcript" bson:"transcript"`
}

// Duration returns how long the call was protected
func (r *CallRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Validate validates the record before it is stored
func (r *CallRecord) Validate() error {
	if r.SessionID == "" {
		return errors.New("session_id is required")
	}
	if r.StartedAt.IsZero() {
		return errors.New("started_at is required")
	}
	if r.EndedAt.Before(r.StartedAt) {
		return errors.New("ended_at must not be before started_at")
	}
	if r.Status != RiskStatusSafe && r.Status != RiskStatusWarning && r.Status != RiskStatusDanger {
		return errors.New("invalid call status")
	}
	return nil
}

// CallStats totals a user's protected calls
type CallStats struct {
	TotalCalls           int     `json:"total_calls"`
	TotalDurationSeconds int64   `json:"total_duration_seconds"`
	SafeRate             float64 `json:"safe_rate"`
	SuspiciousCalls      int     `json:"suspicious_calls"`
	AlertsSent           int     `json:"alerts_sent"`
	UniqueCallers        int     `json:"unique_callers"`
	QuestionsGenerated   int     `json:"questions_generated"`
}

// SummarizeCalls totals records. SafeRate is the percentage of calls that
// ended safe, 0 without calls. Calls without a caller number are not counted
// as callers.
func SummarizeCalls(records []*CallRecord) CallStats {
	var stats CallStats
	var safe int
	callers := make(map[string]struct{})
	var duration time.Duration

	for _, r := range records {
		stats.TotalCalls++
		duration += r.Duration()
		if r.Status == RiskStatusSafe {
			safe++
		} else {
			stats.SuspiciousCalls++
		}
		if r.AlertSent {
			stats.AlertsSent++
		}
		if r.CallerPhoneNumber != "" {
			callers[r.CallerPhoneNumber] = struct{}{}
		}
		stats.QuestionsGenerated += r.QuestionsGenerated
	}

	stats.TotalDurationSeconds = int64(duration / time.Second)
	stats.UniqueCallers = len(callers)
	if stats.TotalCalls > 0 {
		stats.SafeRate = float64(safe) * 100 / float64(stats.TotalCalls)
	}
	return stats
}

// NumberReputation is the result of a reported-number lookup
type NumberReputation struct {
	Found       bool `json:"found"`
	ReportCount int  `json:"report_count,omitempty"`
}

// WakeWordListenerState separates what the user asked for (Enabled) from
// what the socket is actually doing (Connected).
type WakeWordListenerState struct {
	Enabled    bool   `json:"enabled"`
	Connected  bool   `json:"connected"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}
