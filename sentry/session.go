package sentry

import "encoding/json"

// Session is the payload of an envelope "session" item.
type Session struct {
	SID       string       `json:"sid"`
	Init      bool         `json:"init"`
	Started   string       `json:"started"`
	Timestamp string       `json:"timestamp"`
	Errors    int64        `json:"errors"`
	Status    string       `json:"status"`
	Attrs     SessionAttrs `json:"attrs"`
}

// SessionAttrs carries the optional release and environment attributes.
type SessionAttrs struct {
	Release     string `json:"release"`
	Environment string `json:"environment"`
}

// ParseSession decodes a session payload. sid and started are required;
// status defaults to "ok" and timestamp to started.
func ParseSession(data []byte) (*Session, bool) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false
	}
	if s.SID == "" || s.Started == "" {
		return nil, false
	}
	if s.Status == "" {
		s.Status = "ok"
	}
	if s.Timestamp == "" {
		s.Timestamp = s.Started
	}
	return &s, true
}
