package domain

import (
	"encoding/json"
	"fmt"
)

// MessageStatus is the delivery state of a private message. The zero value
// is the transient CREATED state that exists only before the durable write.
type MessageStatus int

const (
	StatusCreated MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusSeen
)

var statusNames = map[MessageStatus]string{
	StatusCreated:   "created",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusSeen:      "seen",
}

func (s MessageStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s MessageStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *MessageStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for k, v := range statusNames {
		if v == name {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown message status %q", name)
}

// Advance applies a requested transition. Statuses only move forward, so the
// result is the larger of the two; changed is false when nothing moves.
// Team messages never leave SENT.
func (s MessageStatus) Advance(to MessageStatus, chatType ChatType) (next MessageStatus, changed bool) {
	if chatType == ChatTeam {
		if s == StatusCreated && to >= StatusSent {
			return StatusSent, true
		}
		return s, false
	}
	if to <= s || to > StatusSeen {
		return s, false
	}
	return to, true
}
