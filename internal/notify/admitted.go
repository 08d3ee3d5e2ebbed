package notify

import (
	"time"
)

// AdmittedNotice is the mirror of an ADMITTED push. The credential itself
// only travels on the push channel.
type AdmittedNotice struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
}

func NewAdmittedNotice(userID, eventID string, at time.Time) AdmittedNotice {
	return AdmittedNotice{Type: "admitted", UserID: userID, EventID: eventID, Timestamp: at}
}
