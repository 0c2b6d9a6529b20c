package models

import "time"

// RequestEvent is one entry of a request's transition log, retained for audit.
type RequestEvent struct {
	ID        string       `db:"id" json:"id"`
	RequestID string       `db:"request_id" json:"requestId"`
	FromState RequestState `db:"from_state" json:"fromState"`
	ToState   RequestState `db:"to_state" json:"toState"`
	Version   int64        `db:"version" json:"version"`
	Actor     string       `db:"actor" json:"actor,omitempty"`
	Detail    []byte       `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
}
