package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Job is one queued blockchain transaction intent and its lifecycle record
type Job struct {
	ID                  string     `json:"job_id"`
	IdempotencyKey      string     `json:"idempotency_key"`
	Chain               Chain      `json:"chain"`
	Payload             Payload    `json:"payload"`
	State               State      `json:"state"`
	Attempts            int        `json:"attempts"`
	MaxAttempts         int        `json:"max_attempts"`
	ChainTxRef          string     `json:"chain_tx_ref,omitempty"`
	PriorTxRefs         []string   `json:"prior_tx_refs,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	NotBefore           time.Time  `json:"not_before"`
	ClaimedBy           string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt      *time.Time `json:"lease_expires_at,omitempty"`
	SubmittedAt         *time.Time `json:"submitted_at,omitempty"`
	CallbackDeliveredAt *time.Time `json:"callback_delivered_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Claimable reports whether the job can be claimed at now
func (j *Job) Claimable(now time.Time) bool {
	if j.State != StatePending || now.Before(j.NotBefore) {
		return false
	}
	return j.Unclaimed(now)
}

// Unclaimed reports whether no live lease is held on the job at now
func (j *Job) Unclaimed(now time.Time) bool {
	return j.ClaimedBy == "" || j.LeaseExpiresAt == nil || j.LeaseExpiresAt.Before(now)
}

// Clone returns a deep copy safe to hand out of a store
func (j *Job) Clone() *Job {
	c := *j
	if j.PriorTxRefs != nil {
		c.PriorTxRefs = append([]string(nil), j.PriorTxRefs...)
	}
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	c.SubmittedAt = cloneTime(j.SubmittedAt)
	c.CallbackDeliveredAt = cloneTime(j.CallbackDeliveredAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Payload is the chain-agnostic description of the operation to perform
type Payload struct {
	Operation   Operation `json:"operation"`
	Recipient   string    `json:"recipient"`
	AssetRef    string    `json:"asset_ref"`
	TokenID     string    `json:"token_id,omitempty"`
	Amount      uint64    `json:"amount,omitempty"`
	MetadataURI string    `json:"metadata_uri,omitempty"`
}

// Value implements driver.Valuer so payloads are stored as JSON
func (p Payload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for JSON payload columns
func (p *Payload) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		*p = Payload{}
		return nil
	default:
		return fmt.Errorf("unsupported payload column type %T", src)
	}
	return json.Unmarshal(data, p)
}

// JobHandle is returned from intake
type JobHandle struct {
	JobID    string `json:"job_id"`
	State    State  `json:"state"`
	Existing bool   `json:"existing"`
}

// JobEvent is a state-change notification for one job
type JobEvent struct {
	JobID      string    `json:"job_id"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	ChainTxRef string    `json:"chain_tx_ref,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	At         time.Time `json:"at"`
}

// EventFromJob builds an event describing the job's current state
func EventFromJob(j *Job) JobEvent {
	return JobEvent{
		JobID:      j.ID,
		State:      j.State,
		Attempts:   j.Attempts,
		ChainTxRef: j.ChainTxRef,
		LastError:  j.LastError,
		At:         j.UpdatedAt,
	}
}

// TerminalEvent is the payload of the onJobTerminal callback
type TerminalEvent struct {
	JobID          string  `json:"job_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Chain          Chain   `json:"chain"`
	FinalState     State   `json:"final_state"`
	ChainTxRef     *string `json:"chain_tx_ref"`
	LastError      *string `json:"last_error"`
}

// TerminalEventFromJob builds the callback payload for a job in a terminal state
func TerminalEventFromJob(j *Job) TerminalEvent {
	ev := TerminalEvent{
		JobID:          j.ID,
		IdempotencyKey: j.IdempotencyKey,
		Chain:          j.Chain,
		FinalState:     j.State,
	}
	if j.ChainTxRef != "" {
		ref := j.ChainTxRef
		ev.ChainTxRef = &ref
	}
	if j.LastError != "" && j.State != StateConfirmed {
		msg := j.LastError
		ev.LastError = &msg
	}
	return ev
}

// WakeMessage tells workers that a job of a chain is ready to be claimed
type WakeMessage struct {
	JobID string `json:"job_id"`
	Chain Chain  `json:"chain"`
}
