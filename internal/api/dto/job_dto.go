package dto

import (
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
)

type PayloadDTO struct {
	Operation   string `json:"operation" binding:"required,oneof=mint transfer"`
	Recipient   string `json:"recipient" binding:"required"`
	AssetRef    string `json:"asset_ref" binding:"required"`
	TokenID     string `json:"token_id,omitempty"`
	Amount      uint64 `json:"amount,omitempty"`
	MetadataURI string `json:"metadata_uri,omitempty"`
}

func (p PayloadDTO) ToDomain() domain.Payload {
	return domain.Payload{
		Operation:   domain.Operation(p.Operation),
		Recipient:   p.Recipient,
		AssetRef:    p.AssetRef,
		TokenID:     p.TokenID,
		Amount:      p.Amount,
		MetadataURI: p.MetadataURI,
	}
}

func PayloadFromDomain(p domain.Payload) PayloadDTO {
	return PayloadDTO{
		Operation:   string(p.Operation),
		Recipient:   p.Recipient,
		AssetRef:    p.AssetRef,
		TokenID:     p.TokenID,
		Amount:      p.Amount,
		MetadataURI: p.MetadataURI,
	}
}

type SubmitJobRequest struct {
	IdempotencyKey string     `json:"idempotency_key" binding:"required"`
	Chain          string     `json:"chain" binding:"required"`
	Payload        PayloadDTO `json:"payload" binding:"required"`
}

type SubmitJobResponse struct {
	JobID    string `json:"job_id"`
	State    string `json:"state"`
	Existing bool   `json:"existing"`
}

type ListJobsRequest struct {
	Chain    string `form:"chain"`
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type AbandonJobRequest struct {
	Reason string `json:"reason"`
}

type JobDTO struct {
	JobID               string     `json:"job_id"`
	IdempotencyKey      string     `json:"idempotency_key"`
	Chain               string     `json:"chain"`
	Payload             PayloadDTO `json:"payload"`
	State               string     `json:"state"`
	Attempts            int        `json:"attempts"`
	MaxAttempts         int        `json:"max_attempts"`
	ChainTxRef          *string    `json:"chain_tx_ref"`
	PriorTxRefs         []string   `json:"prior_tx_refs"`
	LastError           *string    `json:"last_error"`
	NotBefore           string     `json:"not_before"`
	SubmittedAt         *string    `json:"submitted_at,omitempty"`
	CallbackDeliveredAt *string    `json:"callback_delivered_at,omitempty"`
	CreatedAt           string     `json:"created_at"`
	UpdatedAt           string     `json:"updated_at"`
}

func JobFromDomain(j *domain.Job) JobDTO {
	out := JobDTO{
		JobID:               j.ID,
		IdempotencyKey:      j.IdempotencyKey,
		Chain:               string(j.Chain),
		Payload:             PayloadFromDomain(j.Payload),
		State:               string(j.State),
		Attempts:            j.Attempts,
		MaxAttempts:         j.MaxAttempts,
		ChainTxRef:          optionalString(j.ChainTxRef),
		PriorTxRefs:         j.PriorTxRefs,
		LastError:           optionalString(j.LastError),
		NotBefore:           j.NotBefore.Format(time.RFC3339),
		SubmittedAt:         optionalTime(j.SubmittedAt),
		CallbackDeliveredAt: optionalTime(j.CallbackDeliveredAt),
		CreatedAt:           j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           j.UpdatedAt.Format(time.RFC3339),
	}
	if out.PriorTxRefs == nil {
		out.PriorTxRefs = []string{}
	}
	return out
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
