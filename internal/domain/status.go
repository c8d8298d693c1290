package domain

import "fmt"

// TxStatusKind is the chain-reported status of a submitted transaction
type TxStatusKind string

const (
	TxNotFound TxStatusKind = "not_found"
	TxPending  TxStatusKind = "pending"
	TxIncluded TxStatusKind = "included"
	TxRejected TxStatusKind = "rejected"
)

// TxStatus is the result of ChainClient.QueryStatus
type TxStatus struct {
	Kind TxStatusKind
	// Depth is the confirmation depth, set for TxIncluded only
	Depth uint64
	// Reason is the chain's rejection reason, set for TxRejected only
	Reason string
}

func NotFound() TxStatus { return TxStatus{Kind: TxNotFound} }

func Pending() TxStatus { return TxStatus{Kind: TxPending} }

func Included(depth uint64) TxStatus { return TxStatus{Kind: TxIncluded, Depth: depth} }

func Rejected(reason string) TxStatus { return TxStatus{Kind: TxRejected, Reason: reason} }

func (s TxStatus) String() string {
	switch s.Kind {
	case TxIncluded:
		return fmt.Sprintf("included(depth=%d)", s.Depth)
	case TxRejected:
		return fmt.Sprintf("rejected(%s)", s.Reason)
	default:
		return string(s.Kind)
	}
}
