package solana

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/cuongbtq/mintqueue/internal/domain"
)

var (
	fatalMessages = []string{
		"insufficient funds",
		"insufficient lamports",
		"invalid account data",
		"invalidaccountdata",
		"accountnotfound",
		"signature verification failure",
		"owner does not match",
		"custom program error",
		"invalid mint",
	}

	transientMessages = []string{
		"blockhash not found",
		"blockhashnotfound",
		"node is unhealthy",
		"node is behind",
		"too many requests",
		"rate limit",
		"429",
		"timeout",
		"connection refused",
		"connection reset",
		"eof",
		"service unavailable",
	}
)

// Classify wraps err as fatal or transient. Unrecognized errors are transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsFatal(err) || domain.IsTransient(err) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewTransientError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.NewTransientError(err)
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return domain.NewTransientError(err)
		}
	}
	for _, m := range fatalMessages {
		if strings.Contains(msg, m) {
			return domain.NewFatalError(err)
		}
	}
	return domain.NewTransientError(err)
}
