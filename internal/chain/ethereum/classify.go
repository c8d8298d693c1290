package ethereum

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/cuongbtq/mintqueue/internal/domain"
)

// Node error messages are matched on text; JSON-RPC does not carry typed errors.
var (
	fatalMessages = []string{
		"insufficient funds",
		"execution reverted",
		"intrinsic gas too low",
		"invalid sender",
		"exceeds block gas limit",
		"gas limit reached",
		"invalid signature",
		"max initcode size exceeded",
	}

	transientMessages = []string{
		"nonce too low",
		"nonce too high",
		"replacement transaction underpriced",
		"transaction underpriced",
		"max fee per gas less than block base fee",
		"txpool is full",
		"too many requests",
		"rate limit",
		"429",
		"timeout",
		"connection refused",
		"connection reset",
		"eof",
		"temporarily unavailable",
		"header not found",
	}
)

// Classify wraps err as fatal or transient. Errors nothing recognizes are
// treated as transient and left to the attempt cap.
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
	for _, m := range fatalMessages {
		if strings.Contains(msg, m) {
			return domain.NewFatalError(err)
		}
	}
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return domain.NewTransientError(err)
		}
	}
	return domain.NewTransientError(err)
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
