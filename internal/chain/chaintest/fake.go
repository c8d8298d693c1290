// Package chaintest provides a scriptable chain.Client for tests
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuongbtq/mintqueue/internal/domain"
)

// SubmitResult is one scripted BuildAndSubmit outcome
type SubmitResult struct {
	Ref string
	Err error
}

// Fake is an in-memory chain client. Submit outcomes are consumed in order;
// once exhausted, Default is used (or a generated ref when Default is zero).
type Fake struct {
	chain domain.Chain

	mu       sync.Mutex
	results  []SubmitResult
	Default  SubmitResult
	statuses map[string]domain.TxStatus
	queryErr error
	invalid  map[string]bool
	submits  int
	queries  int
}

// NewFake creates a fake client for chain
func NewFake(chain domain.Chain) *Fake {
	return &Fake{
		chain:    chain,
		statuses: make(map[string]domain.TxStatus),
		invalid:  make(map[string]bool),
	}
}

func (f *Fake) Chain() domain.Chain { return f.chain }

// RejectRecipient makes Validate fail for payloads addressed to recipient
func (f *Fake) RejectRecipient(recipient string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid[recipient] = true
}

func (f *Fake) Validate(payload domain.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if payload.Recipient == "" || f.invalid[payload.Recipient] {
		return fmt.Errorf("%w: bad recipient %q", domain.ErrInvalidPayload, payload.Recipient)
	}
	return nil
}

// Script appends submit outcomes
func (f *Fake) Script(results ...SubmitResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
}

func (f *Fake) BuildAndSubmit(ctx context.Context, payload domain.Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.NewTransientError(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.submits++
	res := f.Default
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	}
	if res.Err != nil {
		return "", res.Err
	}
	if res.Ref == "" {
		res.Ref = fmt.Sprintf("%s-tx-%d", f.chain, f.submits)
	}
	if _, ok := f.statuses[res.Ref]; !ok {
		f.statuses[res.Ref] = domain.Pending()
	}
	return res.Ref, nil
}

// SetStatus sets what QueryStatus reports for ref
func (f *Fake) SetStatus(ref string, status domain.TxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = status
}

// FailQueries makes QueryStatus return err until cleared with nil
func (f *Fake) FailQueries(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr = err
}

func (f *Fake) QueryStatus(ctx context.Context, ref string) (domain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries++
	if f.queryErr != nil {
		return domain.TxStatus{}, f.queryErr
	}
	status, ok := f.statuses[ref]
	if !ok {
		return domain.NotFound(), nil
	}
	return status, nil
}

// Submits returns how many times BuildAndSubmit was called
func (f *Fake) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// Queries returns how many times QueryStatus was called
func (f *Fake) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// Transient returns a scripted transient failure
func Transient(msg string) SubmitResult {
	return SubmitResult{Err: domain.NewTransientError(errors.New(msg))}
}

// Fatal returns a scripted fatal failure
func Fatal(msg string) SubmitResult {
	return SubmitResult{Err: domain.NewFatalError(errors.New(msg))}
}

// OK returns a scripted successful submission
func OK(ref string) SubmitResult {
	return SubmitResult{Ref: ref}
}
