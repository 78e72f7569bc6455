package locking

import (
	"errors"
	"fmt"
)

// Kind classifies a locking failure.
type Kind int

const (
	// KindTemporary failures may succeed when retried.
	KindTemporary Kind = iota + 1
	// KindPermanent failures abort the owning transaction.
	KindPermanent
	// KindLost means a held lock could not be re-confirmed; writes must not be applied.
	KindLost
)

func (k Kind) String() string {
	switch k {
	case KindTemporary:
		return "temporary"
	case KindPermanent:
		return "permanent"
	case KindLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Failure codes.
const (
	CodeLocalContention   = "local_contention"
	CodeClaimLost         = "claim_lost"
	CodeClaimNotVisible   = "claim_not_visible"
	CodeStorageTransient  = "storage_transient"
	CodeStorageFailure    = "storage_failure"
	CodeEnsembleTimeout   = "ensemble_timeout"
	CodeEnsembleTransient = "ensemble_transient"
	CodeEnsembleFailure   = "ensemble_failure"
	CodeSessionExpired    = "session_expired"
	CodeRetriesExhausted  = "retries_exhausted"
	CodeLockExpired       = "lock_expired"
	CodeLockLost          = "lock_lost"
	CodeCanceled          = "canceled"
	CodeInvalid           = "invalid_config"
	CodeRemoteFailure     = "remote_failure"
	CodeStrategyMismatch  = "strategy_mismatch"
)

// Failure describes why a lock operation did not succeed.
type Failure struct {
	Kind   Kind
	Code   string
	LockID LockID
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s locking failure: %s", f.Kind, f.Code)
	if f.LockID.store != "" {
		msg += " [" + f.LockID.String() + "]"
	}
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Temporary builds a retryable failure.
func Temporary(code string, id LockID, detail string, err error) *Failure {
	return &Failure{Kind: KindTemporary, Code: code, LockID: id, Detail: detail, Err: err}
}

// Permanent builds a non-retryable failure.
func Permanent(code string, id LockID, detail string, err error) *Failure {
	return &Failure{Kind: KindPermanent, Code: code, LockID: id, Detail: detail, Err: err}
}

// Lost builds a lock-lost failure.
func Lost(code string, id LockID, detail string, err error) *Failure {
	return &Failure{Kind: KindLost, Code: code, LockID: id, Detail: detail, Err: err}
}

// AsFailure extracts the outermost Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsTemporary reports whether err is a retryable locking failure.
func IsTemporary(err error) bool {
	f, ok := AsFailure(err)
	return ok && f.Kind == KindTemporary
}

// IsPermanent reports whether err is a permanent locking failure.
func IsPermanent(err error) bool {
	f, ok := AsFailure(err)
	return ok && f.Kind == KindPermanent
}

// IsLockLost reports whether err signals a lock lost at verification.
func IsLockLost(err error) bool {
	f, ok := AsFailure(err)
	return ok && f.Kind == KindLost
}

// FailureCode returns the code of the outermost Failure in err, or "".
func FailureCode(err error) string {
	if f, ok := AsFailure(err); ok {
		return f.Code
	}
	return ""
}
