package core

import (
	"errors"
	"fmt"
)

// errors.go implements the behavioral error-kind taxonomy of §7. Each kind
// carries its own propagation semantics; callers branch on kind via
// errors.As, never on message text.

// JointError: structural/hash/signature flaw. Unit AND joint are cached as
// bad; peer is penalized.
type JointError struct {
	JointHash Hash
	UnitHash  Hash
	Reason    string
}

func (e *JointError) Error() string {
	return fmt.Sprintf("joint error: %s", e.Reason)
}

// UnitError: semantic/consensus flaw. Unit is cached as bad; dependencies
// purged; peer penalized.
type UnitError struct {
	UnitHash Hash
	Reason   string
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit error: %s", e.Reason)
}

// TransientError: race against concurrent stabilization. Not cached as bad,
// no peer penalty; caller retries later (deduplicated).
type TransientError struct {
	Reason string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %s", e.Reason)
}

// NeedParents: dependency missing. Save unhandled, request parents.
type NeedParents struct {
	UnitHash      Hash
	MissingParents []Hash
}

func (e *NeedParents) Error() string {
	return fmt.Sprintf("need parents for %x: %d missing", e.UnitHash, len(e.MissingParents))
}

// NeedHashTree: missing stability data. Save unhandled, request hash tree.
type NeedHashTree struct {
	UnitHash Hash
}

func (e *NeedHashTree) Error() string {
	return fmt.Sprintf("need hash tree for %x", e.UnitHash)
}

// FatalError: invariant violation / DB inconsistency. Must never be reached
// with a lock held; callers must unwind cleanly before returning it.
type FatalError struct {
	Reason string
	Cause  error
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("fatal: %s", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Cause }

func NewJointError(jointHash, unitHash Hash, reason string) error {
	return &JointError{JointHash: jointHash, UnitHash: unitHash, Reason: reason}
}

func NewUnitError(unitHash Hash, reason string) error {
	return &UnitError{UnitHash: unitHash, Reason: reason}
}

func NewTransientError(reason string) error {
	return &TransientError{Reason: reason}
}

func NewNeedParents(unitHash Hash, missing []Hash) error {
	return &NeedParents{UnitHash: unitHash, MissingParents: missing}
}

func NewNeedHashTree(unitHash Hash) error {
	return &NeedHashTree{UnitHash: unitHash}
}

func NewFatalError(reason string, cause error) error {
	return &FatalError{Reason: reason, Cause: cause}
}

// IsJointError, IsUnitError, etc. are errors.As convenience wrappers used by
// the peer layer and validation pipeline to dispatch on kind.
func IsJointError(err error) (*JointError, bool) {
	var e *JointError
	return e, errors.As(err, &e)
}

func IsUnitError(err error) (*UnitError, bool) {
	var e *UnitError
	return e, errors.As(err, &e)
}

func IsTransientError(err error) (*TransientError, bool) {
	var e *TransientError
	return e, errors.As(err, &e)
}

func IsNeedParents(err error) (*NeedParents, bool) {
	var e *NeedParents
	return e, errors.As(err, &e)
}

func IsNeedHashTree(err error) (*NeedHashTree, bool) {
	var e *NeedHashTree
	return e, errors.As(err, &e)
}

func IsFatalError(err error) (*FatalError, bool) {
	var e *FatalError
	return e, errors.As(err, &e)
}
