package domain

import (
	"errors"
	"fmt"
)

var (
	ErrApplicationNotFound = errors.New("application not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrConflict            = errors.New("conflict")
	ErrTemporary           = errors.New("temporary failure")
	ErrCanceled            = errors.New("run canceled")
	ErrDecisionUnavailable = errors.New("decision unavailable")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

type FaultKind string

const (
	// ValidationFault is bad input data; it becomes a rejection reason.
	ValidationFault FaultKind = "validation"
	// CollaboratorFault is an external dependency failure; stages degrade locally.
	CollaboratorFault FaultKind = "collaborator"
	// StageFault is an unexpected failure inside a stage; the run is errored.
	StageFault FaultKind = "stage"
	// PersistenceFault is a checkpoint read or write failure; the run is errored.
	PersistenceFault FaultKind = "persistence"
	// AggregationFault is a failure inside the decision step; converted to requires_review.
	AggregationFault FaultKind = "aggregation"
)

type Fault struct {
	Kind  FaultKind
	Stage StageName
	Op    string
	Err   error
}

func NewFault(kind FaultKind, stage StageName, op string, err error) *Fault {
	return &Fault{Kind: kind, Stage: stage, Op: op, Err: err}
}

func (f *Fault) Error() string {
	if f == nil {
		return "fault"
	}
	prefix := string(f.Kind) + " fault"
	if f.Stage != "" {
		prefix += " in " + string(f.Stage)
	}
	if f.Op != "" {
		prefix += " (" + f.Op + ")"
	}
	if f.Err == nil {
		return prefix
	}
	return prefix + ": " + f.Err.Error()
}

func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// FaultOf returns the first Fault in err's chain.
func FaultOf(err error) (*Fault, bool) {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault, true
	}
	return nil, false
}

func IsFault(err error, kind FaultKind) bool {
	fault, ok := FaultOf(err)
	return ok && fault.Kind == kind
}
