package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptySubjects is returned when a task request names no animals.
var ErrEmptySubjects = errors.New("task request requires at least one subject")

// ValidationError reports malformed or missing input. Nothing is written when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError is returned when a referenced record does not exist.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// DuplicateIdentityError reports an identifier that already belongs to another animal.
type DuplicateIdentityError struct {
	Identifier string
}

func (e DuplicateIdentityError) Error() string {
	return fmt.Sprintf("animal identifier %s already exists", e.Identifier)
}

// ConflictError reports a uniqueness violation on a record other than an animal.
type ConflictError struct {
	Entity EntityType
	ID     string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Entity, e.ID)
}

// MissingTubeError reports a tube override slot that carries no value.
// Position is the zero-based index of the pup in the materialization order.
type MissingTubeError struct {
	Position int
}

func (e MissingTubeError) Error() string {
	return fmt.Sprintf("tube %d: tube number is required", e.Position+1)
}

// NonIntegerTubeError reports a tube override that is not a positive integer.
type NonIntegerTubeError struct {
	Position int
	Value    string
}

func (e NonIntegerTubeError) Error() string {
	return fmt.Sprintf("tube %d: %q is not a positive whole number", e.Position+1, e.Value)
}

// DuplicateTubeError reports a tube number resolved for more than one pup in a batch.
type DuplicateTubeError struct {
	Tube      int
	Positions []int
}

func (e DuplicateTubeError) Error() string {
	pos := make([]string, len(e.Positions))
	for i, p := range e.Positions {
		pos[i] = fmt.Sprint(p + 1)
	}
	return fmt.Sprintf("tube number %d used by pups %s", e.Tube, strings.Join(pos, ", "))
}

// AlreadyTransferredError is returned when a breeding cage litter was already moved to stock.
type AlreadyTransferredError struct {
	BoxID string
}

func (e AlreadyTransferredError) Error() string {
	return fmt.Sprintf("breeding cage %s already transferred to stock", e.BoxID)
}

// SubjectProblem explains why one animal cannot be part of a request.
type SubjectProblem struct {
	AnimalID string
	Reason   string
}

// IneligibleSubjectError lists every subject that failed the eligibility checks.
type IneligibleSubjectError struct {
	TaskType TaskType
	Problems []SubjectProblem
}

func (e IneligibleSubjectError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = fmt.Sprintf("%s %s", p.AnimalID, p.Reason)
	}
	return fmt.Sprintf("%s request has ineligible subjects: %s", e.TaskType, strings.Join(parts, "; "))
}

// AnimalIDs returns the offending animal identifiers in report order.
func (e IneligibleSubjectError) AnimalIDs() []string {
	out := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		out = append(out, p.AnimalID)
	}
	return out
}

// AlreadyConfirmedError is returned when confirming a request a second time.
type AlreadyConfirmedError struct {
	RequestID string
}

func (e AlreadyConfirmedError) Error() string {
	return fmt.Sprintf("task request %s already confirmed", e.RequestID)
}

// ReferencedError is returned when a delete would orphan another record.
type ReferencedError struct {
	Entity EntityType
	ID     string
	By     string
}

func (e ReferencedError) Error() string {
	return fmt.Sprintf("%s %q still referenced by %s", e.Entity, e.ID, e.By)
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	if len(e.Result.Violations) == 0 {
		return "transaction blocked by rules"
	}
	msgs := make([]string, 0, len(e.Result.Violations))
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			msgs = append(msgs, v.Message)
		}
	}
	return "transaction blocked by rules: " + strings.Join(msgs, "; ")
}
