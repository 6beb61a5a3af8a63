// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by the colony records core.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence tables.
const (
	// EntityStrain identifies a strain record owning an identifier sequence.
	EntityStrain EntityType = "strain"
	// EntityAnimal identifies an individual animal record.
	EntityAnimal EntityType = "animal"
	// EntityBreedingCage identifies a breeding cage record.
	EntityBreedingCage EntityType = "breeding_cage"
	// EntityTaskRequest identifies a clip/cull/move/wean request.
	EntityTaskRequest EntityType = "task_request"
	// EntityProject identifies a project grouping animals.
	EntityProject EntityType = "project"
)

// Sex enumerates the recorded sex of an animal.
type Sex string

// Recognised sexes.
const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
)

// Valid reports whether the sex is one of the recognised values.
func (s Sex) Valid() bool {
	return s == SexMale || s == SexFemale
}

// ParseSex accepts the short codes as well as the spelled out names.
func ParseSex(raw string) (Sex, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "m", "male":
		return SexMale, nil
	case "f", "female":
		return SexFemale, nil
	}
	return "", ValidationError{Field: "sex", Message: fmt.Sprintf("unknown sex %q", raw)}
}

// Earmark is an ear punch code. An animal with an earmark is genotyped.
type Earmark string

// earmarkVocabulary is the fixed set of punch codes a clip may apply.
// T/B = top/bottom, L/R = left/right ear.
var earmarkVocabulary = map[Earmark]struct{}{
	"TL": {}, "TR": {}, "BL": {}, "BR": {},
	"TLTR": {}, "TLBL": {}, "TLBR": {}, "TRBL": {}, "TRBR": {}, "BLBR": {},
	"TLTRBL": {}, "TLTRBR": {}, "TLBLBR": {}, "TRBLBR": {},
	"TLTRBLBR": {},
}

// Valid reports whether the earmark belongs to the clip vocabulary.
func (e Earmark) Valid() bool {
	_, ok := earmarkVocabulary[e]
	return ok
}

// ParseEarmark normalises and validates an earmark code.
func ParseEarmark(raw string) (Earmark, error) {
	code := Earmark(strings.ToUpper(strings.TrimSpace(raw)))
	if code == "" {
		return "", ValidationError{Field: "earmark", Message: "earmark is required"}
	}
	if !code.Valid() {
		return "", ValidationError{Field: "earmark", Message: fmt.Sprintf("unknown earmark code %q", raw)}
	}
	return code, nil
}

// TaskType tags the variant of a task request.
type TaskType string

// Supported task request variants.
const (
	TaskClip TaskType = "clip"
	TaskCull TaskType = "cull"
	TaskMove TaskType = "move"
	TaskWean TaskType = "wean"
)

// Valid reports whether the task type is recognised.
func (t TaskType) Valid() bool {
	switch t {
	case TaskClip, TaskCull, TaskMove, TaskWean:
		return true
	}
	return false
}

// RequestState describes where a task request sits in its lifecycle.
type RequestState string

// Request lifecycle states. Confirmed is terminal.
const (
	RequestDraft     RequestState = "draft"
	RequestOpen      RequestState = "open"
	RequestConfirmed RequestState = "confirmed"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for records keyed by a generated identifier.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Timestamps carries bookkeeping times for naturally keyed records.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Strain is a named breeding lineage owning the sequence used to mint identifiers.
type Strain struct {
	Name        string `json:"name"`
	AnimalCount int    `json:"animal_count"`
	Timestamps
}

// Animal represents one colony member.
type Animal struct {
	Identifier     string     `json:"identifier"`
	Strain         string     `json:"strain"`
	SequenceNumber int        `json:"sequence_number"`
	Sex            Sex        `json:"sex"`
	DateOfBirth    time.Time  `json:"date_of_birth"`
	MotherID       *string    `json:"mother_id,omitempty"`
	FatherID       *string    `json:"father_id,omitempty"`
	Earmark        *Earmark   `json:"earmark,omitempty"`
	CulledDate     *time.Time `json:"culled_date,omitempty"`
	ProjectID      *string    `json:"project_id,omitempty"`
	StockCage      string     `json:"stock_cage,omitempty"`
	Timestamps
}

// Genotyped reports whether the animal carries an earmark.
func (a Animal) Genotyped() bool {
	return a.Earmark != nil && *a.Earmark != ""
}

// Culled reports whether a culled date has been recorded.
func (a Animal) Culled() bool {
	return a.CulledDate != nil
}

// AnimalIdentifier derives the composite identifier for a strain and sequence number.
func AnimalIdentifier(strain string, sequence int) string {
	return strain + "-" + strconv.Itoa(sequence)
}

// BreedingCage records a breeding pair and the aggregate counts of its current litter.
type BreedingCage struct {
	BoxID              string     `json:"box_id"`
	Strain             string     `json:"strain"`
	MotherID           string     `json:"mother_id"`
	FatherID           string     `json:"father_id"`
	DateBorn           *time.Time `json:"date_born,omitempty"`
	NumberBorn         int        `json:"number_born"`
	NumberWeaned       int        `json:"number_weaned"`
	MalePupsPending    int        `json:"male_pups_pending"`
	FemalePupsPending  int        `json:"female_pups_pending"`
	TransferredToStock bool       `json:"transferred_to_stock"`
	Timestamps
}

// PostWeaningLoss is the display value number_born - number_weaned.
func (c BreedingCage) PostWeaningLoss() int {
	return c.NumberBorn - c.NumberWeaned
}

// PendingPups returns the number of pups not yet materialized into animals.
func (c BreedingCage) PendingPups() int {
	return c.MalePupsPending + c.FemalePupsPending
}

// TaskRequest is a unit of work targeting one or more animals that must be
// confirmed before its effect applies.
type TaskRequest struct {
	Base
	TaskType    TaskType   `json:"task_type"`
	SubjectIDs  []string   `json:"subject_ids"`
	RequestedBy string     `json:"requested_by"`
	Message     string     `json:"message,omitempty"`
	Confirmed   bool       `json:"confirmed"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	Earmark     *Earmark   `json:"earmark,omitempty"`
	CulledDate  *time.Time `json:"culled_date,omitempty"`
}

// State reports the lifecycle state derived from persistence and the confirmation latch.
func (r TaskRequest) State() RequestState {
	switch {
	case r.Confirmed:
		return RequestConfirmed
	case r.ID == "":
		return RequestDraft
	default:
		return RequestOpen
	}
}

// Open reports whether the request is persisted and awaiting confirmation.
func (r TaskRequest) Open() bool {
	return r.State() == RequestOpen
}

// HasSubject reports whether the animal is one of the request subjects.
func (r TaskRequest) HasSubject(animalID string) bool {
	for _, id := range r.SubjectIDs {
		if id == animalID {
			return true
		}
	}
	return false
}

// Project groups animals used by a research effort.
type Project struct {
	Base
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AnimalFilter narrows animal listings. Zero values match everything.
type AnimalFilter struct {
	Strain    string
	ProjectID string
	AliveOnly bool
}

// Match reports whether the animal satisfies the filter.
func (f AnimalFilter) Match(a Animal) bool {
	if f.Strain != "" && a.Strain != f.Strain {
		return false
	}
	if f.ProjectID != "" && (a.ProjectID == nil || *a.ProjectID != f.ProjectID) {
		return false
	}
	if f.AliveOnly && a.Culled() {
		return false
	}
	return true
}

// TaskRequestFilter narrows request listings. Zero values match everything.
type TaskRequestFilter struct {
	TaskType  TaskType
	OpenOnly  bool
	SubjectID string
}

// Match reports whether the request satisfies the filter.
func (f TaskRequestFilter) Match(r TaskRequest) bool {
	if f.TaskType != "" && r.TaskType != f.TaskType {
		return false
	}
	if f.OpenOnly && r.Confirmed {
		return false
	}
	if f.SubjectID != "" && !r.HasSubject(f.SubjectID) {
		return false
	}
	return true
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}
