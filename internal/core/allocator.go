package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mousecolony/pkg/domain"
)

// StrainCounter hands out per-strain sequence numbers. The arithmetic is
// delegated to the store so concurrent transactions serialize on the strain row.
type StrainCounter struct {
	tx Transaction
}

// NewStrainCounter binds a counter to an open transaction.
func NewStrainCounter(tx Transaction) StrainCounter {
	return StrainCounter{tx: tx}
}

// Increment bumps animal_count and returns the new value.
func (c StrainCounter) Increment(strain string) (int, error) {
	return c.tx.IncrementStrainCounter(strain)
}

// Decrement lowers animal_count, stopping at zero.
func (c StrainCounter) Decrement(strain string) (int, error) {
	return c.tx.DecrementStrainCounter(strain)
}

// AllocationRequest carries the fields of a new animal. Sequence is optional;
// when nil the next strain counter value is used.
type AllocationRequest struct {
	Strain      string
	Sex         Sex
	DateOfBirth time.Time
	Sequence    *int
	MotherID    *string
	FatherID    *string
	ProjectID   *string
	Earmark     *Earmark
	StockCage   string
}

// Validate reports every missing or malformed field.
func (r AllocationRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Strain) == "" {
		errs = append(errs, domain.ValidationError{Field: "strain", Message: "strain is required"})
	}
	if !r.Sex.Valid() {
		errs = append(errs, domain.ValidationError{Field: "sex", Message: "sex must be M or F"})
	}
	if r.DateOfBirth.IsZero() {
		errs = append(errs, domain.ValidationError{Field: "date_of_birth", Message: "date of birth is required"})
	}
	if r.Sequence != nil && *r.Sequence <= 0 {
		errs = append(errs, domain.ValidationError{Field: "sequence_number", Message: "sequence number must be positive"})
	}
	if r.Earmark != nil && !r.Earmark.Valid() {
		errs = append(errs, domain.ValidationError{Field: "earmark", Message: fmt.Sprintf("unknown earmark code %q", *r.Earmark)})
	}
	return errors.Join(errs...)
}

// IdentityAllocator mints animal identities inside a transaction.
type IdentityAllocator struct {
	tx      Transaction
	counter StrainCounter
	logger  Logger
}

// NewIdentityAllocator binds an allocator to an open transaction.
func NewIdentityAllocator(tx Transaction, logger Logger) *IdentityAllocator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &IdentityAllocator{tx: tx, counter: NewStrainCounter(tx), logger: logger}
}

// Allocate creates one animal. The strain counter is incremented on every call,
// including calls with an explicit sequence, and decremented again if the
// identifier turns out to be taken.
func (a *IdentityAllocator) Allocate(req AllocationRequest) (Animal, error) {
	if err := req.Validate(); err != nil {
		return Animal{}, err
	}
	strain, err := a.tx.FindStrain(req.Strain)
	if err != nil {
		return Animal{}, err
	}

	count, err := a.counter.Increment(strain.Name)
	if err != nil {
		return Animal{}, err
	}
	seq := count
	if req.Sequence != nil {
		seq = *req.Sequence
	}

	animal := Animal{
		Identifier:     domain.AnimalIdentifier(strain.Name, seq),
		Strain:         strain.Name,
		SequenceNumber: seq,
		Sex:            req.Sex,
		DateOfBirth:    domain.DateOnly(req.DateOfBirth),
		MotherID:       req.MotherID,
		FatherID:       req.FatherID,
		ProjectID:      req.ProjectID,
		Earmark:        req.Earmark,
		StockCage:      req.StockCage,
	}
	created, err := a.tx.CreateAnimal(animal)
	if err == nil {
		return created, nil
	}

	var dup domain.DuplicateIdentityError
	if !errors.As(err, &dup) {
		return Animal{}, err
	}
	if _, decErr := a.counter.Decrement(strain.Name); decErr != nil {
		return Animal{}, errors.Join(err, fmt.Errorf("roll back %s counter: %w", strain.Name, decErr))
	}
	a.logger.Warn("identifier collision, strain counter rolled back",
		"strain", strain.Name, "identifier", animal.Identifier)
	return Animal{}, err
}
