package core

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"mousecolony/pkg/domain"
)

// DefaultTubeStart is the first tube number handed to pups without an override.
const DefaultTubeStart = 100

// MaterializeRequest describes the conversion of a cage's pending pups into animals.
type MaterializeRequest struct {
	BoxID string
	// Strain overrides the cage strain when non-empty.
	Strain string
	// Tubes are optional per-pup overrides aligned with the pup order
	// (pending males first, then pending females).
	Tubes     []string
	StockCage string
}

// Pup is one pending pup awaiting an identity.
type Pup struct {
	Position int
	Sex      Sex
}

// PendingPups lists pending pups in materialization order: males, then females.
func PendingPups(cage BreedingCage) []Pup {
	pups := make([]Pup, 0, cage.PendingPups())
	for i := 0; i < cage.MalePupsPending; i++ {
		pups = append(pups, Pup{Position: len(pups), Sex: domain.SexMale})
	}
	for i := 0; i < cage.FemalePupsPending; i++ {
		pups = append(pups, Pup{Position: len(pups), Sex: domain.SexFemale})
	}
	return pups
}

// ResolveTubes assigns a tube number to each of n pups. Overrides are consumed
// in order; pups beyond the overrides take consecutive defaults from start.
// Every malformed override and every duplicated tube is reported.
func ResolveTubes(n int, overrides []string, start int) ([]int, error) {
	if len(overrides) > n {
		return nil, domain.ValidationError{Field: "tubes", Message: fmt.Sprintf("%d tube numbers given for %d pending pups", len(overrides), n)}
	}
	tubes := make([]int, n)
	var errs []error
	next := start
	for i := 0; i < n; i++ {
		if i >= len(overrides) {
			tubes[i] = next
			next++
			continue
		}
		raw := strings.TrimSpace(overrides[i])
		if raw == "" {
			errs = append(errs, domain.MissingTubeError{Position: i})
			tubes[i] = -1
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			errs = append(errs, domain.NonIntegerTubeError{Position: i, Value: raw})
			tubes[i] = -1
			continue
		}
		tubes[i] = v
	}

	positions := make(map[int][]int, n)
	for i, tube := range tubes {
		if tube > 0 {
			positions[tube] = append(positions[tube], i)
		}
	}
	var dups []domain.DuplicateTubeError
	for tube, pos := range positions {
		if len(pos) > 1 {
			dups = append(dups, domain.DuplicateTubeError{Tube: tube, Positions: pos})
		}
	}
	sort.Slice(dups, func(i, j int) bool { return dups[i].Positions[0] < dups[j].Positions[0] })
	for _, d := range dups {
		errs = append(errs, d)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return tubes, nil
}

// LitterMaterializer turns a breeding cage's aggregate pup counts into animals.
type LitterMaterializer struct {
	tx        Transaction
	allocator *IdentityAllocator
	start     int
}

// NewLitterMaterializer binds a materializer to an open transaction.
func NewLitterMaterializer(tx Transaction, allocator *IdentityAllocator, defaultStart int) *LitterMaterializer {
	if defaultStart <= 0 {
		defaultStart = DefaultTubeStart
	}
	return &LitterMaterializer{tx: tx, allocator: allocator, start: defaultStart}
}

// Materialize validates the whole batch before writing anything, then creates
// every pup and latches the cage as transferred. Any error leaves the batch
// unapplied; the caller's transaction rolls back partial writes.
func (m *LitterMaterializer) Materialize(req MaterializeRequest) ([]Animal, error) {
	cage, err := m.tx.FindBreedingCage(req.BoxID)
	if err != nil {
		return nil, err
	}
	if cage.TransferredToStock {
		return nil, domain.AlreadyTransferredError{BoxID: cage.BoxID}
	}
	if cage.DateBorn == nil {
		return nil, domain.ValidationError{Field: "date_born", Message: fmt.Sprintf("breeding cage %s has no recorded litter", cage.BoxID)}
	}
	pups := PendingPups(cage)
	if len(pups) == 0 {
		return nil, domain.ValidationError{Field: "pending_pups", Message: fmt.Sprintf("breeding cage %s has no pending pups", cage.BoxID)}
	}
	strainName := cage.Strain
	if s := strings.TrimSpace(req.Strain); s != "" {
		strainName = s
	}
	if _, err := m.tx.FindStrain(strainName); err != nil {
		return nil, err
	}

	tubes, err := ResolveTubes(len(pups), req.Tubes, m.start)
	if err != nil {
		return nil, err
	}
	var taken []error
	for _, tube := range tubes {
		id := domain.AnimalIdentifier(strainName, tube)
		_, err := m.tx.FindAnimal(id)
		switch {
		case err == nil:
			taken = append(taken, domain.DuplicateIdentityError{Identifier: id})
		case !domain.IsNotFound(err):
			return nil, err
		}
	}
	if len(taken) > 0 {
		return nil, errors.Join(taken...)
	}

	mother, father := cage.MotherID, cage.FatherID
	animals := make([]Animal, 0, len(pups))
	for i, pup := range pups {
		tube := tubes[i]
		animal, err := m.allocator.Allocate(AllocationRequest{
			Strain:      strainName,
			Sex:         pup.Sex,
			DateOfBirth: *cage.DateBorn,
			Sequence:    &tube,
			MotherID:    &mother,
			FatherID:    &father,
			StockCage:   req.StockCage,
		})
		if err != nil {
			return nil, err
		}
		animals = append(animals, animal)
	}

	if _, err := m.tx.UpdateBreedingCage(cage.BoxID, func(c *BreedingCage) error {
		if c.TransferredToStock {
			return domain.AlreadyTransferredError{BoxID: c.BoxID}
		}
		c.MalePupsPending = 0
		c.FemalePupsPending = 0
		c.TransferredToStock = true
		return nil
	}); err != nil {
		return nil, err
	}
	return animals, nil
}

func recordLitter(tx Transaction, boxID string, dateBorn time.Time, numberBorn int) (BreedingCage, error) {
	if numberBorn < 0 {
		return BreedingCage{}, domain.ValidationError{Field: "number_born", Message: "number born cannot be negative"}
	}
	if dateBorn.IsZero() {
		return BreedingCage{}, domain.ValidationError{Field: "date_born", Message: "date born is required"}
	}
	born := domain.DateOnly(dateBorn)
	return tx.UpdateBreedingCage(boxID, func(c *BreedingCage) error {
		if c.TransferredToStock {
			return domain.AlreadyTransferredError{BoxID: c.BoxID}
		}
		if numberBorn < c.NumberWeaned {
			return domain.ValidationError{Field: "number_born", Message: fmt.Sprintf("number born %d is below number weaned %d", numberBorn, c.NumberWeaned)}
		}
		c.DateBorn = &born
		c.NumberBorn = numberBorn
		return nil
	})
}

func recordWeaning(tx Transaction, boxID string, numberWeaned, males, females int) (BreedingCage, error) {
	var errs []error
	if numberWeaned < 0 || males < 0 || females < 0 {
		errs = append(errs, domain.ValidationError{Field: "number_weaned", Message: "weaning counts cannot be negative"})
	}
	if males+females != numberWeaned {
		errs = append(errs, domain.ValidationError{Field: "number_weaned", Message: fmt.Sprintf("males %d + females %d must equal number weaned %d", males, females, numberWeaned)})
	}
	if err := errors.Join(errs...); err != nil {
		return BreedingCage{}, err
	}
	return tx.UpdateBreedingCage(boxID, func(c *BreedingCage) error {
		if c.TransferredToStock {
			return domain.AlreadyTransferredError{BoxID: c.BoxID}
		}
		if c.DateBorn == nil {
			return domain.ValidationError{Field: "date_born", Message: fmt.Sprintf("breeding cage %s has no recorded litter", c.BoxID)}
		}
		if numberWeaned > c.NumberBorn {
			return domain.ValidationError{Field: "number_weaned", Message: fmt.Sprintf("number weaned %d exceeds number born %d", numberWeaned, c.NumberBorn)}
		}
		c.NumberWeaned = numberWeaned
		c.MalePupsPending = males
		c.FemalePupsPending = females
		return nil
	})
}
