package core

import (
	"context"
	"fmt"

	"mousecolony/pkg/domain"
)

const (
	ruleLineageIntegrity = "lineage_integrity"
	ruleBreedingPair     = "breeding_pair"
)

// NewDefaultRulesEngine returns an engine with the built-in colony rules registered.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(LineageIntegrityRule())
	engine.Register(BreedingPairRule())
	return engine
}

// LineageIntegrityRule checks every created or updated animal: parents must
// exist with the matching sex, an animal cannot parent itself, the identifier
// must be strain-sequence, and identity fields plus a recorded culled date
// never change.
func LineageIntegrityRule() Rule {
	return lineageIntegrityRule{}
}

type lineageIntegrityRule struct{}

func (lineageIntegrityRule) Name() string { return ruleLineageIntegrity }

func (lineageIntegrityRule) Evaluate(_ context.Context, view domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, change := range changes {
		if change.Entity != EntityAnimal || change.After == nil {
			continue
		}
		animal, ok := change.After.(Animal)
		if !ok {
			continue
		}
		if animal.SequenceNumber <= 0 {
			res.Violations = append(res.Violations, animalViolation(animal.Identifier, fmt.Sprintf("animal %s has non-positive sequence number %d", animal.Identifier, animal.SequenceNumber)))
		}
		if want := domain.AnimalIdentifier(animal.Strain, animal.SequenceNumber); animal.Identifier != want {
			res.Violations = append(res.Violations, animalViolation(animal.Identifier, fmt.Sprintf("animal %s identifier does not match %s", animal.Identifier, want)))
		}
		if before, ok := change.Before.(Animal); ok {
			if before.Strain != animal.Strain || before.SequenceNumber != animal.SequenceNumber {
				res.Violations = append(res.Violations, animalViolation(animal.Identifier, fmt.Sprintf("animal %s identity fields are immutable", animal.Identifier)))
			}
			if before.CulledDate != nil && (animal.CulledDate == nil || !animal.CulledDate.Equal(*before.CulledDate)) {
				res.Violations = append(res.Violations, animalViolation(animal.Identifier, fmt.Sprintf("animal %s culled date cannot change once recorded", animal.Identifier)))
			}
		}
		if err := checkParent(&res, view, animal, animal.MotherID, domain.SexFemale, "mother"); err != nil {
			return Result{}, err
		}
		if err := checkParent(&res, view, animal, animal.FatherID, domain.SexMale, "father"); err != nil {
			return Result{}, err
		}
		if animal.MotherID != nil && animal.FatherID != nil && *animal.MotherID != "" && *animal.MotherID == *animal.FatherID {
			res.Violations = append(res.Violations, animalViolation(animal.Identifier, fmt.Sprintf("animal %s lists %s as both mother and father", animal.Identifier, *animal.MotherID)))
		}
	}
	return res, nil
}

func checkParent(res *Result, view domain.RuleView, child Animal, parentID *string, sex Sex, role string) error {
	if parentID == nil || *parentID == "" {
		return nil
	}
	if *parentID == child.Identifier {
		res.Violations = append(res.Violations, animalViolation(child.Identifier, fmt.Sprintf("animal %s references itself as %s", child.Identifier, role)))
		return nil
	}
	parent, err := view.FindAnimal(*parentID)
	if err != nil {
		if domain.IsNotFound(err) {
			res.Violations = append(res.Violations, animalViolation(child.Identifier, fmt.Sprintf("animal %s references missing %s %s", child.Identifier, role, *parentID)))
			return nil
		}
		return err
	}
	if parent.Sex != sex {
		res.Violations = append(res.Violations, animalViolation(child.Identifier, fmt.Sprintf("animal %s %s %s has sex %s", child.Identifier, role, *parentID, parent.Sex)))
	}
	return nil
}

func animalViolation(id, message string) Violation {
	return Violation{
		Rule:     ruleLineageIntegrity,
		Severity: SeverityBlock,
		Message:  message,
		Entity:   EntityAnimal,
		EntityID: id,
	}
}

// BreedingPairRule checks created or updated breeding cages: the mother must
// be an existing female, the father an existing male, and a cage transferred
// to stock stays transferred.
func BreedingPairRule() Rule {
	return breedingPairRule{}
}

type breedingPairRule struct{}

func (breedingPairRule) Name() string { return ruleBreedingPair }

func (breedingPairRule) Evaluate(_ context.Context, view domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, change := range changes {
		if change.Entity != EntityBreedingCage || change.After == nil {
			continue
		}
		cage, ok := change.After.(BreedingCage)
		if !ok {
			continue
		}
		if before, ok := change.Before.(BreedingCage); ok {
			if before.TransferredToStock && !cage.TransferredToStock {
				res.Violations = append(res.Violations, cageViolation(cage.BoxID, fmt.Sprintf("breeding cage %s transfer to stock cannot be undone", cage.BoxID)))
			}
			if before.MotherID == cage.MotherID && before.FatherID == cage.FatherID {
				continue
			}
		}
		if cage.MotherID == cage.FatherID {
			res.Violations = append(res.Violations, cageViolation(cage.BoxID, fmt.Sprintf("breeding cage %s uses %s as both mother and father", cage.BoxID, cage.MotherID)))
			continue
		}
		for _, p := range []struct {
			id   string
			sex  Sex
			role string
		}{
			{cage.MotherID, domain.SexFemale, "mother"},
			{cage.FatherID, domain.SexMale, "father"},
		} {
			parent, err := view.FindAnimal(p.id)
			if err != nil {
				if domain.IsNotFound(err) {
					res.Violations = append(res.Violations, cageViolation(cage.BoxID, fmt.Sprintf("breeding cage %s references missing %s %s", cage.BoxID, p.role, p.id)))
					continue
				}
				return Result{}, err
			}
			if parent.Sex != p.sex {
				res.Violations = append(res.Violations, cageViolation(cage.BoxID, fmt.Sprintf("breeding cage %s %s %s has sex %s", cage.BoxID, p.role, p.id, parent.Sex)))
			}
		}
	}
	return res, nil
}

func cageViolation(boxID, message string) Violation {
	return Violation{
		Rule:     ruleBreedingPair,
		Severity: SeverityBlock,
		Message:  message,
		Entity:   EntityBreedingCage,
		EntityID: boxID,
	}
}
