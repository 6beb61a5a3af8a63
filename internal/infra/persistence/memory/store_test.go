package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"mousecolony/pkg/domain"
)

var dob = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

func newAnimal(strain string, seq int, sex domain.Sex) domain.Animal {
	return domain.Animal{Identifier: domain.AnimalIdentifier(strain, seq), Strain: strain, SequenceNumber: seq, Sex: sex, DateOfBirth: dob}
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.FindStrain("missing"); !domain.IsNotFound(err) {
			t.Fatalf("expected missing strain lookup, got %v", err)
		}
		if _, err := tx.CreateStrain(domain.Strain{Name: "B6"}); err != nil {
			return err
		}
		if _, err := tx.CreateAnimal(newAnimal("B6", 1, domain.SexMale)); err != nil {
			return err
		}
		animals, _ := tx.Snapshot().ListAnimals(domain.AnimalFilter{})
		if len(animals) != 1 {
			t.Fatalf("snapshot should observe uncommitted writes, got %d", len(animals))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	snap := store.ExportState()
	if len(snap.Strains) != 1 || len(snap.Animals) != 1 {
		t.Fatalf("unexpected export %+v", snap)
	}

	clone := NewStore(nil)
	clone.ImportState(snap)
	_ = clone.View(ctx, func(v domain.TransactionView) error {
		if _, err := v.FindAnimal("B6-1"); err != nil {
			t.Fatalf("imported animal missing: %v", err)
		}
		return nil
	})
}

func TestStoreRollbackOnError(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	boom := errors.New("boom")
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateStrain(domain.Strain{Name: "B6"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(store.ExportState().Strains) != 0 {
		t.Fatalf("strain should not be committed")
	}
}

func TestStoreRespectsCancelledContext(t *testing.T) {
	store := NewStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := store.RunInTransaction(ctx, func(domain.Transaction) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancellation before fn, got %v called=%v", err, called)
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "always_block" }

func (blockingRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	if len(changes) == 0 {
		return domain.Result{}, nil
	}
	return domain.Result{Violations: []domain.Violation{{Rule: "always_block", Severity: domain.SeverityBlock, Message: "nope"}}}, nil
}

func TestStoreBlockingRuleRollsBack(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockingRule{})
	store := NewStore(engine)
	res, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateStrain(domain.Strain{Name: "B6"})
		return err
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if !res.HasBlocking() || len(store.ExportState().Strains) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

func TestStoreStrainCounter(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateStrain(domain.Strain{Name: "B6"}); err != nil {
			return err
		}
		if _, err := tx.CreateStrain(domain.Strain{Name: "B6"}); !errors.As(err, new(domain.ConflictError)) {
			return fmt.Errorf("expected conflict, got %v", err)
		}
		for want := 1; want <= 3; want++ {
			got, err := tx.IncrementStrainCounter("B6")
			if err != nil || got != want {
				return fmt.Errorf("increment: got %d err %v", got, err)
			}
		}
		got, err := tx.DecrementStrainCounter("B6")
		if err != nil || got != 2 {
			return fmt.Errorf("decrement: got %d err %v", got, err)
		}
		if _, err := tx.IncrementStrainCounter("nope"); !domain.IsNotFound(err) {
			return fmt.Errorf("expected not found, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if got := store.ExportState().Strains["B6"].AnimalCount; got != 2 {
		t.Fatalf("expected committed count 2, got %d", got)
	}
}

func TestStoreDecrementClampsAtZero(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateStrain(domain.Strain{Name: "B6"}); err != nil {
			return err
		}
		n, err := tx.DecrementStrainCounter("B6")
		if err != nil || n != 0 {
			return fmt.Errorf("expected clamp at zero, got %d %v", n, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestStoreCreateAnimalDuplicateAndMissingStrain(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateAnimal(newAnimal("B6", 1, domain.SexMale)); !domain.IsNotFound(err) {
			return fmt.Errorf("expected missing strain, got %v", err)
		}
		if _, err := tx.CreateStrain(domain.Strain{Name: "B6"}); err != nil {
			return err
		}
		if _, err := tx.CreateAnimal(newAnimal("B6", 1, domain.SexMale)); err != nil {
			return err
		}
		_, err := tx.CreateAnimal(newAnimal("B6", 1, domain.SexFemale))
		var dup domain.DuplicateIdentityError
		if !errors.As(err, &dup) || dup.Identifier != "B6-1" {
			return fmt.Errorf("expected duplicate, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestStoreTaskRequestSubjectsImmutable(t *testing.T) {
	store := NewStore(nil)
	var id string
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateStrain(domain.Strain{Name: "B6"}); err != nil {
			return err
		}
		if _, err := tx.CreateAnimal(newAnimal("B6", 1, domain.SexMale)); err != nil {
			return err
		}
		if _, err := tx.CreateTaskRequest(domain.TaskRequest{TaskType: domain.TaskClip}); !errors.Is(err, domain.ErrEmptySubjects) {
			return fmt.Errorf("expected empty subjects, got %v", err)
		}
		req, err := tx.CreateTaskRequest(domain.TaskRequest{TaskType: domain.TaskClip, SubjectIDs: []string{"B6-1"}})
		if err != nil {
			return err
		}
		id = req.ID
		updated, err := tx.UpdateTaskRequest(id, func(r *domain.TaskRequest) error {
			r.SubjectIDs = nil
			r.Message = "urgent"
			return nil
		})
		if err != nil {
			return err
		}
		if len(updated.SubjectIDs) != 1 || updated.Message != "urgent" {
			return fmt.Errorf("unexpected update %+v", updated)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestStoreDeleteAnimalGuards(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateStrain(domain.Strain{Name: "B6"}); err != nil {
			return err
		}
		mother := newAnimal("B6", 1, domain.SexFemale)
		child := newAnimal("B6", 2, domain.SexMale)
		child.MotherID = &mother.Identifier
		for _, a := range []domain.Animal{mother, child, newAnimal("B6", 3, domain.SexMale)} {
			if _, err := tx.CreateAnimal(a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error { return tx.DeleteAnimal("B6-1") })
	if !errors.As(err, new(domain.ReferencedError)) {
		t.Fatalf("expected referenced error, got %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error { return tx.DeleteAnimal("B6-3") }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error { return tx.DeleteAnimal("B6-3") }); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreListFiltersAndOrdering(t *testing.T) {
	store := NewStore(nil)
	culled := dob.AddDate(0, 1, 0)
	project := "p1"
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for _, name := range []string{"C3H", "B6"} {
			if _, err := tx.CreateStrain(domain.Strain{Name: name}); err != nil {
				return err
			}
		}
		b2 := newAnimal("B6", 2, domain.SexMale)
		b2.CulledDate = &culled
		b10 := newAnimal("B6", 10, domain.SexMale)
		b10.ProjectID = &project
		for _, a := range []domain.Animal{b10, newAnimal("C3H", 1, domain.SexFemale), b2} {
			if _, err := tx.CreateAnimal(a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		all, _ := v.ListAnimals(domain.AnimalFilter{})
		if len(all) != 3 || all[0].Identifier != "B6-2" || all[1].Identifier != "B6-10" || all[2].Identifier != "C3H-1" {
			t.Fatalf("unexpected ordering %v", all)
		}
		alive, _ := v.ListAnimals(domain.AnimalFilter{Strain: "B6", AliveOnly: true})
		if len(alive) != 1 || alive[0].Identifier != "B6-10" {
			t.Fatalf("unexpected alive filter %v", alive)
		}
		inProject, _ := v.ListAnimals(domain.AnimalFilter{ProjectID: "p1"})
		if len(inProject) != 1 {
			t.Fatalf("unexpected project filter %v", inProject)
		}
		strains, _ := v.ListStrains()
		if strains[0].Name != "B6" {
			t.Fatalf("strains should sort by name, got %v", strains)
		}
		return nil
	})
}
