package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mousecolony/pkg/domain"
)

// transaction applies mutations through an open *sql.Tx and records the
// changes handed to the rules engine before commit.
type transaction struct {
	reader
	tx      *sql.Tx
	changes []domain.Change
	now     time.Time
}

var _ domain.Transaction = (*transaction)(nil)

func (t *transaction) recordChange(change domain.Change) {
	t.changes = append(t.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (t *transaction) Snapshot() domain.TransactionView {
	return reader{ctx: t.ctx, q: t.q, dialect: t.dialect}
}

func (t *transaction) timeArg(v time.Time) any {
	return t.dialect.TimeValue(v)
}

func (t *transaction) timePtrArg(v *time.Time) any {
	if v == nil {
		return nil
	}
	return t.dialect.TimeValue(*v)
}

func stringPtrArg(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func earmarkArg(v *domain.Earmark) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func (t *transaction) exists(query string, args ...any) (bool, error) {
	var one int
	err := t.queryRow(query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *transaction) CreateStrain(st domain.Strain) (domain.Strain, error) {
	st.CreatedAt = t.now
	st.UpdatedAt = t.now
	_, err := t.exec(`INSERT INTO strains (name, animal_count, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		st.Name, st.AnimalCount, t.timeArg(st.CreatedAt), t.timeArg(st.UpdatedAt))
	if err != nil {
		if t.dialect.IsUniqueViolation(err) {
			return domain.Strain{}, domain.ConflictError{Entity: domain.EntityStrain, ID: st.Name}
		}
		return domain.Strain{}, fmt.Errorf("insert strain %s: %w", st.Name, err)
	}
	t.recordChange(domain.Change{Entity: domain.EntityStrain, Action: domain.ActionCreate, After: st})
	return st, nil
}

func (t *transaction) IncrementStrainCounter(name string) (int, error) {
	return t.adjustStrainCounter(name,
		`UPDATE strains SET animal_count = animal_count + 1, updated_at = ? WHERE name = ? RETURNING animal_count`)
}

func (t *transaction) DecrementStrainCounter(name string) (int, error) {
	return t.adjustStrainCounter(name,
		`UPDATE strains SET animal_count = CASE WHEN animal_count > 0 THEN animal_count - 1 ELSE 0 END, updated_at = ? WHERE name = ? RETURNING animal_count`)
}

// adjustStrainCounter performs the arithmetic in SQL so concurrent writers
// serialize on the row rather than on a value read earlier.
func (t *transaction) adjustStrainCounter(name, stmt string) (int, error) {
	before, err := t.FindStrain(name)
	if err != nil {
		return 0, err
	}
	var count int
	if err := t.queryRow(stmt, t.timeArg(t.now), name).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.NotFoundError{Entity: domain.EntityStrain, ID: name}
		}
		return 0, fmt.Errorf("adjust strain counter %s: %w", name, err)
	}
	after := before
	after.AnimalCount = count
	after.UpdatedAt = t.now
	if count != before.AnimalCount {
		t.recordChange(domain.Change{Entity: domain.EntityStrain, Action: domain.ActionUpdate, Before: before, After: after})
	}
	return count, nil
}

const createAnimalSavepoint = "create_animal"

func (t *transaction) CreateAnimal(a domain.Animal) (domain.Animal, error) {
	ok, err := t.exists(`SELECT 1 FROM strains WHERE name = ?`, a.Strain)
	if err != nil {
		return domain.Animal{}, fmt.Errorf("check strain %s: %w", a.Strain, err)
	}
	if !ok {
		return domain.Animal{}, domain.NotFoundError{Entity: domain.EntityStrain, ID: a.Strain}
	}
	a.CreatedAt = t.now
	a.UpdatedAt = t.now

	// A failed statement aborts a postgres transaction; the savepoint keeps it
	// usable so the caller can compensate after a duplicate identifier.
	if _, err := t.exec(`SAVEPOINT ` + createAnimalSavepoint); err != nil {
		return domain.Animal{}, fmt.Errorf("savepoint: %w", err)
	}
	_, err = t.exec(`INSERT INTO animals (`+animalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Identifier, a.Strain, a.SequenceNumber, string(a.Sex), t.timeArg(a.DateOfBirth),
		stringPtrArg(a.MotherID), stringPtrArg(a.FatherID), earmarkArg(a.Earmark), t.timePtrArg(a.CulledDate),
		stringPtrArg(a.ProjectID), a.StockCage, t.timeArg(a.CreatedAt), t.timeArg(a.UpdatedAt))
	if err != nil {
		if _, rbErr := t.exec(`ROLLBACK TO SAVEPOINT ` + createAnimalSavepoint); rbErr != nil {
			return domain.Animal{}, errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		if t.dialect.IsUniqueViolation(err) {
			return domain.Animal{}, domain.DuplicateIdentityError{Identifier: a.Identifier}
		}
		return domain.Animal{}, fmt.Errorf("insert animal %s: %w", a.Identifier, err)
	}
	if _, err := t.exec(`RELEASE SAVEPOINT ` + createAnimalSavepoint); err != nil {
		return domain.Animal{}, fmt.Errorf("release savepoint: %w", err)
	}
	t.recordChange(domain.Change{Entity: domain.EntityAnimal, Action: domain.ActionCreate, After: a})
	return a, nil
}

func (t *transaction) UpdateAnimal(id string, mutator func(*domain.Animal) error) (domain.Animal, error) {
	before, err := t.FindAnimal(id)
	if err != nil {
		return domain.Animal{}, err
	}
	current := cloneAnimal(before)
	if err := mutator(&current); err != nil {
		return domain.Animal{}, err
	}
	current.Identifier = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = t.now
	_, err = t.exec(`UPDATE animals SET strain = ?, sequence_number = ?, sex = ?, date_of_birth = ?, mother_id = ?, father_id = ?,
		earmark = ?, culled_date = ?, project_id = ?, stock_cage = ?, updated_at = ? WHERE identifier = ?`,
		current.Strain, current.SequenceNumber, string(current.Sex), t.timeArg(current.DateOfBirth),
		stringPtrArg(current.MotherID), stringPtrArg(current.FatherID), earmarkArg(current.Earmark),
		t.timePtrArg(current.CulledDate), stringPtrArg(current.ProjectID), current.StockCage,
		t.timeArg(current.UpdatedAt), id)
	if err != nil {
		return domain.Animal{}, fmt.Errorf("update animal %s: %w", id, err)
	}
	t.recordChange(domain.Change{Entity: domain.EntityAnimal, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// cloneAnimal copies the pointer fields so a mutator cannot reach the
// recorded before image.
func cloneAnimal(a domain.Animal) domain.Animal {
	a.MotherID = clonePtr(a.MotherID)
	a.FatherID = clonePtr(a.FatherID)
	a.Earmark = clonePtr(a.Earmark)
	a.CulledDate = clonePtr(a.CulledDate)
	a.ProjectID = clonePtr(a.ProjectID)
	return a
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (t *transaction) DeleteAnimal(id string) error {
	current, err := t.FindAnimal(id)
	if err != nil {
		return err
	}
	var ref string
	err = t.queryRow(`SELECT identifier FROM animals WHERE mother_id = ? OR father_id = ? ORDER BY identifier LIMIT 1`, id, id).Scan(&ref)
	switch {
	case err == nil:
		return domain.ReferencedError{Entity: domain.EntityAnimal, ID: id, By: "animal " + ref}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check offspring of %s: %w", id, err)
	}
	err = t.queryRow(`SELECT box_id FROM breeding_cages WHERE mother_id = ? OR father_id = ? ORDER BY box_id LIMIT 1`, id, id).Scan(&ref)
	switch {
	case err == nil:
		return domain.ReferencedError{Entity: domain.EntityAnimal, ID: id, By: "breeding cage " + ref}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check cages of %s: %w", id, err)
	}
	var taskType string
	err = t.queryRow(`SELECT r.id, r.task_type FROM task_requests r JOIN task_request_subjects s ON s.request_id = r.id
		WHERE s.animal_id = ? AND r.confirmed = ? ORDER BY r.id LIMIT 1`, id, false).Scan(&ref, &taskType)
	switch {
	case err == nil:
		return domain.ReferencedError{Entity: domain.EntityAnimal, ID: id, By: fmt.Sprintf("open %s request %s", taskType, ref)}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check requests of %s: %w", id, err)
	}
	if _, err := t.exec(`DELETE FROM animals WHERE identifier = ?`, id); err != nil {
		return fmt.Errorf("delete animal %s: %w", id, err)
	}
	t.recordChange(domain.Change{Entity: domain.EntityAnimal, Action: domain.ActionDelete, Before: current})
	return nil
}

func (t *transaction) CreateBreedingCage(c domain.BreedingCage) (domain.BreedingCage, error) {
	c.CreatedAt = t.now
	c.UpdatedAt = t.now
	_, err := t.exec(`INSERT INTO breeding_cages (`+cageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.BoxID, c.Strain, c.MotherID, c.FatherID, t.timePtrArg(c.DateBorn), c.NumberBorn, c.NumberWeaned,
		c.MalePupsPending, c.FemalePupsPending, c.TransferredToStock, t.timeArg(c.CreatedAt), t.timeArg(c.UpdatedAt))
	if err != nil {
		if t.dialect.IsUniqueViolation(err) {
			return domain.BreedingCage{}, domain.ConflictError{Entity: domain.EntityBreedingCage, ID: c.BoxID}
		}
		return domain.BreedingCage{}, fmt.Errorf("insert breeding cage %s: %w", c.BoxID, err)
	}
	t.recordChange(domain.Change{Entity: domain.EntityBreedingCage, Action: domain.ActionCreate, After: c})
	return c, nil
}

func (t *transaction) UpdateBreedingCage(boxID string, mutator func(*domain.BreedingCage) error) (domain.BreedingCage, error) {
	before, err := t.FindBreedingCage(boxID)
	if err != nil {
		return domain.BreedingCage{}, err
	}
	current := before
	if before.DateBorn != nil {
		born := *before.DateBorn
		current.DateBorn = &born
	}
	if err := mutator(&current); err != nil {
		return domain.BreedingCage{}, err
	}
	current.BoxID = boxID
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = t.now
	_, err = t.exec(`UPDATE breeding_cages SET strain = ?, mother_id = ?, father_id = ?, date_born = ?, number_born = ?,
		number_weaned = ?, male_pups_pending = ?, female_pups_pending = ?, transferred_to_stock = ?, updated_at = ? WHERE box_id = ?`,
		current.Strain, current.MotherID, current.FatherID, t.timePtrArg(current.DateBorn), current.NumberBorn,
		current.NumberWeaned, current.MalePupsPending, current.FemalePupsPending, current.TransferredToStock,
		t.timeArg(current.UpdatedAt), boxID)
	if err != nil {
		return domain.BreedingCage{}, fmt.Errorf("update breeding cage %s: %w", boxID, err)
	}
	t.recordChange(domain.Change{Entity: domain.EntityBreedingCage, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

func (t *transaction) CreateTaskRequest(r domain.TaskRequest) (domain.TaskRequest, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if len(r.SubjectIDs) == 0 {
		return domain.TaskRequest{}, domain.ErrEmptySubjects
	}
	for _, id := range r.SubjectIDs {
		ok, err := t.exists(`SELECT 1 FROM animals WHERE identifier = ?`, id)
		if err != nil {
			return domain.TaskRequest{}, fmt.Errorf("check subject %s: %w", id, err)
		}
		if !ok {
			return domain.TaskRequest{}, domain.NotFoundError{Entity: domain.EntityAnimal, ID: id}
		}
	}
	r.CreatedAt = t.now
	r.UpdatedAt = t.now
	_, err := t.exec(`INSERT INTO task_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.TaskType), r.RequestedBy, r.Message, r.Confirmed, t.timePtrArg(r.ConfirmedAt),
		earmarkArg(r.Earmark), t.timePtrArg(r.CulledDate), t.timeArg(r.CreatedAt), t.timeArg(r.UpdatedAt))
	if err != nil {
		if t.dialect.IsUniqueViolation(err) {
			return domain.TaskRequest{}, domain.ConflictError{Entity: domain.EntityTaskRequest, ID: r.ID}
		}
		return domain.TaskRequest{}, fmt.Errorf("insert task request: %w", err)
	}
	for pos, id := range r.SubjectIDs {
		if _, err := t.exec(`INSERT INTO task_request_subjects (request_id, animal_id, ordinal) VALUES (?, ?, ?)`, r.ID, id, pos); err != nil {
			if t.dialect.IsUniqueViolation(err) {
				return domain.TaskRequest{}, domain.ValidationError{Field: "subjects", Message: fmt.Sprintf("animal %s listed twice", id)}
			}
			return domain.TaskRequest{}, fmt.Errorf("insert subject %s: %w", id, err)
		}
	}
	r.SubjectIDs = append([]string(nil), r.SubjectIDs...)
	t.recordChange(domain.Change{Entity: domain.EntityTaskRequest, Action: domain.ActionCreate, After: r})
	return r, nil
}

func (t *transaction) UpdateTaskRequest(id string, mutator func(*domain.TaskRequest) error) (domain.TaskRequest, error) {
	before, err := t.FindTaskRequest(id)
	if err != nil {
		return domain.TaskRequest{}, err
	}
	current := before
	current.SubjectIDs = append([]string(nil), before.SubjectIDs...)
	if err := mutator(&current); err != nil {
		return domain.TaskRequest{}, err
	}
	current.ID = id
	current.SubjectIDs = before.SubjectIDs
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = t.now
	_, err = t.exec(`UPDATE task_requests SET task_type = ?, requested_by = ?, message = ?, confirmed = ?, confirmed_at = ?,
		earmark = ?, culled_date = ?, updated_at = ? WHERE id = ?`,
		string(current.TaskType), current.RequestedBy, current.Message, current.Confirmed, t.timePtrArg(current.ConfirmedAt),
		earmarkArg(current.Earmark), t.timePtrArg(current.CulledDate), t.timeArg(current.UpdatedAt), id)
	if err != nil {
		return domain.TaskRequest{}, fmt.Errorf("update task request %s: %w", id, err)
	}
	t.recordChange(domain.Change{Entity: domain.EntityTaskRequest, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

func (t *transaction) CreateProject(p domain.Project) (domain.Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = t.now
	p.UpdatedAt = t.now
	_, err := t.exec(`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, t.timeArg(p.CreatedAt), t.timeArg(p.UpdatedAt))
	if err != nil {
		if t.dialect.IsUniqueViolation(err) {
			return domain.Project{}, domain.ConflictError{Entity: domain.EntityProject, ID: p.ID}
		}
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	t.recordChange(domain.Change{Entity: domain.EntityProject, Action: domain.ActionCreate, After: p})
	return p, nil
}
