package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mousecolony/pkg/domain"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader implements domain.TransactionView over a querier.
type reader struct {
	ctx     context.Context
	q       querier
	dialect Dialect
	lock    string
}

var _ domain.TransactionView = reader{}

const (
	strainColumns  = `name, animal_count, created_at, updated_at`
	animalColumns  = `identifier, strain, sequence_number, sex, date_of_birth, mother_id, father_id, earmark, culled_date, project_id, stock_cage, created_at, updated_at`
	cageColumns    = `box_id, strain, mother_id, father_id, date_born, number_born, number_weaned, male_pups_pending, female_pups_pending, transferred_to_stock, created_at, updated_at`
	requestColumns = `id, task_type, requested_by, message, confirmed, confirmed_at, earmark, culled_date, created_at, updated_at`
	projectColumns = `id, name, description, created_at, updated_at`
)

func (r reader) query(query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(r.ctx, r.dialect.Rebind(query), args...)
}

func (r reader) queryRow(query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(r.ctx, r.dialect.Rebind(query), args...)
}

func (r reader) exec(query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(r.ctx, r.dialect.Rebind(query), args...)
}

func (r reader) FindStrain(name string) (Strain, error) {
	row := r.queryRow(`SELECT `+strainColumns+` FROM strains WHERE name = ?`+r.lock, name)
	st, err := scanStrain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Strain{}, domain.NotFoundError{Entity: domain.EntityStrain, ID: name}
	}
	if err != nil {
		return Strain{}, fmt.Errorf("find strain %s: %w", name, err)
	}
	return st, nil
}

func (r reader) ListStrains() ([]Strain, error) {
	rows, err := r.query(`SELECT ` + strainColumns + ` FROM strains ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list strains: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Strain
	for rows.Next() {
		st, err := scanStrain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strain: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r reader) FindAnimal(id string) (Animal, error) {
	row := r.queryRow(`SELECT `+animalColumns+` FROM animals WHERE identifier = ?`+r.lock, id)
	a, err := scanAnimal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Animal{}, domain.NotFoundError{Entity: domain.EntityAnimal, ID: id}
	}
	if err != nil {
		return Animal{}, fmt.Errorf("find animal %s: %w", id, err)
	}
	return a, nil
}

func (r reader) ListAnimals(filter domain.AnimalFilter) ([]Animal, error) {
	var where []string
	var args []any
	if filter.Strain != "" {
		where = append(where, "strain = ?")
		args = append(args, filter.Strain)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.AliveOnly {
		where = append(where, "culled_date IS NULL")
	}
	query := `SELECT ` + animalColumns + ` FROM animals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY strain, sequence_number"
	rows, err := r.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list animals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Animal
	for rows.Next() {
		a, err := scanAnimal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan animal: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r reader) FindBreedingCage(boxID string) (BreedingCage, error) {
	row := r.queryRow(`SELECT `+cageColumns+` FROM breeding_cages WHERE box_id = ?`+r.lock, boxID)
	c, err := scanCage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BreedingCage{}, domain.NotFoundError{Entity: domain.EntityBreedingCage, ID: boxID}
	}
	if err != nil {
		return BreedingCage{}, fmt.Errorf("find breeding cage %s: %w", boxID, err)
	}
	return c, nil
}

func (r reader) ListBreedingCages() ([]BreedingCage, error) {
	rows, err := r.query(`SELECT ` + cageColumns + ` FROM breeding_cages ORDER BY box_id`)
	if err != nil {
		return nil, fmt.Errorf("list breeding cages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []BreedingCage
	for rows.Next() {
		c, err := scanCage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan breeding cage: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r reader) FindTaskRequest(id string) (TaskRequest, error) {
	row := r.queryRow(`SELECT `+requestColumns+` FROM task_requests WHERE id = ?`+r.lock, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRequest{}, domain.NotFoundError{Entity: domain.EntityTaskRequest, ID: id}
	}
	if err != nil {
		return TaskRequest{}, fmt.Errorf("find task request %s: %w", id, err)
	}
	if req.SubjectIDs, err = r.subjects(id); err != nil {
		return TaskRequest{}, err
	}
	return req, nil
}

func (r reader) ListTaskRequests(filter domain.TaskRequestFilter) ([]TaskRequest, error) {
	var where []string
	var args []any
	if filter.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, string(filter.TaskType))
	}
	if filter.OpenOnly {
		where = append(where, "confirmed = ?")
		args = append(args, false)
	}
	if filter.SubjectID != "" {
		where = append(where, "id IN (SELECT request_id FROM task_request_subjects WHERE animal_id = ?)")
		args = append(args, filter.SubjectID)
	}
	query := `SELECT ` + requestColumns + ` FROM task_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	rows, err := r.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task requests: %w", err)
	}
	var out []TaskRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan task request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	// subjects are loaded after the cursor is released; some drivers allow one open result set per connection.
	_ = rows.Close()
	for i := range out {
		if out[i].SubjectIDs, err = r.subjects(out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r reader) subjects(requestID string) ([]string, error) {
	rows, err := r.query(`SELECT animal_id FROM task_request_subjects WHERE request_id = ? ORDER BY ordinal`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list subjects for %s: %w", requestID, err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r reader) FindProject(id string) (Project, error) {
	row := r.queryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, domain.NotFoundError{Entity: domain.EntityProject, ID: id}
	}
	if err != nil {
		return Project{}, fmt.Errorf("find project %s: %w", id, err)
	}
	return p, nil
}

func (r reader) ListProjects() ([]Project, error) {
	rows, err := r.query(`SELECT ` + projectColumns + ` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type (
	// Strain aliases domain.Strain.
	Strain = domain.Strain
	// Animal aliases domain.Animal.
	Animal = domain.Animal
	// BreedingCage aliases domain.BreedingCage.
	BreedingCage = domain.BreedingCage
	// TaskRequest aliases domain.TaskRequest.
	TaskRequest = domain.TaskRequest
	// Project aliases domain.Project.
	Project = domain.Project
)

type scanner interface {
	Scan(dest ...any) error
}

func scanStrain(s scanner) (Strain, error) {
	var st Strain
	var created, updated any
	if err := s.Scan(&st.Name, &st.AnimalCount, &created, &updated); err != nil {
		return Strain{}, err
	}
	var err error
	if st.CreatedAt, err = toTime(created); err != nil {
		return Strain{}, err
	}
	if st.UpdatedAt, err = toTime(updated); err != nil {
		return Strain{}, err
	}
	return st, nil
}

func scanAnimal(s scanner) (Animal, error) {
	var a Animal
	var sex string
	var mother, father, earmark, project sql.NullString
	var dob, culled, created, updated any
	if err := s.Scan(&a.Identifier, &a.Strain, &a.SequenceNumber, &sex, &dob, &mother, &father, &earmark, &culled, &project, &a.StockCage, &created, &updated); err != nil {
		return Animal{}, err
	}
	a.Sex = domain.Sex(sex)
	a.MotherID = nullString(mother)
	a.FatherID = nullString(father)
	a.ProjectID = nullString(project)
	if earmark.Valid && earmark.String != "" {
		mark := domain.Earmark(earmark.String)
		a.Earmark = &mark
	}
	var err error
	if a.DateOfBirth, err = toTime(dob); err != nil {
		return Animal{}, err
	}
	if a.CulledDate, err = toTimePtr(culled); err != nil {
		return Animal{}, err
	}
	if a.CreatedAt, err = toTime(created); err != nil {
		return Animal{}, err
	}
	if a.UpdatedAt, err = toTime(updated); err != nil {
		return Animal{}, err
	}
	return a, nil
}

func scanCage(s scanner) (BreedingCage, error) {
	var c BreedingCage
	var born, created, updated any
	if err := s.Scan(&c.BoxID, &c.Strain, &c.MotherID, &c.FatherID, &born, &c.NumberBorn, &c.NumberWeaned, &c.MalePupsPending, &c.FemalePupsPending, &c.TransferredToStock, &created, &updated); err != nil {
		return BreedingCage{}, err
	}
	var err error
	if c.DateBorn, err = toTimePtr(born); err != nil {
		return BreedingCage{}, err
	}
	if c.CreatedAt, err = toTime(created); err != nil {
		return BreedingCage{}, err
	}
	if c.UpdatedAt, err = toTime(updated); err != nil {
		return BreedingCage{}, err
	}
	return c, nil
}

func scanRequest(s scanner) (TaskRequest, error) {
	var r TaskRequest
	var taskType string
	var earmark sql.NullString
	var confirmedAt, culled, created, updated any
	if err := s.Scan(&r.ID, &taskType, &r.RequestedBy, &r.Message, &r.Confirmed, &confirmedAt, &earmark, &culled, &created, &updated); err != nil {
		return TaskRequest{}, err
	}
	r.TaskType = domain.TaskType(taskType)
	if earmark.Valid && earmark.String != "" {
		mark := domain.Earmark(earmark.String)
		r.Earmark = &mark
	}
	var err error
	if r.ConfirmedAt, err = toTimePtr(confirmedAt); err != nil {
		return TaskRequest{}, err
	}
	if r.CulledDate, err = toTimePtr(culled); err != nil {
		return TaskRequest{}, err
	}
	if r.CreatedAt, err = toTime(created); err != nil {
		return TaskRequest{}, err
	}
	if r.UpdatedAt, err = toTime(updated); err != nil {
		return TaskRequest{}, err
	}
	return r, nil
}

func scanProject(s scanner) (Project, error) {
	var p Project
	var created, updated any
	if err := s.Scan(&p.ID, &p.Name, &p.Description, &created, &updated); err != nil {
		return Project{}, err
	}
	var err error
	if p.CreatedAt, err = toTime(created); err != nil {
		return Project{}, err
	}
	if p.UpdatedAt, err = toTime(updated); err != nil {
		return Project{}, err
	}
	return p, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// toTime normalizes driver time representations: pgx yields time.Time while
// the sqlite tables store RFC 3339 text.
func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}

func toTimePtr(v any) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	t, err := toTime(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q", raw)
}
