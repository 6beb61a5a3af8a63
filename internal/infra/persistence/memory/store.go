// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mousecolony/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Strain aliases domain.Strain for in-memory persistence operations.
	Strain = domain.Strain
	// Animal aliases domain.Animal.
	Animal = domain.Animal
	// BreedingCage aliases domain.BreedingCage.
	BreedingCage = domain.BreedingCage
	// TaskRequest aliases domain.TaskRequest.
	TaskRequest = domain.TaskRequest
	// Project aliases domain.Project.
	Project = domain.Project
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	strains  map[string]Strain
	animals  map[string]Animal
	cages    map[string]BreedingCage
	requests map[string]TaskRequest
	projects map[string]Project
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Strains  map[string]Strain       `json:"strains"`
	Animals  map[string]Animal       `json:"animals"`
	Cages    map[string]BreedingCage `json:"breeding_cages"`
	Requests map[string]TaskRequest  `json:"task_requests"`
	Projects map[string]Project      `json:"projects"`
}

func newMemoryState() memoryState {
	return memoryState{
		strains:  make(map[string]Strain),
		animals:  make(map[string]Animal),
		cages:    make(map[string]BreedingCage),
		requests: make(map[string]TaskRequest),
		projects: make(map[string]Project),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.strains {
		cloned.strains[k] = v
	}
	for k, v := range s.animals {
		cloned.animals[k] = cloneAnimal(v)
	}
	for k, v := range s.cages {
		cloned.cages[k] = cloneCage(v)
	}
	for k, v := range s.requests {
		cloned.requests[k] = cloneRequest(v)
	}
	for k, v := range s.projects {
		cloned.projects[k] = v
	}
	return cloned
}

func cloneAnimal(a Animal) Animal {
	cp := a
	cp.MotherID = cloneString(a.MotherID)
	cp.FatherID = cloneString(a.FatherID)
	cp.ProjectID = cloneString(a.ProjectID)
	if a.Earmark != nil {
		mark := *a.Earmark
		cp.Earmark = &mark
	}
	cp.CulledDate = cloneTime(a.CulledDate)
	return cp
}

func cloneCage(c BreedingCage) BreedingCage {
	cp := c
	cp.DateBorn = cloneTime(c.DateBorn)
	return cp
}

func cloneRequest(r TaskRequest) TaskRequest {
	cp := r
	cp.SubjectIDs = append([]string(nil), r.SubjectIDs...)
	cp.ConfirmedAt = cloneTime(r.ConfirmedAt)
	cp.CulledDate = cloneTime(r.CulledDate)
	if r.Earmark != nil {
		mark := *r.Earmark
		cp.Earmark = &mark
	}
	return cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Store provides an in-memory transactional store for the core domain.
// Transactions are serialized by a store-wide lock, which makes every
// read-modify-write inside a transaction linearizable.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// ExportState clones the current store state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state.clone()
	return Snapshot{Strains: st.strains, Animals: st.animals, Cages: st.cages, Requests: st.requests, Projects: st.projects}
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	st := memoryState{
		strains:  snapshot.Strains,
		animals:  snapshot.Animals,
		cages:    snapshot.Cages,
		requests: snapshot.Requests,
		projects: snapshot.Projects,
	}
	if st.strains == nil {
		st.strains = map[string]Strain{}
	}
	if st.animals == nil {
		st.animals = map[string]Animal{}
	}
	if st.cages == nil {
		st.cages = map[string]BreedingCage{}
	}
	if st.requests == nil {
		st.requests = map[string]TaskRequest{}
	}
	if st.projects == nil {
		st.projects = map[string]Project{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st.clone()
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// SetNowFunc overrides the clock used to stamp records.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	tx.transactionView = transactionView{state: &tx.state}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, tx.transactionView, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(transactionView{state: &snapshot})
}

// transactionView exposes a read-only view over a state.
type transactionView struct {
	state *memoryState
}

func (v transactionView) FindStrain(name string) (Strain, error) {
	st, ok := v.state.strains[name]
	if !ok {
		return Strain{}, domain.NotFoundError{Entity: domain.EntityStrain, ID: name}
	}
	return st, nil
}

func (v transactionView) ListStrains() ([]Strain, error) {
	out := make([]Strain, 0, len(v.state.strains))
	for _, st := range v.state.strains {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (v transactionView) FindAnimal(id string) (Animal, error) {
	a, ok := v.state.animals[id]
	if !ok {
		return Animal{}, domain.NotFoundError{Entity: domain.EntityAnimal, ID: id}
	}
	return cloneAnimal(a), nil
}

func (v transactionView) ListAnimals(filter domain.AnimalFilter) ([]Animal, error) {
	out := make([]Animal, 0, len(v.state.animals))
	for _, a := range v.state.animals {
		if filter.Match(a) {
			out = append(out, cloneAnimal(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strain != out[j].Strain {
			return out[i].Strain < out[j].Strain
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (v transactionView) FindBreedingCage(boxID string) (BreedingCage, error) {
	c, ok := v.state.cages[boxID]
	if !ok {
		return BreedingCage{}, domain.NotFoundError{Entity: domain.EntityBreedingCage, ID: boxID}
	}
	return cloneCage(c), nil
}

func (v transactionView) ListBreedingCages() ([]BreedingCage, error) {
	out := make([]BreedingCage, 0, len(v.state.cages))
	for _, c := range v.state.cages {
		out = append(out, cloneCage(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoxID < out[j].BoxID })
	return out, nil
}

func (v transactionView) FindTaskRequest(id string) (TaskRequest, error) {
	r, ok := v.state.requests[id]
	if !ok {
		return TaskRequest{}, domain.NotFoundError{Entity: domain.EntityTaskRequest, ID: id}
	}
	return cloneRequest(r), nil
}

func (v transactionView) ListTaskRequests(filter domain.TaskRequestFilter) ([]TaskRequest, error) {
	out := make([]TaskRequest, 0, len(v.state.requests))
	for _, r := range v.state.requests {
		if filter.Match(r) {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v transactionView) FindProject(id string) (Project, error) {
	p, ok := v.state.projects[id]
	if !ok {
		return Project{}, domain.NotFoundError{Entity: domain.EntityProject, ID: id}
	}
	return p, nil
}

func (v transactionView) ListProjects() ([]Project, error) {
	out := make([]Project, 0, len(v.state.projects))
	for _, p := range v.state.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// transaction represents a mutation set applied to a cloned store state.
type transaction struct {
	transactionView
	state   memoryState
	changes []Change
	now     time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return tx.transactionView
}

func (tx *transaction) CreateStrain(st Strain) (Strain, error) {
	if _, exists := tx.state.strains[st.Name]; exists {
		return Strain{}, domain.ConflictError{Entity: domain.EntityStrain, ID: st.Name}
	}
	st.CreatedAt = tx.now
	st.UpdatedAt = tx.now
	tx.state.strains[st.Name] = st
	tx.recordChange(Change{Entity: domain.EntityStrain, Action: domain.ActionCreate, After: st})
	return st, nil
}

func (tx *transaction) IncrementStrainCounter(name string) (int, error) {
	return tx.adjustStrainCounter(name, 1)
}

func (tx *transaction) DecrementStrainCounter(name string) (int, error) {
	return tx.adjustStrainCounter(name, -1)
}

func (tx *transaction) adjustStrainCounter(name string, delta int) (int, error) {
	st, ok := tx.state.strains[name]
	if !ok {
		return 0, domain.NotFoundError{Entity: domain.EntityStrain, ID: name}
	}
	before := st
	st.AnimalCount += delta
	if st.AnimalCount < 0 {
		st.AnimalCount = 0
	}
	if st.AnimalCount == before.AnimalCount {
		return st.AnimalCount, nil
	}
	st.UpdatedAt = tx.now
	tx.state.strains[name] = st
	tx.recordChange(Change{Entity: domain.EntityStrain, Action: domain.ActionUpdate, Before: before, After: st})
	return st.AnimalCount, nil
}

func (tx *transaction) CreateAnimal(a Animal) (Animal, error) {
	if _, exists := tx.state.animals[a.Identifier]; exists {
		return Animal{}, domain.DuplicateIdentityError{Identifier: a.Identifier}
	}
	if _, ok := tx.state.strains[a.Strain]; !ok {
		return Animal{}, domain.NotFoundError{Entity: domain.EntityStrain, ID: a.Strain}
	}
	a.CreatedAt = tx.now
	a.UpdatedAt = tx.now
	tx.state.animals[a.Identifier] = cloneAnimal(a)
	tx.recordChange(Change{Entity: domain.EntityAnimal, Action: domain.ActionCreate, After: cloneAnimal(a)})
	return cloneAnimal(a), nil
}

func (tx *transaction) UpdateAnimal(id string, mutator func(*Animal) error) (Animal, error) {
	current, ok := tx.state.animals[id]
	if !ok {
		return Animal{}, domain.NotFoundError{Entity: domain.EntityAnimal, ID: id}
	}
	before := cloneAnimal(current)
	current = cloneAnimal(current)
	if err := mutator(&current); err != nil {
		return Animal{}, err
	}
	current.Identifier = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.animals[id] = cloneAnimal(current)
	tx.recordChange(Change{Entity: domain.EntityAnimal, Action: domain.ActionUpdate, Before: before, After: cloneAnimal(current)})
	return cloneAnimal(current), nil
}

func (tx *transaction) DeleteAnimal(id string) error {
	current, ok := tx.state.animals[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityAnimal, ID: id}
	}
	for _, other := range tx.state.animals {
		if (other.MotherID != nil && *other.MotherID == id) || (other.FatherID != nil && *other.FatherID == id) {
			return domain.ReferencedError{Entity: domain.EntityAnimal, ID: id, By: fmt.Sprintf("animal %s", other.Identifier)}
		}
	}
	for _, cage := range tx.state.cages {
		if cage.MotherID == id || cage.FatherID == id {
			return domain.ReferencedError{Entity: domain.EntityAnimal, ID: id, By: fmt.Sprintf("breeding cage %s", cage.BoxID)}
		}
	}
	for _, req := range tx.state.requests {
		if !req.Confirmed && req.HasSubject(id) {
			return domain.ReferencedError{Entity: domain.EntityAnimal, ID: id, By: fmt.Sprintf("open %s request %s", req.TaskType, req.ID)}
		}
	}
	delete(tx.state.animals, id)
	tx.recordChange(Change{Entity: domain.EntityAnimal, Action: domain.ActionDelete, Before: cloneAnimal(current)})
	return nil
}

func (tx *transaction) CreateBreedingCage(c BreedingCage) (BreedingCage, error) {
	if _, exists := tx.state.cages[c.BoxID]; exists {
		return BreedingCage{}, domain.ConflictError{Entity: domain.EntityBreedingCage, ID: c.BoxID}
	}
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.cages[c.BoxID] = cloneCage(c)
	tx.recordChange(Change{Entity: domain.EntityBreedingCage, Action: domain.ActionCreate, After: cloneCage(c)})
	return cloneCage(c), nil
}

func (tx *transaction) UpdateBreedingCage(boxID string, mutator func(*BreedingCage) error) (BreedingCage, error) {
	current, ok := tx.state.cages[boxID]
	if !ok {
		return BreedingCage{}, domain.NotFoundError{Entity: domain.EntityBreedingCage, ID: boxID}
	}
	before := cloneCage(current)
	current = cloneCage(current)
	if err := mutator(&current); err != nil {
		return BreedingCage{}, err
	}
	current.BoxID = boxID
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.cages[boxID] = cloneCage(current)
	tx.recordChange(Change{Entity: domain.EntityBreedingCage, Action: domain.ActionUpdate, Before: before, After: cloneCage(current)})
	return cloneCage(current), nil
}

func (tx *transaction) CreateTaskRequest(r TaskRequest) (TaskRequest, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := tx.state.requests[r.ID]; exists {
		return TaskRequest{}, domain.ConflictError{Entity: domain.EntityTaskRequest, ID: r.ID}
	}
	if len(r.SubjectIDs) == 0 {
		return TaskRequest{}, domain.ErrEmptySubjects
	}
	for _, id := range r.SubjectIDs {
		if _, ok := tx.state.animals[id]; !ok {
			return TaskRequest{}, domain.NotFoundError{Entity: domain.EntityAnimal, ID: id}
		}
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.requests[r.ID] = cloneRequest(r)
	tx.recordChange(Change{Entity: domain.EntityTaskRequest, Action: domain.ActionCreate, After: cloneRequest(r)})
	return cloneRequest(r), nil
}

func (tx *transaction) UpdateTaskRequest(id string, mutator func(*TaskRequest) error) (TaskRequest, error) {
	current, ok := tx.state.requests[id]
	if !ok {
		return TaskRequest{}, domain.NotFoundError{Entity: domain.EntityTaskRequest, ID: id}
	}
	before := cloneRequest(current)
	current = cloneRequest(current)
	if err := mutator(&current); err != nil {
		return TaskRequest{}, err
	}
	current.ID = id
	current.SubjectIDs = before.SubjectIDs
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.requests[id] = cloneRequest(current)
	tx.recordChange(Change{Entity: domain.EntityTaskRequest, Action: domain.ActionUpdate, Before: before, After: cloneRequest(current)})
	return cloneRequest(current), nil
}

func (tx *transaction) CreateProject(p Project) (Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := tx.state.projects[p.ID]; exists {
		return Project{}, domain.ConflictError{Entity: domain.EntityProject, ID: p.ID}
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.projects[p.ID] = p
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionCreate, After: p})
	return p, nil
}
