package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mousecolony/internal/infra/persistence/memory"
	"mousecolony/pkg/domain"
)

// Service exposes the transactional colony operations over a persistent store.
type Service struct {
	store PersistentStore
	opts  serviceOptions
}

type nowSetter interface {
	SetNowFunc(func() time.Time)
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	cfg := defaultServiceOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if ns, ok := store.(nowSetter); ok {
		ns.SetNowFunc(cfg.clock.Now)
	}
	return &Service{store: store, opts: cfg}
}

// NewInMemoryService creates a service and in-memory store with the given rules engine.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// Close releases the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}

type operationMeta struct {
	entity EntityType
	action Action
}

var auditedOperations = map[string]operationMeta{
	"create_strain":         {EntityStrain, ActionCreate},
	"allocate_animal":       {EntityAnimal, ActionCreate},
	"update_animal":         {EntityAnimal, ActionUpdate},
	"delete_animal":         {EntityAnimal, ActionDelete},
	"assign_animal_project": {EntityAnimal, ActionUpdate},
	"create_project":        {EntityProject, ActionCreate},
	"create_breeding_cage":  {EntityBreedingCage, ActionCreate},
	"record_litter":         {EntityBreedingCage, ActionUpdate},
	"record_weaning":        {EntityBreedingCage, ActionUpdate},
	"materialize_litter":    {EntityBreedingCage, ActionUpdate},
	"create_task_request":   {EntityTaskRequest, ActionCreate},
	"confirm_task_request":  {EntityTaskRequest, ActionUpdate},
}

// write runs fn in a transaction and reports the outcome to every sink.
// fn returns the identifier of the record it touched.
func (s *Service) write(ctx context.Context, op string, fn func(Transaction) (string, error)) (Result, error) {
	ctx, span := s.opts.tracer.Start(ctx, op)
	started := time.Now()
	var entityID string
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		id, err := fn(tx)
		entityID = id
		return err
	})
	duration := time.Since(started)

	s.opts.metrics.Observe(ctx, op, err == nil, duration)
	for _, v := range res.Violations {
		if v.Severity == SeverityWarn {
			s.opts.logger.Warn("rule warning", "operation", op, "rule", v.Rule, "entity_id", v.EntityID, "message", v.Message)
		}
	}
	if err != nil {
		s.opts.logger.Error("operation failed", "operation", op, "entity_id", entityID, "error", err)
	} else {
		s.opts.logger.Debug("operation completed", "operation", op, "entity_id", entityID, "duration", duration)
	}
	s.recordAudit(ctx, op, entityID, duration, err)
	span.End(err)
	return res, err
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	meta, ok := auditedOperations[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.opts.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.opts.audit.Record(ctx, entry)
}

// read runs fn against a committed snapshot.
func (s *Service) read(ctx context.Context, op string, fn func(TransactionView) error) error {
	ctx, span := s.opts.tracer.Start(ctx, op)
	started := time.Now()
	err := s.store.View(ctx, fn)
	s.opts.metrics.Observe(ctx, op, err == nil, time.Since(started))
	if err != nil && !IsNotFound(err) {
		s.opts.logger.Error("read failed", "operation", op, "error", err)
	}
	span.End(err)
	return err
}

// CreateStrain registers a strain with an empty identifier sequence.
func (s *Service) CreateStrain(ctx context.Context, name string) (Strain, Result, error) {
	name = strings.TrimSpace(name)
	var created Strain
	res, err := s.write(ctx, "create_strain", func(tx Transaction) (string, error) {
		if name == "" {
			return "", domain.ValidationError{Field: "name", Message: "strain name is required"}
		}
		var err error
		created, err = tx.CreateStrain(Strain{Name: name})
		return name, err
	})
	return created, res, err
}

// GetStrain returns one strain.
func (s *Service) GetStrain(ctx context.Context, name string) (Strain, error) {
	var out Strain
	err := s.read(ctx, "get_strain", func(v TransactionView) error {
		var err error
		out, err = v.FindStrain(name)
		return err
	})
	return out, err
}

// ListStrains returns all strains ordered by name.
func (s *Service) ListStrains(ctx context.Context) ([]Strain, error) {
	var out []Strain
	err := s.read(ctx, "list_strains", func(v TransactionView) error {
		var err error
		out, err = v.ListStrains()
		return err
	})
	return out, err
}

// AllocateAnimal mints a new animal identity.
func (s *Service) AllocateAnimal(ctx context.Context, req AllocationRequest) (Animal, Result, error) {
	var created Animal
	res, err := s.write(ctx, "allocate_animal", func(tx Transaction) (string, error) {
		if req.ProjectID != nil && *req.ProjectID != "" {
			if _, err := tx.FindProject(*req.ProjectID); err != nil {
				return "", err
			}
		}
		var err error
		created, err = NewIdentityAllocator(tx, s.opts.logger).Allocate(req)
		return created.Identifier, err
	})
	return created, res, err
}

// GetAnimal returns one animal.
func (s *Service) GetAnimal(ctx context.Context, id string) (Animal, error) {
	var out Animal
	err := s.read(ctx, "get_animal", func(v TransactionView) error {
		var err error
		out, err = v.FindAnimal(id)
		return err
	})
	return out, err
}

// ListAnimals returns animals matching the filter ordered by identifier.
func (s *Service) ListAnimals(ctx context.Context, filter AnimalFilter) ([]Animal, error) {
	var out []Animal
	err := s.read(ctx, "list_animals", func(v TransactionView) error {
		var err error
		out, err = v.ListAnimals(filter)
		return err
	})
	return out, err
}

// UpdateAnimal mutates an animal. Identity fields and a recorded culled date
// are protected by the lineage rule.
func (s *Service) UpdateAnimal(ctx context.Context, id string, mutator func(*Animal) error) (Animal, Result, error) {
	var updated Animal
	res, err := s.write(ctx, "update_animal", func(tx Transaction) (string, error) {
		var err error
		updated, err = tx.UpdateAnimal(id, mutator)
		return id, err
	})
	return updated, res, err
}

// DeleteAnimal removes an animal that nothing references.
func (s *Service) DeleteAnimal(ctx context.Context, id string) (Result, error) {
	return s.write(ctx, "delete_animal", func(tx Transaction) (string, error) {
		return id, tx.DeleteAnimal(id)
	})
}

// AssignAnimalProject links an animal to a project. An empty project ID clears the link.
func (s *Service) AssignAnimalProject(ctx context.Context, animalID, projectID string) (Animal, Result, error) {
	var updated Animal
	res, err := s.write(ctx, "assign_animal_project", func(tx Transaction) (string, error) {
		var ref *string
		if projectID != "" {
			if _, err := tx.FindProject(projectID); err != nil {
				return animalID, err
			}
			ref = &projectID
		}
		var err error
		updated, err = tx.UpdateAnimal(animalID, func(a *Animal) error {
			a.ProjectID = ref
			return nil
		})
		return animalID, err
	})
	return updated, res, err
}

// CreateProject persists a new project.
func (s *Service) CreateProject(ctx context.Context, name, description string) (Project, Result, error) {
	name = strings.TrimSpace(name)
	var created Project
	res, err := s.write(ctx, "create_project", func(tx Transaction) (string, error) {
		if name == "" {
			return "", domain.ValidationError{Field: "name", Message: "project name is required"}
		}
		var err error
		created, err = tx.CreateProject(Project{Name: name, Description: description})
		return created.ID, err
	})
	return created, res, err
}

// GetProject returns one project.
func (s *Service) GetProject(ctx context.Context, id string) (Project, error) {
	var out Project
	err := s.read(ctx, "get_project", func(v TransactionView) error {
		var err error
		out, err = v.FindProject(id)
		return err
	})
	return out, err
}

// ListProjects returns all projects.
func (s *Service) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := s.read(ctx, "list_projects", func(v TransactionView) error {
		var err error
		out, err = v.ListProjects()
		return err
	})
	return out, err
}

// ProjectAnimals lists the animals assigned to a project.
func (s *Service) ProjectAnimals(ctx context.Context, projectID string) ([]Animal, error) {
	var out []Animal
	err := s.read(ctx, "project_animals", func(v TransactionView) error {
		if _, err := v.FindProject(projectID); err != nil {
			return err
		}
		var err error
		out, err = v.ListAnimals(AnimalFilter{ProjectID: projectID})
		return err
	})
	return out, err
}

// CreateBreedingCage persists a breeding pair. The cage starts without a litter.
func (s *Service) CreateBreedingCage(ctx context.Context, cage BreedingCage) (BreedingCage, Result, error) {
	cage = BreedingCage{
		BoxID:    strings.TrimSpace(cage.BoxID),
		Strain:   strings.TrimSpace(cage.Strain),
		MotherID: strings.TrimSpace(cage.MotherID),
		FatherID: strings.TrimSpace(cage.FatherID),
	}
	var created BreedingCage
	res, err := s.write(ctx, "create_breeding_cage", func(tx Transaction) (string, error) {
		if err := validateCage(cage); err != nil {
			return cage.BoxID, err
		}
		if _, err := tx.FindStrain(cage.Strain); err != nil {
			return cage.BoxID, err
		}
		var err error
		created, err = tx.CreateBreedingCage(cage)
		return cage.BoxID, err
	})
	return created, res, err
}

func validateCage(cage BreedingCage) error {
	var missing []string
	if cage.BoxID == "" {
		missing = append(missing, "box_id")
	}
	if cage.Strain == "" {
		missing = append(missing, "strain")
	}
	if cage.MotherID == "" {
		missing = append(missing, "mother_id")
	}
	if cage.FatherID == "" {
		missing = append(missing, "father_id")
	}
	if len(missing) > 0 {
		return domain.ValidationError{Field: strings.Join(missing, ", "), Message: "required"}
	}
	return nil
}

// GetBreedingCage returns one breeding cage.
func (s *Service) GetBreedingCage(ctx context.Context, boxID string) (BreedingCage, error) {
	var out BreedingCage
	err := s.read(ctx, "get_breeding_cage", func(v TransactionView) error {
		var err error
		out, err = v.FindBreedingCage(boxID)
		return err
	})
	return out, err
}

// ListBreedingCages returns all breeding cages ordered by box ID.
func (s *Service) ListBreedingCages(ctx context.Context) ([]BreedingCage, error) {
	var out []BreedingCage
	err := s.read(ctx, "list_breeding_cages", func(v TransactionView) error {
		var err error
		out, err = v.ListBreedingCages()
		return err
	})
	return out, err
}

// RecordLitter records the birth date and size of a cage's litter.
func (s *Service) RecordLitter(ctx context.Context, boxID string, dateBorn time.Time, numberBorn int) (BreedingCage, Result, error) {
	var updated BreedingCage
	res, err := s.write(ctx, "record_litter", func(tx Transaction) (string, error) {
		var err error
		updated, err = recordLitter(tx, boxID, dateBorn, numberBorn)
		return boxID, err
	})
	return updated, res, err
}

// RecordWeaning records the weaned pups by sex as pending pups.
func (s *Service) RecordWeaning(ctx context.Context, boxID string, numberWeaned, males, females int) (BreedingCage, Result, error) {
	var updated BreedingCage
	res, err := s.write(ctx, "record_weaning", func(tx Transaction) (string, error) {
		var err error
		updated, err = recordWeaning(tx, boxID, numberWeaned, males, females)
		return boxID, err
	})
	return updated, res, err
}

// MaterializeLitter converts a cage's pending pups into animals in one transaction.
func (s *Service) MaterializeLitter(ctx context.Context, req MaterializeRequest) ([]Animal, Result, error) {
	var created []Animal
	res, err := s.write(ctx, "materialize_litter", func(tx Transaction) (string, error) {
		allocator := NewIdentityAllocator(tx, s.opts.logger)
		var err error
		created, err = NewLitterMaterializer(tx, allocator, s.opts.defaultTubeBase).Materialize(req)
		return req.BoxID, err
	})
	if err != nil {
		return nil, res, err
	}
	s.opts.logger.Info("litter materialized", "box_id", req.BoxID, "animals", len(created))
	return created, res, nil
}

// CreateTaskRequest submits a draft request after checking every subject.
func (s *Service) CreateTaskRequest(ctx context.Context, draft TaskRequest) (TaskRequest, Result, error) {
	var created TaskRequest
	res, err := s.write(ctx, "create_task_request", func(tx Transaction) (string, error) {
		var err error
		created, err = NewRequestLifecycle(tx, s.opts.clock.Now()).Submit(draft)
		return created.ID, err
	})
	return created, res, err
}

// ConfirmTaskRequest confirms an open request and applies its effect.
func (s *Service) ConfirmTaskRequest(ctx context.Context, id string, params ConfirmParams) (TaskRequest, Result, error) {
	var confirmed TaskRequest
	res, err := s.write(ctx, "confirm_task_request", func(tx Transaction) (string, error) {
		var err error
		confirmed, err = NewRequestLifecycle(tx, s.opts.clock.Now()).Confirm(id, params)
		return id, err
	})
	return confirmed, res, err
}

// GetTaskRequest returns one request.
func (s *Service) GetTaskRequest(ctx context.Context, id string) (TaskRequest, error) {
	var out TaskRequest
	err := s.read(ctx, "get_task_request", func(v TransactionView) error {
		var err error
		out, err = v.FindTaskRequest(id)
		return err
	})
	return out, err
}

// ListTaskRequests returns requests matching the filter, oldest first.
func (s *Service) ListTaskRequests(ctx context.Context, filter TaskRequestFilter) ([]TaskRequest, error) {
	if filter.TaskType != "" && !filter.TaskType.Valid() {
		return nil, domain.ValidationError{Field: "task_type", Message: fmt.Sprintf("unknown task type %q", filter.TaskType)}
	}
	var out []TaskRequest
	err := s.read(ctx, "list_task_requests", func(v TransactionView) error {
		var err error
		out, err = v.ListTaskRequests(filter)
		return err
	})
	return out, err
}

// FamilyTree builds the ancestry of an animal. maxDepth 0 means unlimited.
func (s *Service) FamilyTree(ctx context.Context, animalID string, maxDepth int) (*FamilyNode, error) {
	if maxDepth < 0 {
		return nil, domain.ValidationError{Field: "depth", Message: "depth cannot be negative"}
	}
	var root *FamilyNode
	err := s.read(ctx, "family_tree", func(v TransactionView) error {
		var err error
		root, err = BuildFamilyTree(v, animalID, maxDepth)
		return err
	})
	return root, err
}
