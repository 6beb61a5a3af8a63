package domain

import "context"

// TransactionView provides read-only access to state. Within a transaction it
// observes the uncommitted writes of that transaction.
type TransactionView interface {
	FindStrain(name string) (Strain, error)
	ListStrains() ([]Strain, error)
	FindAnimal(id string) (Animal, error)
	ListAnimals(filter AnimalFilter) ([]Animal, error)
	FindBreedingCage(boxID string) (BreedingCage, error)
	ListBreedingCages() ([]BreedingCage, error)
	FindTaskRequest(id string) (TaskRequest, error)
	ListTaskRequests(filter TaskRequestFilter) ([]TaskRequest, error)
	FindProject(id string) (Project, error)
	ListProjects() ([]Project, error)
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView

	CreateStrain(Strain) (Strain, error)
	// IncrementStrainCounter atomically bumps animal_count and returns the new value.
	IncrementStrainCounter(name string) (int, error)
	// DecrementStrainCounter atomically lowers animal_count, clamped at zero.
	DecrementStrainCounter(name string) (int, error)

	// CreateAnimal inserts an animal. An identifier collision yields DuplicateIdentityError
	// and leaves the transaction usable.
	CreateAnimal(Animal) (Animal, error)
	UpdateAnimal(id string, mutator func(*Animal) error) (Animal, error)
	DeleteAnimal(id string) error

	CreateBreedingCage(BreedingCage) (BreedingCage, error)
	UpdateBreedingCage(boxID string, mutator func(*BreedingCage) error) (BreedingCage, error)

	CreateTaskRequest(TaskRequest) (TaskRequest, error)
	UpdateTaskRequest(id string, mutator func(*TaskRequest) error) (TaskRequest, error)

	CreateProject(Project) (Project, error)
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Close() error
}
