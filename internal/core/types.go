package core

import "mousecolony/pkg/domain"

type (
	EntityType         = domain.EntityType
	Severity           = domain.Severity
	Sex                = domain.Sex
	Earmark            = domain.Earmark
	TaskType           = domain.TaskType
	Strain             = domain.Strain
	Animal             = domain.Animal
	BreedingCage       = domain.BreedingCage
	TaskRequest        = domain.TaskRequest
	Project            = domain.Project
	AnimalFilter       = domain.AnimalFilter
	TaskRequestFilter  = domain.TaskRequestFilter
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	Rule               = domain.Rule
	RulesEngine        = domain.RulesEngine
	RuleViolationError = domain.RuleViolationError
	Transaction        = domain.Transaction
	TransactionView    = domain.TransactionView
	PersistentStore    = domain.PersistentStore
)

const (
	EntityStrain       = domain.EntityStrain
	EntityAnimal       = domain.EntityAnimal
	EntityBreedingCage = domain.EntityBreedingCage
	EntityTaskRequest  = domain.EntityTaskRequest
	EntityProject      = domain.EntityProject
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)

// NewRulesEngine constructs an empty rules engine.
func NewRulesEngine() *RulesEngine { return domain.NewRulesEngine() }

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool { return domain.IsNotFound(err) }
