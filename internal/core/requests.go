package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"mousecolony/pkg/domain"
)

// ConfirmParams carries the task-specific inputs supplied at confirmation.
type ConfirmParams struct {
	// Earmark is required for clip requests.
	Earmark string
	// CulledDate is used by cull requests; nil means today.
	CulledDate *time.Time
}

// taskPolicy describes how one task type validates subjects and what its
// confirmation does to them.
type taskPolicy struct {
	// ineligible returns a reason when the animal cannot be a subject, or "".
	ineligible func(Animal) string
	// exclusive marks task types where one open request per animal is allowed.
	exclusive bool
	// apply mutates the subjects and records the applied values on the request.
	apply func(tx Transaction, req *TaskRequest, params ConfirmParams, now time.Time) error
}

var taskPolicies = map[TaskType]taskPolicy{
	domain.TaskClip: {
		ineligible: func(a Animal) string {
			if a.Genotyped() {
				return "is already genotyped"
			}
			return ""
		},
		exclusive: true,
		apply:     applyClip,
	},
	domain.TaskCull: {
		ineligible: func(a Animal) string {
			if a.Culled() {
				return "is already culled"
			}
			return ""
		},
		exclusive: true,
		apply:     applyCull,
	},
	domain.TaskMove: {},
	domain.TaskWean: {},
}

func applyClip(tx Transaction, req *TaskRequest, params ConfirmParams, _ time.Time) error {
	mark, err := domain.ParseEarmark(params.Earmark)
	if err != nil {
		return err
	}
	for _, id := range req.SubjectIDs {
		if _, err := tx.UpdateAnimal(id, func(a *Animal) error {
			a.Earmark = &mark
			return nil
		}); err != nil {
			return err
		}
	}
	req.Earmark = &mark
	return nil
}

func applyCull(tx Transaction, req *TaskRequest, params ConfirmParams, now time.Time) error {
	date := domain.DateOnly(now)
	if params.CulledDate != nil {
		if params.CulledDate.IsZero() {
			return domain.ValidationError{Field: "culled_date", Message: "culled date is required"}
		}
		date = domain.DateOnly(*params.CulledDate)
	}
	var culled []string
	for _, id := range req.SubjectIDs {
		a, err := tx.FindAnimal(id)
		if err != nil {
			return err
		}
		if a.Culled() {
			culled = append(culled, id)
		}
	}
	if len(culled) > 0 {
		return domain.ValidationError{Field: "subjects", Message: "already culled: " + strings.Join(culled, ", ")}
	}
	for _, id := range req.SubjectIDs {
		if _, err := tx.UpdateAnimal(id, func(a *Animal) error {
			a.CulledDate = &date
			return nil
		}); err != nil {
			return err
		}
	}
	req.CulledDate = &date
	return nil
}

// NewDraftRequest builds an unsaved request. Duplicate subjects are collapsed,
// keeping first-seen order.
func NewDraftRequest(taskType TaskType, subjects []string, requestedBy, message string) TaskRequest {
	return TaskRequest{
		TaskType:    taskType,
		SubjectIDs:  uniqueSubjects(subjects),
		RequestedBy: strings.TrimSpace(requestedBy),
		Message:     message,
	}
}

func uniqueSubjects(subjects []string) []string {
	seen := make(map[string]struct{}, len(subjects))
	ids := make([]string, 0, len(subjects))
	for _, s := range subjects {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		ids = append(ids, s)
	}
	return ids
}

// RequestLifecycle drives task requests from draft to confirmed.
type RequestLifecycle struct {
	tx  Transaction
	now time.Time
}

// NewRequestLifecycle binds the lifecycle to an open transaction.
func NewRequestLifecycle(tx Transaction, now time.Time) RequestLifecycle {
	return RequestLifecycle{tx: tx, now: now}
}

// CheckEligibility reports every subject of the draft that cannot take part.
func (l RequestLifecycle) CheckEligibility(draft TaskRequest) error {
	policy, ok := taskPolicies[draft.TaskType]
	if !ok {
		return domain.ValidationError{Field: "task_type", Message: fmt.Sprintf("unknown task type %q", draft.TaskType)}
	}
	if len(draft.SubjectIDs) == 0 {
		return domain.ErrEmptySubjects
	}

	var openBySubject map[string]string
	if policy.exclusive {
		open, err := l.tx.ListTaskRequests(domain.TaskRequestFilter{TaskType: draft.TaskType, OpenOnly: true})
		if err != nil {
			return err
		}
		openBySubject = make(map[string]string)
		for _, req := range open {
			if req.ID == draft.ID {
				continue
			}
			for _, id := range req.SubjectIDs {
				if _, seen := openBySubject[id]; !seen {
					openBySubject[id] = req.ID
				}
			}
		}
	}

	var problems []domain.SubjectProblem
	for _, id := range draft.SubjectIDs {
		animal, err := l.tx.FindAnimal(id)
		if err != nil {
			return err
		}
		if policy.ineligible != nil {
			if reason := policy.ineligible(animal); reason != "" {
				problems = append(problems, domain.SubjectProblem{AnimalID: id, Reason: reason})
			}
		}
		if other, ok := openBySubject[id]; ok {
			problems = append(problems, domain.SubjectProblem{AnimalID: id, Reason: fmt.Sprintf("already has open %s request %s", draft.TaskType, other)})
		}
	}
	if len(problems) > 0 {
		return domain.IneligibleSubjectError{TaskType: draft.TaskType, Problems: problems}
	}
	return nil
}

// Submit validates a draft and persists it as an open request.
func (l RequestLifecycle) Submit(draft TaskRequest) (TaskRequest, error) {
	if draft.State() != domain.RequestDraft {
		return TaskRequest{}, domain.ValidationError{Field: "id", Message: "only draft requests can be submitted"}
	}
	draft.SubjectIDs = uniqueSubjects(draft.SubjectIDs)
	if err := l.CheckEligibility(draft); err != nil {
		return TaskRequest{}, err
	}
	draft.Confirmed = false
	draft.ConfirmedAt = nil
	draft.Earmark = nil
	draft.CulledDate = nil
	return l.tx.CreateTaskRequest(draft)
}

// Confirm flips the confirmation latch and applies the task effect to every
// subject. A second confirmation fails with AlreadyConfirmedError.
func (l RequestLifecycle) Confirm(id string, params ConfirmParams) (TaskRequest, error) {
	req, err := l.tx.FindTaskRequest(id)
	if err != nil {
		return TaskRequest{}, err
	}
	if req.Confirmed {
		return TaskRequest{}, domain.AlreadyConfirmedError{RequestID: id}
	}
	policy, ok := taskPolicies[req.TaskType]
	if !ok {
		return TaskRequest{}, domain.ValidationError{Field: "task_type", Message: fmt.Sprintf("unknown task type %q", req.TaskType)}
	}
	if policy.apply != nil {
		if err := policy.apply(l.tx, &req, params, l.now); err != nil {
			return TaskRequest{}, err
		}
	}
	confirmedAt := l.now
	return l.tx.UpdateTaskRequest(id, func(r *TaskRequest) error {
		if r.Confirmed {
			return domain.AlreadyConfirmedError{RequestID: id}
		}
		r.Confirmed = true
		r.ConfirmedAt = &confirmedAt
		r.Earmark = req.Earmark
		r.CulledDate = req.CulledDate
		return nil
	})
}

// TaskTypes lists the known task types in name order.
func TaskTypes() []string {
	out := make([]string, 0, len(taskPolicies))
	for t := range taskPolicies {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}
