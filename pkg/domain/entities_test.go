package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseSex(t *testing.T) {
	cases := map[string]Sex{"M": SexMale, "male": SexMale, " f ": SexFemale, "Female": SexFemale}
	for raw, want := range cases {
		got, err := ParseSex(raw)
		if err != nil || got != want {
			t.Fatalf("ParseSex(%q) = %q, %v", raw, got, err)
		}
	}
	_, err := ParseSex("x")
	var verr ValidationError
	if !errors.As(err, &verr) || verr.Field != "sex" {
		t.Fatalf("expected sex validation error, got %v", err)
	}
}

func TestParseEarmark(t *testing.T) {
	got, err := ParseEarmark(" tlbr ")
	if err != nil || got != "TLBR" {
		t.Fatalf("expected TLBR, got %q %v", got, err)
	}
	if _, err := ParseEarmark(""); err == nil {
		t.Fatalf("expected blank earmark to fail")
	}
	if _, err := ParseEarmark("XX"); err == nil {
		t.Fatalf("expected unknown earmark to fail")
	}
	if Earmark("TLTRBLBR").Valid() != true {
		t.Fatalf("four punch code should be valid")
	}
}

func TestAnimalIdentifierAndFlags(t *testing.T) {
	if got := AnimalIdentifier("C57BL/6", 12); got != "C57BL/6-12" {
		t.Fatalf("unexpected identifier %q", got)
	}
	a := Animal{}
	if a.Genotyped() || a.Culled() {
		t.Fatalf("blank animal should be neither genotyped nor culled")
	}
	mark := Earmark("TL")
	now := time.Now()
	a.Earmark = &mark
	a.CulledDate = &now
	if !a.Genotyped() || !a.Culled() {
		t.Fatalf("expected genotyped and culled")
	}
}

func TestTaskRequestState(t *testing.T) {
	r := TaskRequest{TaskType: TaskClip, SubjectIDs: []string{"A-1"}}
	if r.State() != RequestDraft || r.Open() {
		t.Fatalf("unsaved request should be a draft")
	}
	r.ID = "req-1"
	if r.State() != RequestOpen || !r.Open() {
		t.Fatalf("persisted request should be open")
	}
	r.Confirmed = true
	if r.State() != RequestConfirmed || r.Open() {
		t.Fatalf("confirmed request should be terminal")
	}
	if !r.HasSubject("A-1") || r.HasSubject("A-2") {
		t.Fatalf("HasSubject mismatch")
	}
	if !TaskWean.Valid() || TaskType("paint").Valid() {
		t.Fatalf("task type validity mismatch")
	}
}

func TestFilters(t *testing.T) {
	project := "p1"
	culled := time.Now()
	a := Animal{Strain: "B6", ProjectID: &project, CulledDate: &culled}
	if !(AnimalFilter{Strain: "B6", ProjectID: "p1"}).Match(a) {
		t.Fatalf("expected strain and project match")
	}
	if (AnimalFilter{AliveOnly: true}).Match(a) {
		t.Fatalf("culled animal should not match alive filter")
	}
	if (AnimalFilter{ProjectID: "p2"}).Match(a) {
		t.Fatalf("project mismatch should not match")
	}
	r := TaskRequest{Base: Base{ID: "r"}, TaskType: TaskCull, SubjectIDs: []string{"B6-1"}, Confirmed: true}
	if (TaskRequestFilter{OpenOnly: true}).Match(r) {
		t.Fatalf("confirmed request should not match open filter")
	}
	if !(TaskRequestFilter{TaskType: TaskCull, SubjectID: "B6-1"}).Match(r) {
		t.Fatalf("expected type and subject match")
	}
}

func TestBreedingCageDerivedCounts(t *testing.T) {
	c := BreedingCage{NumberBorn: 9, NumberWeaned: 7, MalePupsPending: 3, FemalePupsPending: 4}
	if c.PostWeaningLoss() != 2 || c.PendingPups() != 7 {
		t.Fatalf("unexpected derived counts %d %d", c.PostWeaningLoss(), c.PendingPups())
	}
}

func TestDateOnly(t *testing.T) {
	loc := time.FixedZone("X", -5*3600)
	got := DateOnly(time.Date(2024, 2, 29, 22, 15, 0, 0, loc))
	want := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("DateOnly = %v, want %v", got, want)
	}
	parsed, err := ParseDate("dob", "2024-03-01")
	if err != nil || !parsed.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("ParseDate = %v %v", parsed, err)
	}
	if _, err := ParseDate("dob", "03/01/2024"); err == nil {
		t.Fatalf("expected layout error")
	}
}

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{MissingTubeError{Position: 0}, "tube 1"},
		{NonIntegerTubeError{Position: 2, Value: "abc"}, `"abc"`},
		{DuplicateTubeError{Tube: 101, Positions: []int{0, 3}}, "pups 1, 4"},
		{DuplicateIdentityError{Identifier: "B6-3"}, "B6-3"},
		{AlreadyTransferredError{BoxID: "BX"}, "BX"},
		{AlreadyConfirmedError{RequestID: "r1"}, "r1"},
		{NotFoundError{Entity: EntityAnimal, ID: "B6-9"}, "animal B6-9 not found"},
		{ValidationError{Message: "bare"}, "bare"},
	}
	for _, tc := range cases {
		if !strings.Contains(tc.err.Error(), tc.want) {
			t.Fatalf("%T: %q does not contain %q", tc.err, tc.err.Error(), tc.want)
		}
	}
	inel := IneligibleSubjectError{TaskType: TaskClip, Problems: []SubjectProblem{{AnimalID: "B6-1", Reason: "is already genotyped"}, {AnimalID: "B6-2", Reason: "is culled"}}}
	if ids := inel.AnimalIDs(); len(ids) != 2 || ids[1] != "B6-2" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if !IsNotFound(errors.Join(errors.New("x"), NotFoundError{Entity: EntityStrain, ID: "S"})) {
		t.Fatalf("IsNotFound should see through joins")
	}
}
