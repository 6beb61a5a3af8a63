package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mousecolony/pkg/domain"
)

func TestResolveTubes(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		overrides []string
		want      []int
	}{
		{name: "defaults only", n: 3, want: []int{100, 101, 102}},
		{name: "overrides then defaults", n: 4, overrides: []string{"7", " 9 "}, want: []int{7, 9, 100, 101}},
		{name: "all overridden", n: 2, overrides: []string{"12", "11"}, want: []int{12, 11}},
		{name: "no pups", n: 0, want: []int{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveTubes(tc.n, tc.overrides, DefaultTubeStart)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveTubesReportsEveryProblem(t *testing.T) {
	_, err := ResolveTubes(5, []string{"", "abc", "3", "3", "-2"}, DefaultTubeStart)
	require.Error(t, err)

	var missing domain.MissingTubeError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 0, missing.Position)

	var nonInt domain.NonIntegerTubeError
	require.ErrorAs(t, err, &nonInt)
	assert.Equal(t, 1, nonInt.Position)
	assert.Equal(t, "abc", nonInt.Value)

	var dup domain.DuplicateTubeError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, 3, dup.Tube)
	assert.Equal(t, []int{2, 3}, dup.Positions)

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	assert.Len(t, joined.Unwrap(), 4)
}

func TestResolveTubesOverrideCollidesWithDefault(t *testing.T) {
	_, err := ResolveTubes(3, []string{"101"}, DefaultTubeStart)
	var dup domain.DuplicateTubeError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, 101, dup.Tube)
	assert.Equal(t, []int{0, 2}, dup.Positions)
}

func TestResolveTubesTooManyOverrides(t *testing.T) {
	_, err := ResolveTubes(1, []string{"1", "2"}, DefaultTubeStart)
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "tubes", ve.Field)
}

func TestPendingPupsOrdersMalesFirst(t *testing.T) {
	pups := PendingPups(BreedingCage{MalePupsPending: 1, FemalePupsPending: 2})
	require.Len(t, pups, 3)
	assert.Equal(t, Pup{Position: 0, Sex: domain.SexMale}, pups[0])
	assert.Equal(t, Pup{Position: 1, Sex: domain.SexFemale}, pups[1])
	assert.Equal(t, Pup{Position: 2, Sex: domain.SexFemale}, pups[2])
}

func TestMaterializeLitter(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustStrain(t, svc, "B6")
		cage := mustWeanedCage(t, svc, "BOX-1", "B6", 2, 1)

		animals, _, err := svc.MaterializeLitter(ctx, MaterializeRequest{BoxID: "BOX-1", StockCage: "S-9"})
		require.NoError(t, err)
		require.Len(t, animals, 3)

		ids := []string{animals[0].Identifier, animals[1].Identifier, animals[2].Identifier}
		assert.Equal(t, []string{"B6-100", "B6-101", "B6-102"}, ids)
		assert.Equal(t, domain.SexMale, animals[0].Sex)
		assert.Equal(t, domain.SexMale, animals[1].Sex)
		assert.Equal(t, domain.SexFemale, animals[2].Sex)
		for _, a := range animals {
			require.NotNil(t, a.MotherID)
			require.NotNil(t, a.FatherID)
			assert.Equal(t, cage.MotherID, *a.MotherID)
			assert.Equal(t, cage.FatherID, *a.FatherID)
			assert.Equal(t, "S-9", a.StockCage)
			assert.True(t, a.DateOfBirth.Equal(*cage.DateBorn))
		}

		after, err := svc.GetBreedingCage(ctx, "BOX-1")
		require.NoError(t, err)
		assert.True(t, after.TransferredToStock)
		assert.Zero(t, after.PendingPups())

		st, err := svc.GetStrain(ctx, "B6")
		require.NoError(t, err)
		assert.Equal(t, 5, st.AnimalCount, "two parents plus three pups")

		_, _, err = svc.MaterializeLitter(ctx, MaterializeRequest{BoxID: "BOX-1"})
		var transferred domain.AlreadyTransferredError
		assert.ErrorAs(t, err, &transferred)
	})
}

func TestConcurrentMaterializeSucceedsOnce(t *testing.T) {
	eachBackend(t, assertSingleMaterialization)
}

func TestConcurrentMaterializeSucceedsOnceOnPostgres(t *testing.T) {
	assertSingleMaterialization(t, newPostgresService(t))
}

// assertSingleMaterialization races several materializations of one cage and
// checks that exactly one of them creates the pups.
func assertSingleMaterialization(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	mustStrain(t, svc, "B6")
	mustWeanedCage(t, svc, "BOX-RACE", "B6", 2, 3)

	const workers = 8
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		succeeded   int
		transferred int
		unexpected  []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := svc.MaterializeLitter(ctx, MaterializeRequest{BoxID: "BOX-RACE"})
			mu.Lock()
			defer mu.Unlock()
			var already domain.AlreadyTransferredError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &already):
				transferred++
			default:
				unexpected = append(unexpected, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, unexpected)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, transferred)

	animals, err := svc.ListAnimals(ctx, AnimalFilter{Strain: "B6"})
	require.NoError(t, err)
	assert.Len(t, animals, 2+5, "two parents plus five pups")

	cage, err := svc.GetBreedingCage(ctx, "BOX-RACE")
	require.NoError(t, err)
	assert.True(t, cage.TransferredToStock)
	assert.Zero(t, cage.PendingPups())

	st, err := svc.GetStrain(ctx, "B6")
	require.NoError(t, err)
	assert.Equal(t, 7, st.AnimalCount)
}

func TestMaterializeLitterWithTubeOverrides(t *testing.T) {
	svc := newTestService(t, WithDefaultTubeStart(200))
	ctx := context.Background()
	mustStrain(t, svc, "B6")
	mustWeanedCage(t, svc, "BOX-1", "B6", 1, 2)

	animals, _, err := svc.MaterializeLitter(ctx, MaterializeRequest{BoxID: "BOX-1", Tubes: []string{"42"}})
	require.NoError(t, err)
	require.Len(t, animals, 3)
	assert.Equal(t, "B6-42", animals[0].Identifier)
	assert.Equal(t, "B6-200", animals[1].Identifier)
	assert.Equal(t, "B6-201", animals[2].Identifier)
}

func TestMaterializeLitterConflictWritesNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustStrain(t, svc, "B6")
		mustWeanedCage(t, svc, "BOX-1", "B6", 2, 0)
		seq := 101
		_, _, err := svc.AllocateAnimal(ctx, AllocationRequest{Strain: "B6", Sex: domain.SexMale, DateOfBirth: testNow, Sequence: &seq})
		require.NoError(t, err)
		before, err := svc.GetStrain(ctx, "B6")
		require.NoError(t, err)

		_, _, err = svc.MaterializeLitter(ctx, MaterializeRequest{BoxID: "BOX-1"})
		var dup domain.DuplicateIdentityError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "B6-101", dup.Identifier)

		_, err = svc.GetAnimal(ctx, "B6-100")
		assert.True(t, IsNotFound(err), "no pup may be written when one identifier is taken")
		cage, err := svc.GetBreedingCage(ctx, "BOX-1")
		require.NoError(t, err)
		assert.False(t, cage.TransferredToStock)
		assert.Equal(t, 2, cage.MalePupsPending)
		after, err := svc.GetStrain(ctx, "B6")
		require.NoError(t, err)
		assert.Equal(t, before.AnimalCount, after.AnimalCount)
	})
}

func TestMaterializeLitterTubeErrorsWriteNothing(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	mustStrain(t, svc, "B6")
	mustWeanedCage(t, svc, "BOX-1", "B6", 1, 1)

	_, _, err := svc.MaterializeLitter(ctx, MaterializeRequest{BoxID: "BOX-1", Tubes: []string{"x", ""}})
	var nonInt domain.NonIntegerTubeError
	assert.ErrorAs(t, err, &nonInt)
	var missing domain.MissingTubeError
	assert.ErrorAs(t, err, &missing)

	animals, err := svc.ListAnimals(ctx, AnimalFilter{Strain: "B6"})
	require.NoError(t, err)
	assert.Len(t, animals, 2, "only the breeding pair exists")
}

func TestMaterializeLitterPreconditions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	mustStrain(t, svc, "B6")
	mother := mustAnimal(t, svc, "B6", domain.SexFemale)
	father := mustAnimal(t, svc, "B6", domain.SexMale)
	_, _, err := svc.CreateBreedingCage(ctx, BreedingCage{BoxID: "BOX-1", Strain: "B6", MotherID: mother.Identifier, FatherID: father.Identifier})
	require.NoError(t, err)

	_, _, err = svc.MaterializeLitter(ctx, MaterializeRequest{BoxID: "BOX-1"})
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "date_born", ve.Field)

	_, _, err = svc.RecordLitter(ctx, "BOX-1", testNow, 4)
	require.NoError(t, err)
	_, _, err = svc.MaterializeLitter(ctx, MaterializeRequest{BoxID: "BOX-1"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "pending_pups", ve.Field)

	_, _, err = svc.MaterializeLitter(ctx, MaterializeRequest{BoxID: "NOPE"})
	assert.True(t, IsNotFound(err))

	_, _, err = svc.RecordWeaning(ctx, "BOX-1", 1, 1, 0)
	require.NoError(t, err)
	_, _, err = svc.MaterializeLitter(ctx, MaterializeRequest{BoxID: "BOX-1", Strain: "missing"})
	assert.True(t, IsNotFound(err))
}

func TestRecordLitterAndWeaningValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	mustStrain(t, svc, "B6")
	mother := mustAnimal(t, svc, "B6", domain.SexFemale)
	father := mustAnimal(t, svc, "B6", domain.SexMale)
	_, _, err := svc.CreateBreedingCage(ctx, BreedingCage{BoxID: "BOX-1", Strain: "B6", MotherID: mother.Identifier, FatherID: father.Identifier})
	require.NoError(t, err)

	var ve domain.ValidationError
	_, _, err = svc.RecordWeaning(ctx, "BOX-1", 2, 1, 1)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "date_born", ve.Field)

	_, _, err = svc.RecordLitter(ctx, "BOX-1", testNow, -1)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "number_born", ve.Field)

	cage, _, err := svc.RecordLitter(ctx, "BOX-1", testNow.Add(5*time.Hour), 6)
	require.NoError(t, err)
	require.NotNil(t, cage.DateBorn)
	assert.Equal(t, domain.DateOnly(testNow), *cage.DateBorn)
	assert.Equal(t, 6, cage.NumberBorn)

	_, _, err = svc.RecordWeaning(ctx, "BOX-1", 3, 1, 1)
	require.ErrorAs(t, err, &ve)

	_, _, err = svc.RecordWeaning(ctx, "BOX-1", 7, 4, 3)
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "exceeds number born")

	cage, _, err = svc.RecordWeaning(ctx, "BOX-1", 5, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, cage.PostWeaningLoss())
	assert.Equal(t, 5, cage.PendingPups())

	_, _, err = svc.RecordLitter(ctx, "BOX-1", testNow, 4)
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "below number weaned")

	_, _, err = svc.RecordLitter(ctx, "NOPE", testNow, 4)
	assert.True(t, IsNotFound(err))
}

func TestCreateBreedingCageValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.CreateBreedingCage(ctx, BreedingCage{BoxID: " "})
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "box_id, strain, mother_id, father_id", ve.Field)

	_, _, err = svc.CreateBreedingCage(ctx, BreedingCage{BoxID: "B", Strain: "none", MotherID: "m", FatherID: "f"})
	assert.True(t, IsNotFound(err))

	mustStrain(t, svc, "B6")
	mother := mustAnimal(t, svc, "B6", domain.SexFemale)
	father := mustAnimal(t, svc, "B6", domain.SexMale)
	created, _, err := svc.CreateBreedingCage(ctx, BreedingCage{
		BoxID: "BOX-1", Strain: "B6", MotherID: mother.Identifier, FatherID: father.Identifier,
		NumberBorn: 9, TransferredToStock: true,
	})
	require.NoError(t, err)
	assert.Zero(t, created.NumberBorn)
	assert.False(t, created.TransferredToStock)
	assert.Nil(t, created.DateBorn)

	_, _, err = svc.CreateBreedingCage(ctx, BreedingCage{BoxID: "BOX-1", Strain: "B6", MotherID: mother.Identifier, FatherID: father.Identifier})
	var conflict domain.ConflictError
	assert.True(t, errors.As(err, &conflict))

	cages, err := svc.ListBreedingCages(ctx)
	require.NoError(t, err)
	assert.Len(t, cages, 1)
}
