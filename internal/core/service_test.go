package core

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mousecolony/internal/blob"
	"mousecolony/pkg/domain"
)

func TestServiceReportsToSinks(t *testing.T) {
	audit := &recordingAudit{}
	metrics := &recordingMetrics{}
	logger := &recordingLogger{}
	tracer := NewJSONTracer(nil)
	svc := newTestService(t,
		WithAuditRecorder(audit),
		WithMetricsRecorder(metrics),
		WithLogger(logger),
		WithTracer(tracer),
	)
	ctx := context.Background()

	mustStrain(t, svc, "B6")
	_, _, err := svc.CreateStrain(ctx, "B6")
	var conflict domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	_, err = svc.GetStrain(ctx, "B6")
	require.NoError(t, err)

	entries := audit.all()
	require.Len(t, entries, 2, "reads are not audited")
	assert.Equal(t, "create_strain", entries[0].Operation)
	assert.Equal(t, EntityStrain, entries[0].Entity)
	assert.Equal(t, ActionCreate, entries[0].Action)
	assert.Equal(t, "B6", entries[0].EntityID)
	assert.Equal(t, AuditStatusSuccess, entries[0].Status)
	assert.Equal(t, testNow, entries[0].Timestamp)
	assert.Equal(t, AuditStatusError, entries[1].Status)
	assert.NotEmpty(t, entries[1].Error)

	assert.Equal(t, []observation{
		{op: "create_strain", success: true},
		{op: "create_strain", success: false},
		{op: "get_strain", success: true},
	}, metrics.all())

	assert.True(t, logger.has("DEBUG operation completed"))
	assert.True(t, logger.has("ERROR operation failed"))

	spans := tracer.Records()
	require.Len(t, spans, 3)
	assert.Equal(t, "create_strain", spans[0].Operation)
	assert.Equal(t, "success", spans[0].Status)
	assert.Equal(t, "error", spans[1].Status)
	assert.NotEmpty(t, spans[1].Error)
	assert.NotEqual(t, spans[0].SpanID, spans[1].SpanID)
}

func TestNotFoundReadsAreNotLoggedAsErrors(t *testing.T) {
	logger := &recordingLogger{}
	svc := newTestService(t, WithLogger(logger))
	_, err := svc.GetAnimal(context.Background(), "B6-1")
	require.True(t, IsNotFound(err))
	assert.False(t, logger.has("ERROR read failed"))
}

func TestAllocatorCollisionIsLogged(t *testing.T) {
	logger := &recordingLogger{}
	svc := newTestService(t, WithLogger(logger))
	mustStrain(t, svc, "B6")
	mustAnimal(t, svc, "B6", domain.SexMale)
	seq := 1
	_, _, err := svc.AllocateAnimal(context.Background(), AllocationRequest{Strain: "B6", Sex: domain.SexMale, DateOfBirth: testNow, Sequence: &seq})
	require.Error(t, err)
	assert.True(t, logger.has("WARN identifier collision, strain counter rolled back"))
}

func TestJSONTracerWritesLines(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	ctx, span := tracer.Start(context.Background(), "list_animals")
	id := SpanID(ctx)
	require.NotEmpty(t, id)
	span.End(errors.New("boom"))
	span.End(nil)

	require.Len(t, tracer.Records(), 1, "a span ends once")
	var rec SpanRecord
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, id, rec.SpanID)
	assert.Equal(t, "list_animals", rec.Operation)
	assert.Equal(t, "error", rec.Status)
	assert.Equal(t, "boom", rec.Error)
	assert.Empty(t, SpanID(context.Background()))
}

func TestLogAuditRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	svc := newTestService(t, WithAuditRecorder(NewLogAuditRecorder(logger)))
	ctx := context.Background()

	mustStrain(t, svc, "B6")
	_, _, err := svc.CreateStrain(ctx, " ")
	require.Error(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var ok, failed map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ok))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &failed))
	assert.Equal(t, "INFO", ok["level"])
	assert.Equal(t, "audit", ok["msg"])
	assert.Equal(t, "create_strain", ok["operation"])
	assert.Equal(t, "B6", ok["entity_id"])
	assert.Equal(t, "WARN", failed["level"])
	assert.Contains(t, failed["error"], "strain name is required")
}

func TestProjects(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustStrain(t, svc, "B6")
		a := mustAnimal(t, svc, "B6", domain.SexFemale)
		b := mustAnimal(t, svc, "B6", domain.SexMale)

		_, _, err := svc.CreateProject(ctx, "  ", "")
		var ve domain.ValidationError
		require.ErrorAs(t, err, &ve)

		project, _, err := svc.CreateProject(ctx, "Obesity", "diet study")
		require.NoError(t, err)
		require.NotEmpty(t, project.ID)

		got, err := svc.GetProject(ctx, project.ID)
		require.NoError(t, err)
		assert.Equal(t, "diet study", got.Description)
		all, err := svc.ListProjects(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		updated, _, err := svc.AssignAnimalProject(ctx, a.Identifier, project.ID)
		require.NoError(t, err)
		require.NotNil(t, updated.ProjectID)
		assert.Equal(t, project.ID, *updated.ProjectID)

		_, _, err = svc.AssignAnimalProject(ctx, b.Identifier, "nope")
		assert.True(t, IsNotFound(err))

		members, err := svc.ProjectAnimals(ctx, project.ID)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, a.Identifier, members[0].Identifier)

		cleared, _, err := svc.AssignAnimalProject(ctx, a.Identifier, "")
		require.NoError(t, err)
		assert.Nil(t, cleared.ProjectID)
		members, err = svc.ProjectAnimals(ctx, project.ID)
		require.NoError(t, err)
		assert.Empty(t, members)

		_, err = svc.ProjectAnimals(ctx, "nope")
		assert.True(t, IsNotFound(err))

		pid := project.ID
		c, _, err := svc.AllocateAnimal(ctx, AllocationRequest{Strain: "B6", Sex: domain.SexFemale, DateOfBirth: testNow, ProjectID: &pid})
		require.NoError(t, err)
		require.NotNil(t, c.ProjectID)
	})
}

func TestStrainsAndAnimalListings(t *testing.T) {
	eachBackend(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustStrain(t, svc, "C57")
		mustStrain(t, svc, "B6")
		_, _, err := svc.CreateStrain(ctx, "")
		var ve domain.ValidationError
		require.ErrorAs(t, err, &ve)

		strains, err := svc.ListStrains(ctx)
		require.NoError(t, err)
		require.Len(t, strains, 2)
		assert.Equal(t, "B6", strains[0].Name)
		assert.Equal(t, "C57", strains[1].Name)

		mustAnimal(t, svc, "B6", domain.SexFemale)
		mustAnimal(t, svc, "C57", domain.SexMale)
		mustAnimal(t, svc, "B6", domain.SexMale)

		b6, err := svc.ListAnimals(ctx, AnimalFilter{Strain: "B6"})
		require.NoError(t, err)
		require.Len(t, b6, 2)
		assert.Equal(t, "B6-1", b6[0].Identifier)
		assert.Equal(t, "B6-2", b6[1].Identifier)

		all, err := svc.ListAnimals(ctx, AnimalFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestExportColony(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	store := blob.NewMemory()
	mustStrain(t, svc, "B6")
	mother := mustAnimal(t, svc, "B6", domain.SexFemale)
	mustAnimal(t, svc, "B6", domain.SexMale, mother.Identifier)
	req, _, err := svc.CreateTaskRequest(ctx, NewDraftRequest(domain.TaskClip, []string{mother.Identifier}, "tech", ""))
	require.NoError(t, err)
	_, _, err = svc.ConfirmTaskRequest(ctx, req.ID, ConfirmParams{Earmark: "TR"})
	require.NoError(t, err)

	info, err := svc.ExportColony(ctx, store, "", AnimalFilter{})
	require.NoError(t, err)
	assert.Equal(t, "exports/colony-20240301T100000Z.csv", info.Key)
	assert.Equal(t, "2", info.Metadata["rows"])

	_, body, err := store.Get(ctx, info.Key)
	require.NoError(t, err)
	defer body.Close()
	raw, err := io.ReadAll(body)
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ExportColumns, rows[0])
	assert.Equal(t, []string{"B6-1", "B6", "1", "F", "2023-12-01", "", "", "TR", "", "", ""}, rows[1])
	assert.Equal(t, "B6-1", rows[2][5])

	_, err = svc.ExportColony(ctx, store, "", AnimalFilter{})
	assert.ErrorIs(t, err, blob.ErrExists)

	_, err = svc.ExportColony(ctx, nil, "x.csv", AnimalFilter{})
	var ve domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestDefaultTubeStartOption(t *testing.T) {
	svc := newTestService(t, WithDefaultTubeStart(0))
	assert.Equal(t, DefaultTubeStart, svc.opts.defaultTubeBase)
}
