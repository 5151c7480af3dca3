package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/domain"
	"github.com/mcdev12/modulith/go/internal/execctx"
	"github.com/mcdev12/modulith/go/internal/memdb"
	"github.com/mcdev12/modulith/go/internal/messaging"
	"github.com/mcdev12/modulith/go/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type projectCreated struct {
	domain.EventBase
	Name string `json:"name"`
}

type project struct {
	domain.AggregateRoot
	ID   uuid.UUID
	Name string
}

func newProject(name string) *project {
	p := &project{ID: uuid.New(), Name: name}
	p.Record(&projectCreated{EventBase: domain.NewEventBase(t0), Name: name})
	return p
}

type projectRepo struct {
	rows *memdb.Table[string]
}

func (r projectRepo) Add(ctx context.Context, p *project) error {
	if _, err := r.rows.Insert(ctx, p.ID.String(), p.Name); err != nil {
		return err
	}
	domain.Track(ctx, p)
	return nil
}

type createProject struct {
	Name  string `validate:"required,max=20"`
	Owner string `validate:"omitempty,email"`
}

type countProjects struct{}

type uniqueName struct{ taken bool }

func (uniqueName) Name() string     { return "ProjectNameMustBeUnique" }
func (u uniqueName) IsBroken() bool { return u.taken }
func (uniqueName) Message() string  { return "project name already used" }

type fixture struct {
	db       *memdb.DB
	projects projectRepo
	outbox   *outbox.MemoryRepository
	registry *Registry
	pipeline *Pipeline
	calls    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memdb.New()
	codecs := messaging.NewRegistry()
	require.NoError(t, messaging.Register[projectCreated](codecs, "projects.ProjectCreated", 1))

	obRepo := outbox.NewMemoryRepository(db, "projects")
	f := &fixture{
		db:       db,
		projects: projectRepo{rows: memdb.NewTable[string](db, "projects.projects")},
		outbox:   obRepo,
		registry: NewRegistry(),
	}
	f.pipeline = NewPipeline("projects", f.registry, db, outbox.New("projects", obRepo), codecs, nil)

	Handle(f.registry, func(ctx context.Context, cmd *createProject) (uuid.UUID, error) {
		f.calls++
		taken := false
		f.projects.rows.Scan(ctx, func(_ string, name string) bool {
			taken = taken || name == cmd.Name
			return !taken
		})
		if err := domain.CheckRule(uniqueName{taken: taken}); err != nil {
			return uuid.Nil, err
		}
		p := newProject(cmd.Name)
		return p.ID, f.projects.Add(ctx, p)
	})
	HandleQuery(f.registry, func(ctx context.Context, _ countProjects) (int, error) {
		n := 0
		f.projects.rows.Scan(ctx, func(string, string) bool { n++; return true })
		return n, nil
	})
	require.NoError(t, f.registry.Validate())
	return f
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	h := func(context.Context, *createProject) (uuid.UUID, error) { return uuid.Nil, nil }
	Handle(r, h)
	Handle(r, h)
	Declare[*createProject](r)
	Declare[*struct{ X int }](r)
	DeclareQuery[countProjects](r)

	err := r.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateHandler)
	assert.ErrorIs(t, err, ErrNoHandler)
	assert.Contains(t, err.Error(), "query dispatch.countProjects")
	assert.Contains(t, err.Error(), "command *struct")

	r = NewRegistry()
	HandleQuery(r, func(context.Context, countProjects) (int, error) { return 0, nil })
	Declare[countProjects](r)
	assert.ErrorIs(t, r.Validate(), ErrWrongKind)
}

func TestSend_PersistsStateAndEventsTogether(t *testing.T) {
	f := newFixture(t)
	corr := uuid.New()
	ctx := execctx.WithBackground(context.Background(), uuid.Nil, corr)

	id, err := Send[*createProject, uuid.UUID](ctx, f.pipeline, &createProject{Name: "apollo"})
	require.NoError(t, err)

	name, ok := f.projects.rows.Get(context.Background(), id.String())
	require.True(t, ok)
	assert.Equal(t, "apollo", name)

	msgs := f.outbox.All(context.Background())
	require.Len(t, msgs, 1)
	assert.Equal(t, "projects.ProjectCreated.v1", msgs[0].Type)
	assert.Equal(t, t0, msgs[0].OccurredOn)
	assert.Nil(t, msgs[0].ProcessedDate)

	var ev projectCreated
	require.NoError(t, json.Unmarshal(msgs[0].Data, &ev))
	assert.Equal(t, msgs[0].ID, ev.ID)
	assert.Equal(t, corr, ev.CorrelationID)
	assert.Equal(t, "apollo", ev.Name)
}

func TestSend_WithoutCorrelationStampsNil(t *testing.T) {
	f := newFixture(t)

	_, err := Send[*createProject, uuid.UUID](context.Background(), f.pipeline, &createProject{Name: "gemini"})
	require.NoError(t, err)

	msgs := f.outbox.All(context.Background())
	require.Len(t, msgs, 1)
	var ev projectCreated
	require.NoError(t, json.Unmarshal(msgs[0].Data, &ev))
	assert.Equal(t, uuid.Nil, ev.CorrelationID)
}

func TestSend_ValidationRunsBeforeHandler(t *testing.T) {
	f := newFixture(t)

	_, err := Send[*createProject, uuid.UUID](context.Background(), f.pipeline, &createProject{Owner: "not-an-email"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 2)
	assert.Equal(t, "Name", ve.Errors[0].Field)
	assert.Equal(t, "required", ve.Errors[0].Rule)
	assert.Zero(t, f.calls)

	p := ProblemFrom(err)
	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Len(t, p.Errors, 2)

	_, err = Send[*createProject, uuid.UUID](context.Background(), f.pipeline, nil)
	require.ErrorAs(t, err, &ve)
}

func TestSend_BusinessRuleRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := Send[*createProject, uuid.UUID](ctx, f.pipeline, &createProject{Name: "apollo"})
	require.NoError(t, err)

	_, err = Send[*createProject, uuid.UUID](ctx, f.pipeline, &createProject{Name: "apollo"})
	bre, ok := domain.AsBusinessRuleError(err)
	require.True(t, ok)
	assert.Equal(t, "ProjectNameMustBeUnique", bre.Rule)

	p := ProblemFrom(err)
	assert.Equal(t, http.StatusUnprocessableEntity, p.Status)
	assert.Equal(t, "project name already used", p.Detail)

	assert.Len(t, f.outbox.All(ctx), 1)
}

func TestSend_CommitFailureLeavesNothing(t *testing.T) {
	f := newFixture(t)
	f.db.FailNextCommit(errors.New("connection reset"))

	_, err := Send[*createProject, uuid.UUID](context.Background(), f.pipeline, &createProject{Name: "apollo"})
	require.Error(t, err)

	n, err := Ask[countProjects, int](context.Background(), f.pipeline, countProjects{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.outbox.All(context.Background()))
}

func TestSendAny_JoinsOuterTransaction(t *testing.T) {
	f := newFixture(t)

	err := f.db.WithinTx(context.Background(), func(ctx context.Context) error {
		res, err := f.pipeline.SendAny(ctx, &createProject{Name: "apollo"})
		require.NoError(t, err)
		assert.IsType(t, uuid.UUID{}, res)
		return errors.New("lease lost")
	})
	require.Error(t, err)

	assert.Empty(t, f.outbox.All(context.Background()))
}

func TestAsk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := Send[*createProject, uuid.UUID](ctx, f.pipeline, &createProject{Name: "apollo"})
	require.NoError(t, err)

	n, err := Ask[countProjects, int](ctx, f.pipeline, countProjects{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = Ask[*createProject, uuid.UUID](ctx, f.pipeline, &createProject{Name: "x"})
	assert.ErrorIs(t, err, ErrWrongKind)

	_, err = Ask[string, int](ctx, f.pipeline, "unknown")
	assert.ErrorIs(t, err, ErrNoHandler)

	_, err = Ask[countProjects, string](ctx, f.pipeline, countProjects{})
	assert.ErrorContains(t, err, "handler returned int")
}

func TestProblemFrom(t *testing.T) {
	p := ProblemFrom(errors.New("pq: password authentication failed"))
	assert.Equal(t, http.StatusInternalServerError, p.Status)
	assert.Empty(t, p.Detail)

	p = ProblemFrom(errors.Join(domain.ErrNotFound, errors.New("user x")))
	assert.Equal(t, http.StatusNotFound, p.Status)

	p = ProblemFrom(context.DeadlineExceeded)
	assert.Equal(t, http.StatusServiceUnavailable, p.Status)
}
