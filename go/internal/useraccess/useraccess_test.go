package useraccess

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/modulith/go/internal/dispatch"
	"github.com/mcdev12/modulith/go/internal/domain"
	"github.com/mcdev12/modulith/go/internal/execctx"
	"github.com/mcdev12/modulith/go/internal/internalcommands"
	"github.com/mcdev12/modulith/go/internal/memdb"
	"github.com/mcdev12/modulith/go/internal/outbox"
	"github.com/mcdev12/modulith/go/internal/rpcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/protobuf/types/known/structpb"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db         *memdb.DB
	clock      *clockwork.FakeClock
	module     *Module
	outbox     *outbox.MemoryRepository
	dispatcher *internalcommands.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memdb.New()
	clock := clockwork.NewFakeClockAt(t0)
	store := NewMemoryStore(db)

	m, err := NewModule(store, Options{Hasher: BcryptHasher{Cost: bcrypt.MinCost}, Clock: clock})
	require.NoError(t, err)

	return &fixture{
		db:         db,
		clock:      clock,
		module:     m,
		outbox:     store.Outbox.(*outbox.MemoryRepository),
		dispatcher: m.Dispatcher(internalcommands.Config{}, internalcommands.WithClock(clock), internalcommands.WithOwner("test")),
	}
}

func (f *fixture) eventTypes() []string {
	var out []string
	for _, m := range f.outbox.All(context.Background()) {
		out = append(out, m.Type)
	}
	return out
}

func (f *fixture) commands(t *testing.T, typ string) []internalcommands.Command {
	t.Helper()
	cmds, err := f.module.Store().Commands.List(context.Background(), internalcommands.Filter{Type: typ})
	require.NoError(t, err)
	return cmds
}

func adminCommand(login string) *AddAdminUser {
	return &AddAdminUser{
		Login:     login,
		Password:  "s3cret-pass",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Name:      "Ada Lovelace",
		Email:     login + "@example.com",
	}
}

func TestAddAdminUser_EnqueueThenDispatch(t *testing.T) {
	f := newFixture(t)
	corr := uuid.New()
	ctx := execctx.WithBackground(context.Background(), uuid.Nil, corr)

	cmdID, err := f.module.AddAdminUser(ctx, adminCommand("ada"))
	require.NoError(t, err)

	_, err = f.module.GetUserByLogin(ctx, GetUserByLogin{Login: "ada"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	res, err := f.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, internalcommands.Result{Claimed: 1, Processed: 1}, res)

	u, err := f.module.GetUserByLogin(context.Background(), GetUserByLogin{Login: "ada"})
	require.NoError(t, err)
	assert.True(t, u.IsActive)
	assert.Equal(t, []string{"Administrator"}, u.Roles)
	assert.Equal(t, "ada@example.com", u.Email)
	assert.Equal(t, t0, u.CreatedAt)
	assert.NotEqual(t, "s3cret-pass", u.Password)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.Password), []byte("s3cret-pass")))

	cmd, err := f.module.Store().Commands.Get(context.Background(), cmdID)
	require.NoError(t, err)
	assert.True(t, cmd.Processed())

	msgs := f.outbox.All(context.Background())
	require.Len(t, msgs, 1)
	assert.Equal(t, "useraccess.UserCreated.v1", msgs[0].Type)
	var ev UserCreated
	require.NoError(t, json.Unmarshal(msgs[0].Data, &ev))
	assert.Equal(t, u.ID, ev.UserID)
	assert.Equal(t, corr, ev.CorrelationID)
}

func TestAddAdminUser_InvalidCommandIsNotScheduled(t *testing.T) {
	f := newFixture(t)

	cmd := adminCommand("ada")
	cmd.Email = "not-an-email"
	_, err := f.module.AddAdminUser(context.Background(), cmd)

	var ve *dispatch.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Email", ve.Errors[0].Field)
	assert.Empty(t, f.commands(t, ""))
}

func TestAddAdminUser_DuplicateLoginIsRecordedOnCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.module.AddAdminUser(ctx, adminCommand("ada"))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	second, err := f.module.AddAdminUser(ctx, adminCommand("ada"))
	require.NoError(t, err)

	res, err := f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Failed)

	cmd, err := f.module.Store().Commands.Get(ctx, second)
	require.NoError(t, err)
	assert.False(t, cmd.Processed())
	assert.Contains(t, cmd.Error, `login "ada" is already used`)

	users, err := f.module.GetUsers(ctx, GetUsers{})
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Len(t, f.outbox.All(ctx), 1)
}

func TestProvisionUserFromClaims_ConcurrentCallsCreateOneUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []ProvisionResult
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.module.ProvisionUserFromClaims(ctx, &ProvisionUserFromClaims{
				ExternalID: "idp|42",
				Login:      "grace",
				Email:      "grace@example.com",
				Name:       "Grace Hopper",
			})
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, results, callers)
	created := 0
	for _, r := range results {
		if r.Created {
			created++
		}
		assert.Equal(t, results[0].UserID, r.UserID)
	}
	assert.Equal(t, 1, created)

	users, err := f.module.GetUsers(ctx, GetUsers{})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, []string{"Member"}, users[0].Roles)
	assert.Nil(t, users[0].ProfileSyncedAt)

	require.Len(t, f.commands(t, "useraccess.SyncUserProfile.v1"), 1)

	res, err := f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	u, err := f.module.GetUserByLogin(ctx, GetUserByLogin{Login: "grace"})
	require.NoError(t, err)
	require.NotNil(t, u.ProfileSyncedAt)
	assert.Equal(t, t0, *u.ProfileSyncedAt)
	assert.Equal(t, []string{"useraccess.UserCreated.v1", "useraccess.UserProfileSynced.v1"}, f.eventTypes())
}

func TestProvisionUserFromClaims_LoginDefaultsToExternalID(t *testing.T) {
	f := newFixture(t)

	res, err := f.module.ProvisionUserFromClaims(context.Background(), &ProvisionUserFromClaims{ExternalID: "idp|7"})
	require.NoError(t, err)
	assert.True(t, res.Created)

	u, err := f.module.GetUserByLogin(context.Background(), GetUserByLogin{Login: "idp|7"})
	require.NoError(t, err)
	assert.Equal(t, res.UserID, u.ID)
}

func TestProvisionUserFromClaims_TakenLoginRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.module.ProvisionUserFromClaims(ctx, &ProvisionUserFromClaims{ExternalID: "idp|1", Login: "sam"})
	require.NoError(t, err)

	_, err = f.module.ProvisionUserFromClaims(ctx, &ProvisionUserFromClaims{ExternalID: "idp|2", Login: "sam"})
	bre, ok := domain.AsBusinessRuleError(err)
	require.True(t, ok)
	assert.Equal(t, "UserLoginMustBeUnique", bre.Rule)

	_, err = f.module.Store().Users.GetByExternalID(ctx, "idp|2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, f.commands(t, ""), 1)
	assert.Len(t, f.outbox.All(ctx), 1)
}

func TestGetUsers_Pages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, login := range []string{"carol", "alice", "bob"} {
		_, err := f.module.ProvisionUserFromClaims(ctx, &ProvisionUserFromClaims{ExternalID: "idp|" + login, Login: login})
		require.NoError(t, err)
	}

	page, perPage := 2, 2
	users, err := f.module.GetUsers(ctx, GetUsers{Page: &page, PerPage: &perPage})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "carol", users[0].Login)

	zero := 0
	_, err = f.module.GetUsers(ctx, GetUsers{PerPage: &zero, Page: &zero})
	var ve *dispatch.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestUserDTO_HidesPassword(t *testing.T) {
	data, err := json.Marshal(UserDTO{Login: "ada", Password: "$2a$04$hash"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hash")
}

func TestService(t *testing.T) {
	f := newFixture(t)
	path, handler, err := NewService(f.module).Handler()
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	call := func(method string, req map[string]any) (*structpb.Struct, error) {
		msg, err := structpb.NewStruct(req)
		require.NoError(t, err)
		client := connect.NewClient[structpb.Struct, structpb.Struct](srv.Client(), srv.URL+UserAccessService.Procedure(method))
		res, err := client.CallUnary(context.Background(), connect.NewRequest(msg))
		if err != nil {
			return nil, err
		}
		return res.Msg, nil
	}

	out, err := call("ProvisionUserFromClaims", map[string]any{"externalId": "idp|9", "login": "lin"})
	require.NoError(t, err)
	assert.True(t, out.Fields["created"].GetBoolValue())

	out, err = call("GetUserByLogin", map[string]any{"login": "lin"})
	require.NoError(t, err)
	assert.Equal(t, "lin", out.Fields["login"].GetStringValue())
	assert.NotContains(t, out.Fields, "Password")

	out, err = call("GetUsers", map[string]any{"page": 1, "perPage": 10})
	require.NoError(t, err)
	assert.Len(t, out.Fields["users"].GetListValue().GetValues(), 1)

	_, err = call("GetUserByLogin", map[string]any{"login": "nobody"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
	p, ok := rpcutil.ProblemOf(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, p.Status)

	_, err = call("AddAdminUser", map[string]any{"login": "root"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
	p, ok = rpcutil.ProblemOf(err)
	require.True(t, ok)
	assert.Len(t, p.Errors, 2)

	out, err = call("AddAdminUser", map[string]any{"login": "root", "password": "pw", "email": "root@example.com"})
	require.NoError(t, err)
	_, err = uuid.Parse(out.Fields["commandId"].GetStringValue())
	assert.NoError(t, err)
}
