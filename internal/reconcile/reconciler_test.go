package reconcile

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcode/backend/internal/cache"
	"mailcode/backend/internal/config"
	"mailcode/backend/internal/directory"
	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/storage"
	"mailcode/backend/internal/storage/memory"
)

type fakeDirectory struct {
	accounts []directory.Account
	err      error
	calls    int
}

func (f *fakeDirectory) ListAccounts(context.Context) ([]directory.Account, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.accounts, nil
}

func accounts(emails ...string) []directory.Account {
	out := make([]directory.Account, 0, len(emails))
	for _, e := range emails {
		out = append(out, directory.Account{Email: e, Enabled: true})
	}
	return out
}

func seed(t *testing.T, store *memory.Store, address string, active bool) {
	t.Helper()
	require.NoError(t, store.CreateMailbox(context.Background(), &domain.Mailbox{
		Address:    address,
		Domain:     domain.DomainOf(address),
		Credential: "pw",
		ExpiresAt:  time.Now().Add(24 * time.Hour),
		Active:     active,
	}))
}

func newFixture(t *testing.T) (*memory.Store, *cache.LocalCache, *fakeDirectory, *Reconciler) {
	t.Helper()
	store := memory.NewStore()
	c := cache.NewLocalCache(0)
	t.Cleanup(func() { _ = c.Close() })
	dir := &fakeDirectory{}
	return store, c, dir, New(store, dir, c, nil)
}

func TestReconcileTwoPhaseWindow(t *testing.T) {
	ctx := context.Background()
	store, _, dir, r := newFixture(t)
	seed(t, store, "m@example.com", true)
	seed(t, store, "kept@example.com", true)
	dir.accounts = accounts("kept@example.com", "upstream-only@example.com")

	// 第一次：停用但保留
	result, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSuccess, result.Status)
	assert.Equal(t, 2, result.LocalMailboxes)
	assert.Equal(t, 2, result.DirectoryAccounts)
	assert.Equal(t, 1, result.Deactivated)
	assert.Equal(t, 0, result.Removed)

	mb, err := store.GetMailboxByAddress(ctx, "m@example.com")
	require.NoError(t, err)
	assert.False(t, mb.Active)

	// 第二次：仍缺失且已停用，删除
	result, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Deactivated)
	assert.Equal(t, 1, result.Removed)

	_, err = store.GetMailboxByAddress(ctx, "m@example.com")
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)

	kept, err := store.GetMailboxByAddress(ctx, "kept@example.com")
	require.NoError(t, err)
	assert.True(t, kept.Active)

	_, err = store.GetMailboxByAddress(ctx, "upstream-only@example.com")
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound, "目录独有的账号不会被导入")
}

func TestReconcileReappearanceHaltsCountdown(t *testing.T) {
	ctx := context.Background()
	store, _, dir, r := newFixture(t)
	seed(t, store, "m@example.com", true)

	_, err := r.Reconcile(ctx)
	require.NoError(t, err)

	dir.accounts = accounts("M@Example.com")
	result, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Deactivated)
	assert.Zero(t, result.Removed)

	mb, err := store.GetMailboxByAddress(ctx, "m@example.com")
	require.NoError(t, err)
	assert.False(t, mb.Active, "重新出现不会恢复激活")
}

func TestReconcileDirectoryFailureIsolation(t *testing.T) {
	ctx := context.Background()
	store, c, dir, r := newFixture(t)
	seed(t, store, "a@example.com", true)
	seed(t, store, "b@example.com", false)
	require.NoError(t, c.SetCode(ctx, "a@example.com", "123456", time.Hour))
	dir.err = errors.New("connection refused")

	result, err := r.Reconcile(ctx)
	require.Error(t, err)
	assert.Equal(t, domain.SyncStatusFailed, result.Status)
	assert.Contains(t, result.Error, "connection refused")
	assert.Equal(t, 2, result.LocalMailboxes)
	assert.Equal(t, -1, result.DirectoryAccounts)

	all, err := store.ListMailboxes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	a, err := store.GetMailboxByAddress(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, a.Active)

	code, ok, err := c.GetCode(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "123456", code)
}

func TestReconcileNullDirectoryListIsFailure(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`null`))
	}))
	defer srv.Close()

	store := memory.NewStore()
	seed(t, store, "a@example.com", true)
	seed(t, store, "b@example.com", false)
	dir := directory.New(config.DirectoryConfig{APIURL: srv.URL, Token: "tok"}, nil)
	r := New(store, dir, nil, nil)

	// 连续两轮都不能把 null 当作空目录
	for i := 0; i < 2; i++ {
		result, err := r.Reconcile(ctx)
		require.ErrorIs(t, err, directory.ErrNullAccountList)
		assert.Equal(t, domain.SyncStatusFailed, result.Status)
		assert.Zero(t, result.Deactivated)
		assert.Zero(t, result.Removed)
	}

	a, err := store.GetMailboxByAddress(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, a.Active)
	_, err = store.GetMailboxByAddress(ctx, "b@example.com")
	assert.NoError(t, err)
}

func TestReconcileNotConfiguredPropagates(t *testing.T) {
	_, _, dir, r := newFixture(t)
	dir.err = directory.ErrNotConfigured

	_, err := r.Reconcile(context.Background())
	assert.ErrorIs(t, err, directory.ErrNotConfigured)
}

func TestReconcilePurgesCache(t *testing.T) {
	ctx := context.Background()
	store, c, _, r := newFixture(t)
	seed(t, store, "gone@example.com", true)
	require.NoError(t, c.SetCode(ctx, "gone@example.com", "4321", time.Hour))
	require.NoError(t, c.SetMailbox(ctx, domain.MailboxSnapshot{Address: "gone@example.com", Active: true}, time.Hour))

	_, err := r.Reconcile(ctx)
	require.NoError(t, err)

	_, ok, _ := c.GetCode(ctx, "gone@example.com")
	assert.False(t, ok)
	_, ok, _ = c.GetMailbox(ctx, "gone@example.com")
	assert.False(t, ok)
}

type failingApplyStore struct{ *memory.Store }

func (s failingApplyStore) ApplyReconcilePlan(context.Context, storage.ReconcilePlan) (*storage.ReconcileOutcome, error) {
	return nil, errors.New("deadlock")
}

func TestReconcileApplyFailure(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "a@example.com", true)
	r := New(failingApplyStore{store}, &fakeDirectory{}, nil, nil)

	result, err := r.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.SyncStatusFailed, result.Status)
	assert.Equal(t, 0, result.DirectoryAccounts)
}

func TestPlan(t *testing.T) {
	local := []domain.Mailbox{
		{Address: "active-missing@example.com", Active: true},
		{Address: "inactive-missing@example.com", Active: false},
		{Address: "present@example.com", Active: true},
		{Address: "inactive-present@example.com", Active: false},
	}
	plan := Plan(local, accounts(" Present@example.com ", "inactive-present@example.com", "other@example.com"))

	assert.Equal(t, []string{"active-missing@example.com"}, plan.Deactivate)
	assert.Equal(t, []string{"inactive-missing@example.com"}, plan.Remove)

	empty := Plan(nil, nil)
	assert.Empty(t, empty.Deactivate)
	assert.Empty(t, empty.Remove)
}
