package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgauto/internal/model"
	"tgauto/internal/session"
	"tgauto/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open("file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// downClient simulates the platform being unreachable.
type downClient struct{}

var errDown = errors.New("connection refused")

func (downClient) RequestCode(ctx context.Context, phone string) error { return errDown }
func (downClient) VerifyCode(ctx context.Context, phone, code string) (string, error) {
	return "", errDown
}
func (downClient) ListMembers(ctx context.Context, group, credential string) ([]session.Member, error) {
	return nil, errDown
}
func (downClient) AddMember(ctx context.Context, group string, member session.Member, credential string) error {
	return errDown
}

func TestRequestAndVerifyFlow(t *testing.T) {
	store := newTestStore(t)
	f := New(store, session.NewSim(), zerolog.Nop())
	ctx := context.Background()
	const phone = "+5511999990000"

	id, err := f.RequestCode(ctx, phone)
	require.NoError(t, err)
	acc, err := store.AccountByID(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCodeRequested, acc.Status)

	// Wrong code moves the account to failed.
	err = f.VerifyCode(ctx, phone, "99999")
	assert.ErrorIs(t, err, session.ErrInvalidCode)
	acc, err = store.AccountByID(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, acc.Status)

	// failed is recoverable by re-requesting a code.
	id2, err := f.RequestCode(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	require.NoError(t, f.VerifyCode(ctx, phone, session.DefaultSimCode))
	acc, err = store.AccountByID(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAuthenticated, acc.Status)
	assert.NotEmpty(t, acc.Credential)
}

func TestVerifyRequiresOutstandingRequest(t *testing.T) {
	store := newTestStore(t)
	sim := session.NewSim()
	f := New(store, sim, zerolog.Nop())
	ctx := context.Background()

	// Unknown phone: nothing to verify against.
	err := f.VerifyCode(ctx, "+550000000000", session.DefaultSimCode)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A code requested for one phone must not verify another account's code.
	_, err = f.RequestCode(ctx, "+551111111111")
	require.NoError(t, err)
	other, _, err := store.GetOrCreateAccount("+552222222222")
	require.NoError(t, err)
	err = f.VerifyCode(ctx, "+552222222222", session.DefaultSimCode)
	assert.ErrorIs(t, err, ErrCodeNotRequested)
	acc, err := store.AccountByID(other.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, acc.Status)
}

func TestRequestCodeValidation(t *testing.T) {
	store := newTestStore(t)
	f := New(store, session.NewSim(), zerolog.Nop())

	_, err := f.RequestCode(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrPhoneRequired)

	err = f.VerifyCode(context.Background(), "", "123")
	assert.ErrorIs(t, err, ErrPhoneRequired)
}

func TestRequestCodePlatformDownLeavesStateUnchanged(t *testing.T) {
	store := newTestStore(t)
	f := New(store, downClient{}, zerolog.Nop())

	id, err := f.RequestCode(context.Background(), "+5511999990000")
	assert.ErrorIs(t, err, ErrExternalService)

	acc, err := store.AccountByID(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, acc.Status)
}

func TestActivateSwitchesSingleActive(t *testing.T) {
	store := newTestStore(t)
	sim := session.NewSim()
	f := New(store, sim, zerolog.Nop())
	ctx := context.Background()

	authenticate := func(phone string) string {
		id, err := f.RequestCode(ctx, phone)
		require.NoError(t, err)
		require.NoError(t, f.VerifyCode(ctx, phone, session.DefaultSimCode))
		return id
	}
	x := authenticate("+551100000001")
	y := authenticate("+551100000002")

	require.NoError(t, f.Activate(y))
	require.NoError(t, f.Activate(x))

	accX, err := store.AccountByID(x)
	require.NoError(t, err)
	accY, err := store.AccountByID(y)
	require.NoError(t, err)
	assert.True(t, accX.IsActive)
	assert.False(t, accY.IsActive)

	// Activating a never-verified account is rejected.
	pending, _, err := store.GetOrCreateAccount("+551100000003")
	require.NoError(t, err)
	assert.ErrorIs(t, f.Activate(pending.ID), storage.ErrNotAuthenticated)
}

func TestDeleteActiveAccount(t *testing.T) {
	store := newTestStore(t)
	f := New(store, session.NewSim(), zerolog.Nop())
	ctx := context.Background()

	id, err := f.RequestCode(ctx, "+551100000009")
	require.NoError(t, err)
	require.NoError(t, f.VerifyCode(ctx, "+551100000009", session.DefaultSimCode))
	require.NoError(t, f.Activate(id))

	require.NoError(t, f.Delete(id))
	active, err := store.ActiveAccount()
	require.NoError(t, err)
	assert.Nil(t, active)

	assert.ErrorIs(t, f.Delete(id), storage.ErrNotFound)
}
