package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxrios/mcs/internal/errs"
)

// fakeUsers remembers credentials in a map, mirroring the store's
// do-nothing-on-conflict insert.
type fakeUsers struct {
	mu        sync.Mutex
	passwords map[string]string
	verifyErr error
	createErr error
	creates   int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{passwords: make(map[string]string)}
}

func (f *fakeUsers) CreateUser(_ context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.creates++
	if _, exists := f.passwords[username]; !exists {
		f.passwords[username] = password
	}
	return nil
}

func (f *fakeUsers) Verify(_ context.Context, username, password string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	stored, ok := f.passwords[username]
	return ok && stored == password, nil
}

// fakePresence hands the session slot to the first claimant, like the
// directory's SET NX.
type fakePresence struct {
	mu         sync.Mutex
	online     map[string]bool
	acquireErr error
	refreshes  int
	releases   int
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string]bool)}
}

func (f *fakePresence) AcquirePresence(_ context.Context, user string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	if f.online[user] {
		return false, nil
	}
	f.online[user] = true
	return true, nil
}

func (f *fakePresence) ReleasePresence(_ context.Context, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	delete(f.online, user)
	return nil
}

func (f *fakePresence) RefreshPresence(_ context.Context, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func newService(users *fakeUsers, presence *fakePresence) *Service {
	return NewService(users, presence, zerolog.Nop())
}

func TestFirstLoginRegisters(t *testing.T) {
	users := newFakeUsers()
	presence := newFakePresence()
	svc := newService(users, presence)

	err := svc.RegisterAndLogin(context.Background(), "alice", "pw")

	require.NoError(t, err)
	assert.Equal(t, 1, users.creates)
	assert.True(t, presence.online["alice"])
}

func TestReturningUserNeedsMatchingPassword(t *testing.T) {
	users := newFakeUsers()
	presence := newFakePresence()
	svc := newService(users, presence)
	require.NoError(t, svc.RegisterAndLogin(context.Background(), "alice", "pw"))
	require.NoError(t, svc.Logout(context.Background(), "alice"))

	// Right password logs straight back in without another create.
	require.NoError(t, svc.RegisterAndLogin(context.Background(), "alice", "pw"))
	assert.Equal(t, 1, users.creates)
	require.NoError(t, svc.Logout(context.Background(), "alice"))

	// Wrong password is invalid credentials, not a re-registration.
	err := svc.RegisterAndLogin(context.Background(), "alice", "nope")
	assert.Equal(t, errs.KindInvalidCredentials, errs.KindOf(err))
	assert.False(t, presence.online["alice"])
}

func TestShortUsernameRejectedBeforeAnyStoreCall(t *testing.T) {
	users := newFakeUsers()
	presence := newFakePresence()
	svc := newService(users, presence)

	for _, name := range []string{"al", "  al  ", "", "  "} {
		err := svc.RegisterAndLogin(context.Background(), name, "pw")
		assert.Equal(t, errs.KindUsernameTooShort, errs.KindOf(err), "name %q", name)
	}
	assert.Zero(t, users.creates)
	assert.Empty(t, presence.online)
}

func TestTrimmedLengthCountsButNameIsStoredVerbatim(t *testing.T) {
	users := newFakeUsers()
	presence := newFakePresence()
	svc := newService(users, presence)

	require.NoError(t, svc.RegisterAndLogin(context.Background(), " bob ", "pw"))
	_, stored := users.passwords[" bob "]
	assert.True(t, stored)
	assert.True(t, presence.online[" bob "])
}

func TestSecondLoginWhileOnlineIsUsernameTaken(t *testing.T) {
	users := newFakeUsers()
	presence := newFakePresence()
	svc := newService(users, presence)
	require.NoError(t, svc.RegisterAndLogin(context.Background(), "alice", "pw"))

	err := svc.RegisterAndLogin(context.Background(), "alice", "pw")

	assert.Equal(t, errs.KindUsernameTaken, errs.KindOf(err))
}

func TestConcurrentLoginsAdmitExactlyOne(t *testing.T) {
	users := newFakeUsers()
	presence := newFakePresence()
	svc := newService(users, presence)

	const attempts = 8
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- svc.RegisterAndLogin(context.Background(), "alice", "pw")
		}()
	}
	wg.Wait()
	close(results)

	var ok, taken int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errs.KindOf(err) == errs.KindUsernameTaken:
			taken++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, taken)
}

func TestStoreErrorsPropagate(t *testing.T) {
	users := newFakeUsers()
	users.verifyErr = errs.New(errs.KindDatabase, "connection lost")
	svc := newService(users, newFakePresence())

	err := svc.RegisterAndLogin(context.Background(), "alice", "pw")
	assert.Equal(t, errs.KindDatabase, errs.KindOf(err))
}

func TestPresenceErrorsPropagate(t *testing.T) {
	users := newFakeUsers()
	presence := newFakePresence()
	presence.acquireErr = errs.New(errs.KindDirectory, "redis down")
	svc := newService(users, presence)

	err := svc.RegisterAndLogin(context.Background(), "alice", "pw")
	assert.Equal(t, errs.KindDirectory, errs.KindOf(err))
}

func TestLogoutAndRefreshDelegate(t *testing.T) {
	users := newFakeUsers()
	presence := newFakePresence()
	svc := newService(users, presence)
	require.NoError(t, svc.RegisterAndLogin(context.Background(), "alice", "pw"))

	require.NoError(t, svc.Refresh(context.Background(), "alice"))
	require.NoError(t, svc.Logout(context.Background(), "alice"))

	assert.Equal(t, 1, presence.refreshes)
	assert.Equal(t, 1, presence.releases)
	assert.False(t, presence.online["alice"])
}

func TestForeignVerifyErrorSurvivesUnwrapped(t *testing.T) {
	users := newFakeUsers()
	cause := errors.New("socket closed")
	users.verifyErr = cause
	svc := newService(users, newFakePresence())

	err := svc.RegisterAndLogin(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, cause)
}
