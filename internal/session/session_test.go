package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrapius/pkg/logx"
)

type fakeBrowser struct {
	probeErr    error
	probeCalls  int
	loginErr    error
	loginCalls  int
	applied     []Cookie
	applyErr    error
	exported    []Cookie
	openedLogin int
}

func (f *fakeBrowser) Probe(ctx context.Context) error {
	f.probeCalls++
	return f.probeErr
}

func (f *fakeBrowser) LoginWithCredentials(ctx context.Context, email, password string) error {
	f.loginCalls++
	return f.loginErr
}

func (f *fakeBrowser) ApplyCookies(ctx context.Context, cookies []Cookie) error {
	f.applied = cookies
	return f.applyErr
}

func (f *fakeBrowser) ExportCookies(ctx context.Context) ([]Cookie, error) {
	return f.exported, nil
}

func (f *fakeBrowser) OpenLoginPage(ctx context.Context) error {
	f.openedLogin++
	return nil
}

type fixture struct {
	mgr     *Manager
	browser *fakeBrowser
	jar     *Jar
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		browser: &fakeBrowser{},
		jar:     NewJar(filepath.Join(t.TempDir(), "cookies.json")),
		now:     time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
	}
	f.mgr = NewManager(Options{
		Browser:     f.browser,
		Jar:         f.jar,
		Credentials: Credentials{Email: "op@example.com", Password: "hunter2"},
		Log:         logx.Nop(),
		Now:         func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) seedCookies(t *testing.T) {
	t.Helper()
	require.NoError(t, f.jar.Save([]Cookie{{Name: "c_user", Value: "1", Domain: ".example.com"}}))
}

func TestCookieLoginHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seedCookies(t)

	require.NoError(t, f.mgr.EnsureAuthenticated(context.Background(), "cookie"))
	assert.Equal(t, StateAuthenticated, f.mgr.State())
	assert.Len(t, f.browser.applied, 1)
}

func TestEnsureAuthenticatedIsCheapWhenFresh(t *testing.T) {
	f := newFixture(t)
	f.seedCookies(t)
	require.NoError(t, f.mgr.EnsureAuthenticated(context.Background(), "cookie"))
	probes := f.browser.probeCalls

	// Within the freshness window: no probe, no work.
	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.mgr.EnsureAuthenticated(context.Background(), "cookie"))
	assert.Equal(t, probes, f.browser.probeCalls)

	// Past the window: exactly one revalidation probe.
	f.now = f.now.Add(10 * time.Minute)
	require.NoError(t, f.mgr.EnsureAuthenticated(context.Background(), "cookie"))
	assert.Equal(t, probes+1, f.browser.probeCalls)
}

func TestThreeProbeFailuresExpireSession(t *testing.T) {
	f := newFixture(t)
	f.seedCookies(t)
	require.NoError(t, f.mgr.EnsureAuthenticated(context.Background(), "cookie"))

	f.browser.probeErr = errors.New("logged out")
	for i := 1; i <= 3; i++ {
		f.now = f.now.Add(10 * time.Minute)
		err := f.mgr.EnsureAuthenticated(context.Background(), "cookie")
		require.ErrorIs(t, err, ErrProbeFailed)
		if i < 3 {
			assert.Equal(t, StateAuthenticated, f.mgr.State(), "failure %d keeps state", i)
		}
	}
	assert.Equal(t, StateExpired, f.mgr.State())

	// Expired: the next call re-authenticates exactly once using the last
	// known method (cookie).
	f.browser.probeErr = nil
	applyBefore := f.browser.probeCalls
	require.NoError(t, f.mgr.EnsureAuthenticated(context.Background(), "cookie"))
	assert.Equal(t, StateAuthenticated, f.mgr.State())
	assert.Equal(t, applyBefore+1, f.browser.probeCalls)
}

func TestCookieLoginWithEmptyJarFails(t *testing.T) {
	f := newFixture(t)

	err := f.mgr.EnsureAuthenticated(context.Background(), "cookie")
	require.ErrorIs(t, err, ErrNoCookies)
	assert.Equal(t, StateUnauthenticated, f.mgr.State())
}

func TestCredentialLoginSavesCookies(t *testing.T) {
	f := newFixture(t)
	f.browser.exported = []Cookie{{Name: "xs", Value: "tok", Domain: ".example.com"}}

	require.NoError(t, f.mgr.EnsureAuthenticated(context.Background(), "credentials"))
	assert.Equal(t, 1, f.browser.loginCalls)

	saved, err := f.jar.Load()
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "xs", saved[0].Name)
}

func TestCredentialLoginFailureIsRecoverable(t *testing.T) {
	f := newFixture(t)
	f.browser.loginErr = errors.New("checkpoint")

	err := f.mgr.EnsureAuthenticated(context.Background(), "credentials")
	require.Error(t, err)
	assert.Equal(t, StateUnauthenticated, f.mgr.State())
}

func TestManualLoginFlow(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.BeginManualLogin(context.Background()))
	assert.True(t, f.mgr.ManualPending())
	assert.Equal(t, 1, f.browser.openedLogin)

	// While pending, scheduled cycles are refused without any login attempt.
	err := f.mgr.EnsureAuthenticated(context.Background(), "cookie")
	require.ErrorIs(t, err, ErrManualPending)

	// Operator not done yet: completion fails, flow stays pending.
	f.browser.probeErr = errors.New("login form present")
	require.Error(t, f.mgr.CompleteManualLogin(context.Background()))
	assert.True(t, f.mgr.ManualPending())

	f.browser.probeErr = nil
	f.browser.exported = []Cookie{{Name: "xs", Value: "tok"}}
	require.NoError(t, f.mgr.CompleteManualLogin(context.Background()))
	assert.False(t, f.mgr.ManualPending())
	assert.Equal(t, StateAuthenticated, f.mgr.State())
}

func TestCancelManualLogin(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.BeginManualLogin(context.Background()))

	f.mgr.CancelManualLogin()
	assert.False(t, f.mgr.ManualPending())
	assert.Equal(t, StateUnauthenticated, f.mgr.State())
}

func TestImportCookiesResetsState(t *testing.T) {
	f := newFixture(t)
	f.seedCookies(t)
	require.NoError(t, f.mgr.EnsureAuthenticated(context.Background(), "cookie"))

	n, err := f.mgr.ImportCookies(`[{"name":"c_user","value":"9","domain":".example.com"}]`)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StateUnauthenticated, f.mgr.State())

	count, _, err := f.mgr.CookieStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestClearCookies(t *testing.T) {
	f := newFixture(t)
	f.seedCookies(t)

	require.NoError(t, f.mgr.ClearCookies())
	count, _, err := f.mgr.CookieStatus()
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, StateUnauthenticated, f.mgr.State())
}
