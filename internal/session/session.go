// Package session owns the authenticated-session state machine for the
// scraping target: cookie, credential, and manual-assisted login flows, and
// the single EnsureAuthenticated entry point the scheduler calls each cycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scrapius/pkg/logx"
)

type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateExpired         State = "expired"
)

var (
	// ErrManualPending means a manual-assisted login is waiting on the
	// operator. The scheduler skips the cycle; no re-auth is attempted.
	ErrManualPending = errors.New("session: manual login pending")
	ErrNoCookies     = errors.New("session: cookie jar is empty")
	ErrNoCredentials = errors.New("session: no credentials configured")
	// ErrProbeFailed wraps a failed validity probe while authenticated.
	ErrProbeFailed = errors.New("session: probe failed")
)

// Browser is the external collaborator that drives the real target.
// The rod implementation lives in internal/scrape.
type Browser interface {
	// Probe cheaply checks whether the current browser session is logged in.
	Probe(ctx context.Context) error
	// LoginWithCredentials performs a scripted credential login.
	LoginWithCredentials(ctx context.Context, email, password string) error
	// ApplyCookies installs cookies into the browser context.
	ApplyCookies(ctx context.Context, cookies []Cookie) error
	// ExportCookies reads the browser's current cookies back out.
	ExportCookies(ctx context.Context) ([]Cookie, error)
	// OpenLoginPage navigates to the login page for a manual-assisted flow.
	OpenLoginPage(ctx context.Context) error
}

type Credentials struct {
	Email    string
	Password string
}

const (
	defaultFreshness = 5 * time.Minute
	maxProbeFailures = 3
)

type Options struct {
	Browser     Browser
	Jar         *Jar
	Credentials Credentials
	// Freshness bounds how often an authenticated session is re-probed.
	Freshness time.Duration
	Log       logx.Logger
	// Now is overridable in tests.
	Now func() time.Time
}

// Manager is safe for concurrent use; the command processor and the
// scheduler call into it from separate goroutines.
type Manager struct {
	mu sync.Mutex

	state         State
	lastValidated time.Time
	lastMethod    string
	probeFailures int
	manualPending bool

	browser   Browser
	jar       *Jar
	creds     Credentials
	freshness time.Duration
	log       logx.Logger
	now       func() time.Time
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		state:     StateUnauthenticated,
		browser:   opts.Browser,
		jar:       opts.Jar,
		creds:     opts.Credentials,
		freshness: opts.Freshness,
		log:       opts.Log,
		now:       opts.Now,
	}
	if m.freshness <= 0 {
		m.freshness = defaultFreshness
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) ManualPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manualPending
}

// EnsureAuthenticated makes sure a valid session exists, using mode
// (cookie/credentials) when a fresh login is needed. It is idempotent and
// cheap when already authenticated within the freshness window. All failures
// are recoverable; the caller skips the cycle and retries later.
func (m *Manager) EnsureAuthenticated(ctx context.Context, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.manualPending {
		return ErrManualPending
	}

	switch m.state {
	case StateAuthenticated:
		if m.now().Sub(m.lastValidated) < m.freshness {
			return nil
		}
		if err := m.browser.Probe(ctx); err != nil {
			m.probeFailures++
			m.log.Warn("session probe failed",
				logx.Int("consecutive", m.probeFailures), logx.Err(err))
			if m.probeFailures >= maxProbeFailures {
				m.state = StateExpired
			}
			return fmt.Errorf("%w: %v", ErrProbeFailed, err)
		}
		m.probeFailures = 0
		m.lastValidated = m.now()
		return nil

	case StateExpired:
		// Re-authenticate once per call using the method that last worked.
		method := m.lastMethod
		if method == "" {
			method = mode
		}
		return m.authenticateLocked(ctx, method)

	case StateAuthenticating:
		// A previous attempt was interrupted; retry from scratch.
		fallthrough
	default:
		return m.authenticateLocked(ctx, mode)
	}
}

func (m *Manager) authenticateLocked(ctx context.Context, mode string) error {
	m.state = StateAuthenticating

	var err error
	switch mode {
	case "credentials":
		err = m.loginWithCredentials(ctx)
	case "manual":
		// Manual mode still tries saved cookies first; a fresh manual flow
		// has to be started explicitly via BeginManualLogin.
		err = m.loginWithCookies(ctx)
	default:
		err = m.loginWithCookies(ctx)
	}
	if err != nil {
		m.state = StateUnauthenticated
		return err
	}

	m.state = StateAuthenticated
	m.lastMethod = mode
	m.probeFailures = 0
	m.lastValidated = m.now()
	m.log.Info("session established", logx.String("method", mode))
	return nil
}

func (m *Manager) loginWithCookies(ctx context.Context) error {
	cookies, err := m.jar.Load()
	if err != nil {
		return fmt.Errorf("load cookie jar: %w", err)
	}
	if len(cookies) == 0 {
		return ErrNoCookies
	}
	if err := m.browser.ApplyCookies(ctx, cookies); err != nil {
		return fmt.Errorf("apply cookies: %w", err)
	}
	if err := m.browser.Probe(ctx); err != nil {
		return fmt.Errorf("cookie login rejected: %w", err)
	}
	return nil
}

func (m *Manager) loginWithCredentials(ctx context.Context) error {
	if m.creds.Email == "" || m.creds.Password == "" {
		return ErrNoCredentials
	}
	if err := m.browser.LoginWithCredentials(ctx, m.creds.Email, m.creds.Password); err != nil {
		return fmt.Errorf("credential login: %w", err)
	}
	if cookies, err := m.browser.ExportCookies(ctx); err == nil && len(cookies) > 0 {
		if serr := m.jar.Save(cookies); serr != nil {
			m.log.Warn("saving cookies after login failed", logx.Err(serr))
		}
	}
	return nil
}

// BeginManualLogin opens the login page and flags the session as pending
// operator action. Scheduled cycles skip while pending.
func (m *Manager) BeginManualLogin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.manualPending {
		return ErrManualPending
	}
	if err := m.browser.OpenLoginPage(ctx); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	m.manualPending = true
	m.state = StateAuthenticating
	m.log.Info("manual login started")
	return nil
}

// CompleteManualLogin verifies the operator finished logging in and, on
// success, exports the fresh cookies. On failure the flow stays pending.
func (m *Manager) CompleteManualLogin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.manualPending {
		return errors.New("session: no manual login in progress")
	}
	if err := m.browser.Probe(ctx); err != nil {
		return fmt.Errorf("still not logged in: %w", err)
	}
	if cookies, err := m.browser.ExportCookies(ctx); err == nil && len(cookies) > 0 {
		if serr := m.jar.Save(cookies); serr != nil {
			m.log.Warn("saving cookies after manual login failed", logx.Err(serr))
		}
	}
	m.manualPending = false
	m.state = StateAuthenticated
	m.lastMethod = "manual"
	m.probeFailures = 0
	m.lastValidated = m.now()
	m.log.Info("manual login completed")
	return nil
}

// CancelManualLogin abandons a pending manual flow.
func (m *Manager) CancelManualLogin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.manualPending {
		return
	}
	m.manualPending = false
	m.state = StateUnauthenticated
	m.log.Info("manual login cancelled")
}

// ImportCookies parses raw cookie data (extension JSON or Netscape format),
// replaces the jar, and resets the state so the next cycle logs in with the
// imported cookies. Returns the number of cookies saved.
func (m *Manager) ImportCookies(raw string) (int, error) {
	cookies, err := ParseCookies(raw)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.jar.Save(cookies); err != nil {
		return 0, fmt.Errorf("save cookie jar: %w", err)
	}
	m.state = StateUnauthenticated
	m.probeFailures = 0
	m.log.Info("cookies imported", logx.Int("count", len(cookies)))
	return len(cookies), nil
}

// ClearCookies wipes the jar and resets the session.
func (m *Manager) ClearCookies() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.jar.Clear(); err != nil {
		return err
	}
	m.state = StateUnauthenticated
	m.probeFailures = 0
	m.lastValidated = time.Time{}
	return nil
}

// CookieStatus reports how many cookies are saved and the earliest expiry.
func (m *Manager) CookieStatus() (count int, earliest time.Time, err error) {
	cookies, err := m.jar.Load()
	if err != nil {
		return 0, time.Time{}, err
	}
	return len(cookies), EarliestExpiry(cookies), nil
}

// LastValidated returns when the session was last confirmed valid.
func (m *Manager) LastValidated() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastValidated
}
