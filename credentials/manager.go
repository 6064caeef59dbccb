package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/op/go-logging"
	"golang.org/x/sync/singleflight"
)

// Authenticator obtains a fresh access token from one provider. The
// Drive and MediaFire clients implement it.
type Authenticator interface {
	Authenticate(ctx context.Context) (*service.ProviderCredential, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, so tests can move time forward.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithSafetyMargin sets how long before its expiry a cached token is
// treated as expired.
func WithSafetyMargin(margin time.Duration) Option {
	return func(m *Manager) {
		m.margin = margin
	}
}

// WithAuthTimeout bounds each call to an Authenticator.
func WithAuthTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.authTimeout = timeout
	}
}

// Manager acquires, caches and renews provider access tokens. Create
// one per process and pass it to whatever needs tokens.
//
// At most one acquisition per provider is in flight at a time.
// Concurrent callers that need a token while one is being fetched wait
// for that fetch and share its result.
type Manager struct {
	authenticators map[service.StorageProvider]Authenticator
	cache          map[service.StorageProvider]*service.ProviderCredential
	mutex          sync.RWMutex
	group          singleflight.Group
	clock          func() time.Time
	margin         time.Duration
	authTimeout    time.Duration
	logger         *logging.Logger
}

func NewManager(logger *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		authenticators: make(map[service.StorageProvider]Authenticator),
		cache:          make(map[service.StorageProvider]*service.ProviderCredential),
		clock:          time.Now,
		margin:         constants.DefaultSafetyMargin,
		authTimeout:    constants.DefaultProviderTimeout,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register sets the authenticator for provider, replacing any earlier
// one and dropping its cached token.
func (m *Manager) Register(provider service.StorageProvider, auth Authenticator) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.authenticators[provider] = auth
	delete(m.cache, provider)
}

// Registered returns true if provider has an authenticator.
func (m *Manager) Registered(provider service.StorageProvider) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.authenticators[provider]
	return ok
}

// Acquire returns a token for provider that will not expire within the
// safety margin. The cached token is returned when it qualifies;
// otherwise a new one is fetched.
//
// Errors wrap ErrAuthUnavailable when the provider has no
// authenticator, and ErrAuthRejected when the provider refuses the
// configured secrets.
func (m *Manager) Acquire(ctx context.Context, provider service.StorageProvider) (*service.ProviderCredential, error) {
	m.mutex.RLock()
	auth, registered := m.authenticators[provider]
	cached := m.cache[provider]
	m.mutex.RUnlock()
	if !registered {
		return nil, fmt.Errorf("%s: %w", provider, ErrAuthUnavailable)
	}
	if cached != nil && !cached.ExpiredAt(m.clock(), m.margin) {
		return cached, nil
	}

	// The fetch runs detached from any one caller, so a caller that
	// gives up does not fail the others waiting on the same fetch.
	ch := m.group.DoChan(provider.String(), func() (interface{}, error) {
		return m.authenticate(context.WithoutCancel(ctx), provider, auth)
	})
	select {
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*service.ProviderCredential), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: waiting for credential: %w", provider, ctx.Err())
	}
}

func (m *Manager) authenticate(ctx context.Context, provider service.StorageProvider, auth Authenticator) (*service.ProviderCredential, error) {
	// Another caller may have refreshed the token while we waited.
	m.mutex.RLock()
	cached := m.cache[provider]
	m.mutex.RUnlock()
	if cached != nil && !cached.ExpiredAt(m.clock(), m.margin) {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.authTimeout)
	defer cancel()
	started := m.clock()
	cred, err := auth.Authenticate(ctx)
	if err != nil {
		m.logger.Warningf("%s authentication failed: %s", provider, err.Error())
		return nil, fmt.Errorf("%s authentication: %w", provider, err)
	}
	if cred == nil || cred.AccessToken == "" {
		m.logger.Errorf("%s authentication returned no token", provider)
		return nil, fmt.Errorf("%s authentication returned no token: %w", provider, ErrAuthRejected)
	}
	cred.Provider = provider
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = started
	}
	if !cred.NeverExpires() && !m.clock().Before(cred.ExpiresAt) {
		m.logger.Errorf("Discarding %s: it was already expired when issued", cred)
		return nil, fmt.Errorf("%s authentication returned a token that expired at %s: %w",
			provider, cred.ExpiresAt.Format(time.RFC3339), ErrAuthRejected)
	}
	if cred.ExpiredAt(m.clock(), m.margin) {
		m.logger.Warningf("Acquired %s, which expires within the %s safety margin", cred, m.margin)
	} else {
		m.logger.Infof("Acquired %s", cred)
	}

	m.mutex.Lock()
	m.cache[provider] = cred
	m.mutex.Unlock()
	return cred, nil
}

// Invalidate drops the cached token for provider. The next Acquire
// fetches a new one.
func (m *Manager) Invalidate(provider service.StorageProvider) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.cache[provider]; ok {
		m.logger.Infof("Invalidated cached %s credential", provider)
	}
	delete(m.cache, provider)
}

// ForceRefresh discards the cached token for provider and fetches a new
// one. The gateway calls this when a provider rejects a token it had
// no reason to think was expired.
func (m *Manager) ForceRefresh(ctx context.Context, provider service.StorageProvider) (*service.ProviderCredential, error) {
	m.Invalidate(provider)
	return m.Acquire(ctx, provider)
}
