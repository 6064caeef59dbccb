package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/credentials"
	"github.com/digitalgoods/fulfillment-services/models/service"
)

// FakeProvider is an in-memory storage provider. Tests can make any
// operation fail or slow it down, and can reject specific tokens. It
// counts every call so tests can assert that a code path made none.
type FakeProvider struct {
	name        service.StorageProvider
	mutex       sync.Mutex
	files       map[string]*service.StoredAsset
	calls       map[string]int
	tokens      []string
	rejected    map[string]bool
	uploadErr   error
	linkErr     error
	deleteErr   error
	uploadDelay time.Duration
	linkDelay   time.Duration
	deleteDelay time.Duration
	nextID      int
}

func NewFakeProvider(name service.StorageProvider) *FakeProvider {
	return &FakeProvider{
		name:     name,
		files:    make(map[string]*service.StoredAsset),
		calls:    make(map[string]int),
		rejected: make(map[string]bool),
	}
}

func (p *FakeProvider) Name() service.StorageProvider {
	return p.name
}

func (p *FakeProvider) SetUploadError(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.uploadErr = err
}

func (p *FakeProvider) SetLinkError(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.linkErr = err
}

func (p *FakeProvider) SetDeleteError(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.deleteErr = err
}

// SetUploadDelay makes every upload take at least d, ignoring
// cancellation the way a slow remote would.
func (p *FakeProvider) SetUploadDelay(d time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.uploadDelay = d
}

// SetLinkDelay makes every link request take d unless its context
// ends first.
func (p *FakeProvider) SetLinkDelay(d time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.linkDelay = d
}

// SetDeleteDelay makes every delete take d unless its context ends
// first.
func (p *FakeProvider) SetDeleteDelay(d time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.deleteDelay = d
}

// wait blocks for d or until ctx is done, whichever comes first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RejectToken makes every call presenting token fail with
// credentials.ErrAuthRejected.
func (p *FakeProvider) RejectToken(token string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.rejected[token] = true
}

// begin records a call and returns an auth error for rejected tokens.
func (p *FakeProvider) begin(op, token string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.calls[op]++
	p.tokens = append(p.tokens, token)
	if p.rejected[token] {
		return fmt.Errorf("%s %s: token expired: %w", p.name, op, credentials.ErrAuthRejected)
	}
	return nil
}

func (p *FakeProvider) Upload(ctx context.Context, token, fileName string, content []byte, mimeType string) (*service.StoredAsset, error) {
	if err := p.begin("upload", token); err != nil {
		return nil, err
	}
	p.mutex.Lock()
	delay := p.uploadDelay
	p.mutex.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.uploadErr != nil {
		return nil, p.uploadErr
	}
	p.nextID++
	asset := &service.StoredAsset{
		Provider:    p.name,
		ExternalID:  fmt.Sprintf("%s-file-%d", p.name, p.nextID),
		DisplayName: fileName,
		ByteSize:    int64(len(content)),
		MimeType:    mimeType,
	}
	p.files[asset.ExternalID] = asset
	return asset, nil
}

func (p *FakeProvider) DownloadLink(ctx context.Context, token string, asset *service.StoredAsset) (string, error) {
	if err := p.begin("link", token); err != nil {
		return "", err
	}
	p.mutex.Lock()
	delay := p.linkDelay
	p.mutex.Unlock()
	if err := wait(ctx, delay); err != nil {
		return "", err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.linkErr != nil {
		return "", p.linkErr
	}
	if _, ok := p.files[asset.ExternalID]; !ok {
		return "", fmt.Errorf("%s has no file %s", p.name, asset.ExternalID)
	}
	return fmt.Sprintf("https://%s.example.com/download/%s", p.name, asset.ExternalID), nil
}

func (p *FakeProvider) Delete(ctx context.Context, token string, asset *service.StoredAsset) (string, error) {
	if err := p.begin("delete", token); err != nil {
		return constants.DeleteFailed, err
	}
	p.mutex.Lock()
	delay := p.deleteDelay
	p.mutex.Unlock()
	if err := wait(ctx, delay); err != nil {
		return constants.DeleteFailed, err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.deleteErr != nil {
		return constants.DeleteFailed, p.deleteErr
	}
	if _, ok := p.files[asset.ExternalID]; !ok {
		return constants.DeleteNotFound, nil
	}
	delete(p.files, asset.ExternalID)
	return constants.DeleteDeleted, nil
}

// Calls returns the number of calls made for op: upload, link or delete.
func (p *FakeProvider) Calls(op string) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.calls[op]
}

// TotalCalls returns the number of calls of any kind.
func (p *FakeProvider) TotalCalls() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// Tokens returns every token presented, in order.
func (p *FakeProvider) Tokens() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	copied := make([]string, len(p.tokens))
	copy(copied, p.tokens)
	return copied
}

// Has returns true if the provider holds a file with externalID.
func (p *FakeProvider) Has(externalID string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	_, ok := p.files[externalID]
	return ok
}

// FileCount returns the number of files the provider holds.
func (p *FakeProvider) FileCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.files)
}

// FakeAuthenticator hands out tokens named after the provider and a
// counter. Lifetime zero means the tokens never expire.
type FakeAuthenticator struct {
	Provider service.StorageProvider
	Lifetime time.Duration
	Now      func() time.Time
	mutex    sync.Mutex
	issued   int
	err      error
}

func NewFakeAuthenticator(provider service.StorageProvider) *FakeAuthenticator {
	return &FakeAuthenticator{Provider: provider, Now: time.Now}
}

func (a *FakeAuthenticator) SetError(err error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.err = err
}

func (a *FakeAuthenticator) Authenticate(ctx context.Context) (*service.ProviderCredential, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	a.issued++
	now := a.Now()
	cred := &service.ProviderCredential{
		Provider:    a.Provider,
		AccessToken: a.TokenNumber(a.issued),
		IssuedAt:    now,
	}
	if a.Lifetime > 0 {
		cred.ExpiresAt = now.Add(a.Lifetime)
	}
	return cred, nil
}

// TokenNumber returns the token the nth Authenticate call hands out.
func (a *FakeAuthenticator) TokenNumber(n int) string {
	return fmt.Sprintf("%s-access-token-%03d", a.Provider, n)
}

// Issued returns the number of tokens handed out so far.
func (a *FakeAuthenticator) Issued() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.issued
}
