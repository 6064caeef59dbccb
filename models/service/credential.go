package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/digitalgoods/fulfillment-services/util/logger"
)

// ProviderCredential is an access token for one storage provider.
// A zero ExpiresAt means the token has no known expiry and is used
// until the provider rejects it.
type ProviderCredential struct {
	Provider    StorageProvider
	AccessToken string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// NeverExpires returns true if this credential has no known expiry.
func (c *ProviderCredential) NeverExpires() bool {
	return c.ExpiresAt.IsZero()
}

// ExpiredAt returns true if the credential is expired at time now, or
// will expire within margin of now. Credentials with no expiry are
// never considered expired.
func (c *ProviderCredential) ExpiredAt(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.NeverExpires() {
		return false
	}
	return !now.Add(margin).Before(c.ExpiresAt)
}

func (c *ProviderCredential) String() string {
	expires := "never"
	if !c.NeverExpires() {
		expires = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s credential %s (expires %s)",
		c.Provider, logger.Redact(c.AccessToken), expires)
}

// MarshalJSON never writes the full token.
func (c *ProviderCredential) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Provider    StorageProvider `json:"provider"`
		AccessToken string          `json:"access_token"`
		IssuedAt    time.Time       `json:"issued_at"`
		ExpiresAt   time.Time       `json:"expires_at"`
	}{
		Provider:    c.Provider,
		AccessToken: logger.Redact(c.AccessToken),
		IssuedAt:    c.IssuedAt,
		ExpiresAt:   c.ExpiresAt,
	})
}
