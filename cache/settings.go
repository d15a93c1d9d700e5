/*
settings.go - Read-through cache for merchant settings

PURPOSE:
  Wraps the settings repository with a short-TTL cache. Reads go to the
  cache first; writes through the API invalidate the entry so the next
  read sees fresh settings.

SEE ALSO:
  - cache.go: the byte cache backends
*/
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

const settingsTTL = 30 * time.Second

// Settings is a read-through cache over the settings repository.
type Settings struct {
	repo  loyalty.SettingsRepo
	cache Cache
}

// NewSettings wires the cache over a settings repository.
func NewSettings(repo loyalty.SettingsRepo, cache Cache) *Settings {
	return &Settings{repo: repo, cache: cache}
}

func settingsKey(merchantID string) string {
	return fmt.Sprintf("loyalty:settings:%s", merchantID)
}

// Get returns the merchant's settings, from cache when fresh.
func (s *Settings) Get(ctx context.Context, merchantID string) (*loyalty.MerchantSettings, error) {
	var cached loyalty.MerchantSettings
	if err := GetJSON(ctx, s.cache, settingsKey(merchantID), &cached); err == nil {
		return &cached, nil
	}

	// Cache misses and cache trouble both fall through to the repository.
	fresh, err := s.repo.Get(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	SetJSON(ctx, s.cache, settingsKey(merchantID), fresh, settingsTTL)
	return fresh, nil
}

// Invalidate drops the cached entry for a merchant.
func (s *Settings) Invalidate(ctx context.Context, merchantID string) {
	s.cache.Delete(ctx, settingsKey(merchantID))
}
