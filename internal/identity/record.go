// Package identity resolves user ids to display identities with a
// session-owned cache. Misses are fetched in batches from a Source, three
// lookups in parallel, and concurrent resolutions of the same id share one
// fetch.
package identity

import (
	"context"
	"slices"
	"time"
)

// FallbackDisplayName is shown for senders whose identity could not be loaded.
const FallbackDisplayName = "Unknown"

// Record is an immutable snapshot of a user's display identity.
type Record struct {
	ID                 string     `json:"id"`
	DisplayName        string     `json:"display_name"`
	AvatarURL          string     `json:"avatar_url,omitempty"`
	Perks              []string   `json:"perks,omitempty"`
	HasActiveInsurance bool       `json:"has_active_insurance"`
	IsGhost            bool       `json:"is_ghost,omitempty"`
	Role               string     `json:"role,omitempty"`
	IsAdmin            bool       `json:"is_admin,omitempty"`
	IsBanned           bool       `json:"is_banned,omitempty"`
	CanChat            bool       `json:"-"`
	ChatMuteUntil      *time.Time `json:"-"`

	// Fallback is set on records synthesized after a failed lookup.
	Fallback bool `json:"-"`
}

// HasPerk reports whether the record carries the named perk.
func (r Record) HasPerk(perk string) bool {
	return slices.Contains(r.Perks, perk)
}

// MutedAt reports whether the user may not chat at now.
func (r Record) MutedAt(now time.Time) bool {
	if !r.CanChat {
		return true
	}
	return r.ChatMuteUntil != nil && r.ChatMuteUntil.After(now)
}

// FallbackRecord returns the minimal record used when a lookup fails.
func FallbackRecord(id string) Record {
	return Record{
		ID:          id,
		DisplayName: FallbackDisplayName,
		CanChat:     true,
		Fallback:    true,
	}
}

// Profile is the core profile row of a user.
type Profile struct {
	ID            string
	Username      string
	AvatarURL     string
	Role          string
	IsGhost       bool
	IsAdmin       bool
	IsBanned      bool
	CanChat       bool
	ChatMuteUntil *time.Time
}

// Source is the batched read path for identity data.
// Ids missing from a returned map have no row.
type Source interface {
	FetchProfiles(ctx context.Context, ids []string) (map[string]Profile, error)
	FetchPerks(ctx context.Context, ids []string, now time.Time) (map[string][]string, error)
	FetchInsurance(ctx context.Context, ids []string, now time.Time) (map[string]bool, error)
}

// merge combines the three lookups for one id.
func merge(id string, p Profile, perks []string, insured bool) Record {
	name := p.Username
	if name == "" {
		name = FallbackDisplayName
	}
	sorted := slices.Clone(perks)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return Record{
		ID:                 id,
		DisplayName:        name,
		AvatarURL:          p.AvatarURL,
		Perks:              sorted,
		HasActiveInsurance: insured,
		IsGhost:            p.IsGhost,
		Role:               p.Role,
		IsAdmin:            p.IsAdmin,
		IsBanned:           p.IsBanned,
		CanChat:            p.CanChat,
		ChatMuteUntil:      p.ChatMuteUntil,
	}
}
