package services

import (
	"strings"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// Authorizer answers the ownership questions the marketplace rules depend on.
// Authentication happens upstream; the actor is an opaque user ID.
type Authorizer interface {
	// IsAdmin reports whether actor has marketplace-wide rights.
	IsAdmin(actor string) bool
	// IsOwnerOrAdmin reports whether actor may manage ad.
	IsOwnerOrAdmin(actor string, ad *domain.Ad) bool
	// IsParticipant reports whether actor is the seller or the buyer of deal.
	IsParticipant(actor string, deal *domain.Deal) bool
}

// StaticAuthorizer is an Authorizer with a fixed set of admin user IDs.
type StaticAuthorizer struct {
	admins map[string]struct{}
}

// NewStaticAuthorizer builds an authorizer from the configured admin IDs.
// Blank entries are ignored.
func NewStaticAuthorizer(adminIDs []string) *StaticAuthorizer {
	a := &StaticAuthorizer{admins: make(map[string]struct{}, len(adminIDs))}
	for _, id := range adminIDs {
		if id = strings.TrimSpace(id); id != "" {
			a.admins[id] = struct{}{}
		}
	}
	return a
}

func (a *StaticAuthorizer) IsAdmin(actor string) bool {
	if actor == "" {
		return false
	}
	_, ok := a.admins[actor]
	return ok
}

func (a *StaticAuthorizer) IsOwnerOrAdmin(actor string, ad *domain.Ad) bool {
	if actor == "" || ad == nil {
		return false
	}
	return ad.UserID == actor || a.IsAdmin(actor)
}

func (a *StaticAuthorizer) IsParticipant(actor string, deal *domain.Deal) bool {
	return deal != nil && deal.RoleOf(actor) != domain.RoleNone
}
