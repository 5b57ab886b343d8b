package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/envelope"
	"github.com/941design/slim-chat/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ContactView is a contact with its resolved display name.
type ContactView struct {
	domain.Contact
	DisplayName      string `json:"display_name"`
	HasPublicProfile bool   `json:"has_public_profile"`
}

// ContactService manages the contact list of each identity.
type ContactService struct {
	DB       *gorm.DB
	Profiles *ProfileService
	// OnChange runs after the contact set of an identity changed, e.g. to
	// refresh the identity's subscription filters.
	OnChange func(ctx context.Context, identityID string)
}

// Add creates a pending contact from a hex or npub public key.
func (s *ContactService) Add(ctx context.Context, identityID, pubkey string, alias *string) (*domain.Contact, error) {
	ctx, span := otel.Tracer("services/ContactService").Start(ctx, "Add",
		trace.WithAttributes(attribute.String("identity.id", identityID)))
	defer span.End()

	ident, err := repo.GetIdentity(ctx, s.DB, identityID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, err
	}
	pk, err := envelope.ParsePublicKey(pubkey)
	if err != nil {
		return nil, err
	}
	if pk == ident.PublicKey {
		return nil, ErrSelfContact
	}
	c, err := repo.CreateContact(ctx, s.DB, identityID, pk, cleanAlias(alias))
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrContactExists
		}
		return nil, err
	}
	log.Info().Str("identity_id", identityID).Str("contact_id", c.ID).Msg("contact added")
	s.changed(ctx, identityID)
	return c, nil
}

// List returns the live contacts with resolved display names.
func (s *ContactService) List(ctx context.Context, identityID string) ([]ContactView, error) {
	ctx, span := otel.Tracer("services/ContactService").Start(ctx, "List",
		trace.WithAttributes(attribute.String("identity.id", identityID)))
	defer span.End()

	contacts, err := repo.ListContacts(ctx, s.DB, identityID)
	if err != nil {
		return nil, err
	}
	out := make([]ContactView, 0, len(contacts))
	for _, c := range contacts {
		v := ContactView{Contact: c, DisplayName: envelope.ShortNpub(c.PublicKey)}
		if c.Alias != nil {
			v.DisplayName = *c.Alias
		}
		if s.Profiles != nil {
			if name, err := s.Profiles.ResolveDisplayName(ctx, identityID, c.PublicKey); err == nil {
				v.DisplayName = name
			}
			if p, err := repo.GetPresence(ctx, s.DB, c.PublicKey); err == nil {
				v.HasPublicProfile = p.HasProfile()
			}
		}
		out = append(out, v)
	}
	return out, nil
}

// Get returns one live contact.
func (s *ContactService) Get(ctx context.Context, identityID, contactID string) (*domain.Contact, error) {
	c, err := repo.GetContact(ctx, s.DB, identityID, contactID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrContactNotFound
	}
	return c, err
}

// Remove tombstones the contact and purges its messages.
func (s *ContactService) Remove(ctx context.Context, identityID, contactID string) error {
	ctx, span := otel.Tracer("services/ContactService").Start(ctx, "Remove",
		trace.WithAttributes(attribute.String("identity.id", identityID), attribute.String("contact.id", contactID)))
	defer span.End()

	if err := repo.DeleteContact(ctx, s.DB, identityID, contactID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrContactNotFound
		}
		return err
	}
	s.changed(ctx, identityID)
	return nil
}

// SetAlias sets, or with a nil/blank alias clears, the alias and returns
// the display name that now applies. Clearing falls back through the full
// precedence chain.
func (s *ContactService) SetAlias(ctx context.Context, identityID, contactID string, alias *string) (string, error) {
	ctx, span := otel.Tracer("services/ContactService").Start(ctx, "SetAlias",
		trace.WithAttributes(attribute.String("identity.id", identityID), attribute.String("contact.id", contactID)))
	defer span.End()

	if err := repo.SetContactAlias(ctx, s.DB, identityID, contactID, cleanAlias(alias)); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ErrContactNotFound
		}
		return "", err
	}
	c, err := s.Get(ctx, identityID, contactID)
	if err != nil {
		return "", err
	}
	if s.Profiles == nil {
		if c.Alias != nil {
			return *c.Alias, nil
		}
		return envelope.ShortNpub(c.PublicKey), nil
	}
	return s.Profiles.ResolveDisplayName(ctx, identityID, c.PublicKey)
}

func (s *ContactService) changed(ctx context.Context, identityID string) {
	if s.OnChange != nil {
		s.OnChange(ctx, identityID)
	}
}

func cleanAlias(alias *string) *string {
	if alias == nil {
		return nil
	}
	v := strings.TrimSpace(*alias)
	if v == "" {
		return nil
	}
	return &v
}
