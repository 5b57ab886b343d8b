package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/envelope"
	"github.com/941design/slim-chat/internal/relayconfig"
	"github.com/941design/slim-chat/internal/repo"
	"github.com/941design/slim-chat/internal/secrets"
	"github.com/941design/slim-chat/internal/syncstate"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// IdentityService manages local keypairs. Secret keys are kept in the
// secret store; identity rows only carry a reference.
type IdentityService struct {
	DB      *gorm.DB
	Secrets secrets.Store
	Tracker *syncstate.Tracker
	// RelayFiles is optional. When set, per-identity relay lists are kept
	// in YAML files with conflict detection.
	RelayFiles *relayconfig.Store
	// OnDelete is called before an identity's rows are removed and must
	// release long-lived per-identity state (subscriptions, inbox loops)
	// before returning, so nothing writes for the identity afterwards.
	OnDelete func(identityID string)
	// OnCreate and OnRelaysChange are called after an identity was stored
	// or its relay list was replaced.
	OnCreate       func(ctx context.Context, identityID string)
	OnRelaysChange func(ctx context.Context, identityID string)
}

// Create generates a new keypair and stores it as an identity.
func (s *IdentityService) Create(ctx context.Context, label string) (*domain.Identity, error) {
	ctx, span := otel.Tracer("services/IdentityService").Start(ctx, "Create")
	defer span.End()

	kp, err := envelope.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return s.store(ctx, kp, label, nil)
}

// Import stores an existing secret key (hex or nsec) as an identity.
func (s *IdentityService) Import(ctx context.Context, secret, label string, relays []domain.RelayEndpoint) (*domain.Identity, error) {
	ctx, span := otel.Tracer("services/IdentityService").Start(ctx, "Import")
	defer span.End()

	sk, err := envelope.ParseSecretKey(secret)
	if err != nil {
		return nil, err
	}
	pk, err := envelope.PublicKeyOf(sk)
	if err != nil {
		return nil, err
	}
	return s.store(ctx, envelope.KeyPair{Secret: sk, Public: pk}, label, relays)
}

func (s *IdentityService) store(ctx context.Context, kp envelope.KeyPair, label string, relays []domain.RelayEndpoint) (*domain.Identity, error) {
	if _, err := repo.GetIdentityByPubkey(ctx, s.DB, kp.Public); err == nil {
		return nil, ErrIdentityExists
	}
	ref, err := s.Secrets.Save(ctx, kp.Secret, "")
	if err != nil {
		return nil, err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = envelope.ShortNpub(kp.Public)
	}
	ident, err := repo.CreateIdentity(ctx, s.DB, kp.Public, ref, label, relays)
	if err != nil {
		if derr := s.Secrets.Delete(ctx, ref); derr != nil {
			log.Warn().Err(derr).Str("secret_ref", ref).Msg("orphaned secret after failed identity insert")
		}
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrIdentityExists
		}
		return nil, err
	}
	log.Info().Str("identity_id", ident.ID).Str("npub", envelope.ShortNpub(ident.PublicKey)).Msg("identity created")
	if s.OnCreate != nil {
		s.OnCreate(ctx, ident.ID)
	}
	return ident, nil
}

// Get returns one identity.
func (s *IdentityService) Get(ctx context.Context, id string) (*domain.Identity, error) {
	ident, err := repo.GetIdentity(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrIdentityNotFound
	}
	return ident, err
}

// List returns every identity.
func (s *IdentityService) List(ctx context.Context) ([]domain.Identity, error) {
	return repo.ListIdentities(ctx, s.DB)
}

// Rename changes the label.
func (s *IdentityService) Rename(ctx context.Context, id, label string) error {
	err := repo.UpdateIdentityLabel(ctx, s.DB, id, strings.TrimSpace(label))
	if errors.Is(err, repo.ErrNotFound) {
		return ErrIdentityNotFound
	}
	return err
}

// SecretKey implements KeyRing.
func (s *IdentityService) SecretKey(ctx context.Context, identityID string) (string, error) {
	ident, err := s.Get(ctx, identityID)
	if err != nil {
		return "", err
	}
	raw, err := s.Secrets.Get(ctx, ident.SecretRef)
	if err != nil {
		return "", err
	}
	return envelope.ParseSecretKey(raw)
}

// Relays returns the relay list of an identity together with the content
// hash to pass back to SetRelays. Without a relay file store the hash is
// empty and the list comes from the identity row.
func (s *IdentityService) Relays(ctx context.Context, id string) ([]domain.RelayEndpoint, string, error) {
	ident, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if s.RelayFiles == nil {
		return []domain.RelayEndpoint(ident.Relays), "", nil
	}
	snap, err := s.RelayFiles.Load(id)
	if err != nil {
		return nil, "", err
	}
	if snap.Hash == "" {
		return []domain.RelayEndpoint(ident.Relays), "", nil
	}
	return snap.Relays, snap.Hash, nil
}

// SetRelays replaces the relay list. expectedHash must be the hash returned
// by Relays; relayconfig.ErrConflict is returned when the file was changed
// in the meantime. Sync state of dropped relays is removed.
func (s *IdentityService) SetRelays(ctx context.Context, id string, relays []domain.RelayEndpoint, expectedHash string) (string, error) {
	ctx, span := otel.Tracer("services/IdentityService").Start(ctx, "SetRelays",
		trace.WithAttributes(attribute.String("identity.id", id)))
	defer span.End()

	old, _, err := s.Relays(ctx, id)
	if err != nil {
		return "", err
	}
	clean := make([]domain.RelayEndpoint, 0, len(relays))
	for _, r := range relays {
		r.URL = strings.TrimRight(strings.TrimSpace(r.URL), "/")
		if r.URL == "" {
			continue
		}
		if !r.Read && !r.Write {
			r.Read, r.Write = true, true
		}
		clean = append(clean, r)
	}

	var hash string
	if s.RelayFiles != nil {
		if hash, err = s.RelayFiles.Save(id, clean, expectedHash); err != nil {
			return "", err
		}
	}
	if err := repo.UpdateIdentityRelays(ctx, s.DB, id, clean); err != nil {
		return "", err
	}
	if s.Tracker != nil {
		for _, url := range relayconfig.Removed(old, clean) {
			if err := s.Tracker.DeleteForRelay(ctx, id, url); err != nil {
				log.Warn().Err(err).Str("identity_id", id).Str("relay", url).Msg("sync state cleanup failed")
			}
		}
	}
	if s.OnRelaysChange != nil {
		s.OnRelaysChange(ctx, id)
	}
	return hash, nil
}

// Delete removes an identity and everything that hangs off it.
func (s *IdentityService) Delete(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("services/IdentityService").Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("identity.id", id)))
	defer span.End()

	ident, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.OnDelete != nil {
		s.OnDelete(id)
	}
	if err := repo.DeleteIdentity(ctx, s.DB, id); err != nil {
		return err
	}
	if s.Tracker != nil {
		if err := s.Tracker.DeleteForIdentity(ctx, id); err != nil {
			log.Warn().Err(err).Str("identity_id", id).Msg("sync state cleanup failed")
		}
	}
	if err := s.Secrets.Delete(ctx, ident.SecretRef); err != nil {
		log.Warn().Err(err).Str("identity_id", id).Msg("secret cleanup failed")
	}
	if s.RelayFiles != nil {
		if err := s.RelayFiles.Delete(id); err != nil {
			log.Warn().Err(err).Str("identity_id", id).Msg("relay file cleanup failed")
		}
	}
	log.Info().Str("identity_id", id).Msg("identity deleted")
	return nil
}
