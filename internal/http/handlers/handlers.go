// Package handlers exposes the local control API of the sync daemon:
// identities, contacts, messages, profiles, relay status and the live
// notification stream.
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results and service errors into HTTP responses.
package handlers

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/envelope"
	"github.com/941design/slim-chat/internal/notify"
	"github.com/941design/slim-chat/internal/relay"
	"github.com/941design/slim-chat/internal/services"
	"github.com/941design/slim-chat/internal/utils"
)

//
// Service contracts (context-aware)
//

// IdentityService manages local keypairs and their relay lists.
type IdentityService interface {
	Create(ctx context.Context, label string) (*domain.Identity, error)
	Import(ctx context.Context, secret, label string, relays []domain.RelayEndpoint) (*domain.Identity, error)
	List(ctx context.Context) ([]domain.Identity, error)
	Get(ctx context.Context, id string) (*domain.Identity, error)
	Rename(ctx context.Context, id, label string) error
	Delete(ctx context.Context, id string) error
	// Relays returns the relay list and the hash to pass back to SetRelays.
	Relays(ctx context.Context, id string) ([]domain.RelayEndpoint, string, error)
	SetRelays(ctx context.Context, id string, relays []domain.RelayEndpoint, expectedHash string) (string, error)
}

// ContactService manages the contact list of an identity.
type ContactService interface {
	Add(ctx context.Context, identityID, pubkey string, alias *string) (*domain.Contact, error)
	List(ctx context.Context, identityID string) ([]services.ContactView, error)
	Remove(ctx context.Context, identityID, contactID string) error
	SetAlias(ctx context.Context, identityID, contactID string, alias *string) (string, error)
}

// MessageService sends, lists and synchronizes direct messages.
type MessageService interface {
	SendMessage(ctx context.Context, identityID, contactID, content string) (*domain.Message, error)
	ListMessages(ctx context.Context, identityID, contactID string, page, pageSize int) ([]domain.Message, int64, error)
	RetryMessage(ctx context.Context, identityID, messageID string) (*domain.Message, error)
	MarkRead(ctx context.Context, identityID, contactID string) (int64, error)
	PollMessages(ctx context.Context) ([]services.PollResult, error)
	FlushOutgoingQueue(ctx context.Context) (services.FlushResult, error)
}

// ProfileService manages private profiles and public profile discovery.
type ProfileService interface {
	SetPrivateProfile(ctx context.Context, identityID string, p envelope.ProfileContent) (*domain.ProfileRecord, error)
	PrivateProfile(ctx context.Context, identityID string) (envelope.ProfileContent, error)
	SendProfileToContact(ctx context.Context, identityID, contactPubkey string) (services.SendResult, error)
	SendProfileToAllContacts(ctx context.Context, identityID string) ([]services.SendResult, error)
	DiscoverPublicProfile(ctx context.Context, pubkey string) (*domain.PublicProfilePresence, error)
}

// RelayMonitor reports the connection state of the relay pool.
type RelayMonitor interface {
	Status() []relay.Status
}

// EventSource hands out notification streams.
type EventSource interface {
	Subscribe(buffer int) (<-chan notify.Event, func())
}

//
// Handler wiring
//

// Handlers groups all HTTP endpoints. Nil services leave their routes
// answering 503.
type Handlers struct {
	identities IdentityService
	contacts   ContactService
	messages   MessageService
	profiles   ProfileService
	relays     RelayMonitor
	events     EventSource
}

// Services bundles the dependencies of New.
type Services struct {
	Identities IdentityService
	Contacts   ContactService
	Messages   MessageService
	Profiles   ProfileService
	Relays     RelayMonitor
	Events     EventSource
}

// New constructs a Handlers instance bound to the given services.
func New(s Services) *Handlers {
	return &Handlers{
		identities: s.Identities,
		contacts:   s.Contacts,
		messages:   s.Messages,
		profiles:   s.Profiles,
		relays:     s.Relays,
		events:     s.Events,
	}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	pages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
	}
}

//
// Helpers
//

// clampPagination reads page and page_size: 50 rows by default, at most 200.
func clampPagination(c *gin.Context) (page, pageSize int) {
	p := utils.ParsePage(c.Query("page"), c.Query("page_size"), 50, 200)
	return p.Number, p.Size
}

// uuidParam reads a UUID path parameter, failing the request when it is
// malformed.
func uuidParam(c *gin.Context, name string) (string, bool) {
	v := c.Param(name)
	if _, err := uuid.Parse(v); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, name+" must be a UUID")
		return "", false
	}
	return v, true
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent converts CRLF/CR to LF, collapses runs of 3+ LFs to two
// and trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
