// Identity HTTP handlers.
//
//   - POST   /identities                (create or import)
//   - GET    /identities                (list)
//   - GET    /identities/{id}           (get)
//   - PATCH  /identities/{id}           (rename)
//   - DELETE /identities/{id}           (delete with cascade)
//   - GET    /identities/{id}/relays    (relay list, ETag)
//   - PUT    /identities/{id}/relays    (replace relay list, If-Match)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/941design/slim-chat/internal/domain"
)

// CreateIdentityRequest creates a fresh keypair, or imports one when Secret
// (hex or nsec) is set.
type CreateIdentityRequest struct {
	Label  string                 `json:"label"  binding:"max=255" example:"work"`
	Secret string                 `json:"secret,omitempty"`
	Relays []domain.RelayEndpoint `json:"relays,omitempty"`
}

// RenameIdentityRequest is the JSON payload for renaming an identity.
type RenameIdentityRequest struct {
	Label string `json:"label" binding:"required,min=1,max=255" example:"personal"`
}

// IdentityResponse is an identity with its bech32 public key.
type IdentityResponse struct {
	domain.Identity
	Npub string `json:"npub"`
}

// RelayListResponse is the relay list of an identity and the content hash
// to send back as If-Match when replacing it.
type RelayListResponse struct {
	Relays []domain.RelayEndpoint `json:"relays"`
	Hash   string                 `json:"hash,omitempty"`
}

// PutRelaysRequest replaces the relay list. Hash may be given instead of the
// If-Match header.
type PutRelaysRequest struct {
	Relays []domain.RelayEndpoint `json:"relays"`
	Hash   string                 `json:"hash,omitempty"`
}

func identityResponse(ident *domain.Identity) IdentityResponse {
	npub, _ := nip19.EncodePublicKey(ident.PublicKey)
	return IdentityResponse{Identity: *ident, Npub: npub}
}

func relayETag(hash string) string {
	if hash == "" {
		return ""
	}
	return `"` + hash + `"`
}

// CreateIdentity godoc
// @Summary  Create or import an identity
// @Tags     Identities
// @Accept   json
// @Produce  json
// @Param    body  body  handlers.CreateIdentityRequest  true  "Identity payload"
// @Success  201  {object}  handlers.IdentityResponse
// @Failure  400  {object}  handlers.ErrorResponse
// @Failure  409  {object}  handlers.ErrorResponse  "Identity already exists"
// @Router   /identities [post]
func (h *Handlers) CreateIdentity(c *gin.Context) {
	if h.identities == nil {
		unavailable(c)
		return
	}
	var req CreateIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	label := strings.TrimSpace(req.Label)

	var (
		ident *domain.Identity
		err   error
	)
	if secret := strings.TrimSpace(req.Secret); secret != "" {
		ident, err = h.identities.Import(c.Request.Context(), secret, label, req.Relays)
	} else {
		ident, err = h.identities.Create(c.Request.Context(), label)
	}
	if err != nil {
		failErr(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, identityResponse(ident))
}

// ListIdentities godoc
// @Summary  List identities
// @Tags     Identities
// @Produce  json
// @Success  200  {array}  handlers.IdentityResponse
// @Router   /identities [get]
func (h *Handlers) ListIdentities(c *gin.Context) {
	if h.identities == nil {
		unavailable(c)
		return
	}
	items, err := h.identities.List(c.Request.Context())
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	out := make([]IdentityResponse, 0, len(items))
	for i := range items {
		out = append(out, identityResponse(&items[i]))
	}
	ok(c, http.StatusOK, out)
}

// GetIdentity godoc
// @Summary  Get an identity
// @Tags     Identities
// @Produce  json
// @Param    id  path  string  true  "Identity ID (UUID)"
// @Success  200  {object}  handlers.IdentityResponse
// @Failure  404  {object}  handlers.ErrorResponse
// @Router   /identities/{id} [get]
func (h *Handlers) GetIdentity(c *gin.Context) {
	if h.identities == nil {
		unavailable(c)
		return
	}
	id, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	ident, err := h.identities.Get(c.Request.Context(), id)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, identityResponse(ident))
}

// RenameIdentity godoc
// @Summary  Rename an identity
// @Tags     Identities
// @Accept   json
// @Param    id    path  string                               true  "Identity ID (UUID)"
// @Param    body  body  handlers.RenameIdentityRequest  true  "New label"
// @Success  204
// @Failure  404  {object}  handlers.ErrorResponse
// @Router   /identities/{id} [patch]
func (h *Handlers) RenameIdentity(c *gin.Context) {
	if h.identities == nil {
		unavailable(c)
		return
	}
	id, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	var req RenameIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Label) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "label required (1-255 chars)")
		return
	}
	if err := h.identities.Rename(c.Request.Context(), id, strings.TrimSpace(req.Label)); err != nil {
		failErr(c, err, ErrCodeUpdateFailed)
		return
	}
	noContent(c)
}

// DeleteIdentity godoc
// @Summary  Delete an identity with its contacts, messages and sync state
// @Tags     Identities
// @Param    id  path  string  true  "Identity ID (UUID)"
// @Success  204
// @Failure  404  {object}  handlers.ErrorResponse
// @Router   /identities/{id} [delete]
func (h *Handlers) DeleteIdentity(c *gin.Context) {
	if h.identities == nil {
		unavailable(c)
		return
	}
	id, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	if err := h.identities.Delete(c.Request.Context(), id); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// GetRelays godoc
// @Summary  Get the relay list of an identity
// @Tags     Identities
// @Produce  json
// @Param    id  path  string  true  "Identity ID (UUID)"
// @Success  200  {object}  handlers.RelayListResponse
// @Header   200  {string}  ETag  "Content hash of the relay file"
// @Router   /identities/{id}/relays [get]
func (h *Handlers) GetRelays(c *gin.Context) {
	if h.identities == nil {
		unavailable(c)
		return
	}
	id, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	relays, hash, err := h.identities.Relays(c.Request.Context(), id)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	if etag := relayETag(hash); etag != "" {
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}
	if relays == nil {
		relays = []domain.RelayEndpoint{}
	}
	ok(c, http.StatusOK, RelayListResponse{Relays: relays, Hash: hash})
}

// PutRelays godoc
// @Summary  Replace the relay list of an identity
// @Tags     Identities
// @Accept   json
// @Produce  json
// @Param    id        path    string                         true   "Identity ID (UUID)"
// @Param    If-Match  header  string                         false  "Hash returned by GET"
// @Param    body      body    handlers.PutRelaysRequest  true   "Relay list"
// @Success  200  {object}  handlers.RelayListResponse
// @Failure  409  {object}  handlers.ErrorResponse  "Relay file changed since it was read"
// @Router   /identities/{id}/relays [put]
func (h *Handlers) PutRelays(c *gin.Context) {
	if h.identities == nil {
		unavailable(c)
		return
	}
	id, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	var req PutRelaysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	for _, r := range req.Relays {
		u := strings.TrimSpace(r.URL)
		if u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "relay url must use ws:// or wss://")
			return
		}
	}
	expected := strings.Trim(c.GetHeader("If-Match"), `"`)
	if expected == "" {
		expected = req.Hash
	}
	hash, err := h.identities.SetRelays(c.Request.Context(), id, req.Relays, expected)
	if err != nil {
		failErr(c, err, ErrCodeUpdateFailed)
		return
	}
	relays, _, err := h.identities.Relays(c.Request.Context(), id)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	if etag := relayETag(hash); etag != "" {
		c.Header("ETag", etag)
	}
	if relays == nil {
		relays = []domain.RelayEndpoint{}
	}
	ok(c, http.StatusOK, RelayListResponse{Relays: relays, Hash: hash})
}
