// Profile HTTP handlers.
//
//   - PUT  /identities/{id}/profile        (set the private profile)
//   - GET  /identities/{id}/profile        (read the private profile)
//   - POST /identities/{id}/profile/send   (gift-wrap to one or all contacts)
//   - POST /profiles/{pubkey}/discover     (public profile presence check)
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/941design/slim-chat/internal/envelope"
	"github.com/941design/slim-chat/internal/services"
)

// SendProfileRequest selects the recipient. Without ContactPubkey the
// profile goes to every contact.
type SendProfileRequest struct {
	ContactPubkey string `json:"contact_pubkey,omitempty"`
}

// SendProfileResponse lists one result per recipient.
type SendProfileResponse struct {
	Results []services.SendResult `json:"results"`
}

// SetProfile godoc
// @Summary  Set the private profile
// @Tags     Profiles
// @Accept   json
// @Produce  json
// @Param    id    path  string                   true  "Identity ID (UUID)"
// @Param    body  body  envelope.ProfileContent  true  "Profile"
// @Success  200  {object}  domain.ProfileRecord
// @Failure  422  {object}  handlers.ErrorResponse  "Field validation failed"
// @Router   /identities/{id}/profile [put]
func (h *Handlers) SetProfile(c *gin.Context) {
	if h.profiles == nil {
		unavailable(c)
		return
	}
	identityID, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	var req envelope.ProfileContent
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	rec, err := h.profiles.SetPrivateProfile(c.Request.Context(), identityID, req)
	if err != nil {
		failErr(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, rec)
}

// GetProfile godoc
// @Summary  Get the private profile
// @Tags     Profiles
// @Produce  json
// @Param    id  path  string  true  "Identity ID (UUID)"
// @Success  200  {object}  envelope.ProfileContent
// @Failure  404  {object}  handlers.ErrorResponse
// @Router   /identities/{id}/profile [get]
func (h *Handlers) GetProfile(c *gin.Context) {
	if h.profiles == nil {
		unavailable(c)
		return
	}
	identityID, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	p, err := h.profiles.PrivateProfile(c.Request.Context(), identityID)
	if errors.Is(err, services.ErrNoPrivateProfile) {
		fail(c, http.StatusNotFound, ErrCodeNoProfile, err.Error())
		return
	}
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, p)
}

// SendProfile godoc
// @Summary      Send the private profile
// @Description  Skips recipients that already have the current content. Per-recipient relay failures are reported in the results.
// @Tags         Profiles
// @Accept       json
// @Produce      json
// @Param        id    path  string                           true   "Identity ID (UUID)"
// @Param        body  body  handlers.SendProfileRequest  false  "Recipient"
// @Success      200  {object}  handlers.SendProfileResponse
// @Failure      409  {object}  handlers.ErrorResponse  "No private profile set"
// @Router       /identities/{id}/profile/send [post]
func (h *Handlers) SendProfile(c *gin.Context) {
	if h.profiles == nil {
		unavailable(c)
		return
	}
	identityID, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	var req SendProfileRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}

	ctx := c.Request.Context()
	if raw := strings.TrimSpace(req.ContactPubkey); raw != "" {
		pk, err := envelope.ParsePublicKey(raw)
		if err != nil {
			failErr(c, err, ErrCodeBadRequest)
			return
		}
		res, err := h.profiles.SendProfileToContact(ctx, identityID, pk)
		if err != nil {
			failErr(c, err, ErrCodeSendFailed)
			return
		}
		ok(c, http.StatusOK, SendProfileResponse{Results: []services.SendResult{res}})
		return
	}
	results, err := h.profiles.SendProfileToAllContacts(ctx, identityID)
	if err != nil {
		failErr(c, err, ErrCodeSendFailed)
		return
	}
	if results == nil {
		results = []services.SendResult{}
	}
	ok(c, http.StatusOK, SendProfileResponse{Results: results})
}

// DiscoverProfile godoc
// @Summary  Check whether a public profile exists for a key
// @Tags     Profiles
// @Produce  json
// @Param    pubkey  path  string  true  "Hex or npub public key"
// @Success  200  {object}  domain.PublicProfilePresence
// @Router   /profiles/{pubkey}/discover [post]
func (h *Handlers) DiscoverProfile(c *gin.Context) {
	if h.profiles == nil {
		unavailable(c)
		return
	}
	pk, err := envelope.ParsePublicKey(c.Param("pubkey"))
	if err != nil {
		failErr(c, err, ErrCodeBadRequest)
		return
	}
	presence, err := h.profiles.DiscoverPublicProfile(c.Request.Context(), pk)
	if err != nil {
		failErr(c, err, ErrCodeSyncFailed)
		return
	}
	ok(c, http.StatusOK, presence)
}
