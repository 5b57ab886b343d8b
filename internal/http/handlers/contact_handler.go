// Contact HTTP handlers.
//
//   - POST   /identities/{id}/contacts               (add)
//   - GET    /identities/{id}/contacts               (list with display names)
//   - DELETE /identities/{id}/contacts/{contactID}   (remove and purge messages)
//   - PUT    /identities/{id}/contacts/{contactID}/alias
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/941design/slim-chat/internal/services"
)

// AddContactRequest adds a contact by hex or npub public key.
type AddContactRequest struct {
	PublicKey string  `json:"public_key" binding:"required" example:"npub1..."`
	Alias     *string `json:"alias,omitempty" binding:"omitempty,max=255"`
}

// SetAliasRequest sets an alias; null or blank clears it.
type SetAliasRequest struct {
	Alias *string `json:"alias" binding:"omitempty,max=255"`
}

// AliasResponse is the display name in effect after an alias change.
type AliasResponse struct {
	DisplayName string `json:"display_name"`
}

// AddContact godoc
// @Summary  Add a contact
// @Tags     Contacts
// @Accept   json
// @Produce  json
// @Param    id    path  string                          true  "Identity ID (UUID)"
// @Param    body  body  handlers.AddContactRequest  true  "Contact"
// @Success  201  {object}  domain.Contact
// @Failure  400  {object}  handlers.ErrorResponse  "Invalid or own key"
// @Failure  409  {object}  handlers.ErrorResponse  "Already a contact"
// @Router   /identities/{id}/contacts [post]
func (h *Handlers) AddContact(c *gin.Context) {
	if h.contacts == nil {
		unavailable(c)
		return
	}
	identityID, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	var req AddContactRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.PublicKey) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "public_key required")
		return
	}
	contact, err := h.contacts.Add(c.Request.Context(), identityID, strings.TrimSpace(req.PublicKey), req.Alias)
	if err != nil {
		failErr(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, contact)
}

// ListContacts godoc
// @Summary  List contacts
// @Tags     Contacts
// @Produce  json
// @Param    id  path  string  true  "Identity ID (UUID)"
// @Success  200  {array}  services.ContactView
// @Router   /identities/{id}/contacts [get]
func (h *Handlers) ListContacts(c *gin.Context) {
	if h.contacts == nil {
		unavailable(c)
		return
	}
	identityID, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	items, err := h.contacts.List(c.Request.Context(), identityID)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	if items == nil {
		items = []services.ContactView{}
	}
	ok(c, http.StatusOK, items)
}

// RemoveContact godoc
// @Summary  Remove a contact and its conversation
// @Tags     Contacts
// @Param    id         path  string  true  "Identity ID (UUID)"
// @Param    contactID  path  string  true  "Contact ID (UUID)"
// @Success  204
// @Failure  404  {object}  handlers.ErrorResponse
// @Router   /identities/{id}/contacts/{contactID} [delete]
func (h *Handlers) RemoveContact(c *gin.Context) {
	if h.contacts == nil {
		unavailable(c)
		return
	}
	identityID, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	contactID, valid := uuidParam(c, "contactID")
	if !valid {
		return
	}
	if err := h.contacts.Remove(c.Request.Context(), identityID, contactID); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// SetContactAlias godoc
// @Summary  Set or clear a contact alias
// @Tags     Contacts
// @Accept   json
// @Produce  json
// @Param    id         path  string                        true  "Identity ID (UUID)"
// @Param    contactID  path  string                        true  "Contact ID (UUID)"
// @Param    body       body  handlers.SetAliasRequest  true  "Alias"
// @Success  200  {object}  handlers.AliasResponse
// @Router   /identities/{id}/contacts/{contactID}/alias [put]
func (h *Handlers) SetContactAlias(c *gin.Context) {
	if h.contacts == nil {
		unavailable(c)
		return
	}
	identityID, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	contactID, valid := uuidParam(c, "contactID")
	if !valid {
		return
	}
	var req SetAliasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	name, err := h.contacts.SetAlias(c.Request.Context(), identityID, contactID, req.Alias)
	if err != nil {
		failErr(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, AliasResponse{DisplayName: name})
}
