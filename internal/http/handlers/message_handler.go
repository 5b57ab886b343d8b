// Message HTTP handlers.
//
// This file exposes conversation endpoints:
//   - POST /identities/{id}/contacts/{contactID}/messages        (send)
//   - GET  /identities/{id}/contacts/{contactID}/messages        (list, paginated, ETag)
//   - POST /identities/{id}/contacts/{contactID}/messages/read   (mark read)
//   - POST /identities/{id}/messages/{messageID}/retry           (retry a failed send)
//
// Sending is asynchronous: the response carries the queued or sending row
// and the final status arrives by listing the conversation again.
package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/941design/slim-chat/internal/domain"
)

// conversationVersioner is implemented by message services that can tell
// cheaply whether a conversation changed.
type conversationVersioner interface {
	ConversationVersion(ctx context.Context, identityID, contactID string) (string, error)
}

// SendMessageRequest is the JSON payload for sending a message.
type SendMessageRequest struct {
	Content string `json:"content" binding:"required" example:"see you at 8"`
}

// ListMessagesResponse wraps a page of messages, oldest first.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// MarkReadResponse reports how many messages changed to read.
type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

// SendMessage godoc
// @Summary      Send a direct message
// @Description  Persists the message and hands it to the delivery queue. The row is "queued" while offline.
// @Tags         Messages
// @Accept       json
// @Produce      json
// @Param        id         path  string                           true  "Identity ID (UUID)"
// @Param        contactID  path  string                           true  "Contact ID (UUID)"
// @Param        body       body  handlers.SendMessageRequest  true  "Message"
// @Success      202  {object}  domain.Message
// @Failure      400  {object}  handlers.ErrorResponse
// @Failure      404  {object}  handlers.ErrorResponse
// @Failure      413  {object}  handlers.ErrorResponse  "Content too long"
// @Router       /identities/{id}/contacts/{contactID}/messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	if h.messages == nil {
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
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	msg, err := h.messages.SendMessage(c.Request.Context(), identityID, contactID, sanitizeContent(req.Content))
	if err != nil {
		failErr(c, err, ErrCodeSendFailed)
		return
	}
	ok(c, http.StatusAccepted, msg)
}

// ListMessages godoc
// @Summary  List a conversation (paginated, oldest first)
// @Tags     Messages
// @Produce  json
// @Param    id         path   string  true   "Identity ID (UUID)"
// @Param    contactID  path   string  true   "Contact ID (UUID)"
// @Param    page       query  int     false  "Page number"     minimum(1) default(1)
// @Param    page_size  query  int     false  "Items per page"  minimum(1) maximum(200) default(50)
// @Param    If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Success  200  {object}  handlers.ListMessagesResponse
// @Header   200  {string}  ETag  "Weak ETag for the conversation"
// @Success  304  "Not Modified"
// @Router   /identities/{id}/contacts/{contactID}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	if h.messages == nil {
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
	// ETag pre-check (best effort).
	if v, isVersioned := h.messages.(conversationVersioner); isVersioned {
		if ver, err := v.ConversationVersion(c.Request.Context(), identityID, contactID); err == nil {
			etag := fmt.Sprintf(`W/"messages:%s:%s"`, contactID, ver)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.messages.ListMessages(c.Request.Context(), identityID, contactID, page, pageSize)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	if items == nil {
		items = []domain.Message{}
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: newPagination(page, pageSize, total)})
}

// MarkRead godoc
// @Summary  Mark a conversation read
// @Tags     Messages
// @Produce  json
// @Param    id         path  string  true  "Identity ID (UUID)"
// @Param    contactID  path  string  true  "Contact ID (UUID)"
// @Success  200  {object}  handlers.MarkReadResponse
// @Router   /identities/{id}/contacts/{contactID}/messages/read [post]
func (h *Handlers) MarkRead(c *gin.Context) {
	if h.messages == nil {
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
	n, err := h.messages.MarkRead(c.Request.Context(), identityID, contactID)
	if err != nil {
		failErr(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, MarkReadResponse{Updated: n})
}

// RetryMessage godoc
// @Summary  Retry a failed message
// @Tags     Messages
// @Produce  json
// @Param    id         path  string  true  "Identity ID (UUID)"
// @Param    messageID  path  string  true  "Message ID (UUID)"
// @Success  202  {object}  domain.Message
// @Failure  404  {object}  handlers.ErrorResponse
// @Failure  409  {object}  handlers.ErrorResponse  "Message is not in the error state"
// @Router   /identities/{id}/messages/{messageID}/retry [post]
func (h *Handlers) RetryMessage(c *gin.Context) {
	if h.messages == nil {
		unavailable(c)
		return
	}
	identityID, valid := uuidParam(c, "id")
	if !valid {
		return
	}
	messageID, valid := uuidParam(c, "messageID")
	if !valid {
		return
	}
	msg, err := h.messages.RetryMessage(c.Request.Context(), identityID, messageID)
	if err != nil {
		failErr(c, err, ErrCodeSendFailed)
		return
	}
	ok(c, http.StatusAccepted, msg)
}
