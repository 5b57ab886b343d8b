package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/941design/slim-chat/internal/domain"
	"github.com/941design/slim-chat/internal/envelope"
	"github.com/941design/slim-chat/internal/relayconfig"
	"github.com/941design/slim-chat/internal/services"
)

// ---------- stubs ----------

type stubIdentities struct {
	IdentityService // unimplemented methods panic
	relays          func(ctx context.Context, id string) ([]domain.RelayEndpoint, string, error)
	setRelays       func(ctx context.Context, id string, relays []domain.RelayEndpoint, expected string) (string, error)
	create          func(ctx context.Context, label string) (*domain.Identity, error)
	imp             func(ctx context.Context, secret, label string, relays []domain.RelayEndpoint) (*domain.Identity, error)
}

func (s stubIdentities) Relays(ctx context.Context, id string) ([]domain.RelayEndpoint, string, error) {
	return s.relays(ctx, id)
}

func (s stubIdentities) SetRelays(ctx context.Context, id string, relays []domain.RelayEndpoint, expected string) (string, error) {
	return s.setRelays(ctx, id, relays, expected)
}

func (s stubIdentities) Create(ctx context.Context, label string) (*domain.Identity, error) {
	return s.create(ctx, label)
}

func (s stubIdentities) Import(ctx context.Context, secret, label string, relays []domain.RelayEndpoint) (*domain.Identity, error) {
	return s.imp(ctx, secret, label, relays)
}

type stubMessages struct {
	MessageService
	send func(ctx context.Context, identityID, contactID, content string) (*domain.Message, error)
	list func(ctx context.Context, identityID, contactID string, page, pageSize int) ([]domain.Message, int64, error)
}

func (s stubMessages) SendMessage(ctx context.Context, identityID, contactID, content string) (*domain.Message, error) {
	return s.send(ctx, identityID, contactID, content)
}

func (s stubMessages) ListMessages(ctx context.Context, identityID, contactID string, page, pageSize int) ([]domain.Message, int64, error) {
	return s.list(ctx, identityID, contactID, page, pageSize)
}

type stubProfiles struct {
	ProfileService
	set     func(ctx context.Context, identityID string, p envelope.ProfileContent) (*domain.ProfileRecord, error)
	get     func(ctx context.Context, identityID string) (envelope.ProfileContent, error)
	sendOne func(ctx context.Context, identityID, pk string) (services.SendResult, error)
	sendAll func(ctx context.Context, identityID string) ([]services.SendResult, error)
}

func (s stubProfiles) SetPrivateProfile(ctx context.Context, identityID string, p envelope.ProfileContent) (*domain.ProfileRecord, error) {
	return s.set(ctx, identityID, p)
}

func (s stubProfiles) PrivateProfile(ctx context.Context, identityID string) (envelope.ProfileContent, error) {
	return s.get(ctx, identityID)
}

func (s stubProfiles) SendProfileToContact(ctx context.Context, identityID, pk string) (services.SendResult, error) {
	return s.sendOne(ctx, identityID, pk)
}

func (s stubProfiles) SendProfileToAllContacts(ctx context.Context, identityID string) ([]services.SendResult, error) {
	return s.sendAll(ctx, identityID)
}

// ---------- plumbing ----------

func serve(t *testing.T, method, route, path string, h gin.HandlerFunc, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Handle(method, route, h)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeErr(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body: %v (%s)", err, w.Body.String())
	}
	return resp
}

// ---------- helpers ----------

func Test_sanitizeContent_and_clampPagination(t *testing.T) {
	raw := "  line1\r\n\r\n\r\n\r\nline2\rline3  "
	if got := sanitizeContent(raw); got != "line1\n\nline2\nline3" {
		t.Fatalf("sanitizeContent: got %q", got)
	}
	if sanitizeContent(" \r\n\t ") != "" {
		t.Fatalf("sanitizeContent should trim to empty")
	}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/?page=-3&page_size=9999", nil)
	if p, ps := clampPagination(c); p != 1 || ps != 200 {
		t.Fatalf("clamp: got page=%d size=%d; want 1,200", p, ps)
	}
	c.Request = httptest.NewRequest("GET", "/?page=&page_size=0", nil)
	if p, ps := clampPagination(c); p != 1 || ps != 1 {
		t.Fatalf("clamp lower bound: got %d,%d", p, ps)
	}
	c.Request = httptest.NewRequest("GET", "/", nil)
	if p, ps := clampPagination(c); p != 1 || ps != 50 {
		t.Fatalf("clamp defaults: got %d,%d", p, ps)
	}

	pg := newPagination(2, 10, 25)
	if pg.TotalPages != 3 || !pg.HasNext {
		t.Fatalf("pagination: %+v", pg)
	}
	if pg = newPagination(3, 10, 25); pg.HasNext {
		t.Fatalf("last page must not have next: %+v", pg)
	}
}

func Test_unwiredServicesAnswer503(t *testing.T) {
	h := New(Services{})
	id := uuid.NewString()
	for name, fn := range map[string]gin.HandlerFunc{
		"identities": h.ListIdentities,
		"contacts":   h.ListContacts,
		"messages":   h.ListMessages,
		"profile":    h.GetProfile,
		"relays":     h.RelayStatus,
		"events":     h.Events,
		"poll":       h.Poll,
	} {
		w := serve(t, http.MethodGet, "/x/:id/:contactID", "/x/"+id+"/"+id, fn, "", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: status = %d", name, w.Code)
		}
	}
}

// ---------- identities ----------

func TestCreateIdentity_CreateOrImport(t *testing.T) {
	var gotSecret string
	h := New(Services{Identities: stubIdentities{
		create: func(_ context.Context, label string) (*domain.Identity, error) {
			return &domain.Identity{ID: "i1", PublicKey: "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d", Label: label}, nil
		},
		imp: func(_ context.Context, secret, label string, _ []domain.RelayEndpoint) (*domain.Identity, error) {
			gotSecret = secret
			if secret == "garbage" {
				return nil, fmt.Errorf("%w: secret key must be 32 bytes", envelope.ErrInvalidKey)
			}
			return nil, services.ErrIdentityExists
		},
	}})

	w := serve(t, http.MethodPost, "/identities", "/identities", h.CreateIdentity, `{"label":"  work "}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	var resp IdentityResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Label != "work" || resp.Npub == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("secret")) {
		t.Fatalf("secret reference leaked: %s", w.Body.String())
	}

	w = serve(t, http.MethodPost, "/identities", "/identities", h.CreateIdentity, `{"secret":" garbage "}`, nil)
	if w.Code != http.StatusBadRequest || gotSecret != "garbage" {
		t.Fatalf("invalid import = %d (secret %q)", w.Code, gotSecret)
	}
	w = serve(t, http.MethodPost, "/identities", "/identities", h.CreateIdentity, `{"secret":"nsec1dup"}`, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate import = %d", w.Code)
	}
	w = serve(t, http.MethodPost, "/identities", "/identities", h.CreateIdentity, `{`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad json = %d", w.Code)
	}
}

func TestRelays_ETagAndIfMatch(t *testing.T) {
	id := uuid.NewString()
	stored := []domain.RelayEndpoint{{URL: "wss://a.example", Read: true, Write: true}}
	hash := "h1"
	var expectedSeen string
	h := New(Services{Identities: stubIdentities{
		relays: func(context.Context, string) ([]domain.RelayEndpoint, string, error) { return stored, hash, nil },
		setRelays: func(_ context.Context, _ string, relays []domain.RelayEndpoint, expected string) (string, error) {
			expectedSeen = expected
			if expected != hash {
				return "", relayconfig.ErrConflict
			}
			stored, hash = relays, "h2"
			return hash, nil
		},
	}})
	route, path := "/identities/:id/relays", "/identities/"+id+"/relays"

	w := serve(t, http.MethodGet, route, path, h.GetRelays, "", nil)
	if w.Code != http.StatusOK || w.Header().Get("ETag") != `"h1"` {
		t.Fatalf("get = %d etag=%q", w.Code, w.Header().Get("ETag"))
	}
	w = serve(t, http.MethodGet, route, path, h.GetRelays, "", map[string]string{"If-None-Match": `"h1"`})
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional get = %d", w.Code)
	}

	body := `{"relays":[{"url":"wss://b.example","read":true,"write":false}]}`
	w = serve(t, http.MethodPut, route, path, h.PutRelays, body, map[string]string{"If-Match": `"stale"`})
	if w.Code != http.StatusConflict || decodeErr(t, w).Code != ErrCodeRelayConfigChanged {
		t.Fatalf("stale put = %d %s", w.Code, w.Body.String())
	}
	w = serve(t, http.MethodPut, route, path, h.PutRelays, body, map[string]string{"If-Match": `"h1"`})
	if w.Code != http.StatusOK || expectedSeen != "h1" || w.Header().Get("ETag") != `"h2"` {
		t.Fatalf("put = %d expected=%q etag=%q", w.Code, expectedSeen, w.Header().Get("ETag"))
	}
	var resp RelayListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Relays) != 1 || resp.Relays[0].URL != "wss://b.example" || resp.Hash != "h2" {
		t.Fatalf("put response: %+v", resp)
	}

	// Hash in the body works without the header.
	w = serve(t, http.MethodPut, route, path, h.PutRelays, `{"relays":[],"hash":"h2"}`, nil)
	if w.Code != http.StatusOK || expectedSeen != "h2" {
		t.Fatalf("body hash put = %d expected=%q", w.Code, expectedSeen)
	}

	w = serve(t, http.MethodPut, route, path, h.PutRelays, `{"relays":[{"url":"https://nope"}]}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("non-websocket url = %d", w.Code)
	}
	w = serve(t, http.MethodGet, route, "/identities/not-a-uuid/relays", h.GetRelays, "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad uuid = %d", w.Code)
	}
}

// ---------- messages ----------

func TestSendMessage_SanitizesAndMapsErrors(t *testing.T) {
	idID, cID := uuid.NewString(), uuid.NewString()
	var got string
	h := New(Services{Messages: stubMessages{
		send: func(_ context.Context, identityID, contactID, content string) (*domain.Message, error) {
			got = content
			switch content {
			case "":
				return nil, services.ErrEmptyMessage
			case "long":
				return nil, services.ErrTooLong
			}
			return &domain.Message{ID: "m1", IdentityID: identityID, ContactID: contactID, Content: content, Status: domain.StatusQueued}, nil
		},
	}})
	route := "/identities/:id/contacts/:contactID/messages"
	path := "/identities/" + idID + "/contacts/" + cID + "/messages"

	w := serve(t, http.MethodPost, route, path, h.SendMessage, `{"content":"hi\r\n\r\n\r\nthere  "}`, nil)
	if w.Code != http.StatusAccepted || got != "hi\n\nthere" {
		t.Fatalf("send = %d content=%q", w.Code, got)
	}
	var msg domain.Message
	_ = json.Unmarshal(w.Body.Bytes(), &msg)
	if msg.Status != domain.StatusQueued {
		t.Fatalf("status = %q", msg.Status)
	}

	if w = serve(t, http.MethodPost, route, path, h.SendMessage, `{"content":" \n "}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("blank = %d", w.Code)
	}
	if w = serve(t, http.MethodPost, route, path, h.SendMessage, `{"content":"long"}`, nil); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("too long = %d", w.Code)
	}
	if w = serve(t, http.MethodPost, route, path, h.SendMessage, `{}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("missing content = %d", w.Code)
	}
	bad := "/identities/" + idID + "/contacts/nope/messages"
	if w = serve(t, http.MethodPost, route, bad, h.SendMessage, `{"content":"x"}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad contact id = %d", w.Code)
	}
}

func TestListMessages_Pagination(t *testing.T) {
	idID, cID := uuid.NewString(), uuid.NewString()
	var gotPage, gotSize int
	h := New(Services{Messages: stubMessages{
		list: func(_ context.Context, _, _ string, page, pageSize int) ([]domain.Message, int64, error) {
			gotPage, gotSize = page, pageSize
			return []domain.Message{{ID: "m1"}, {ID: "m2"}}, 5, nil
		},
	}})
	route := "/identities/:id/contacts/:contactID/messages"
	path := "/identities/" + idID + "/contacts/" + cID + "/messages?page=1&page_size=2"

	w := serve(t, http.MethodGet, route, path, h.ListMessages, "", nil)
	if w.Code != http.StatusOK || gotPage != 1 || gotSize != 2 {
		t.Fatalf("list = %d page=%d size=%d", w.Code, gotPage, gotSize)
	}
	var resp ListMessagesResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Messages) != 2 || resp.Pagination.TotalPages != 3 || !resp.Pagination.HasNext {
		t.Fatalf("response: %+v", resp)
	}
}

type versionedMessages struct {
	stubMessages
	version string
}

func (s versionedMessages) ConversationVersion(context.Context, string, string) (string, error) {
	return s.version, nil
}

func TestListMessages_ETag(t *testing.T) {
	idID, cID := uuid.NewString(), uuid.NewString()
	calls := 0
	h := New(Services{Messages: versionedMessages{
		stubMessages: stubMessages{list: func(context.Context, string, string, int, int) ([]domain.Message, int64, error) {
			calls++
			return []domain.Message{{ID: "m1"}}, 1, nil
		}},
		version: "1:42",
	}})
	route := "/identities/:id/contacts/:contactID/messages"
	path := "/identities/" + idID + "/contacts/" + cID + "/messages"
	want := `W/"messages:` + cID + `:1:42"`

	w := serve(t, http.MethodGet, route, path, h.ListMessages, "", nil)
	if w.Code != http.StatusOK || w.Header().Get("ETag") != want {
		t.Fatalf("first = %d etag=%q", w.Code, w.Header().Get("ETag"))
	}
	w = serve(t, http.MethodGet, route, path, h.ListMessages, "", map[string]string{"If-None-Match": want})
	if w.Code != http.StatusNotModified || w.Body.Len() != 0 {
		t.Fatalf("conditional = %d body=%q", w.Code, w.Body.String())
	}
	if calls != 1 {
		t.Fatalf("list must be skipped on 304, calls=%d", calls)
	}
}

// ---------- profiles ----------

func TestProfileHandlers(t *testing.T) {
	idID := uuid.NewString()
	var sentTo string
	h := New(Services{Profiles: stubProfiles{
		set: func(_ context.Context, _ string, p envelope.ProfileContent) (*domain.ProfileRecord, error) {
			if p.Picture != "" {
				return nil, &envelope.ValidationError{Field: "picture", Reason: "must be an https URL"}
			}
			return &domain.ProfileRecord{ID: "r1", Source: domain.SourcePrivateAuthored}, nil
		},
		get: func(context.Context, string) (envelope.ProfileContent, error) {
			return envelope.ProfileContent{}, services.ErrNoPrivateProfile
		},
		sendOne: func(_ context.Context, _, pk string) (services.SendResult, error) {
			sentTo = pk
			return services.SendResult{ContactPubkey: pk, Skipped: true}, nil
		},
		sendAll: func(context.Context, string) ([]services.SendResult, error) {
			return []services.SendResult{{ContactPubkey: "a"}, {ContactPubkey: "b", Error: "no connected relays"}}, nil
		},
	}})
	base := "/identities/" + idID + "/profile"

	if w := serve(t, http.MethodPut, "/identities/:id/profile", base, h.SetProfile, `{"name":"alice"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("set = %d", w.Code)
	}
	w := serve(t, http.MethodPut, "/identities/:id/profile", base, h.SetProfile, `{"picture":"ftp://x"}`, nil)
	if w.Code != http.StatusUnprocessableEntity || decodeErr(t, w).Code != ErrCodeInvalidProfile {
		t.Fatalf("invalid = %d %s", w.Code, w.Body.String())
	}
	if w = serve(t, http.MethodGet, "/identities/:id/profile", base, h.GetProfile, "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("get without profile = %d", w.Code)
	}

	// npub input is normalized to hex before it reaches the service.
	const npub = "npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6"
	const hexPK = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	w = serve(t, http.MethodPost, "/identities/:id/profile/send", base+"/send", h.SendProfile, `{"contact_pubkey":"`+npub+`"}`, nil)
	if w.Code != http.StatusOK || sentTo != hexPK {
		t.Fatalf("send one = %d to %q", w.Code, sentTo)
	}
	w = serve(t, http.MethodPost, "/identities/:id/profile/send", base+"/send", h.SendProfile, "", nil)
	var resp SendProfileResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusOK || len(resp.Results) != 2 || resp.Results[1].Error == "" {
		t.Fatalf("send all = %d %+v", w.Code, resp)
	}
	w = serve(t, http.MethodPost, "/identities/:id/profile/send", base+"/send", h.SendProfile, `{"contact_pubkey":"zzz"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad key = %d", w.Code)
	}
}
