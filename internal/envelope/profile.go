package envelope

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/nbd-wtf/go-nostr"
	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"

	"github.com/941design/slim-chat/internal/protocol"
)

// Field limits for locally authored profiles, in runes.
const (
	maxNameRunes  = 100
	maxAboutRunes = 2000
	maxURLRunes   = 1024
)

// ProfileContent is the structured key/value payload shared by public
// (kind 0) and private profile events.
type ProfileContent struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Website     string `json:"website,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
}

// ValidationError reports a locally authored profile field that cannot be
// published.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid profile field %q: %s", e.Field, e.Reason)
}

// Normalize trims every field and applies Unicode NFC.
func (p ProfileContent) Normalize() ProfileContent {
	clean := func(s string) string { return norm.NFC.String(strings.TrimSpace(s)) }
	return ProfileContent{
		Name:        clean(p.Name),
		DisplayName: clean(p.DisplayName),
		About:       clean(p.About),
		Picture:     clean(p.Picture),
		Banner:      clean(p.Banner),
		Website:     clean(p.Website),
		Nip05:       clean(p.Nip05),
		Lud16:       clean(p.Lud16),
	}
}

// Validate checks a locally authored profile. Remote content is never
// validated this way; it is parsed with ParseProfileContent instead.
func (p ProfileContent) Validate() error {
	if utf8.RuneCountInString(p.Name) > maxNameRunes {
		return &ValidationError{Field: "name", Reason: "too long"}
	}
	if utf8.RuneCountInString(p.DisplayName) > maxNameRunes {
		return &ValidationError{Field: "display_name", Reason: "too long"}
	}
	if utf8.RuneCountInString(p.About) > maxAboutRunes {
		return &ValidationError{Field: "about", Reason: "too long"}
	}
	for field, v := range map[string]string{"picture": p.Picture, "banner": p.Banner, "website": p.Website} {
		if v == "" {
			continue
		}
		if utf8.RuneCountInString(v) > maxURLRunes {
			return &ValidationError{Field: field, Reason: "too long"}
		}
		u, err := url.Parse(v)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: field, Reason: "must be an http(s) URL"}
		}
	}
	if p.Nip05 != "" && !strings.Contains(p.Nip05, "@") {
		return &ValidationError{Field: "nip05", Reason: "must look like name@domain"}
	}
	if p.Lud16 != "" && !strings.Contains(p.Lud16, "@") {
		return &ValidationError{Field: "lud16", Reason: "must look like name@domain"}
	}
	return nil
}

// PreferredName is the display name, falling back to the name.
func (p ProfileContent) PreferredName() string {
	if s := strings.TrimSpace(p.DisplayName); s != "" {
		return s
	}
	return strings.TrimSpace(p.Name)
}

// IsEmpty reports whether every field is blank.
func (p ProfileContent) IsEmpty() bool {
	return len(p.fields()) == 0
}

func (p ProfileContent) fields() map[string]string {
	out := map[string]string{}
	add := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	add("name", p.Name)
	add("display_name", p.DisplayName)
	add("about", p.About)
	add("picture", p.Picture)
	add("banner", p.Banner)
	add("website", p.Website)
	add("nip05", p.Nip05)
	add("lud16", p.Lud16)
	return out
}

// ProfileHash is a key-order independent digest of the non-empty fields. It
// is a local change-detection key only and never leaves the process.
func ProfileHash(p ProfileContent) string {
	// encoding/json writes map keys sorted, which makes the form canonical.
	canonical, _ := json.Marshal(p.fields())
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// ParseProfileContent parses remote profile JSON. Anything other than a JSON
// object with string-valued known fields is rejected.
func ParseProfileContent(raw string) (ProfileContent, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return ProfileContent{}, fmt.Errorf("profile content is not a JSON object")
	}
	var p ProfileContent
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(&p); err != nil {
		return ProfileContent{}, fmt.Errorf("parse profile content: %w", err)
	}
	return p.Normalize(), nil
}

// BuildPrivateProfileEvent signs a private profile event with secretKey. The
// event is only ever sent inside a gift wrap, never published bare.
func BuildPrivateProfileEvent(secretKey string, p ProfileContent, at nostr.Timestamp) (nostr.Event, error) {
	pub, err := PublicKeyOf(secretKey)
	if err != nil {
		return nostr.Event{}, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("marshal profile: %w", err)
	}
	evt := nostr.Event{
		PubKey:    pub,
		CreatedAt: at,
		Kind:      protocol.KindPrivateProfile,
		Tags:      nostr.Tags{{"d", protocol.PrivateProfileDTag}},
		Content:   string(body),
	}
	if err := evt.Sign(secretKey); err != nil {
		return nostr.Event{}, fmt.Errorf("sign private profile: %w", err)
	}
	return evt, nil
}
