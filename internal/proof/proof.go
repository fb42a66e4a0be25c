// Package proof decodes social-task proof payloads into a closed set of
// shapes.
package proof

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

type Kind string

const (
	KindHandle       Kind = "handle"
	KindLink         Kind = "link"
	KindExternal     Kind = "external"
	KindUnrecognized Kind = "unrecognized"
)

// MaxSize bounds an encoded payload.
const MaxSize = 8 << 10

var ErrMalformed = errors.New("proof: payload is not a JSON object")

// Proof is one of Handle, Link, External or Unrecognized.
type Proof interface {
	Kind() Kind
	isProof()
}

// Handle is an account name on a social platform.
type Handle struct {
	Platform string `json:"platform,omitempty"`
	Handle   string `json:"handle"`
}

// Link points at a post or profile.
type Link struct {
	Platform string `json:"platform,omitempty"`
	URL      string `json:"url"`
}

// External is a platform-issued identifier such as a Telegram user id.
type External struct {
	Platform   string `json:"platform,omitempty"`
	ExternalID string `json:"external_id"`
}

// Unrecognized keeps a payload none of the known shapes matched.
type Unrecognized struct {
	Raw json.RawMessage `json:"raw"`
}

func (Handle) Kind() Kind       { return KindHandle }
func (Link) Kind() Kind         { return KindLink }
func (External) Kind() Kind     { return KindExternal }
func (Unrecognized) Kind() Kind { return KindUnrecognized }

func (Handle) isProof()       {}
func (Link) isProof()         {}
func (External) isProof()     {}
func (Unrecognized) isProof() {}

// Field aliases seen in client payloads, most specific first.
var (
	linkKeys     = []string{"submitted_proof_url", "proof_url", "post_url", "url", "link"}
	handleKeys   = []string{"submitted_username", "twitter_handle", "username", "handle"}
	externalKeys = []string{"submitted_telegram_id", "telegram_user_id", "external_id", "externalId", "id"}
)

// Decode classifies raw. A valid URL wins over a handle, and a handle over an
// external id. Objects matching none of them come back as Unrecognized.
func Decode(raw []byte) (Proof, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > MaxSize {
		return nil, fmt.Errorf("proof: payload exceeds %d bytes", MaxSize)
	}
	fields, err := decodeObject(raw)
	if err != nil || fields == nil {
		return nil, ErrMalformed
	}
	platform := strings.ToLower(stringField(fields, "platform"))

	if v := firstField(fields, linkKeys); v != "" {
		if u, err := url.Parse(v); err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != "" {
			return Link{Platform: platform, URL: u.String()}, nil
		}
	}
	if v := firstField(fields, handleKeys); v != "" {
		if h := strings.TrimPrefix(v, "@"); h != "" {
			return Handle{Platform: platform, Handle: h}, nil
		}
	}
	if v := firstField(fields, externalKeys); v != "" {
		return External{Platform: platform, ExternalID: v}, nil
	}
	return Unrecognized{Raw: append(json.RawMessage(nil), raw...)}, nil
}

// Encode renders p with a "kind" discriminator.
func Encode(p Proof) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	out["kind"] = p.Kind()
	return json.Marshal(out)
}

func firstField(fields map[string]any, keys []string) string {
	for _, k := range keys {
		if v := stringField(fields, k); v != "" {
			return v
		}
	}
	return ""
}

// stringField reads strings and JSON numbers; Telegram ids arrive as both.
// decodeObject keeps numbers as written so large numeric ids survive.
func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrMalformed
	}
	return fields, nil
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
