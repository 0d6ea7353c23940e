// Package token encodes session creation metadata into the compact,
// URL-fragment-safe string embedded in shareable links, and decodes it back.
// The token lets a recipient reconstruct a local replica of a session their
// store has never seen.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// ErrDecode indicates a malformed token: either not valid base64 text or not
// valid metadata afterward. Callers treat it as "link carries no usable
// session data".
var ErrDecode = errors.New("token decode failed")

// Metadata is the creation-time session state a link can carry. Mutable draw
// state never rides in a link; a decoded token always yields a fresh replica.
type Metadata struct {
	GroupName        string
	GroupSize        int
	GroupDescription string
	CreatedAt        time.Time
}

// payload is the wire form. Short keys keep the link compact.
type payload struct {
	Name        string `json:"n"`
	Size        int    `json:"s"`
	Description string `json:"d,omitempty"`
	CreatedUnix int64  `json:"c"`
}

// Encode serializes metadata into an unpadded URL-safe base64 token.
func Encode(m Metadata) string {
	b, _ := json.Marshal(payload{
		Name:        m.GroupName,
		Size:        m.GroupSize,
		Description: m.GroupDescription,
		CreatedUnix: m.CreatedAt.Unix(),
	})
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses a token produced by Encode. Any malformed input yields
// ErrDecode; a token carrying a non-positive group size is also rejected
// since it could never have been produced by a valid session.
func Decode(s string) (Metadata, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Metadata{}, ErrDecode
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Metadata{}, ErrDecode
	}
	if p.Size <= 0 {
		return Metadata{}, ErrDecode
	}
	return Metadata{
		GroupName:        p.Name,
		GroupSize:        p.Size,
		GroupDescription: p.Description,
		CreatedAt:        time.Unix(p.CreatedUnix, 0).UTC(),
	}, nil
}
