package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/darioguarascio/docuchain/internal/protocol"
)

const (
	Version   = 1
	Algorithm = "sha256"

	// MarkerTag prefixes the base64 envelope appended to a preview artifact.
	MarkerTag = "%%DocuChainPreview:"
)

// Envelope binds an uncommitted artifact to its metadata. It is never persisted.
type Envelope struct {
	Version      int            `json:"version"`
	Algorithm    string         `json:"algorithm"`
	ContentHash  string         `json:"content_hash"`
	MetadataHash string         `json:"metadata_hash"`
	Metadata     map[string]any `json:"metadata"`
	Timestamp    string         `json:"timestamp"`
	HMAC         string         `json:"hmac,omitempty"`
}

// signingShape is every field except HMAC.
func (e Envelope) signingShape() map[string]any {
	return map[string]any{
		"version":       e.Version,
		"algorithm":     e.Algorithm,
		"content_hash":  e.ContentHash,
		"metadata_hash": e.MetadataHash,
		"metadata":      e.Metadata,
		"timestamp":     e.Timestamp,
	}
}

// ComputeHMAC returns the hex HMAC-SHA256 over the canonical encoding of the envelope without its hmac field.
func (e Envelope) ComputeHMAC(secret []byte) (string, error) {
	canonical, err := protocol.CanonicalJSON(e.signingShape())
	if err != nil {
		return "", fmt.Errorf("canonical envelope: %w", err)
	}
	return protocol.HMACSHA256Hex(secret, canonical), nil
}

// Encode returns the base64 JSON form carried in the marker and the out-of-band header.
func (e Envelope) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses the base64 JSON form produced by Encode.
func Decode(encoded string) (*Envelope, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("envelope is empty")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode envelope base64: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope json: %w", err)
	}
	if env.ContentHash == "" || env.MetadataHash == "" {
		return nil, errors.New("envelope is missing hashes")
	}
	return &env, nil
}

type Attached struct {
	Buffer   []byte
	Envelope Envelope
	Encoded  string
}

// Attach builds the envelope for artifact and appends it as a trailing marker line.
// When secret is non-empty the envelope carries an HMAC.
func Attach(artifact []byte, metadata map[string]any, secret []byte, now time.Time) (Attached, error) {
	normalized, err := protocol.NormalizeMetadata(metadata)
	if err != nil {
		return Attached{}, fmt.Errorf("normalize metadata: %w", err)
	}
	metadataHash, err := protocol.HashValue(normalized)
	if err != nil {
		return Attached{}, fmt.Errorf("hash metadata: %w", err)
	}
	env := Envelope{
		Version:      Version,
		Algorithm:    Algorithm,
		ContentHash:  protocol.SHA256Hex(artifact),
		MetadataHash: metadataHash,
		Metadata:     normalized,
		Timestamp:    protocol.FormatTimestamp(now),
	}
	if len(secret) > 0 {
		env.HMAC, err = env.ComputeHMAC(secret)
		if err != nil {
			return Attached{}, err
		}
	}
	encoded, err := env.Encode()
	if err != nil {
		return Attached{}, err
	}

	sep := "\n"
	if bytes.HasSuffix(artifact, []byte("\r")) {
		// a bare LF would join the artifact's CR into a CRLF that Extract trims
		sep = "\r\n"
	}
	buf := make([]byte, 0, len(artifact)+len(sep)+len(MarkerTag)+len(encoded)+1)
	buf = append(buf, artifact...)
	buf = append(buf, sep...)
	buf = append(buf, MarkerTag...)
	buf = append(buf, encoded...)
	buf = append(buf, '\n')
	return Attached{Buffer: buf, Envelope: env, Encoded: encoded}, nil
}

type Extracted struct {
	Envelope *Envelope
	Unsigned []byte
}

// Extract splits data at the last marker. Data without a decodable marker is
// returned unchanged with a nil envelope.
func Extract(data []byte) Extracted {
	idx := bytes.LastIndex(data, []byte(MarkerTag))
	if idx < 0 {
		return Extracted{Unsigned: data}
	}
	payload := data[idx+len(MarkerTag):]
	if nl := bytes.IndexByte(payload, '\n'); nl >= 0 {
		payload = payload[:nl]
	}
	env, err := Decode(string(bytes.TrimSpace(payload)))
	if err != nil {
		return Extracted{Unsigned: data}
	}
	unsigned := data[:idx]
	switch {
	case bytes.HasSuffix(unsigned, []byte("\r\n")):
		unsigned = unsigned[:len(unsigned)-2]
	case bytes.HasSuffix(unsigned, []byte("\n")):
		unsigned = unsigned[:len(unsigned)-1]
	}
	return Extracted{Envelope: env, Unsigned: unsigned}
}

// DecodeHeader parses the out-of-band envelope carried in an HTTP header.
func DecodeHeader(value string) (*Envelope, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return Decode(value)
}
