package envelope

import (
	"github.com/darioguarascio/docuchain/internal/protocol"
)

type Reason string

const (
	ReasonAccepted            Reason = "accepted"
	ReasonEnvelopeMissing     Reason = "envelope_missing"
	ReasonSecretNotConfigured Reason = "secret_not_configured"
	ReasonHMACMissing         Reason = "hmac_missing"
	ReasonHMACMismatch        Reason = "hmac_mismatch"
	ReasonContentMismatch     Reason = "content_mismatch"
	ReasonMetadataMismatch    Reason = "metadata_mismatch"
)

// AuthenticationFailure reports whether the envelope itself could not be trusted.
func (r Reason) AuthenticationFailure() bool {
	switch r {
	case ReasonSecretNotConfigured, ReasonHMACMissing, ReasonHMACMismatch:
		return true
	}
	return false
}

// ContentMismatch reports whether the artifact or metadata disagree with a trusted envelope.
func (r Reason) ContentMismatch() bool {
	return r == ReasonContentMismatch || r == ReasonMetadataMismatch
}

type Decision struct {
	Accepted bool
	Reason   Reason
	Message  string
	Envelope *Envelope
	// Unsigned holds the artifact bytes with any embedded marker removed.
	Unsigned []byte
}

// Verifier holds the server's HMAC secret. With a secret configured every
// preview this server issues is signed, so an unsigned envelope is rejected.
type Verifier struct {
	Secret []byte
}

// Verify runs the sign-time checks on an uploaded artifact. An out-of-band
// envelope takes precedence over one embedded in the upload. Only an accepted
// decision may lead to a ledger append.
func (v Verifier) Verify(upload []byte, outOfBand *Envelope) Decision {
	extracted := Extract(upload)
	env := extracted.Envelope
	if outOfBand != nil {
		env = outOfBand
	}
	d := Decision{Envelope: env, Unsigned: extracted.Unsigned}
	if env == nil {
		return d.reject(ReasonEnvelopeMissing, "no preview envelope was supplied with the artifact")
	}

	if env.HMAC != "" {
		if len(v.Secret) == 0 {
			return d.reject(ReasonSecretNotConfigured, "envelope is signed but no HMAC secret is configured")
		}
		expected, err := env.ComputeHMAC(v.Secret)
		if err != nil || !protocol.EqualHex(expected, env.HMAC) {
			return d.reject(ReasonHMACMismatch, "envelope signature does not match; preview metadata was altered")
		}
	} else if len(v.Secret) > 0 {
		return d.reject(ReasonHMACMissing, "envelope is not signed")
	}

	if !protocol.EqualHex(protocol.SHA256Hex(extracted.Unsigned), env.ContentHash) {
		return d.reject(ReasonContentMismatch, "uploaded artifact does not match preview")
	}

	metadataHash, err := protocol.HashValue(metadataOrEmpty(env.Metadata))
	if err != nil || !protocol.EqualHex(metadataHash, env.MetadataHash) {
		return d.reject(ReasonMetadataMismatch, "preview metadata does not match its hash")
	}

	d.Accepted = true
	d.Reason = ReasonAccepted
	return d
}

func (d Decision) reject(reason Reason, msg string) Decision {
	d.Accepted = false
	d.Reason = reason
	d.Message = msg
	return d
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
