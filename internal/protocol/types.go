package protocol

import "time"

// TimestampLayout is the ISO-8601 form used when a block timestamp enters its hash.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

type Block struct {
	DocumentID    string         `json:"document_id"`
	PreviousHash  string         `json:"previous_hash,omitempty"`
	Hash          string         `json:"hash"`
	ContentHash   string         `json:"content_hash"`
	SignatureData string         `json:"signature_data"`
	Metadata      map[string]any `json:"metadata"`
	Timestamp     time.Time      `json:"timestamp"`
}

func (b Block) IsGenesis() bool {
	return b.PreviousHash == ""
}

// HashShape is the value whose canonical encoding identifies a block.
func (b Block) HashShape(normalizedMetadata map[string]any) map[string]any {
	var previous any
	if b.PreviousHash != "" {
		previous = b.PreviousHash
	}
	return map[string]any{
		"document_id":    b.DocumentID,
		"previous_hash":  previous,
		"content_hash":   b.ContentHash,
		"signature_data": b.SignatureData,
		"metadata":       normalizedMetadata,
		"timestamp":      FormatTimestamp(b.Timestamp),
	}
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// AnonymizedBlock is the public projection of a block: chain shape without document content.
type AnonymizedBlock struct {
	Sequence       int       `json:"sequence"`
	Hash           string    `json:"hash"`
	PreviousHash   string    `json:"previous_hash,omitempty"`
	ContentHash    string    `json:"content_hash"`
	Timestamp      time.Time `json:"timestamp"`
	SignatureCount int       `json:"signature_count"`
	SignatureHash  string    `json:"signature_hash"`
	MetadataKeys   []string  `json:"metadata_keys"`
}

type ChainReport struct {
	Valid       bool         `json:"valid"`
	BlockCount  int          `json:"block_count"`
	Errors      []string     `json:"errors"`
	CheckedAt   time.Time    `json:"checked_at"`
	Attestation *Attestation `json:"attestation,omitempty"`
}

type DocumentReport struct {
	Valid  bool     `json:"valid"`
	Block  *Block   `json:"block,omitempty"`
	Errors []string `json:"errors"`
}

type ExportResponse struct {
	Blocks      []AnonymizedBlock `json:"blocks"`
	Count       int               `json:"count"`
	MerkleRoot  string            `json:"merkle_root"`
	GeneratedAt time.Time         `json:"generated_at"`
	Attestation *Attestation      `json:"attestation,omitempty"`
}

type Attestation struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// UploadReport is a DocumentReport for an uploaded artifact, looked up by its content hash.
type UploadReport struct {
	ContentHash string `json:"content_hash"`
	DocumentReport
}
