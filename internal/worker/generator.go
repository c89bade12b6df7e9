package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const generatePath = "/api/v1/documents/internal/generate"

// ArtifactHeader names the response header carrying where the generator stored the artifact.
const ArtifactHeader = "X-Artifact-Path"

type GenerateRequest struct {
	DocumentID   string         `json:"documentId"`
	Template     string         `json:"template"`
	Placeholders map[string]any `json:"placeholders"`
	Metadata     map[string]any `json:"metadata"`
}

type Artifact struct {
	Bytes []byte
	Path  string
}

// Generator renders a template into artifact bytes. Rendering itself happens elsewhere.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Artifact, error)
}

type HTTPGenerator struct {
	baseURL  string
	client   *http.Client
	maxBytes int64
}

func NewHTTPGenerator(baseURL string, timeout time.Duration, maxBytes int64) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	return &HTTPGenerator{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (Artifact, error) {
	if req.Placeholders == nil {
		req.Placeholders = map[string]any{}
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return Artifact{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+generatePath, bytes.NewReader(raw))
	if err != nil {
		return Artifact{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Artifact{}, fmt.Errorf("call generator: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBytes+1))
	if err != nil {
		return Artifact{}, fmt.Errorf("read generator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Artifact{}, fmt.Errorf("generator status %d body=%s", resp.StatusCode, truncate(string(body), 500))
	}
	if int64(len(body)) > g.maxBytes {
		return Artifact{}, fmt.Errorf("generator artifact exceeds %d bytes", g.maxBytes)
	}
	if len(body) == 0 {
		return Artifact{}, fmt.Errorf("generator returned an empty artifact")
	}
	return Artifact{Bytes: body, Path: resp.Header.Get(ArtifactHeader)}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
