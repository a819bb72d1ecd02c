package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	sala "github.com/nitad/sala"
)

// VectorPoint is one chunk embedding stored in the vector collection.
type VectorPoint struct {
	ID      string            `json:"id"`
	Vector  []float32         `json:"vector"`
	DocID   string            `json:"doc_id"`
	ChunkID string            `json:"chunk_id"`
	Payload map[string]string `json:"payload,omitempty"`
}

// VectorHit is a similarity search result.
type VectorHit struct {
	DocID   string  `json:"doc_id"`
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// VectorStore is the similarity index. The production implementation is a
// thin REST client for the external vector database.
type VectorStore interface {
	Upsert(ctx context.Context, points []VectorPoint) error
	Query(ctx context.Context, vector []float32, topK int) ([]VectorHit, error)
	DeleteByDocument(ctx context.Context, docID string) error
}

// HTTPVectorStore talks to the vector database over its REST API with
// bearer-token auth. Cosine distance is configured server-side at collection
// creation.
type HTTPVectorStore struct {
	baseURL    string
	token      string
	collection string
	httpClient *http.Client
}

var _ VectorStore = (*HTTPVectorStore)(nil)

// NewHTTPVectorStore creates a vector store client for one collection.
func NewHTTPVectorStore(baseURL, token, collection string) *HTTPVectorStore {
	return &HTTPVectorStore{
		baseURL:    baseURL,
		token:      token,
		collection: collection,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Upsert writes points, replacing any with the same id. Upsert semantics
// mean re-indexing never opens a zero-result window.
func (v *HTTPVectorStore) Upsert(ctx context.Context, points []VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	return v.do(ctx, http.MethodPut, "/collections/"+v.collection+"/points",
		map[string]any{"points": points}, nil)
}

// Query returns the topK nearest points by cosine similarity.
func (v *HTTPVectorStore) Query(ctx context.Context, vector []float32, topK int) ([]VectorHit, error) {
	var resp struct {
		Hits []VectorHit `json:"hits"`
	}
	err := v.do(ctx, http.MethodPost, "/collections/"+v.collection+"/query",
		map[string]any{"vector": vector, "top_k": topK}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

// DeleteByDocument removes every point belonging to docID.
func (v *HTTPVectorStore) DeleteByDocument(ctx context.Context, docID string) error {
	return v.do(ctx, http.MethodPost, "/collections/"+v.collection+"/points/delete",
		map[string]any{"filter": map[string]string{"doc_id": docID}}, nil)
}

func (v *HTTPVectorStore) do(ctx context.Context, method, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal vector request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build vector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.token != "" {
		req.Header.Set("Authorization", "Bearer "+v.token)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return &sala.ErrTransient{Op: "vector store", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode != http.StatusOK {
		return &sala.ErrHTTP{Status: resp.StatusCode, Body: string(body), RetryAfter: retryAfterSeconds(resp)}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode vector response: %w", err)
		}
	}
	return nil
}
