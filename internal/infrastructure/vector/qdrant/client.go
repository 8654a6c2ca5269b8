package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/resilience"
)

// pointNamespace derives stable point ids from chunk ids, so re-ingesting a
// chunk overwrites its point.
var pointNamespace = uuid.MustParse("6f1c7a52-93e4-4c1e-9a53-2a7f0c5d8e11")

const scrollPageSize = 256

// Client is a ports.VectorIndex backed by a qdrant collection using cosine distance.
type Client struct {
	baseURL    string
	collection string
	dimension  int
	httpClient *http.Client

	ensureMu          sync.Mutex
	ensuredCollection bool
}

func New(baseURL, collection string, dimension int) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		dimension:  dimension,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func (c *Client) Dimension() int {
	return c.dimension
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type scoredPoint struct {
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func (c *Client) Upsert(ctx context.Context, chunks []domain.ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	for _, chunk := range chunks {
		if len(chunk.Vector) != c.dimension {
			return domain.WrapError(domain.ErrDimensionMismatch, "qdrant upsert",
				fmt.Errorf("chunk %q has dimension %d, collection expects %d", chunk.ID, len(chunk.Vector), c.dimension))
		}
	}
	if err := c.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]point, 0, len(chunks))
	for _, chunk := range chunks {
		points = append(points, point{
			ID:     PointID(chunk.ID),
			Vector: chunk.Vector,
			Payload: map[string]any{
				"chunk_id":        chunk.ID,
				"doc_id":          chunk.DocumentID,
				"kb_id":           chunk.KnowledgeBaseID,
				"text":            chunk.Text,
				"position_index":  chunk.Position.Index,
				"position_offset": chunk.Position.Offset,
				"position_length": chunk.Position.Length,
			},
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	return c.do(ctx, http.MethodPut, path, map[string]any{"points": points}, nil, "upsert")
}

func (c *Client) Search(ctx context.Context, vector []float32, k, efSearch int, knowledgeBaseID string) ([]domain.ScoredChunk, error) {
	if len(vector) != c.dimension {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "qdrant search",
			fmt.Errorf("query has dimension %d, collection expects %d", len(vector), c.dimension))
	}
	reqBody := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	if efSearch > 0 {
		reqBody["params"] = map[string]any{"hnsw_ef": efSearch}
	}
	if knowledgeBaseID != "" {
		reqBody["filter"] = matchFilter("kb_id", knowledgeBaseID)
	}

	var searchResp struct {
		Result []scoredPoint `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if err := c.do(ctx, http.MethodPost, path, reqBody, &searchResp, "search"); err != nil {
		return nil, err
	}

	out := make([]domain.ScoredChunk, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, domain.ScoredChunk{Chunk: chunkFromPayload(r.Payload), Score: r.Score})
	}
	return out, nil
}

func (c *Client) DeleteDocument(ctx context.Context, documentID string) ([]string, error) {
	return c.deleteMatching(ctx, "doc_id", documentID)
}

func (c *Client) DeleteKnowledgeBase(ctx context.Context, knowledgeBaseID string) ([]string, error) {
	return c.deleteMatching(ctx, "kb_id", knowledgeBaseID)
}

// deleteMatching scrolls the ids that match first so callers learn which
// chunks were retracted, then deletes by the same filter.
func (c *Client) deleteMatching(ctx context.Context, key, value string) ([]string, error) {
	filter := matchFilter(key, value)
	ids, err := c.scrollChunkIDs(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.collection)
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"filter": filter}, nil, "delete"); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Client) scrollChunkIDs(ctx context.Context, filter map[string]any) ([]string, error) {
	path := fmt.Sprintf("/collections/%s/points/scroll", c.collection)
	var ids []string
	var offset any
	for {
		reqBody := map[string]any{
			"filter":       filter,
			"limit":        scrollPageSize,
			"with_payload": []string{"chunk_id"},
			"with_vector":  false,
		}
		if offset != nil {
			reqBody["offset"] = offset
		}
		var page struct {
			Result struct {
				Points []struct {
					Payload map[string]any `json:"payload"`
				} `json:"points"`
				NextPageOffset any `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := c.do(ctx, http.MethodPost, path, reqBody, &page, "scroll"); err != nil {
			return nil, err
		}
		for _, p := range page.Result.Points {
			if id := getStringPayload(p.Payload, "chunk_id"); id != "" {
				ids = append(ids, id)
			}
		}
		if page.Result.NextPageOffset == nil {
			return ids, nil
		}
		offset = page.Result.NextPageOffset
	}
}

func (c *Client) Exists(ctx context.Context, chunkIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		out[id] = false
		ids = append(ids, PointID(id))
	}

	var resp struct {
		Result []struct {
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	reqBody := map[string]any{"ids": ids, "with_payload": []string{"chunk_id"}, "with_vector": false}
	path := fmt.Sprintf("/collections/%s/points", c.collection)
	if err := c.do(ctx, http.MethodPost, path, reqBody, &resp, "retrieve"); err != nil {
		return nil, err
	}
	for _, p := range resp.Result {
		if id := getStringPayload(p.Payload, "chunk_id"); id != "" {
			out[id] = true
		}
	}
	return out, nil
}

func (c *Client) ensureCollection(ctx context.Context) error {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	if c.ensuredCollection {
		return nil
	}

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     c.dimension,
			"distance": "Cosine",
		},
	}
	err := c.do(ctx, http.MethodPut, "/collections/"+c.collection, reqBody, nil, "ensure collection")
	var statusErr *resilience.HTTPStatusError
	// 409 if the collection already exists.
	if err != nil && !(errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict) {
		return err
	}
	c.ensuredCollection = true
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any, operation string) error {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resilience.DomainError("qdrant "+operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		statusErr := resilience.NewHTTPStatusError("qdrant", operation, resp)
		if resp.StatusCode == http.StatusConflict {
			return statusErr
		}
		return resilience.DomainError("qdrant "+operation, statusErr)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func matchFilter(key, value string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{"key": key, "match": map[string]any{"value": value}},
		},
	}
}

func chunkFromPayload(payload map[string]any) domain.ChunkRecord {
	return domain.ChunkRecord{
		ID:              getStringPayload(payload, "chunk_id"),
		DocumentID:      getStringPayload(payload, "doc_id"),
		KnowledgeBaseID: getStringPayload(payload, "kb_id"),
		Text:            getStringPayload(payload, "text"),
		Position: domain.ChunkPosition{
			Index:  getIntPayload(payload, "position_index"),
			Offset: getIntPayload(payload, "position_offset"),
			Length: getIntPayload(payload, "position_length"),
		},
	}
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
