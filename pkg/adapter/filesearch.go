package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// DeleteStatus is the raw outcome of a remote store deletion
type DeleteStatus string

const (
	StoreDeleted      DeleteStatus = "deleted"
	StoreNotFound     DeleteStatus = "not_found"
	StoreDeleteFailed DeleteStatus = "failed"
)

// DeleteResult carries the raw deletion outcome. Classification into
// transient vs. permanent failure is the caller's concern.
type DeleteResult struct {
	Status DeleteStatus
	// StatusCode is the HTTP status of a failed call, 0 on transport error
	StatusCode int
	Err        error
}

// FileSearch is the interface to the remote file search backend. A store
// holds one channel's documents and supports similarity search with
// grounding snippets.
type FileSearch interface {
	CreateStore(ctx context.Context, displayName string) (model.StoreName, error)
	Search(ctx context.Context, store model.StoreName, query string) ([]model.Citation, error)
	DeleteStore(ctx context.Context, store model.StoreName) DeleteResult
}

type fileSearchClient struct {
	client  *genai.Client
	apiKey  string
	baseURL string
	httpc   *http.Client
	model   string
}

type FileSearchOption func(*fileSearchClient)

// WithSearchModel overrides the model used for grounded search calls
func WithSearchModel(name string) FileSearchOption {
	return func(c *fileSearchClient) {
		c.model = name
	}
}

// WithBaseURL overrides the REST endpoint, used by tests
func WithBaseURL(u string) FileSearchOption {
	return func(c *fileSearchClient) {
		c.baseURL = u
	}
}

// NewFileSearch creates a file search client. Deletion goes through the
// REST API directly because the SDK does not support force delete.
func NewFileSearch(ctx context.Context, apiKey string, opts ...FileSearchOption) (FileSearch, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	c := &fileSearchClient{
		client:  client,
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		httpc:   &http.Client{Timeout: 30 * time.Second},
		model:   "gemini-2.5-flash",
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *fileSearchClient) CreateStore(ctx context.Context, displayName string) (model.StoreName, error) {
	store, err := c.client.FileSearchStores.Create(ctx, &genai.CreateFileSearchStoreConfig{
		DisplayName: displayName,
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to create file search store", goerr.V("display_name", displayName))
	}
	return model.StoreName(store.Name), nil
}

// Search runs a grounded query against one store and returns the snippets
// the backend retrieved, labeled by source document.
func (c *fileSearchClient) Search(ctx context.Context, store model.StoreName, query string) ([]model.Citation, error) {
	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{
			{
				FileSearch: &genai.FileSearch{
					FileSearchStoreNames: []string{string(store)},
				},
			},
		},
	}

	contents := []*genai.Content{
		genai.NewContentFromText(query, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "file search query failed", goerr.V("store", store))
	}

	return CitationsFromResponse(resp), nil
}

// CitationsFromResponse extracts grounding snippets from a generation
// response, deduplicated by label in order of first appearance.
func CitationsFromResponse(resp *genai.GenerateContentResponse) []model.Citation {
	if resp == nil {
		return nil
	}

	var citations []model.Citation
	for _, candidate := range resp.Candidates {
		if candidate.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range candidate.GroundingMetadata.GroundingChunks {
			rc := chunk.RetrievedContext
			if rc == nil {
				continue
			}
			label := rc.Title
			if label == "" {
				label = rc.URI
			}
			citations = append(citations, model.Citation{
				Label:   label,
				Snippet: rc.Text,
			})
		}
	}

	return model.DedupCitations(citations)
}

// DeleteStore removes a remote store and everything in it. The raw HTTP
// status is preserved in the result so the caller can tell a store that
// is already gone from a backend outage.
func (c *fileSearchClient) DeleteStore(ctx context.Context, store model.StoreName) DeleteResult {
	u := fmt.Sprintf("%s/%s?force=true&key=%s", c.baseURL, string(store), url.QueryEscape(c.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return DeleteResult{
			Status: StoreDeleteFailed,
			Err:    goerr.Wrap(err, "failed to build delete request", goerr.V("store", store)),
		}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return DeleteResult{
			Status: StoreDeleteFailed,
			Err:    goerr.Wrap(err, "delete request failed", goerr.V("store", store)),
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return DeleteResult{Status: StoreDeleted}
	case resp.StatusCode == http.StatusNotFound:
		return DeleteResult{Status: StoreNotFound, StatusCode: resp.StatusCode}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return DeleteResult{
			Status:     StoreDeleteFailed,
			StatusCode: resp.StatusCode,
			Err: goerr.New("unexpected status from store deletion",
				goerr.V("store", store),
				goerr.V("status", resp.StatusCode),
				goerr.V("body", string(body))),
		}
	}
}
