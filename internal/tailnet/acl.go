package tailnet

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/tidwall/jsonc"

	"github.com/Mischa-dev/bootstrap/internal/policy"
)

// FetchPolicy returns the current policy document and its ETag. HuJSON
// comments and trailing commas are accepted.
func (c *Client) FetchPolicy(ctx context.Context) (*policy.Document, error) {
	path := c.tailnetPath("acl")
	header := http.Header{}
	header.Set("Accept", "application/json")

	resp, err := c.do(ctx, http.MethodGet, path, nil, header)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch policy: %w", err)
	}
	doc, err := decodePolicy(http.MethodGet, path, resp)
	if err != nil {
		return nil, err
	}
	log.Printf("[DEBUG] Fetched policy for %s (etag %s, %d tag owners, %d ssh rules)",
		c.tailnet, doc.ETag, len(doc.TagOwners), len(doc.SSH))
	return doc, nil
}

// PushPolicy replaces the policy document. When doc carries an ETag the
// update is conditional on it, and a concurrent change is reported as an
// error matching ErrPolicyConflict. The stored document is returned.
func (c *Client) PushPolicy(ctx context.Context, doc *policy.Document) (*policy.Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy: %w", err)
	}

	path := c.tailnetPath("acl")
	header := http.Header{}
	header.Set("Accept", "application/json")
	if doc.ETag != "" {
		header.Set("If-Match", doc.ETag)
	}

	resp, err := c.do(ctx, http.MethodPost, path, data, header)
	if err != nil {
		return nil, fmt.Errorf("failed to push policy: %w", err)
	}
	stored, err := decodePolicy(http.MethodPost, path, resp)
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] Pushed policy for %s (etag %s)", c.tailnet, stored.ETag)
	return stored, nil
}

func decodePolicy(method, path string, resp *response) (*policy.Document, error) {
	doc, err := policy.Parse(jsonc.ToJSON(resp.body))
	if err != nil {
		return nil, &APIError{Method: method, Path: path, Status: resp.status, Message: err.Error()}
	}
	doc.ETag = resp.header.Get("ETag")
	return doc, nil
}
