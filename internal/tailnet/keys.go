package tailnet

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// KeyRequest describes the auth key to create.
type KeyRequest struct {
	Description   string
	Tags          []string
	ExpirySeconds int
	Reusable      bool
	Ephemeral     bool
	Preauthorized bool
}

// CreateCapabilities are the device-creation rights granted by a key.
type CreateCapabilities struct {
	Tags          []string `json:"tags,omitempty"`
	Reusable      bool     `json:"reusable"`
	Ephemeral     bool     `json:"ephemeral"`
	Preauthorized bool     `json:"preauthorized"`
}

// KeyCapabilities is the capabilities object of the keys API.
type KeyCapabilities struct {
	Devices struct {
		Create CreateCapabilities `json:"create"`
	} `json:"devices"`
}

// AuthKey is an issued enrollment key. Key is the secret.
type AuthKey struct {
	Created      time.Time       `json:"created"`
	Expires      time.Time       `json:"expires"`
	ID           string          `json:"id"`
	Key          string          `json:"key"`
	Description  string          `json:"description,omitempty"`
	Capabilities KeyCapabilities `json:"capabilities"`
}

// String omits the key itself.
func (k *AuthKey) String() string {
	return fmt.Sprintf("auth key %s (expires %s)", k.ID, k.Expires.Format(time.RFC3339))
}

type createKeyBody struct {
	Description   string          `json:"description,omitempty"`
	Capabilities  KeyCapabilities `json:"capabilities"`
	ExpirySeconds int             `json:"expirySeconds,omitempty"`
}

// IssueKey creates an auth key. A response without a key yields
// ErrAuthKeyUnavailable.
func (c *Client) IssueKey(ctx context.Context, request KeyRequest) (*AuthKey, error) {
	body := createKeyBody{
		Description:   request.Description,
		ExpirySeconds: request.ExpirySeconds,
	}
	body.Capabilities.Devices.Create = CreateCapabilities{
		Tags:          request.Tags,
		Reusable:      request.Reusable,
		Ephemeral:     request.Ephemeral,
		Preauthorized: request.Preauthorized,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key request: %w", err)
	}

	path := c.tailnetPath("keys")
	resp, err := c.do(ctx, http.MethodPost, path, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to issue auth key: %w", err)
	}

	var key AuthKey
	if err := json.Unmarshal(resp.body, &key); err != nil {
		return nil, &APIError{
			Method:  http.MethodPost,
			Path:    path,
			Status:  resp.status,
			Message: fmt.Sprintf("malformed key response: %v", err),
		}
	}
	if key.Key == "" {
		return nil, ErrAuthKeyUnavailable
	}

	log.Printf("[INFO] Issued %s for tags %v", key.String(), request.Tags)
	return &key, nil
}
