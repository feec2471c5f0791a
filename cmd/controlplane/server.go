package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/tidwall/jsonc"

	"github.com/Mischa-dev/bootstrap/internal/gitstore"
	"github.com/Mischa-dev/bootstrap/internal/policy"
	"github.com/Mischa-dev/bootstrap/internal/tailnet"
)

const (
	apiPrefix = "/api/v2/tailnet/{tailnet}"

	// HTTP timeouts.
	readTimeout     = 15 * time.Second
	writeTimeout    = 15 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second

	// Request validation limits.
	maxRequestBody   = 1024 * 1024 // 1MB limit
	maxTailnetLength = 255
	maxDescription   = 255

	defaultKeyExpiry = 90 * 24 * time.Hour
	keyBytes         = 24

	// Retry configuration for git operations.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Server implements the subset of the Tailscale API used by bootstrap:
// auth keys and the policy file.
type Server struct {
	store        *gitstore.Store
	ledger       *Ledger
	policies     map[string]*policy.Document
	now          func() time.Time
	apiKey       string
	mu           sync.Mutex
	statsmu      sync.RWMutex
	requestCount int64
	errorCount   int64
}

// NewServer returns a Server. Every API request must carry apiKey as a
// bearer token.
func NewServer(store *gitstore.Store, ledger *Ledger, apiKey string) *Server {
	return &Server{
		store:    store,
		ledger:   ledger,
		apiKey:   apiKey,
		policies: make(map[string]*policy.Document),
		now:      time.Now,
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+apiPrefix+"/keys", s.authenticated(s.handleCreateKey))
	mux.Handle("GET "+apiPrefix+"/keys", s.authenticated(s.handleListKeys))
	mux.Handle("GET "+apiPrefix+"/acl", s.authenticated(s.handleGetPolicy))
	mux.Handle("POST "+apiPrefix+"/acl", s.authenticated(s.handleSetPolicy))
	mux.HandleFunc("GET /health", s.handleHealth)
	return loggingMiddleware(mux)
}

func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.incrementRequestCount()

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		// Security: Don't accept API key from query params (exposes in logs)
		if !ok || !constantTimeCompare(token, s.apiKey) {
			log.Printf("[WARN] Unauthorized request from %s", r.RemoteAddr)
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		name := r.PathValue("tailnet")
		if name == "" || len(name) > maxTailnetLength {
			s.writeError(w, http.StatusBadRequest, "invalid tailnet name")
			return
		}
		next(w, r)
	})
}

type createKeyRequest struct {
	Description   string                  `json:"description"`
	Capabilities  tailnet.KeyCapabilities `json:"capabilities"`
	ExpirySeconds int                     `json:"expirySeconds"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tailnet")

	var req createKeyRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[ERROR] Failed to decode key request from %s: %v", r.RemoteAddr, err)
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Description) > maxDescription {
		s.writeError(w, http.StatusBadRequest, "description too long")
		return
	}

	create := req.Capabilities.Devices.Create
	tags := make([]string, 0, len(create.Tags))
	for _, tag := range create.Tags {
		normalized, err := policy.ParseTag(tag)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		tags = append(tags, normalized)
	}

	expiry := defaultKeyExpiry
	if req.ExpirySeconds > 0 {
		expiry = time.Duration(req.ExpirySeconds) * time.Second
	}

	secret, err := randomHex(keyBytes)
	if err != nil {
		log.Printf("[ERROR] Failed to generate key: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	id, err := randomHex(8)
	if err != nil {
		log.Printf("[ERROR] Failed to generate key id: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	now := s.now().UTC().Truncate(time.Second)
	key := tailnet.AuthKey{
		ID:          "k" + id,
		Key:         "tskey-auth-k" + id + "-" + secret,
		Description: req.Description,
		Created:     now,
		Expires:     now.Add(expiry),
	}
	key.Capabilities.Devices.Create = tailnet.CreateCapabilities{
		Tags:          tags,
		Reusable:      create.Reusable,
		Ephemeral:     create.Ephemeral,
		Preauthorized: create.Preauthorized,
	}

	if err := s.ledger.Record(r.Context(), KeyRecord{
		ID:            key.ID,
		Tailnet:       name,
		Description:   key.Description,
		Tags:          tags,
		KeyHash:       HashKey(key.Key),
		Reusable:      create.Reusable,
		Ephemeral:     create.Ephemeral,
		Preauthorized: create.Preauthorized,
		Created:       key.Created,
		Expires:       key.Expires,
	}); err != nil {
		log.Printf("[ERROR] %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to record key")
		return
	}

	log.Printf("[INFO] Issued key %s for %s (tags %v)", key.ID, name, tags)
	s.writeJSON(w, http.StatusOK, &key)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	records, err := s.ledger.List(r.Context(), r.PathValue("tailnet"))
	if err != nil {
		log.Printf("[ERROR] %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"keys": records})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	doc, err := s.currentPolicy(r.Context(), r.PathValue("tailnet"))
	s.mu.Unlock()
	if err != nil {
		log.Printf("[ERROR] %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load policy")
		return
	}
	s.writePolicy(w, doc)
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tailnet")

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	doc, err := policy.Parse(jsonc.ToJSON(body))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.currentPolicy(r.Context(), name)
	if err != nil {
		log.Printf("[ERROR] %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load policy")
		return
	}
	if match := r.Header.Get("If-Match"); match != "" && match != "*" && match != current.ETag {
		log.Printf("[WARN] Policy update for %s rejected: If-Match %s, current %s", name, match, current.ETag)
		s.writeError(w, http.StatusPreconditionFailed, "precondition failed, invalid old hash")
		return
	}

	doc.ETag, err = etagOf(doc)
	if err != nil {
		log.Printf("[ERROR] %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store policy")
		return
	}
	if doc.ETag != current.ETag {
		err := retry.Do(func() error {
			return s.store.SavePolicy(r.Context(), name, doc, "Update policy for "+name)
		}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
		if err != nil {
			log.Printf("[ERROR] Failed to save policy for %s: %v", name, err)
			s.writeError(w, http.StatusInternalServerError, "failed to store policy")
			return
		}
		s.policies[name] = doc
		log.Printf("[INFO] Policy for %s updated (etag %s)", name, doc.ETag)
	}
	s.writePolicy(w, doc)
}

// currentPolicy returns the cached or stored policy, or an empty one. The
// caller holds s.mu.
func (s *Server) currentPolicy(ctx context.Context, name string) (*policy.Document, error) {
	if doc, ok := s.policies[name]; ok {
		return doc, nil
	}
	doc, err := s.store.LoadPolicy(ctx, name)
	if errors.Is(err, gitstore.ErrNotFound) {
		doc, err = policy.Parse([]byte(`{}`))
	}
	if err != nil {
		return nil, err
	}
	if doc.ETag, err = etagOf(doc); err != nil {
		return nil, err
	}
	s.policies[name] = doc
	return doc, nil
}

func etagOf(doc *policy.Document) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal policy: %w", err)
	}
	sum := sha256.Sum256(data)
	return `"` + hex.EncodeToString(sum[:8]) + `"`, nil
}

func (s *Server) writePolicy(w http.ResponseWriter, doc *policy.Document) {
	w.Header().Set("ETag", doc.ETag)
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		s.incrementErrorCount()
		log.Printf("[ERROR] Failed to encode response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Printf("[WARN] Error writing response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.incrementErrorCount()
	s.writeJSON(w, status, map[string]string{"message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.incrementRequestCount()

	s.statsmu.RLock()
	requestCount := s.requestCount
	errorCount := s.errorCount
	s.statsmu.RUnlock()

	s.mu.Lock()
	tailnetCount := len(s.policies)
	s.mu.Unlock()

	status := "healthy"
	statusCode := http.StatusOK
	keyCount, err := s.ledger.Count(r.Context())
	if err != nil {
		log.Printf("[WARN] Health check: %v", err)
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, map[string]any{
		"status":   status,
		"tailnets": tailnetCount,
		"keys":     keyCount,
		"requests": requestCount,
		"errors":   errorCount,
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		if duration > 1*time.Second {
			log.Printf("[WARN] Slow request: %s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, duration)
		} else {
			log.Printf("[DEBUG] %s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, duration)
		}
	})
}

func (s *Server) incrementRequestCount() {
	s.statsmu.Lock()
	s.requestCount++
	s.statsmu.Unlock()
}

func (s *Server) incrementErrorCount() {
	s.statsmu.Lock()
	s.errorCount++
	s.statsmu.Unlock()
}

// constantTimeCompare performs constant-time string comparison to prevent timing attacks.
func constantTimeCompare(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
