package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mischa-dev/bootstrap/internal/analyzer"
	"github.com/Mischa-dev/bootstrap/internal/gitstore"
	"github.com/Mischa-dev/bootstrap/internal/policy"
	"github.com/Mischa-dev/bootstrap/internal/provision"
	"github.com/Mischa-dev/bootstrap/internal/tailnet"
)

const testAPIKey = "tskey-api-test"

type testServer struct {
	store  *gitstore.Store
	ledger *Ledger
	url    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	store, err := gitstore.New(context.Background(), filepath.Join(t.TempDir(), "history"))
	require.NoError(t, err)
	ledger := openTestLedger(t)

	srv := httptest.NewServer(NewServer(store, ledger, testAPIKey).Handler())
	t.Cleanup(srv.Close)
	return &testServer{store: store, ledger: ledger, url: srv.URL}
}

func (ts *testServer) client(t *testing.T, apiKey string) *tailnet.Client {
	t.Helper()
	client, err := tailnet.New("example.com", apiKey, tailnet.WithBaseURL(ts.url+"/api/v2"))
	require.NoError(t, err)
	return client
}

type readyTooling struct{}

func (readyTooling) EnsureTools(context.Context) error { return nil }
func (readyTooling) EnsureMeshClient(context.Context) error { return nil }

// localDevice enrolls with any key and keeps the tags it is told to
// advertise.
type localDevice struct {
	backend string
	keys    []string
	tags    []string
}

func (d *localDevice) Status(context.Context) (*analyzer.DeviceState, error) {
	return &analyzer.DeviceState{BackendState: d.backend, HostName: "box", Tags: slices.Clone(d.tags)}, nil
}

func (d *localDevice) Enroll(_ context.Context, authKey string) error {
	d.keys = append(d.keys, authKey)
	d.backend = analyzer.BackendRunning
	return nil
}

func (*localDevice) EnableSSH(context.Context) error { return nil }

func (d *localDevice) AdvertiseTags(_ context.Context, tags []string) error {
	d.tags = slices.Clone(tags)
	return nil
}

func TestProvisionAgainstControlPlane(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := ts.client(t, testAPIKey)
	device := &localDevice{backend: "NeedsLogin"}

	run := func() *provision.Report {
		p, err := provision.New(readyTooling{}, device, client, provision.Options{Tailnet: "example.com", Tag: "web"})
		require.NoError(t, err)
		report, err := p.Run(ctx)
		require.NoError(t, err)
		return report
	}

	first := run()
	assert.True(t, first.Changed())
	require.Len(t, device.keys, 1)
	assert.True(t, strings.HasPrefix(device.keys[0], "tskey-auth-"))
	assert.Equal(t, []string{"tag:web"}, device.tags)

	records, err := ts.ledger.List(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"tag:web"}, records[0].Tags)
	assert.Equal(t, HashKey(device.keys[0]), records[0].KeyHash)
	assert.True(t, records[0].Preauthorized)

	stored, err := ts.store.LoadPolicy(ctx, "example.com")
	require.NoError(t, err)
	assert.Contains(t, stored.TagOwners, "tag:web")
	require.Len(t, stored.SSH, 1)
	assert.Equal(t, []string{"tag:web"}, stored.SSH[0].Dst)

	second := run()
	assert.False(t, second.Changed())
	assert.Len(t, device.keys, 1)

	count, err := ts.ledger.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	revisions, err := ts.store.Revisions(ctx, "example.com", 10)
	require.NoError(t, err)
	assert.Len(t, revisions, 1)
}

func TestUnauthorizedRequest(t *testing.T) {
	ts := newTestServer(t)

	_, err := ts.client(t, "wrong-key").FetchPolicy(context.Background())
	require.ErrorIs(t, err, tailnet.ErrRemoteAPI)
	var apiErr *tailnet.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "invalid API key", apiErr.Message)
}

func TestStalePolicyUpdateIsRejected(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := ts.client(t, testAPIKey)

	fetched, err := client.FetchPolicy(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, fetched.ETag)

	first, _ := policy.EnsureTagOwner(fetched, "tag:web", []string{"autogroup:admin"})
	_, err = client.PushPolicy(ctx, first)
	require.NoError(t, err)

	stale, _ := policy.EnsureTagOwner(fetched, "tag:db", []string{"autogroup:admin"})
	_, err = client.PushPolicy(ctx, stale)
	require.ErrorIs(t, err, tailnet.ErrPolicyConflict)

	current, err := client.FetchPolicy(ctx)
	require.NoError(t, err)
	assert.Contains(t, current.TagOwners, "tag:web")
	assert.NotContains(t, current.TagOwners, "tag:db")
}

func TestPolicyAcceptsHuJSON(t *testing.T) {
	ts := newTestServer(t)

	body := `{
		// owners
		"tagOwners": {"tag:web": ["autogroup:admin"],},
	}`
	req, err := http.NewRequest(http.MethodPost, ts.url+"/api/v2/tailnet/example.com/acl", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // test

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("ETag"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	current, err := ts.client(t, testAPIKey).FetchPolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"autogroup:admin"}, current.TagOwners["tag:web"])
}

func TestCreateKeyRejectsInvalidTag(t *testing.T) {
	ts := newTestServer(t)

	_, err := ts.client(t, testAPIKey).IssueKey(context.Background(), tailnet.KeyRequest{Tags: []string{"tag:Not Valid"}})
	var apiErr *tailnet.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Message, "invalid tag")
}

func TestListKeys(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client := ts.client(t, testAPIKey)

	key, err := client.IssueKey(ctx, tailnet.KeyRequest{Description: "ci", Tags: []string{"web"}, Reusable: true, ExpirySeconds: 3600})
	require.NoError(t, err)
	assert.Equal(t, []string{"tag:web"}, key.Capabilities.Devices.Create.Tags)
	assert.Equal(t, 3600.0, key.Expires.Sub(key.Created).Seconds())

	req, err := http.NewRequest(http.MethodGet, ts.url+"/api/v2/tailnet/example.com/keys", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // test

	var listed struct {
		Keys []KeyRecord `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed.Keys, 1)
	assert.Equal(t, key.ID, listed.Keys[0].ID)
	assert.Equal(t, "ci", listed.Keys[0].Description)
	assert.True(t, listed.Keys[0].Reusable)
	assert.NotContains(t, listed.Keys[0].KeyHash, key.Key)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.url + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // test

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health["status"])
	assert.EqualValues(t, 0, health["keys"])
}

func TestConstantTimeCompare(t *testing.T) {
	assert.True(t, constantTimeCompare("abc", "abc"))
	assert.False(t, constantTimeCompare("abc", "abd"))
	assert.False(t, constantTimeCompare("abc", "abcd"))
}
