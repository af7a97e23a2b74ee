package dungeonmaster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinataClientPinJSON(t *testing.T) {
	var pinned map[string]any
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "Bearer test-jwt", r.Header.Get("Authorization"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&pinned))
				_, _ = w.Write([]byte(`{"IpfsHash":"QmTestCID"}`))
			},
		),
	)
	t.Cleanup(server.Close)

	client := NewPinataClient(
		server.Client(),
		&PinataConfig{JWT: "test-jwt", Endpoint: server.URL},
		discardLogger(),
	)
	cid, err := client.PinJSON(
		context.Background(),
		"characterMetadata.json",
		map[string]string{"name": "alice"},
	)
	require.NoError(t, err)
	assert.Equal(t, "QmTestCID", cid)

	metadata := pinned["pinataMetadata"].(map[string]any)
	assert.Equal(t, "characterMetadata.json", metadata["name"])
	content := pinned["pinataContent"].(map[string]any)
	assert.Equal(t, "alice", content["name"])
}

func TestPinataClientPinJSONHTTPError(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
		),
	)
	t.Cleanup(server.Close)

	client := NewPinataClient(
		server.Client(),
		&PinataConfig{JWT: "bad-jwt", Endpoint: server.URL},
		discardLogger(),
	)
	_, err := client.PinJSON(context.Background(), "meta.json", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 401")
}

func TestPinataClientPinJSONEmptyCID(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{}`))
			},
		),
	)
	t.Cleanup(server.Close)

	client := NewPinataClient(
		server.Client(),
		&PinataConfig{JWT: "test-jwt", Endpoint: server.URL},
		discardLogger(),
	)
	_, err := client.PinJSON(context.Background(), "meta.json", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty CID")
}
