package dungeonmaster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// PinataClient pins character metadata JSON to IPFS through Pinata's
// pinning API. Implements MetadataPinner.
type PinataClient struct {
	httpClient *http.Client
	cfg        *PinataConfig
	logger     *slog.Logger
}

func NewPinataClient(
	httpClient *http.Client,
	cfg *PinataConfig,
	log *slog.Logger,
) *PinataClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &PinataClient{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     log.With(loggerNameKey, "pinata"),
	}
}

// PinJSON pins the payload and returns the resulting CID.
func (p *PinataClient) PinJSON(
	ctx context.Context,
	name string,
	payload any,
) (string, error) {
	endpoint := p.cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultPinataEndpoint
	}

	body, err := json.Marshal(
		map[string]any{
			"pinataContent":  payload,
			"pinataMetadata": map[string]string{"name": name},
		},
	)
	if err != nil {
		return "", fmt.Errorf("encoding pin request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return "", fmt.Errorf("building pin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.cfg.JWT))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pinning to IPFS: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pinning to IPFS: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding pin response: %w", err)
	}
	if result.IpfsHash == "" {
		return "", fmt.Errorf("pinning to IPFS: empty CID in response")
	}
	return result.IpfsHash, nil
}

var _ MetadataPinner = (*PinataClient)(nil)
