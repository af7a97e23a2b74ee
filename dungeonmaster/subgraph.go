package dungeonmaster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
)

// ownershipDenominator is the fixed denominator of 0xSplits ownership
// fractions: 50% is stored as 500000.
var ownershipDenominator = big.NewInt(1_000_000)

// Invoice is a smart-invoice record as discovered from the subgraph.
type Invoice struct {
	ID               string           `json:"id"`
	ProviderReceiver string           `json:"providerReceiver"`
	Releases         []InvoiceRelease `json:"releases"`
}

type InvoiceRelease struct {
	Amount string `json:"amount"`
}

// TotalReleased sums the invoice's released amounts as a big integer.
// Malformed amounts count as zero.
func (inv Invoice) TotalReleased() *big.Int {
	total := big.NewInt(0)
	for _, release := range inv.Releases {
		amount, ok := big.NewInt(0).SetString(release.Amount, 10)
		if !ok {
			continue
		}
		total.Add(total, amount)
	}
	return total
}

// Split is a payout-split contract with its recipients and their
// ownership fractions.
type Split struct {
	ID         string           `json:"id"`
	Recipients []SplitRecipient `json:"recipients"`
}

type SplitRecipient struct {
	// Address of the recipient account (possibly itself another split).
	Address string `json:"address"`
	// Ownership fraction over ownershipDenominator.
	Ownership string `json:"ownership"`
}

// OwedFrom returns floor(total * ownership / denominator) for this
// recipient's share of the given invoice total.
func (r SplitRecipient) OwedFrom(total *big.Int) *big.Int {
	ownership, ok := big.NewInt(0).SetString(r.Ownership, 10)
	if !ok || total == nil {
		return big.NewInt(0)
	}
	owed := big.NewInt(0).Mul(total, ownership)
	return owed.Div(owed, ownershipDenominator)
}

// graphqlClient is a minimal GraphQL-over-HTTP POST client. The
// subgraphs and directory only need query strings with variables; no
// client library is warranted.
type graphqlClient struct {
	httpClient *http.Client
	endpoint   string
	headers    map[string]string
	logger     *slog.Logger
}

func newGraphQLClient(
	httpClient *http.Client,
	endpoint string,
	headers map[string]string,
	log *slog.Logger,
) *graphqlClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &graphqlClient{
		httpClient: httpClient,
		endpoint:   endpoint,
		headers:    headers,
		logger:     log,
	}
}

type graphqlError struct {
	Message string `json:"message"`
}

func (c *graphqlClient) query(
	ctx context.Context,
	query string,
	variables map[string]any,
	out any,
) error {
	body, err := json.Marshal(
		map[string]any{
			"query":     query,
			"variables": variables,
		},
	)
	if err != nil {
		return fmt.Errorf("encoding graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("building graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graphql request to %s: %w", c.endpoint, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf(
			"graphql request to %s: unexpected status %d",
			c.endpoint, resp.StatusCode,
		)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	if out != nil && envelope.Data != nil {
		if err = json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decoding graphql data: %w", err)
		}
	}
	return nil
}

// CharacterRegistryClient resolves character accounts from a
// CharacterSheets subgraph. Implements CharacterRegistry.
type CharacterRegistryClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func NewCharacterRegistryClient(
	httpClient *http.Client,
	log *slog.Logger,
) *CharacterRegistryClient {
	if log == nil {
		log = slog.Default()
	}
	return &CharacterRegistryClient{
		httpClient: httpClient,
		logger:     log.With(loggerNameKey, "character_registry"),
	}
}

const characterAccountQuery = `
query CharacterAccountQuery($game: String!, $players: [String!]!) {
  characters(where: { game: $game, player_in: $players }) {
    account
    player
  }
}`

func (c *CharacterRegistryClient) ResolveAccountsByAddresses(
	ctx context.Context,
	game GameConfig,
	addresses []string,
) (map[string]string, []string, error) {
	lowered := make([]string, 0, len(addresses))
	loweredToOriginal := make(map[string]string, len(addresses))
	for _, addr := range addresses {
		lc := strings.ToLower(addr)
		lowered = append(lowered, lc)
		loweredToOriginal[lc] = addr
	}

	gql := newGraphQLClient(c.httpClient, game.SubgraphURL, nil, c.logger)
	var data struct {
		Characters []struct {
			Account string `json:"account"`
			Player  string `json:"player"`
		} `json:"characters"`
	}
	err := gql.query(
		ctx, characterAccountQuery, map[string]any{
			"game":    strings.ToLower(game.GameAddress),
			"players": lowered,
		}, &data,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("querying character accounts: %w", err)
	}

	accountByAddress := make(map[string]string, len(data.Characters))
	for _, character := range data.Characters {
		original, ok := loweredToOriginal[strings.ToLower(character.Player)]
		if !ok {
			continue
		}
		accountByAddress[original] = character.Account
	}

	var missing []string
	for _, addr := range addresses {
		if _, ok := accountByAddress[addr]; !ok {
			missing = append(missing, addr)
		}
	}
	return accountByAddress, missing, nil
}

// InvoiceRegistryClient lists invoices from the smart-invoice subgraph.
// Implements InvoiceRegistry.
type InvoiceRegistryClient struct {
	gql *graphqlClient
}

func NewInvoiceRegistryClient(
	httpClient *http.Client,
	subgraphURL string,
	log *slog.Logger,
) *InvoiceRegistryClient {
	if log == nil {
		log = slog.Default()
	}
	return &InvoiceRegistryClient{
		gql: newGraphQLClient(
			httpClient, subgraphURL, nil,
			log.With(loggerNameKey, "invoice_registry"),
		),
	}
}

const invoicesByProviderQuery = `
query InvoiceQuery($provider: String!) {
  invoices(where: { provider: $provider }) {
    id
    providerReceiver
    releases {
      amount
    }
  }
}`

func (c *InvoiceRegistryClient) ListInvoicesByProvider(
	ctx context.Context,
	provider string,
) ([]Invoice, error) {
	var data struct {
		Invoices []Invoice `json:"invoices"`
	}
	err := c.gql.query(
		ctx, invoicesByProviderQuery,
		map[string]any{"provider": strings.ToLower(provider)},
		&data,
	)
	if err != nil {
		return nil, fmt.Errorf("querying invoices: %w", err)
	}
	return data.Invoices, nil
}

// SplitRegistryClient resolves payout splits from the 0xSplits subgraph.
// Implements SplitRegistry.
type SplitRegistryClient struct {
	gql *graphqlClient
}

func NewSplitRegistryClient(
	httpClient *http.Client,
	subgraphURL string,
	log *slog.Logger,
) *SplitRegistryClient {
	if log == nil {
		log = slog.Default()
	}
	return &SplitRegistryClient{
		gql: newGraphQLClient(
			httpClient, subgraphURL, nil,
			log.With(loggerNameKey, "split_registry"),
		),
	}
}

const splitsQuery = `
query SplitQuery($ids: [ID!]!) {
  splits(where: { id_in: $ids }) {
    id
    recipients {
      ownership
      account {
        id
      }
    }
  }
}`

func (c *SplitRegistryClient) ResolveSplits(
	ctx context.Context,
	splitAddresses []string,
) (map[string]*Split, error) {
	ids := make([]string, 0, len(splitAddresses))
	for _, addr := range splitAddresses {
		ids = append(ids, strings.ToLower(addr))
	}

	var data struct {
		Splits []struct {
			ID         string `json:"id"`
			Recipients []struct {
				Ownership string `json:"ownership"`
				Account   struct {
					ID string `json:"id"`
				} `json:"account"`
			} `json:"recipients"`
		} `json:"splits"`
	}
	err := c.gql.query(ctx, splitsQuery, map[string]any{"ids": ids}, &data)
	if err != nil {
		return nil, fmt.Errorf("querying splits: %w", err)
	}

	splits := make(map[string]*Split, len(data.Splits))
	for _, raw := range data.Splits {
		split := &Split{ID: raw.ID}
		for _, recipient := range raw.Recipients {
			split.Recipients = append(
				split.Recipients, SplitRecipient{
					Address:   recipient.Account.ID,
					Ownership: recipient.Ownership,
				},
			)
		}
		splits[strings.ToLower(raw.ID)] = split
	}
	return splits, nil
}

var (
	_ CharacterRegistry = (*CharacterRegistryClient)(nil)
	_ InvoiceRegistry   = (*InvoiceRegistryClient)(nil)
	_ SplitRegistry     = (*SplitRegistryClient)(nil)
)
