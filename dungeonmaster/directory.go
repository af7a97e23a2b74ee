package dungeonmaster

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// RaidRoster is the directory's view of one raid (project engagement),
// keyed by its invoice address: who worked on it, in what class, plus
// the two always-present roles that map to fixed classes regardless of
// the generic role join.
type RaidRoster struct {
	InvoiceAddress string

	// ChannelID is the raid's Discord channel, used for unattributable
	// recipient warnings.
	ChannelID string

	// ClassKeyByAddress maps raider player addresses (lowercase) to
	// their class keys.
	ClassKeyByAddress map[string]string

	// DiscordTagByAddress maps player addresses (lowercase) to Discord
	// tags.
	DiscordTagByAddress map[string]string

	// AccountManagerAddress and BizDevAddress are fixed-class roles:
	// ACCOUNT_MANAGER and BIZ_DEV respectively, overriding the generic
	// class join.
	AccountManagerAddress string
	BizDevAddress         string
}

// ClassKeyFor attributes a recipient address to a class key. The two
// designated roles win over the generic raid-party join; an empty return
// means the recipient can't be attributed.
func (r *RaidRoster) ClassKeyFor(address string) string {
	lc := strings.ToLower(address)
	switch lc {
	case strings.ToLower(r.AccountManagerAddress):
		if r.AccountManagerAddress != "" {
			return classKeyAccountMgr
		}
	case strings.ToLower(r.BizDevAddress):
		if r.BizDevAddress != "" {
			return classKeyBizDev
		}
	}
	return r.ClassKeyByAddress[lc]
}

// DirectoryClient queries the DAO's membership directory (Hasura).
// Implements IdentityDirectory.
type DirectoryClient struct {
	gql    *graphqlClient
	logger *slog.Logger
}

func NewDirectoryClient(
	httpClient *http.Client,
	cfg *DirectoryConfig,
	log *slog.Logger,
) *DirectoryClient {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(loggerNameKey, "directory")
	return &DirectoryClient{
		gql: newGraphQLClient(
			httpClient,
			cfg.Endpoint,
			map[string]string{"x-hasura-admin-secret": cfg.AdminSecret},
			log,
		),
		logger: log,
	}
}

const membersByDiscordQuery = `
query MemberQuery($tags: [String!]!) {
  members(where: { contact_info: { discord: { _in: $tags } } }) {
    eth_address
    contact_info {
      discord
    }
  }
}`

// ResolveAddressesByTags looks up verified player addresses for Discord
// tags, partitioning misses instead of failing the batch.
func (c *DirectoryClient) ResolveAddressesByTags(
	ctx context.Context,
	tags []string,
) (map[string]string, []string, error) {
	var data struct {
		Members []struct {
			EthAddress  string `json:"eth_address"`
			ContactInfo struct {
				Discord string `json:"discord"`
			} `json:"contact_info"`
		} `json:"members"`
	}
	err := c.gql.query(
		ctx, membersByDiscordQuery, map[string]any{"tags": tags}, &data,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("querying member addresses: %w", err)
	}

	addressByTag := make(map[string]string, len(data.Members))
	for _, member := range data.Members {
		if member.EthAddress == "" {
			continue
		}
		addressByTag[member.ContactInfo.Discord] = member.EthAddress
	}

	var missing []string
	for _, tag := range tags {
		if _, ok := addressByTag[tag]; !ok {
			missing = append(missing, tag)
		}
	}
	return addressByTag, missing, nil
}

const raidsByInvoiceQuery = `
query RaidsQuery($invoiceAddresses: [String!]!) {
  raids(where: { invoice_address: { _in: $invoiceAddresses } }) {
    invoice_address
    channel_id
    cleric {
      eth_address
      contact_info {
        discord
      }
    }
    hunter {
      eth_address
      contact_info {
        discord
      }
    }
    raid_parties {
      member {
        eth_address
        contact_info {
          discord
        }
      }
      raider_class_key
    }
  }
}`

// RaidRosters loads raid role data for the given invoice addresses,
// keyed by lowercase invoice address. Invoices with no matching raid are
// simply absent from the result.
func (c *DirectoryClient) RaidRosters(
	ctx context.Context,
	invoiceAddresses []string,
) (map[string]*RaidRoster, error) {
	type directoryMember struct {
		EthAddress  string `json:"eth_address"`
		ContactInfo struct {
			Discord string `json:"discord"`
		} `json:"contact_info"`
	}
	var data struct {
		Raids []struct {
			InvoiceAddress string           `json:"invoice_address"`
			ChannelID      string           `json:"channel_id"`
			Cleric         *directoryMember `json:"cleric"`
			Hunter         *directoryMember `json:"hunter"`
			RaidParties    []struct {
				Member        directoryMember `json:"member"`
				RaiderClassKey string         `json:"raider_class_key"`
			} `json:"raid_parties"`
		} `json:"raids"`
	}
	err := c.gql.query(
		ctx, raidsByInvoiceQuery,
		map[string]any{"invoiceAddresses": invoiceAddresses},
		&data,
	)
	if err != nil {
		return nil, fmt.Errorf("querying raid rosters: %w", err)
	}

	rosters := make(map[string]*RaidRoster, len(data.Raids))
	for _, raid := range data.Raids {
		roster := &RaidRoster{
			InvoiceAddress:      raid.InvoiceAddress,
			ChannelID:           raid.ChannelID,
			ClassKeyByAddress:   map[string]string{},
			DiscordTagByAddress: map[string]string{},
		}
		for _, party := range raid.RaidParties {
			addr := strings.ToLower(party.Member.EthAddress)
			if addr == "" {
				continue
			}
			roster.ClassKeyByAddress[addr] = party.RaiderClassKey
			roster.DiscordTagByAddress[addr] = party.Member.ContactInfo.Discord
		}
		if raid.Cleric != nil && raid.Cleric.EthAddress != "" {
			roster.AccountManagerAddress = raid.Cleric.EthAddress
			roster.DiscordTagByAddress[strings.ToLower(raid.Cleric.EthAddress)] =
				raid.Cleric.ContactInfo.Discord
		}
		if raid.Hunter != nil && raid.Hunter.EthAddress != "" {
			roster.BizDevAddress = raid.Hunter.EthAddress
			roster.DiscordTagByAddress[strings.ToLower(raid.Hunter.EthAddress)] =
				raid.Hunter.ContactInfo.Discord
		}
		rosters[strings.ToLower(raid.InvoiceAddress)] = roster
	}
	return rosters, nil
}

var _ IdentityDirectory = (*DirectoryClient)(nil)
