package oraclesync

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oraclewatch/oo-indexer/config/types"
)

// Config describes one sync instance: a (chain, contract-address-set) target.
type Config struct {
	// InstanceID identifies the instance, "default" if empty
	InstanceID string `mapstructure:"InstanceID"`
	// Chain is the human readable chain identifier persisted on every record
	Chain string `mapstructure:"Chain"`
	// RPCURLs is the candidate endpoint list, comma and/or whitespace separated
	RPCURLs string `mapstructure:"RPCURLs"`
	// OracleV2Addr is the optimistic oracle (v2) contract, optional if V3 is set
	OracleV2Addr common.Address `mapstructure:"OracleV2Addr"`
	// OracleV3Addr is the assertion oracle (v3) contract, optional if V2 is set
	OracleV3Addr common.Address `mapstructure:"OracleV3Addr"`
	// StartBlock is the block the first sync starts from
	StartBlock uint64 `mapstructure:"StartBlock"`
	// MaxWindowSize caps the adaptive block-range size
	MaxWindowSize uint64 `mapstructure:"MaxWindowSize"`
	// ConfirmationLag is the number of blocks to stay behind the chain head
	ConfirmationLag uint64 `mapstructure:"ConfirmationLag"`
	// VotingPeriod is how long a dispute stays open for votes
	VotingPeriod types.Duration `mapstructure:"VotingPeriod"`
	// SyncInterval is the period of the automatic trigger, 0 disables it
	SyncInterval types.Duration `mapstructure:"SyncInterval"`
	// RPCTimeout bounds every single remote call
	RPCTimeout types.Duration `mapstructure:"RPCTimeout"`
}

// DefaultInstanceID is used when the trigger does not name an instance.
const DefaultInstanceID = "default"

func (c *Config) ID() string {
	if c.InstanceID == "" {
		return DefaultInstanceID
	}
	return c.InstanceID
}

// ParseRPCURLs splits the configured endpoint list on commas and whitespace,
// dropping empty entries.
func ParseRPCURLs(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	urls := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			urls = append(urls, f)
		}
	}
	return urls
}
