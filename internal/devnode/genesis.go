package devnode

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/paydist/internal/amount"
	"pkt.systems/paydist/internal/ledger"
)

// Genesis describes the initial state of a simulated network:
//
//	settle_delay: 2s
//	nodes:
//	  - account: 0.0.3
//	    listen: 127.0.0.1:50211
//	accounts:
//	  - id: 0.0.1001
//	    fee: "100000000"
//	    keys: ["<hex ed25519 public key>"]
//	tokens:
//	  - id: 0.0.5000
//	    treasury: 0.0.1001
//	    decimals: 2
//	    supply: "1000000000"
//	associations:
//	  - account: 0.0.2001
//	    tokens: [0.0.5000]
type Genesis struct {
	SettleDelay  time.Duration        `yaml:"settle_delay"`
	Nodes        []GenesisNode        `yaml:"nodes"`
	Accounts     []GenesisAccount     `yaml:"accounts"`
	Tokens       []GenesisToken       `yaml:"tokens"`
	Associations []GenesisAssociation `yaml:"associations"`
}

// GenesisNode is a node account and the address it listens on.
type GenesisNode struct {
	Account   ledger.AccountID `yaml:"account"`
	Listen    string           `yaml:"listen"`
	BusyRatio float64          `yaml:"busy_ratio"`
}

// GenesisAccount opens an account.
type GenesisAccount struct {
	ID   ledger.AccountID `yaml:"id"`
	Fee  amount.Units     `yaml:"fee"`
	Keys []string         `yaml:"keys"`
}

// GenesisToken creates a token.
type GenesisToken struct {
	ID       ledger.TokenID   `yaml:"id"`
	Treasury ledger.AccountID `yaml:"treasury"`
	Decimals uint8            `yaml:"decimals"`
	Supply   amount.Units     `yaml:"supply"`
}

// GenesisAssociation associates an account with tokens.
type GenesisAssociation struct {
	Account ledger.AccountID `yaml:"account"`
	Tokens  []ledger.TokenID `yaml:"tokens"`
}

// LoadGenesis reads a YAML genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("devnode: read genesis: %w", err)
	}
	var g Genesis
	if err := yaml.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("devnode: parse genesis %s: %w", path, err)
	}
	if len(g.Nodes) == 0 {
		return nil, errors.New("devnode: genesis declares no nodes")
	}
	return &g, nil
}

// Apply creates the genesis state in l. Node accounts that are not listed
// under accounts are opened with a zero fee balance.
func (g *Genesis) Apply(l *Ledger) error {
	for _, acct := range g.Accounts {
		keys := make([]ed25519.PublicKey, 0, len(acct.Keys))
		for _, text := range acct.Keys {
			key, err := ledger.ParsePublicKey(text)
			if err != nil {
				return fmt.Errorf("devnode: account %s: %w", acct.ID, err)
			}
			keys = append(keys, key)
		}
		if err := l.CreateAccount(acct.ID, acct.Fee, keys...); err != nil {
			return err
		}
	}
	for _, node := range g.Nodes {
		if _, ok := l.Balance(node.Account); ok {
			continue
		}
		if err := l.CreateAccount(node.Account, amount.Units{}); err != nil {
			return err
		}
	}
	for _, tok := range g.Tokens {
		if err := l.CreateToken(tok.ID, tok.Treasury, tok.Decimals, tok.Supply); err != nil {
			return err
		}
	}
	for _, assoc := range g.Associations {
		for _, tok := range assoc.Tokens {
			if err := l.Associate(assoc.Account, tok); err != nil {
				return err
			}
		}
	}
	return nil
}
