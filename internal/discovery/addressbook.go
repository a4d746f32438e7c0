package discovery

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"pkt.systems/paydist/internal/ledger"
	"pkt.systems/paydist/internal/nodeclient"
)

// Built-in network names.
const (
	Mainnet    = "mainnet"
	Testnet    = "testnet"
	Previewnet = "previewnet"
	Local      = "local"
)

// Book maps network names to node endpoints.
type Book map[string][]nodeclient.Endpoint

func node(address, account string) nodeclient.Endpoint {
	return nodeclient.Endpoint{Address: address, Account: ledger.MustParseEntityID(account)}
}

// DefaultBook returns the built-in address book.
func DefaultBook() Book {
	return Book{
		Mainnet: {
			node("35.237.200.180:50211", "0.0.3"),
			node("35.186.191.247:50211", "0.0.4"),
			node("35.192.2.25:50211", "0.0.5"),
			node("35.199.161.108:50211", "0.0.6"),
			node("35.203.82.240:50211", "0.0.7"),
			node("35.236.5.219:50211", "0.0.8"),
			node("35.197.192.225:50211", "0.0.9"),
		},
		Testnet: {
			node("0.testnet.hedera.com:50211", "0.0.3"),
			node("1.testnet.hedera.com:50211", "0.0.4"),
			node("2.testnet.hedera.com:50211", "0.0.5"),
			node("3.testnet.hedera.com:50211", "0.0.6"),
			node("4.testnet.hedera.com:50211", "0.0.7"),
			node("5.testnet.hedera.com:50211", "0.0.8"),
			node("6.testnet.hedera.com:50211", "0.0.9"),
		},
		Previewnet: {
			node("0.previewnet.hedera.com:50211", "0.0.3"),
			node("1.previewnet.hedera.com:50211", "0.0.4"),
			node("2.previewnet.hedera.com:50211", "0.0.5"),
			node("3.previewnet.hedera.com:50211", "0.0.6"),
		},
		Local: {
			node("http://127.0.0.1:50211", "0.0.3"),
		},
	}
}

type bookFile struct {
	Networks map[string][]nodeclient.Endpoint `yaml:"networks"`
}

// LoadBook reads a YAML address book:
//
//	networks:
//	  devnet:
//	    - address: http://127.0.0.1:50211
//	      account: 0.0.3
//
// Networks in the file replace built-in networks of the same name.
func LoadBook(path string) (Book, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("discovery: read address book: %w", err)
	}
	var doc bookFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("discovery: parse address book %s: %w", path, err)
	}
	book := DefaultBook()
	for name, endpoints := range doc.Networks {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		for i, ep := range endpoints {
			if strings.TrimSpace(ep.Address) == "" || ep.Account.IsZero() {
				return nil, fmt.Errorf("discovery: address book %s: network %s entry %d needs address and account", path, name, i)
			}
		}
		book[name] = endpoints
	}
	return book, nil
}

// MarshalBook renders b in the format read by LoadBook.
func MarshalBook(b Book) ([]byte, error) {
	out, err := yaml.Marshal(bookFile{Networks: b})
	if err != nil {
		return nil, fmt.Errorf("discovery: encode address book: %w", err)
	}
	return out, nil
}

// ListCandidates returns the endpoints of network.
func (b Book) ListCandidates(network string) ([]nodeclient.Endpoint, error) {
	endpoints, ok := b[strings.ToLower(strings.TrimSpace(network))]
	if !ok {
		return nil, fmt.Errorf("discovery: unknown network %q (known: %s)", network, strings.Join(b.Networks(), ", "))
	}
	return slices.Clone(endpoints), nil
}

// Networks lists the known network names.
func (b Book) Networks() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListCandidates returns the built-in endpoints of network.
func ListCandidates(network string) ([]nodeclient.Endpoint, error) {
	return DefaultBook().ListCandidates(network)
}
