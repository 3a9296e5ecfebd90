package chains

import "strings"

// Network is one Stacks deployment the vault can run against.
type Network struct {
	Name string
	// ChainID is the CAIP-2 id announced in pairing namespaces.
	ChainID string
	// WalletNetwork is the value wallets expect in a "network" request param.
	WalletNetwork string
	APIBaseURL    string
	// Address version bytes (c32 prefix characters P/M or T/N).
	SingleSigVersion byte
	MultiSigVersion  byte
}

// Namespace is the CAIP-2 namespace shared by every Stacks network.
const Namespace = "stacks"

var (
	Mainnet = &Network{
		Name:             "mainnet",
		ChainID:          "stacks:1",
		WalletNetwork:    "mainnet",
		APIBaseURL:       "https://api.hiro.so",
		SingleSigVersion: 22,
		MultiSigVersion:  20,
	}
	Testnet = &Network{
		Name:             "testnet",
		ChainID:          "stacks:2147483648",
		WalletNetwork:    "testnet",
		APIBaseURL:       "https://api.testnet.hiro.so",
		SingleSigVersion: 26,
		MultiSigVersion:  21,
	}

	Array = []*Network{Mainnet, Testnet}

	Mapping = map[string]*Network{
		Mainnet.Name:    Mainnet,
		Mainnet.ChainID: Mainnet,
		Testnet.Name:    Testnet,
		Testnet.ChainID: Testnet,
	}
)

// Lookup resolves a network by name ("mainnet") or chain id ("stacks:1").
func Lookup(nameOrChainID string) (*Network, bool) {
	n, ok := Mapping[strings.ToLower(strings.TrimSpace(nameOrChainID))]
	return n, ok
}

// OwnsVersion reports whether an address version byte belongs to n.
func (n *Network) OwnsVersion(version byte) bool {
	return version == n.SingleSigVersion || version == n.MultiSigVersion
}
