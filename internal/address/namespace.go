package address

// Namespace tags. Each record kind derives under its own tag so addresses of
// different kinds can never coincide.
const (
	NamespaceMarket   = "market"
	NamespaceRegistry = "registry"
	NamespaceVault    = "vault"
)

// Derived is a derived address with the nonce that proves it.
type Derived struct {
	Address Address `json:"address"`
	Nonce   uint8   `json:"nonce"`
}

// Market derives the address of a market keyed by its two team names.
func Market(program, authority Address, teamA, teamB string) (Derived, error) {
	return derive(program, append([][]byte{[]byte(NamespaceMarket), authority[:]}, framed(teamA, teamB)...)...)
}

// MarketForMatch derives the address of a market keyed by an external
// match identifier.
func MarketForMatch(program, authority Address, matchID string) (Derived, error) {
	return derive(program, append([][]byte{[]byte(NamespaceMarket), authority[:]}, framed(matchID)...)...)
}

// framed emits each variable-length part preceded by a one-byte length seed,
// so ("ab", "c"), ("a", "bc") and ("abc") hash differently. Parts longer than
// MaxSeedLen are passed through and rejected by the seed check.
func framed(parts ...string) [][]byte {
	out := make([][]byte, 0, 2*len(parts))
	for _, p := range parts {
		out = append(out, []byte{byte(min(len(p), 255))}, []byte(p))
	}
	return out
}

// Registry derives the per-authority registry address.
func Registry(program, authority Address) (Derived, error) {
	return derive(program, []byte(NamespaceRegistry), authority[:])
}

// Vault derives the escrow address of a market from the market address alone.
func Vault(program, market Address) (Derived, error) {
	return derive(program, []byte(NamespaceVault), market[:])
}

func derive(program Address, seeds ...[]byte) (Derived, error) {
	a, nonce, err := Find(program, seeds...)
	if err != nil {
		return Derived{}, err
	}
	return Derived{Address: a, Nonce: nonce}, nil
}
