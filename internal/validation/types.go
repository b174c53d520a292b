package validation

// Share is a candidate solution forwarded by the browser miner.
type Share struct {
	JobID  string
	Nonce  string
	Result string
}

// WalletRule describes which addresses are accepted as user wallets.
type WalletRule struct {
	MinLength int
	Prefixes  []string
}

// DefaultWalletRule matches standard and subaddress Monero addresses.
var DefaultWalletRule = WalletRule{
	MinLength: 90,
	Prefixes:  []string{"4", "8"},
}
