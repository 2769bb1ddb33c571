// Package wallet manages the development accounts Kaya starts with. It
// generates secp256k1 keypairs, derives ledger addresses from public keys,
// and reads account fixture files so a session can start from known keys
// and balances.
package wallet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"kaya.mini/kaya/internal/types"
)

// Account is a funded development account with its key.
type Account struct {
	Address    common.Address
	PrivateKey *btcec.PrivateKey
	Balance    *uint256.Int
	Nonce      uint64
}

// PublicKeyHex returns the compressed public key, hex encoded.
func (a *Account) PublicKeyHex() string {
	return hex.EncodeToString(a.PrivateKey.PubKey().SerializeCompressed())
}

// PrivateKeyHex returns the raw private key, hex encoded.
func (a *Account) PrivateKeyHex() string {
	return hex.EncodeToString(a.PrivateKey.Serialize())
}

// NewAccount wraps priv with its derived address.
func NewAccount(priv *btcec.PrivateKey, balance *uint256.Int) *Account {
	return &Account{
		Address:    types.AddressFromPublicKey(priv.PubKey().SerializeCompressed()),
		PrivateKey: priv,
		Balance:    new(uint256.Int).Set(balance),
	}
}

// Generate creates n fresh accounts, each funded with balance.
func Generate(n int, balance *uint256.Int) ([]*Account, error) {
	accounts := make([]*Account, 0, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		accounts = append(accounts, NewAccount(priv, balance))
	}
	return accounts, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}

// AddressFromPubKeyHex derives the ledger address of a hex encoded
// secp256k1 public key, compressed or not.
func AddressFromPubKeyHex(s string) (common.Address, error) {
	raw, err := decodeHex(s)
	if err != nil {
		return common.Address{}, types.Errorf(types.KindValidation, "public key is not hex: %v", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return common.Address{}, types.Errorf(types.KindValidation, "invalid public key: %v", err)
	}
	return types.AddressFromPublicKey(pub.SerializeCompressed()), nil
}

type fixtureEntry struct {
	PrivateKey string `json:"privateKey"`
	Amount     string `json:"amount"`
	Nonce      uint64 `json:"nonce"`
}

// LoadFixtures reads an account fixture file.
func LoadFixtures(path string) ([]*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return ParseFixtures(data)
}

// ParseFixtures decodes {"<address>": {"privateKey", "amount", "nonce"}}.
// Every key must derive the address it is filed under.
func ParseFixtures(data []byte) ([]*Account, error) {
	var entries map[string]fixtureEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}

	accounts := make([]*Account, 0, len(entries))
	for addrStr, e := range entries {
		addr, err := types.ParseAddress(addrStr)
		if err != nil {
			return nil, fmt.Errorf("fixture %q: %w", addrStr, err)
		}
		raw, err := decodeHex(e.PrivateKey)
		if err != nil || len(raw) != btcec.PrivKeyBytesLen {
			return nil, fmt.Errorf("fixture %s: private key must be %d hex bytes", addrStr, btcec.PrivKeyBytesLen)
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)

		amount := e.Amount
		if amount == "" {
			amount = "0"
		}
		balance, err := uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("fixture %s: bad amount %q: %w", addrStr, e.Amount, err)
		}

		acct := NewAccount(priv, balance)
		if acct.Address != addr {
			return nil, fmt.Errorf("fixture %s: private key belongs to %s", addrStr, types.FormatAddress(acct.Address))
		}
		acct.Nonce = e.Nonce
		accounts = append(accounts, acct)
	}

	sort.Slice(accounts, func(i, j int) bool {
		return types.FormatAddress(accounts[i].Address) < types.FormatAddress(accounts[j].Address)
	})
	return accounts, nil
}

// MarshalFixtures renders accounts in the fixture file format.
func MarshalFixtures(accounts []*Account) ([]byte, error) {
	entries := make(map[string]fixtureEntry, len(accounts))
	for _, a := range accounts {
		entries[types.FormatAddress(a.Address)] = fixtureEntry{
			PrivateKey: a.PrivateKeyHex(),
			Amount:     a.Balance.Dec(),
			Nonce:      a.Nonce,
		}
	}
	return json.MarshalIndent(entries, "", "  ")
}

// LedgerAccounts converts wallet accounts into ledger records.
func LedgerAccounts(accounts []*Account) []*types.Account {
	out := make([]*types.Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, &types.Account{
			Address: a.Address,
			Balance: new(uint256.Int).Set(a.Balance),
			Nonce:   a.Nonce,
		})
	}
	return out
}

// LogAccounts prints the account table at startup.
func LogAccounts(log zerolog.Logger, accounts []*Account) {
	for i, a := range accounts {
		log.Info().
			Int("index", i).
			Str("address", types.FormatAddress(a.Address)).
			Str("private_key", a.PrivateKeyHex()).
			Str("balance", a.Balance.Dec()).
			Uint64("nonce", a.Nonce).
			Msg("account")
	}
}
