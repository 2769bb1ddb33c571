package types

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress accepts a 40 hex character address with or without a 0x
// prefix.
func ParseAddress(s string) (common.Address, error) {
	trimmed := strings.TrimSpace(s)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, Errorf(KindValidation, "invalid address %q", s)
	}
	return common.HexToAddress(trimmed), nil
}

// FormatAddress renders an address as lowercase hex without prefix, the
// form used throughout the RPC surface.
func FormatAddress(a common.Address) string {
	return hex.EncodeToString(a[:])
}

// ContractAddress derives the address of a contract deployed by sender
// whose account nonce was nonce before the deploying transaction: the last
// 20 bytes of sha256(sender || uint64be(nonce)).
func ContractAddress(sender common.Address, nonce uint64) common.Address {
	var buf [common.AddressLength + 8]byte
	copy(buf[:], sender[:])
	binary.BigEndian.PutUint64(buf[common.AddressLength:], nonce)
	sum := sha256.Sum256(buf[:])
	return common.BytesToAddress(sum[len(sum)-common.AddressLength:])
}

// AddressFromPublicKey derives an account address from a compressed
// secp256k1 public key.
func AddressFromPublicKey(compressed []byte) common.Address {
	sum := sha256.Sum256(compressed)
	return common.BytesToAddress(sum[len(sum)-common.AddressLength:])
}
