// Package config centralizes runtime configuration for Kaya. It loads a
// JSON configuration file over sensible defaults. Tests and development
// runs use defaults when the file is not present. Command line flags are
// applied on top by main.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// ReservedSaveDir holds snapshot files and may not double as the data path.
const ReservedSaveDir = "saved/"

// Duration is a time.Duration encoded as a Go duration string in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds configurable options for the emulator.
type Config struct {
	Port        int    `json:"port"`
	DataPath    string `json:"data_path"`
	SaveDir     string `json:"save_dir"`
	MaxSaves    int    `json:"max_saves"`
	Fixtures    string `json:"fixtures"`
	NumAccounts int    `json:"num_accounts"`
	Load        string `json:"load"`
	Save        bool   `json:"save"`
	Verbose     bool   `json:"verbose"`

	ChainID        uint32 `json:"chain_id"`
	MsgVersion     uint32 `json:"msg_version"`
	MinGasPrice    string `json:"min_gas_price"`
	DefaultBalance string `json:"default_balance"`

	TransferGas       uint64 `json:"transfer_gas"`
	ContractCreateGas uint64 `json:"contract_create_gas"`
	ContractInvokeGas uint64 `json:"contract_invoke_gas"`

	RecentTxCap  int    `json:"recent_tx_cap"`
	MineStep     uint64 `json:"mine_step"`
	InitialBlock uint64 `json:"initial_block"`
	CacheSize    int    `json:"cache_size"`

	Remote         bool     `json:"remote"`
	RemoteURL      string   `json:"remote_url"`
	ScillaRunner   string   `json:"scilla_runner"`
	ScillaLibDir   string   `json:"scilla_lib_dir"`
	RuntimeTimeout Duration `json:"runtime_timeout"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:              4200,
		DataPath:          "data/",
		SaveDir:           ReservedSaveDir,
		MaxSaves:          20,
		NumAccounts:       10,
		ChainID:           111,
		MsgVersion:        1,
		MinGasPrice:       "1000000000",
		DefaultBalance:    "1000000000000000000",
		TransferGas:       1,
		ContractCreateGas: 50,
		ContractInvokeGas: 10,
		RecentTxCap:       100,
		MineStep:          1,
		CacheSize:         1024,
		RemoteURL:         "https://scilla-runner.zilliqa.com",
		ScillaRunner:      "scilla-runner",
		ScillaLibDir:      "stdlib",
		RuntimeTimeout:    Duration(10 * time.Second),
	}
}

// LoadConfig reads a JSON file at path. A missing file yields defaults; a
// file that exists but cannot be parsed is an error.
func LoadConfig(path string) (*Config, error) {
	def := Defaults()

	if path == "" {
		return def, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return def, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// decode over the defaults so absent keys keep their default value
	c := *def
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.DataPath == "" {
		c.DataPath = def.DataPath
	}
	if c.SaveDir == "" {
		c.SaveDir = def.SaveDir
	}
	if c.RecentTxCap <= 0 {
		c.RecentTxCap = def.RecentTxCap
	}
	if c.MineStep == 0 {
		c.MineStep = def.MineStep
	}
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
	if c.RuntimeTimeout <= 0 {
		c.RuntimeTimeout = def.RuntimeTimeout
	}

	return &c, nil
}

// Validate checks the values that would otherwise fail deep inside the
// emulator.
func (c *Config) Validate() error {
	if sameDir(c.DataPath, ReservedSaveDir) || sameDir(c.DataPath, c.SaveDir) {
		return fmt.Errorf("data path %q is reserved for saved files", c.DataPath)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.NumAccounts < 0 {
		return fmt.Errorf("invalid number of accounts %d", c.NumAccounts)
	}
	if _, err := c.MinGasPriceValue(); err != nil {
		return err
	}
	if _, err := c.DefaultBalanceValue(); err != nil {
		return err
	}
	if c.Remote && c.RemoteURL == "" {
		return errors.New("remote runtime enabled without remote_url")
	}
	return nil
}

// MinGasPriceValue parses MinGasPrice.
func (c *Config) MinGasPriceValue() (*uint256.Int, error) {
	v, err := uint256.FromDecimal(c.MinGasPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid min_gas_price %q: %w", c.MinGasPrice, err)
	}
	return v, nil
}

// DefaultBalanceValue parses DefaultBalance.
func (c *Config) DefaultBalanceValue() (*uint256.Int, error) {
	v, err := uint256.FromDecimal(c.DefaultBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid default_balance %q: %w", c.DefaultBalance, err)
	}
	return v, nil
}

// TxVersion is the packed version a transaction must carry:
// chain id in the upper 16 bits, message version in the lower.
func (c *Config) TxVersion() uint32 {
	return c.ChainID<<16 | c.MsgVersion
}

func sameDir(a, b string) bool {
	clean := func(p string) string {
		return strings.TrimSuffix(filepath.Clean(strings.TrimSpace(p)), string(filepath.Separator))
	}
	return clean(a) == clean(b)
}
