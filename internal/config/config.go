package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"krine/internal/units"
)

// Keys read from the environment or .env.
const (
	ChainIDKey             = "CHAIN_ID"
	RPCURLKey              = "CHAIN_RPC_URL"
	PrivateKeyKey          = "CHAIN_PRIVATE_KEY"
	AccountKey             = "CHAIN_ACCOUNT"
	NegotiationAddressKey  = "NEGOTIATION_CONTRACT_ADDRESS"
	EscrowAddressKey       = "ESCROW_CONTRACT_ADDRESS"
	DeploymentsPathKey     = "DEPLOYMENTS_PATH"
	ArtifactsDirKey        = "ARTIFACTS_DIR"
	DeployConfirmationsKey = "DEPLOY_CONFIRMATIONS"
	FromBlockKey           = "PROJECTION_FROM_BLOCK"
	PollIntervalKey        = "POLL_INTERVAL_SECONDS"
	ConfirmTimeoutKey      = "CONFIRM_TIMEOUT_SECONDS"
	ReadTimeoutKey         = "READ_TIMEOUT_SECONDS"
	RPCRateLimitKey        = "RPC_RATE_LIMIT"
	HTTPPortKey            = "API_HTTP_PORT"
	HMACSecretKey          = "HMAC_SECRET"
	HMACClockSkewKey       = "HMAC_CLOCK_SKEW_SECONDS"
	IdempotencyWindowKey   = "IDEMPOTENCY_WINDOW_SECONDS"
	IdempotencyStoreKey    = "IDEMPOTENCY_STORE"
	IdempotencyPathKey     = "IDEMPOTENCY_STORE_PATH"
	DatabaseURLKey         = "DATABASE_URL"
	LogLevelKey            = "LOG_LEVEL"
	CurrencySymbolKey      = "CURRENCY_SYMBOL"
	LowBalanceKey          = "LOW_BALANCE_THRESHOLD"
	SimulatedKey           = "SIMULATED"
)

// Names used by the original web app, still honoured.
var aliases = map[string]string{
	ChainIDKey:            "NEXT_PUBLIC_CHAIN_ID",
	NegotiationAddressKey: "NEXT_PUBLIC_NEGOTIATION_CONTRACT_ADDRESS",
	EscrowAddressKey:      "NEXT_PUBLIC_ESCROW_CONTRACT_ADDRESS",
	PrivateKeyKey:         "PRIVATE_KEY",
}

// Idempotency store kinds.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

const (
	AmoyChainID            = 80002
	defaultRPCURL          = "https://rpc-amoy.polygon.technology"
	defaultDeploymentsPath = "deployments.json"
)

// DeploymentConfig represents deployments.json as written by krinectl deploy.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		Negotiation string `json:"Negotiation"`
		Escrow      string `json:"Escrow"`
	} `json:"contracts"`
}

// AppConfig ties together environment and deployment info.
type AppConfig struct {
	Service    ServiceConfig
	Chain      ChainConfig
	Deployment DeploymentConfig
	Store      StoreConfig
	UI         UIConfig
}

type ServiceConfig struct {
	HTTPPort       int
	HMACSecret     string
	HMACClockSkew  time.Duration
	LogLevel       string
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	ReadTimeout    time.Duration
	RPCRateLimit   int
}

type ChainConfig struct {
	ChainID             int64
	RPCURL              string
	PrivateKey          string
	Account             string
	NegotiationAddress  string
	EscrowAddress       string
	FromBlock           uint64
	Simulated           bool
	DeploymentsPath     string
	ArtifactsDir        string
	DeployConfirmations uint64
}

type StoreConfig struct {
	Kind              string
	Path              string
	DatabaseURL       string
	IdempotencyWindow time.Duration
}

// UIConfig holds display settings.
type UIConfig struct {
	CurrencySymbol      string
	LowBalanceThreshold *big.Int
}

// New returns a viper instance reading the environment with krine's defaults.
func New() *viper.Viper {
	vip := viper.New()
	vip.AutomaticEnv()

	vip.SetDefault(ChainIDKey, AmoyChainID)
	vip.SetDefault(RPCURLKey, defaultRPCURL)
	vip.SetDefault(DeploymentsPathKey, defaultDeploymentsPath)
	vip.SetDefault(ArtifactsDirKey, filepath.Join("artifacts", "contracts"))
	vip.SetDefault(DeployConfirmationsKey, 5)
	vip.SetDefault(FromBlockKey, 0)
	vip.SetDefault(PollIntervalKey, 5)
	vip.SetDefault(ConfirmTimeoutKey, 300)
	vip.SetDefault(ReadTimeoutKey, 15)
	vip.SetDefault(RPCRateLimitKey, 20)
	vip.SetDefault(HTTPPortKey, 3000)
	vip.SetDefault(HMACClockSkewKey, 60)
	vip.SetDefault(IdempotencyWindowKey, 86400)
	vip.SetDefault(IdempotencyStoreKey, StoreMemory)
	vip.SetDefault(IdempotencyPathKey, filepath.Join(os.TempDir(), "krine-idem.json"))
	vip.SetDefault(LogLevelKey, "info")
	vip.SetDefault(CurrencySymbolKey, "MATIC")
	vip.SetDefault(LowBalanceKey, "0.01")
	vip.SetDefault(SimulatedKey, false)

	for key, alias := range aliases {
		// BindEnv only fails without a key.
		_ = vip.BindEnv(key, key, alias)
	}
	return vip
}

// Load aggregates configuration from .env, the environment and, when
// present, deployments.json.
func Load() (*AppConfig, error) {
	// a missing .env is fine
	_ = godotenv.Load()
	return FromViper(New())
}

// FromViper builds the typed configuration from vip.
func FromViper(vip *viper.Viper) (*AppConfig, error) {
	deployPath := vip.GetString(DeploymentsPathKey)
	deployCfg, err := loadDeployments(deployPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	threshold, err := units.ParseEther(vip.GetString(LowBalanceKey))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", LowBalanceKey, err)
	}

	chainCfg := ChainConfig{
		ChainID:             vip.GetInt64(ChainIDKey),
		RPCURL:              vip.GetString(RPCURLKey),
		PrivateKey:          vip.GetString(PrivateKeyKey),
		Account:             vip.GetString(AccountKey),
		NegotiationAddress:  firstNonEmpty(vip.GetString(NegotiationAddressKey), deployCfg.Contracts.Negotiation),
		EscrowAddress:       firstNonEmpty(vip.GetString(EscrowAddressKey), deployCfg.Contracts.Escrow),
		FromBlock:           vip.GetUint64(FromBlockKey),
		Simulated:           vip.GetBool(SimulatedKey),
		DeploymentsPath:     deployPath,
		ArtifactsDir:        vip.GetString(ArtifactsDirKey),
		DeployConfirmations: vip.GetUint64(DeployConfirmationsKey),
	}

	serviceCfg := ServiceConfig{
		HTTPPort:       vip.GetInt(HTTPPortKey),
		HMACSecret:     vip.GetString(HMACSecretKey),
		HMACClockSkew:  seconds(vip, HMACClockSkewKey),
		LogLevel:       vip.GetString(LogLevelKey),
		PollInterval:   seconds(vip, PollIntervalKey),
		ConfirmTimeout: seconds(vip, ConfirmTimeoutKey),
		ReadTimeout:    seconds(vip, ReadTimeoutKey),
		RPCRateLimit:   vip.GetInt(RPCRateLimitKey),
	}

	storeCfg := StoreConfig{
		Kind:              strings.ToLower(vip.GetString(IdempotencyStoreKey)),
		Path:              vip.GetString(IdempotencyPathKey),
		DatabaseURL:       vip.GetString(DatabaseURLKey),
		IdempotencyWindow: seconds(vip, IdempotencyWindowKey),
	}

	cfg := &AppConfig{
		Service:    serviceCfg,
		Chain:      chainCfg,
		Deployment: *deployCfg,
		Store:      storeCfg,
		UI: UIConfig{
			CurrencySymbol:      vip.GetString(CurrencySymbolKey),
			LowBalanceThreshold: threshold,
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("%s must be positive", ChainIDKey)
	}
	for key, addr := range map[string]string{
		NegotiationAddressKey: c.Chain.NegotiationAddress,
		EscrowAddressKey:      c.Chain.EscrowAddress,
		AccountKey:            c.Chain.Account,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s: invalid address %q", key, addr)
		}
	}
	switch c.Store.Kind {
	case StoreMemory, StoreFile:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("%s is required for the %s store", DatabaseURLKey, StorePostgres)
		}
	default:
		return fmt.Errorf("%s: unknown store %q", IdempotencyStoreKey, c.Store.Kind)
	}
	return nil
}

// HasRPC reports whether a live chain should be dialled.
func (c *AppConfig) HasRPC() bool {
	return !c.Chain.Simulated && c.Chain.RPCURL != ""
}

// WriteDeployments stores d at path as indented JSON.
func WriteDeployments(path string, d DeploymentConfig) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	var cfg DeploymentConfig
	if path == "" {
		return &cfg, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func seconds(vip *viper.Viper, key string) time.Duration {
	return time.Duration(vip.GetInt64(key)) * time.Second
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
