package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperledger/fabric-sdk-go/pkg/common/errors/status"
	"github.com/hyperledger/fabric-sdk-go/pkg/core/config"
	"github.com/hyperledger/fabric-sdk-go/pkg/gateway"
)

// Chaincode functions of the estate contract.
const (
	fnCreateDistribution = "CreateDistribution"
	fnRegisterSigner     = "RegisterSigner"
	fnSign               = "Sign"
	fnAdminSign          = "AdminSign"
	fnResolveToken       = "ResolveToken"
	fnListSigners        = "ListSigners"
)

type FabricConfig struct {
	ConnectionProfile string
	Channel           string
	Contract          string
	MSPID             string
	CertPath          string
	KeyPath           string
	WalletPath        string
	Identity          string
}

func FabricConfigFromEnv() FabricConfig {
	cfg := FabricConfig{
		ConnectionProfile: os.Getenv("FABRIC_CONNECTION_PROFILE"),
		Channel:           os.Getenv("FABRIC_CHANNEL"),
		Contract:          os.Getenv("FABRIC_CONTRACT"),
		MSPID:             os.Getenv("FABRIC_MSP_ID"),
		CertPath:          os.Getenv("FABRIC_CERT_PATH"),
		KeyPath:           os.Getenv("FABRIC_KEY_PATH"),
		WalletPath:        os.Getenv("FABRIC_WALLET_PATH"),
		Identity:          os.Getenv("FABRIC_IDENTITY"),
	}
	if cfg.WalletPath == "" {
		cfg.WalletPath = "wallet"
	}
	if cfg.Identity == "" {
		cfg.Identity = "appUser"
	}
	if cfg.Contract == "" {
		cfg.Contract = "estate"
	}
	return cfg
}

// contract is the subset of *gateway.Contract the client needs.
type contract interface {
	SubmitTransaction(name string, args ...string) ([]byte, error)
	EvaluateTransaction(name string, args ...string) ([]byte, error)
}

// FabricClient talks to the estate chaincode through the Fabric gateway.
type FabricClient struct {
	gw       *gateway.Gateway
	contract contract
}

func NewFabricClient(cfg FabricConfig) (*FabricClient, error) {
	wallet, err := gateway.NewFileSystemWallet(cfg.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %v", err)
	}
	if !wallet.Exists(cfg.Identity) {
		if err := populateWallet(wallet, cfg); err != nil {
			return nil, fmt.Errorf("failed to populate wallet: %v", err)
		}
	}

	gw, err := gateway.Connect(
		gateway.WithConfig(config.FromFile(filepath.Clean(cfg.ConnectionProfile))),
		gateway.WithIdentity(wallet, cfg.Identity),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %v", err)
	}
	network, err := gw.GetNetwork(cfg.Channel)
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("failed to get network: %v", err)
	}
	return &FabricClient{gw: gw, contract: network.GetContract(cfg.Contract)}, nil
}

func populateWallet(wallet *gateway.Wallet, cfg FabricConfig) error {
	cert, err := os.ReadFile(filepath.Clean(cfg.CertPath))
	if err != nil {
		return err
	}
	key, err := os.ReadFile(filepath.Clean(cfg.KeyPath))
	if err != nil {
		return err
	}
	return wallet.Put(cfg.Identity, gateway.NewX509Identity(cfg.MSPID, string(cert), string(key)))
}

func (c *FabricClient) Close() {
	if c.gw != nil {
		c.gw.Close()
	}
}

type fabricResult struct {
	payload []byte
	err     error
}

// call runs a blocking gateway call and gives up when ctx ends. The submission itself
// cannot be cancelled; a late commit is caught by reconciliation.
func (c *FabricClient) call(ctx context.Context, op string, submit bool, fn string, args ...string) ([]byte, error) {
	done := make(chan fabricResult, 1)
	go func() {
		var r fabricResult
		if submit {
			r.payload, r.err = c.contract.SubmitTransaction(fn, args...)
		} else {
			r.payload, r.err = c.contract.EvaluateTransaction(fn, args...)
		}
		done <- r
	}()

	select {
	case <-ctx.Done():
		return nil, transportError(op, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, classifyFabricError(op, r.err)
		}
		return r.payload, nil
	}
}

func classifyFabricError(op string, err error) *Error {
	s, ok := status.FromError(err)
	if !ok || s.Group != status.ChaincodeStatus {
		return transportError(op, err)
	}
	msg := s.Message
	upper := strings.ToUpper(msg)
	switch {
	case strings.Contains(upper, "DUPLICATE_SIGNER"):
		return newError(op, KindDuplicateSigner, msg, err)
	case strings.Contains(upper, "NOT_FOUND") || strings.Contains(upper, "DOES NOT EXIST"):
		return newError(op, KindNotFound, msg, err)
	}
	return newError(op, KindRejected, msg, err)
}

func (c *FabricClient) receipt(ctx context.Context, op string, fn string, args ...string) (Receipt, error) {
	payload, err := c.call(ctx, op, true, fn, args...)
	if err != nil {
		return Receipt{}, err
	}
	var r Receipt
	if err := json.Unmarshal(payload, &r); err != nil {
		return Receipt{}, newError(op, KindTransient, "decode chaincode response: "+err.Error(), err)
	}
	return requireTxHash(op, r)
}

func (c *FabricClient) CreateDistribution(ctx context.Context, anchor DistributionAnchor) (Receipt, error) {
	const op = "createDistribution"
	b, err := json.Marshal(anchor)
	if err != nil {
		return Receipt{}, newError(op, KindRejected, err.Error(), err)
	}
	r, err := c.receipt(ctx, op, fnCreateDistribution, anchor.DistributionId, string(b))
	if err != nil {
		return Receipt{}, err
	}
	if r.TokenId == "" {
		return Receipt{}, newError(op, KindTransient, "chaincode returned no token id", nil)
	}
	return r, nil
}

func (c *FabricClient) RegisterSigner(ctx context.Context, tokenId string, signerName string, credential string) (Receipt, error) {
	return c.receipt(ctx, "registerSigner", fnRegisterSigner, tokenId, signerName, credential)
}

func (c *FabricClient) Sign(ctx context.Context, tokenId string, credential string) (Receipt, error) {
	return c.receipt(ctx, "sign", fnSign, tokenId, credential)
}

func (c *FabricClient) AdminSign(ctx context.Context, tokenId string, adminName string, notes string) (Receipt, error) {
	return c.receipt(ctx, "adminSign", fnAdminSign, tokenId, adminName, notes)
}

func (c *FabricClient) ResolveToken(ctx context.Context, distributionId string) (string, error) {
	const op = "resolveToken"
	payload, err := c.call(ctx, op, false, fnResolveToken, distributionId)
	if err != nil {
		return "", err
	}
	tokenId := strings.Trim(strings.TrimSpace(string(payload)), `"`)
	if tokenId == "" {
		return "", newError(op, KindNotFound, "distribution "+distributionId+" has no token", nil)
	}
	return tokenId, nil
}

func (c *FabricClient) ListSigners(ctx context.Context, tokenId string) ([]SignerEntry, error) {
	const op = "listSigners"
	payload, err := c.call(ctx, op, false, fnListSigners, tokenId)
	if err != nil {
		return nil, err
	}
	var out []SignerEntry
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, newError(op, KindTransient, "decode chaincode response: "+err.Error(), err)
	}
	return out, nil
}

var errUnknownDriver = errors.New("unknown ledger driver")

// New builds the client selected by driver ("http" or "fabric") from the environment.
func New(driver string) (Client, error) {
	switch driver {
	case "", "http":
		c, err := NewHTTPClient(HTTPConfigFromEnv())
		if err != nil {
			return nil, err
		}
		return c, nil
	case "fabric":
		c, err := NewFabricClient(FabricConfigFromEnv())
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", errUnknownDriver, driver)
}
