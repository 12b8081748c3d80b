// Package ledger is the only place that knows how a distribution is represented on chain.
// Callers speak in distribution ids and signer credentials; the clients translate to token ids.
package ledger

import "context"

type Receipt struct {
	TxHash  string `json:"tx_hash"`
	TokenId string `json:"token_id,omitempty"`
}

// DistributionAnchor is the metadata written when a distribution is first anchored.
type DistributionAnchor struct {
	DistributionId   string `json:"distribution_id"`
	AssetName        string `json:"asset_name"`
	AssetCategory    string `json:"asset_category"`
	DistributionType string `json:"distribution_type"`
	DocumentRef      string `json:"document_ref"`
}

// SignerEntry is the ledger's own view of one signer, used by reconciliation.
type SignerEntry struct {
	Name       string `json:"name"`
	Credential string `json:"credential"`
	Signed     bool   `json:"signed"`
	TxHash     string `json:"tx_hash"`
	Admin      bool   `json:"admin"`
}

// Client is the narrow contract the workflow depends on. Every method is a network call
// and every failure is a *Error.
type Client interface {
	CreateDistribution(ctx context.Context, anchor DistributionAnchor) (Receipt, error)
	RegisterSigner(ctx context.Context, tokenId string, signerName string, credential string) (Receipt, error)
	Sign(ctx context.Context, tokenId string, credential string) (Receipt, error)
	AdminSign(ctx context.Context, tokenId string, adminName string, notes string) (Receipt, error)
	ResolveToken(ctx context.Context, distributionId string) (string, error)
	ListSigners(ctx context.Context, tokenId string) ([]SignerEntry, error)
}
