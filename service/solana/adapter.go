package solana

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// rpcAdapter satisfies RPCClient with a solana-go client. GetTransaction is
// promoted from the embedded client unchanged.
type rpcAdapter struct {
	*rpc.Client
}

// NewRPCClient returns an RPCClient for the JSON-RPC endpoint at rpcURL.
// Provider API keys go in the URL, e.g. https://mainnet.helius-rpc.com/?api-key=KEY.
func NewRPCClient(rpcURL string) RPCClient {
	return rpcAdapter{Client: rpc.New(rpcURL)}
}

func (a rpcAdapter) GetSignaturesForAddress(ctx context.Context, address solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	return a.Client.GetSignaturesForAddressWithOpts(ctx, address, opts)
}
