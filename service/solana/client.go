package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/vialytics/service/ledger"
	"github.com/brojonat/vialytics/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)
}

// ClientOptions bounds how hard the client leans on the RPC node.
type ClientOptions struct {
	Timeout           time.Duration // per call; zero disables
	RequestsPerSecond float64       // zero or less disables limiting
	Burst             int
	MaxAttempts       int // total attempts per call, at least 1
}

// Client fetches signature history and confirmed transactions for the
// indexer. Every call is rate limited, bounded by a timeout and retried with
// exponential backoff on transient failures.
type Client struct {
	rpc         RPCClient
	limiter     *rate.Limiter
	timeout     time.Duration
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new Solana client.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, opts ClientOptions, m *metrics.Metrics, logger *slog.Logger) *Client {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return &Client{
		rpc:         rpcClient,
		limiter:     rate.NewLimiter(limit, burst),
		timeout:     opts.Timeout,
		maxAttempts: attempts,
		metrics:     m,
		logger:      logger.With("component", "solana_rpc"),
		sleep:       sleepContext,
	}
}

// SignaturesBefore returns up to limit signatures that mention account, newest
// first, starting strictly before the given signature. An empty before starts
// from the newest signature.
func (c *Client) SignaturesBefore(ctx context.Context, account, before string, limit int) ([]ledger.SignatureInfo, error) {
	wallet, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return nil, fmt.Errorf("invalid account address %q: %w", account, err)
	}

	opts := &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	}
	if before != "" {
		sig, err := solana.SignatureFromBase58(before)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor signature %q: %w", before, err)
		}
		opts.Before = sig
	}

	c.logger.DebugContext(ctx, "calling GetSignaturesForAddress",
		"account", account,
		"limit", limit,
		"before", before,
	)

	signatures, err := withRetry(ctx, c, "GetSignaturesForAddress", func(ctx context.Context) ([]*rpc.TransactionSignature, error) {
		return c.rpc.GetSignaturesForAddress(ctx, wallet, opts)
	})
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.RecordRPCSignaturesPerCall(account, float64(len(signatures)))
	}

	infos := make([]ledger.SignatureInfo, 0, len(signatures))
	for _, sig := range signatures {
		if sig == nil {
			continue
		}
		infos = append(infos, ledger.SignatureInfo{
			Signature: sig.Signature.String(),
			Slot:      sig.Slot,
			Failed:    sig.Err != nil,
		})
	}

	c.logger.DebugContext(ctx, "fetched transaction signatures",
		"account", account,
		"count", len(infos),
	)

	return infos, nil
}

// FetchTransaction resolves a signature to its confirmed transaction.
func (c *Client) FetchTransaction(ctx context.Context, signature string) (ledger.ConfirmedTransaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return ledger.ConfirmedTransaction{}, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	result, err := withRetry(ctx, c, "GetTransaction", func(ctx context.Context) (*rpc.GetTransactionResult, error) {
		return c.getTransaction(ctx, sig)
	})
	if err != nil {
		return ledger.ConfirmedTransaction{}, err
	}

	return ParseTransactionResult(result)
}

func (c *Client) getTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	maxVersion := uint64(0)
	result, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil && isVersionParseError(err) {
		c.logger.WarnContext(ctx, "could not parse as versioned tx, retrying as legacy",
			"signature", sig.String(),
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry("GetTransaction", "parse_error")
		}
		result, err = c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
		})
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, rpc.ErrNotFound
	}
	return result, nil
}

// withRetry runs call until it succeeds, fails permanently or the attempt
// budget is spent. Each attempt waits on the rate limiter and runs under the
// per-call timeout.
func withRetry[T any](ctx context.Context, c *Client, method string, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("%s: rate limiter: %w", method, err)
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		start := time.Now()
		out, err := call(callCtx)
		cancel()

		status := "success"
		if err != nil {
			status = "error"
		}
		if c.metrics != nil {
			c.metrics.RecordRPCCall(method, status, time.Since(start).Seconds())
		}

		if err == nil {
			return out, nil
		}
		lastErr = err

		if !isRetryable(ctx, err) || attempt == c.maxAttempts-1 {
			break
		}

		var backoff time.Duration
		reason := "timeout_or_error"
		if isRateLimited(err) {
			reason = "rate_limit"
			backoff = time.Duration(2<<uint(attempt)) * time.Second // 2s, 4s, 8s
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(method)
			}
		} else {
			backoff = time.Duration(1<<uint(attempt)) * time.Second // 1s, 2s, 4s
		}
		if c.metrics != nil {
			c.metrics.RecordRPCRetry(method, reason)
		}

		c.logger.WarnContext(ctx, "rpc call failed, retrying",
			"method", method,
			"attempt", attempt+1,
			"reason", reason,
			"backoff_seconds", backoff.Seconds(),
			"error", err,
		)

		if err := c.sleep(ctx, backoff); err != nil {
			return zero, fmt.Errorf("%s: %w", method, err)
		}
	}

	return zero, fmt.Errorf("%s failed: %w", method, lastErr)
}

func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return false
	}
	return true
}

func isRateLimited(err error) bool {
	return strings.Contains(err.Error(), "429")
}

func isVersionParseError(err error) bool {
	return strings.Contains(err.Error(), "expects '\"' or 'n', but found '{'")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
