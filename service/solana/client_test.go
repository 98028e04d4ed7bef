package solana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/vialytics/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "11111111111111111111111111111111"

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu           sync.Mutex
	signatures   []*rpc.TransactionSignature
	transactions map[string]*rpc.GetTransactionResult
	errs         []error // consumed one per call; nil entries succeed

	sigOpts     []*rpc.GetSignaturesForAddressOpts
	txOpts      []*rpc.GetTransactionOpts
	hadDeadline []bool
}

func (m *mockRPCClient) nextErr() error {
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	m.errs = m.errs[1:]
	return err
}

func (m *mockRPCClient) GetSignaturesForAddress(
	ctx context.Context,
	address solana.PublicKey,
	opts *rpc.GetSignaturesForAddressOpts,
) ([]*rpc.TransactionSignature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sigOpts = append(m.sigOpts, opts)
	_, ok := ctx.Deadline()
	m.hadDeadline = append(m.hadDeadline, ok)
	if err := m.nextErr(); err != nil {
		return nil, err
	}
	return m.signatures, nil
}

func (m *mockRPCClient) GetTransaction(
	ctx context.Context,
	signature solana.Signature,
	opts *rpc.GetTransactionOpts,
) (*rpc.GetTransactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txOpts = append(m.txOpts, opts)
	if err := m.nextErr(); err != nil {
		return nil, err
	}
	if m.transactions == nil {
		return nil, nil
	}
	return m.transactions[signature.String()], nil
}

func testSignature(b byte) solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = b
	}
	return sig
}

func newTestClient(mock *mockRPCClient, maxAttempts int) (*Client, *[]time.Duration) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(mock, ClientOptions{
		Timeout:     5 * time.Second,
		MaxAttempts: maxAttempts,
	}, metrics.NewMetrics(prometheus.NewRegistry()), logger)

	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestSignaturesBefore(t *testing.T) {
	sig1 := testSignature(1)
	sig2 := testSignature(2)
	now := solana.UnixTimeSeconds(time.Now().Unix())

	mock := &mockRPCClient{
		signatures: []*rpc.TransactionSignature{
			{Signature: sig1, Slot: 100, BlockTime: &now},
			{Signature: sig2, Slot: 99, Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
		},
	}
	client, _ := newTestClient(mock, 3)

	t.Run("newest page", func(t *testing.T) {
		infos, err := client.SignaturesBefore(context.Background(), testAccount, "", 100)
		require.NoError(t, err)
		require.Len(t, infos, 2)

		assert.Equal(t, sig1.String(), infos[0].Signature)
		assert.Equal(t, uint64(100), infos[0].Slot)
		assert.False(t, infos[0].Failed)
		assert.True(t, infos[1].Failed)

		opts := mock.sigOpts[len(mock.sigOpts)-1]
		require.NotNil(t, opts.Limit)
		assert.Equal(t, 100, *opts.Limit)
		assert.True(t, opts.Before.IsZero())
		assert.Equal(t, rpc.CommitmentConfirmed, opts.Commitment)
		assert.True(t, mock.hadDeadline[len(mock.hadDeadline)-1], "calls run under a timeout")
	})

	t.Run("cursor is passed as before", func(t *testing.T) {
		_, err := client.SignaturesBefore(context.Background(), testAccount, sig2.String(), 100)
		require.NoError(t, err)

		opts := mock.sigOpts[len(mock.sigOpts)-1]
		assert.Equal(t, sig2, opts.Before)
	})
}

func TestSignaturesBefore_InvalidInput(t *testing.T) {
	mock := &mockRPCClient{}
	client, _ := newTestClient(mock, 3)

	_, err := client.SignaturesBefore(context.Background(), "not-an-address", "", 10)
	assert.Error(t, err)

	_, err = client.SignaturesBefore(context.Background(), testAccount, "not-a-signature", 10)
	assert.Error(t, err)

	assert.Empty(t, mock.sigOpts, "invalid input never reaches the node")
}

func TestSignaturesBefore_RetriesRateLimit(t *testing.T) {
	mock := &mockRPCClient{
		errs:       []error{errors.New("HTTP 429 Too Many Requests")},
		signatures: []*rpc.TransactionSignature{{Signature: testSignature(3), Slot: 5}},
	}
	client, slept := newTestClient(mock, 3)

	infos, err := client.SignaturesBefore(context.Background(), testAccount, "", 10)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
	assert.Len(t, mock.sigOpts, 2)
	assert.Equal(t, []time.Duration{2 * time.Second}, *slept)
}

func TestSignaturesBefore_GivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("connection reset by peer")
	mock := &mockRPCClient{errs: []error{boom, boom, boom, boom}}
	client, slept := newTestClient(mock, 3)

	_, err := client.SignaturesBefore(context.Background(), testAccount, "", 10)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, mock.sigOpts, 3)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, *slept)
}

func TestFetchTransaction(t *testing.T) {
	sig := testSignature(7)
	blockTime := solana.UnixTimeSeconds(1700000000)

	mock := &mockRPCClient{
		transactions: map[string]*rpc.GetTransactionResult{
			sig.String(): {
				Slot:      42,
				BlockTime: &blockTime,
				Meta:      &rpc.TransactionMeta{Fee: 5000},
			},
		},
	}
	client, _ := newTestClient(mock, 3)

	tx, err := client.FetchTransaction(context.Background(), sig.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), tx.Slot)
	require.NotNil(t, tx.BlockTime)
	assert.Equal(t, int64(1700000000), *tx.BlockTime)

	require.Len(t, mock.txOpts, 1)
	opts := mock.txOpts[0]
	assert.Equal(t, rpc.CommitmentConfirmed, opts.Commitment)
	require.NotNil(t, opts.MaxSupportedTransactionVersion)
	assert.Equal(t, uint64(0), *opts.MaxSupportedTransactionVersion)
}

func TestFetchTransaction_NotFoundIsNotRetried(t *testing.T) {
	mock := &mockRPCClient{errs: []error{rpc.ErrNotFound}}
	client, slept := newTestClient(mock, 3)

	_, err := client.FetchTransaction(context.Background(), testSignature(8).String())
	assert.ErrorIs(t, err, rpc.ErrNotFound)
	assert.Len(t, mock.txOpts, 1)
	assert.Empty(t, *slept)
}

func TestFetchTransaction_NilResultIsNotFound(t *testing.T) {
	mock := &mockRPCClient{}
	client, _ := newTestClient(mock, 3)

	_, err := client.FetchTransaction(context.Background(), testSignature(9).String())
	assert.ErrorIs(t, err, rpc.ErrNotFound)
}

func TestFetchTransaction_FallsBackToLegacy(t *testing.T) {
	sig := testSignature(10)
	mock := &mockRPCClient{
		errs: []error{errors.New(`rpc.GetTransactionResult.Transaction: expects '"' or 'n', but found '{'`)},
		transactions: map[string]*rpc.GetTransactionResult{
			sig.String(): {Slot: 11},
		},
	}
	client, slept := newTestClient(mock, 3)

	tx, err := client.FetchTransaction(context.Background(), sig.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(11), tx.Slot)

	require.Len(t, mock.txOpts, 2)
	assert.NotNil(t, mock.txOpts[0].MaxSupportedTransactionVersion)
	assert.Nil(t, mock.txOpts[1].MaxSupportedTransactionVersion)
	assert.Empty(t, *slept)
}

func TestFetchTransaction_CancelledContextStopsRetrying(t *testing.T) {
	mock := &mockRPCClient{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	client, _ := newTestClient(mock, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.FetchTransaction(ctx, testSignature(11).String())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, mock.txOpts)
}
