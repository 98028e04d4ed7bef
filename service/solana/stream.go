package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/vialytics/service/ledger"
	"github.com/brojonat/vialytics/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

const (
	minStreamBackoff = 1 * time.Second
	maxStreamBackoff = 30 * time.Second
)

// logSubscription is the part of a ws log subscription the stream reads from.
type logSubscription interface {
	Recv(ctx context.Context) (*ws.LogResult, error)
	Unsubscribe()
}

// logConn is one websocket connection able to open a mentions subscription.
type logConn interface {
	SubscribeMentions(account solana.PublicKey) (logSubscription, error)
	Close()
}

type dialFunc func(ctx context.Context, url string) (logConn, error)

// LogStream is the live notification source: a logsSubscribe subscription on
// the account at confirmed commitment. A dropped connection is re-established
// with capped exponential backoff; notifications sent while disconnected are
// not replayed.
type LogStream struct {
	wsURL   string
	account solana.PublicKey
	dial    dialFunc
	metrics *metrics.Metrics
	logger  *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewLogStream creates a live source for account over the websocket endpoint.
func NewLogStream(wsURL, account string, m *metrics.Metrics, logger *slog.Logger) (*LogStream, error) {
	pk, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return nil, fmt.Errorf("invalid account address %q: %w", account, err)
	}
	return &LogStream{
		wsURL:      wsURL,
		account:    pk,
		dial:       dialWebsocket,
		metrics:    m,
		logger:     logger.With("component", "log_stream", "account", account),
		minBackoff: minStreamBackoff,
		maxBackoff: maxStreamBackoff,
		sleep:      sleepContext,
	}, nil
}

// Stream calls handle for every notification until ctx is done or handle
// fails. It only returns ctx's error or the handler's error.
func (s *LogStream) Stream(ctx context.Context, handle func(context.Context, ledger.Notification) error) error {
	backoff := s.minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		received, err := s.session(ctx, handle)

		var hErr *handlerError
		if errors.As(err, &hErr) {
			return hErr.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if received {
			backoff = s.minBackoff
		}
		s.logger.WarnContext(ctx, "log subscription ended, reconnecting",
			"error", err,
			"backoff_seconds", backoff.Seconds(),
		)
		if err := s.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, s.maxBackoff)
		if s.metrics != nil {
			s.metrics.RecordStreamReconnect()
		}
	}
}

type handlerError struct {
	err error
}

func (e *handlerError) Error() string {
	return e.err.Error()
}

// session runs one connection until it fails. received reports whether at
// least one notification was delivered on it.
func (s *LogStream) session(ctx context.Context, handle func(context.Context, ledger.Notification) error) (received bool, err error) {
	conn, err := s.dial(ctx, s.wsURL)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	sub, err := conn.SubscribeMentions(s.account)
	if err != nil {
		return false, fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	s.logger.InfoContext(ctx, "log subscription established")

	for {
		result, err := sub.Recv(ctx)
		if err != nil {
			return received, fmt.Errorf("failed to receive: %w", err)
		}
		if result == nil {
			continue
		}
		received = true

		n := ledger.Notification{
			Signature: result.Value.Signature.String(),
			Slot:      result.Context.Slot,
			Failed:    result.Value.Err != nil,
		}
		s.logger.DebugContext(ctx, "received log notification",
			"signature", n.Signature,
			"slot", n.Slot,
			"failed", n.Failed,
		)
		if err := handle(ctx, n); err != nil {
			return received, &handlerError{err: err}
		}
	}
}

type wsLogConn struct {
	client *ws.Client
}

func dialWebsocket(ctx context.Context, url string) (logConn, error) {
	client, err := ws.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &wsLogConn{client: client}, nil
}

func (c *wsLogConn) SubscribeMentions(account solana.PublicKey) (logSubscription, error) {
	sub, err := c.client.LogsSubscribeMentions(account, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *wsLogConn) Close() {
	c.client.Close()
}
