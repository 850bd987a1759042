package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/httputil"
)

// Wire error codes shared by Client and Handler.
const (
	codeInsufficientFunds = "INSUFFICIENT_FUNDS"
	codeOverRelease       = "OVER_RELEASE"
	codeTransferFailed    = "TRANSFER_FAILED"
	codePaused            = "PAUSED"
	codeUnauthorized      = "UNAUTHORIZED"
	codeInvalidAmount     = "INVALID_AMOUNT"
)

var codeErrors = map[string]error{
	codeInsufficientFunds: ErrInsufficientFunds,
	codeOverRelease:       ErrOverRelease,
	codeTransferFailed:    ErrTransferFailed,
	codePaused:            ErrPaused,
	codeUnauthorized:      ErrUnauthorized,
	codeInvalidAmount:     ErrInvalidAmount,
}

func codeFor(err error) string {
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "INTERNAL"
}

// ClientConfig configures a remote custody client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
}

// Client is a Gateway backed by a remote custody service speaking the
// /vault JSON protocol served by Handler. Custody calls are not idempotent:
// they are retried only when the connection could not be opened, so a call
// whose response is lost fails instead of being applied twice.
type Client struct {
	http *httputil.ServiceClient
}

var _ Gateway = (*Client)(nil)

// NewClient creates a remote custody client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		http: httputil.NewServiceClient(httputil.ServiceClientConfig{
			BaseURL:    cfg.BaseURL,
			Token:      cfg.Token,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}),
	}
}

type custodyRequest struct {
	Owner    stream.ActorID `json:"owner,omitempty"`
	Receiver stream.ActorID `json:"receiver,omitempty"`
	Token    string         `json:"token"`
	Amount   amount.Amount  `json:"amount"`
	StreamID uint64         `json:"stream_id"`
}

// Allocate implements Gateway.
func (c *Client) Allocate(ctx context.Context, owner stream.ActorID, token string, amt amount.Amount, streamID uint64) error {
	return c.call(ctx, "/vault/allocate", custodyRequest{Owner: owner, Token: token, Amount: amt, StreamID: streamID})
}

// Release implements Gateway.
func (c *Client) Release(ctx context.Context, owner stream.ActorID, token string, amt amount.Amount, streamID uint64) error {
	return c.call(ctx, "/vault/release", custodyRequest{Owner: owner, Token: token, Amount: amt, StreamID: streamID})
}

// TransferToReceiver implements Gateway.
func (c *Client) TransferToReceiver(ctx context.Context, token string, receiver stream.ActorID, amt amount.Amount, streamID uint64) error {
	return c.call(ctx, "/vault/transfer", custodyRequest{Receiver: receiver, Token: token, Amount: amt, StreamID: streamID})
}

func (c *Client) call(ctx context.Context, path string, req custodyRequest) error {
	resp, err := c.http.Post(ctx, path, req)
	if err != nil {
		return fmt.Errorf("vault %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, _, err := httputil.ReadAllWithLimit(resp.Body, 64<<10)
	if err != nil {
		return fmt.Errorf("vault %s: read response: %w", path, err)
	}

	if resp.StatusCode == http.StatusOK && gjson.GetBytes(body, "ok").Bool() {
		return nil
	}

	code := gjson.GetBytes(body, "error.code").String()
	message := gjson.GetBytes(body, "error.message").String()
	if sentinel, ok := codeErrors[code]; ok {
		return fmt.Errorf("%w: %s", sentinel, message)
	}
	return fmt.Errorf("vault %s: unexpected response %d: %s", path, resp.StatusCode, message)
}
