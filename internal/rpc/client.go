package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"ekehi.network/internal/access"
	"ekehi.network/internal/auth"
	"ekehi.network/internal/ledger"
)

// ErrInvalidRequest is returned for calls the server rejected as malformed.
var ErrInvalidRequest = errors.New("rpc: invalid request")

// Client wraps the AccessControl service.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// Dial creates a client for target. Transport defaults to insecure.
func Dial(target, token string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, token: token}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Authorize asks the server for a decision. A refusal is a Decision, not an
// error.
func (c *Client) Authorize(ctx context.Context, req AuthorizeRequest) (access.Decision, error) {
	in, err := req.toStruct()
	if err != nil {
		return access.Decision{}, err
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, authorizeMethod, in, out); err != nil {
		return access.Decision{}, mapError(err)
	}
	f := out.GetFields()
	return access.Decision{
		Granted: f["granted"].GetBoolValue(),
		Reason:  f["reason"].GetStringValue(),
	}, nil
}

func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", auth.ErrInvalidToken, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", ledger.ErrStorageTransient, st.Message())
	default:
		return err
	}
}

// WithTimeout returns a context with a default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
