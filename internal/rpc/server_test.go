package rpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"ekehi.network/internal/access"
	"ekehi.network/internal/audit"
	"ekehi.network/internal/auth"
	"ekehi.network/internal/ledger"
)

const bufSize = 1024 * 1024

type probe struct{ err error }

func (p *probe) Check(context.Context) error { return p.err }

type fixture struct {
	server *Server
	conn   *grpc.ClientConn
	signer *auth.Signer
	sink   *audit.MemorySink
	probe  *probe
}

func startBufGRPC(t *testing.T) *fixture {
	t.Helper()

	sink := audit.NewMemorySink()
	logger := audit.New(sink)
	signer, err := auth.NewSigner([]byte(strings.Repeat("g", 32)))
	require.NoError(t, err)

	engine := ledger.NewEngine(ledger.NewInMemory(), ledger.WithAudit(logger))
	_, err = engine.OpenAccount(context.Background(), ledger.OpenRequest{UserID: "mod", Role: access.RoleModerator})
	require.NoError(t, err)

	p := &probe{}
	srv := NewServer(Deps{
		Gate:     access.NewGate(logger),
		Subjects: engine,
		Signer:   signer,
		Ready:    p,
	})

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		srv.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return &fixture{server: srv, conn: conn, signer: signer, sink: sink, probe: p}
}

func (f *fixture) client(t *testing.T, token string) *Client {
	t.Helper()
	return &Client{conn: f.conn, token: token}
}

func (f *fixture) token(t *testing.T, user string, role access.Role) string {
	t.Helper()
	tok, _, err := f.signer.Issue(user, role, time.Minute)
	require.NoError(t, err)
	return tok
}

func TestAuthorizeDecisions(t *testing.T) {
	f := startBufGRPC(t)
	c := f.client(t, f.token(t, "gateway", access.RoleUser))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cases := []struct {
		name string
		req  AuthorizeRequest
		want access.Decision
	}{
		{
			name: "owner",
			req:  AuthorizeRequest{CallerID: "alice", ResourceOwnerID: "alice", Permission: "WRITE", Resource: "mining_data"},
			want: access.Decision{Granted: true, Reason: access.ReasonOwner},
		},
		{
			name: "guest reading sensitive data",
			req:  AuthorizeRequest{CallerID: "alice", ResourceOwnerID: "bob", Permission: "read", Resource: "account"},
			want: access.Decision{Granted: false, Reason: access.ReasonDenied},
		},
		{
			name: "public read",
			req:  AuthorizeRequest{CallerID: "alice", ResourceOwnerID: "bob", Permission: "READ", Resource: "leaderboard"},
			want: access.Decision{Granted: true, Reason: access.ReasonPublicRead},
		},
		{
			name: "moderator is not elevated",
			req:  AuthorizeRequest{CallerID: "mod", ResourceOwnerID: "bob", Permission: "DELETE", Resource: "session"},
			want: access.Decision{Granted: false, Reason: access.ReasonDenied},
		},
		{
			name: "anonymous",
			req:  AuthorizeRequest{Permission: "READ", Resource: "profile"},
			want: access.Decision{Granted: false, Reason: access.ReasonUnauthenticated},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Authorize(ctx, tc.req)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	require.NotEmpty(t, f.sink.Entries(), "decisions must be audited")
}

func TestAuthorizeRejectsBadInput(t *testing.T) {
	f := startBufGRPC(t)
	c := f.client(t, f.token(t, "gateway", access.RoleUser))

	_, err := c.Authorize(context.Background(), AuthorizeRequest{CallerID: "a", Permission: "EXECUTE", Resource: "account"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.Authorize(context.Background(), AuthorizeRequest{CallerID: "a", Permission: "READ"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAuthorizeRequiresToken(t *testing.T) {
	f := startBufGRPC(t)

	_, err := f.client(t, "").Authorize(context.Background(), AuthorizeRequest{CallerID: "a", Permission: "READ", Resource: "profile"})
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = f.client(t, "garbage").Authorize(context.Background(), AuthorizeRequest{CallerID: "a", Permission: "READ", Resource: "profile"})
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestHealthFollowsProbe(t *testing.T) {
	f := startBufGRPC(t)
	hc := healthpb.NewHealthClient(f.conn)
	ctx := context.Background()

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	require.NoError(t, f.server.UpdateHealth(ctx))
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	f.probe.err = errors.New("db down")
	require.Error(t, f.server.UpdateHealth(ctx))
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestMapError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unauthenticated", status.Error(codes.Unauthenticated, "no"), auth.ErrInvalidToken},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), ErrInvalidRequest},
		{"unavailable", status.Error(codes.Unavailable, "down"), ledger.ErrStorageTransient},
		{"pass through", status.Error(codes.Internal, "internal"), status.Error(codes.Internal, "internal")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapError(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("mapError() = %v, want %v", got, tc.want)
			}
		})
	}
}
