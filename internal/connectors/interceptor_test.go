package connectors

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func dialKeyed(t *testing.T, serverKey, clientKey string) *GRPCAgent {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(serverKey, zap.NewNop())))
	RegisterAgentServer(srv, funcHandler{name: "nlu", fn: func(context.Context, domain.AgentRequest) (domain.AgentResponse, error) {
		return domain.AgentResponse{Payload: map[string]any{"intent": "aggregate"}}, nil
	}})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		WithAgentKey(clientKey),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewGRPCAgent("nlu", conn)
}

func TestAgentKeyAccepted(t *testing.T) {
	resp, err := dialKeyed(t, "s3cret", "s3cret").Handle(context.Background(), domain.AgentRequest{RequestID: "r"})
	require.NoError(t, err)
	assert.Equal(t, "aggregate", resp.Payload["intent"])
}

func TestAgentKeyRejected(t *testing.T) {
	for name, clientKey := range map[string]string{"missing": "", "wrong": "guess"} {
		t.Run(name, func(t *testing.T) {
			_, err := dialKeyed(t, "s3cret", clientKey).Handle(context.Background(), domain.AgentRequest{RequestID: "r"})
			require.Error(t, err)
			// Отказ в доступе не повторяется адаптером
			assert.Equal(t, domain.KindAgentError, domain.KindOf(err))
			assert.False(t, domain.IsTransient(err))
		})
	}
}

func TestAgentKeyDisabledOnServer(t *testing.T) {
	_, err := dialKeyed(t, "", "anything").Handle(context.Background(), domain.AgentRequest{RequestID: "r"})
	assert.NoError(t, err)
}
