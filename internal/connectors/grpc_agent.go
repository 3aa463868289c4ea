package connectors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Handler: контракт агента. Совпадает с engine.Agent, продублирован,
// чтобы коннекторы не зависели от ядра.
type Handler interface {
	Name() string
	Handle(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error)
}

const (
	AgentServiceName = "prism.agent.v1.AgentService"
	invokeMethod     = "/" + AgentServiceName + "/Invoke"
)

// GRPCAgent вызывает удаленного агента. Конверт передается как google.protobuf.Struct,
// поэтому сгенерированный код не нужен.
type GRPCAgent struct {
	name string
	conn grpc.ClientConnInterface
}

// NewGRPCAgent создает экземпляр адаптера
func NewGRPCAgent(name string, conn grpc.ClientConnInterface) *GRPCAgent {
	return &GRPCAgent{name: name, conn: conn}
}

func (a *GRPCAgent) Name() string { return a.name }

// Handle: дедлайн приходит из ctx, адаптер ядра выставляет его из запроса.
func (a *GRPCAgent) Handle(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	// 1. Конвертируем конверт в Protobuf Struct
	in, err := toStruct(req)
	if err != nil {
		return domain.AgentResponse{}, fmt.Errorf("failed to encode request: %w", err)
	}

	// 2. Метаданные для трассировки на стороне агента
	ctx = metadata.AppendToOutgoingContext(ctx,
		"x-request-id", req.RequestID,
		"x-agent", a.name,
		"source", "prism-orchestrator",
	)

	// 3. Выполняем gRPC вызов
	out := new(structpb.Struct)
	var trailer metadata.MD
	if err := a.conn.Invoke(ctx, invokeMethod, in, out, grpc.Trailer(&trailer)); err != nil {
		return domain.AgentResponse{}, fromStatus(err, trailer)
	}

	// 4. Разбираем ответ
	var resp domain.AgentResponse
	if err := fromStruct(out, &resp); err != nil {
		return domain.AgentResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

// RegisterAgentServer публикует локального агента по gRPC (процесс удаленного агента).
func RegisterAgentServer(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&agentServiceDesc, h)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "prism/agent/v1/agent.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(Handler)
	call := func(ctx context.Context, req any) (any, error) {
		return serveInvoke(ctx, h, req.(*structpb.Struct))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	return interceptor(ctx, in, info, call)
}

func serveInvoke(ctx context.Context, h Handler, in *structpb.Struct) (*structpb.Struct, error) {
	var req domain.AgentRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(ctx, fmt.Errorf("bad request envelope: %w", err))
	}
	resp, err := h.Handle(ctx, req)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return toStruct(resp)
}

// toStruct: через JSON, т.к. structpb.NewStruct не принимает типизированные срезы и структуры.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
