package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/prismdb-orchestrator/internal/connectors"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra"
)

// Процесс удаленного агента: публикует локальную реализацию по gRPC.
// В реестре оркестратора такой агент описывается transport: grpc.
func main() {
	name := flag.String("name", "nlu", "agent name")
	kind := flag.String("kind", "nlu", "agent kind: nlu|schema|sql|visualization|lookup")
	addr := flag.String("addr", ":50061", "listen address")
	latency := flag.Duration("latency", 0, "simulated latency per call")
	confidence := flag.Float64("confidence", 0.8, "confidence reported by sql agents")
	flag.Parse()

	// 1. Конфигурация: логгер и ключ агентов
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// 2. Реализация агента
	handler, err := connectors.NewLocalAgent(*name, domain.Stage(*kind), connectors.Options{
		Latency:    *latency,
		Confidence: *confidence,
	})
	if err != nil {
		logger.Fatal("unsupported agent kind", zap.String("kind", *kind), zap.Error(err))
	}

	// 3. gRPC сервер с проверкой ключа
	srv := grpc.NewServer(grpc.UnaryInterceptor(connectors.UnaryAuthInterceptor(cfg.Auth.AgentKey, logger)))
	connectors.RegisterAgentServer(srv, handler)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", *addr), zap.Error(err))
	}

	go func() {
		logger.Info("agent server started", zap.String("agent", *name), zap.String("kind", *kind), zap.String("addr", *addr))
		if err := srv.Serve(lis); err != nil {
			logger.Fatal("failed to serve", zap.Error(err))
		}
	}()

	// 4. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		srv.Stop()
	}
	logger.Info("agent server exited properly")
}
