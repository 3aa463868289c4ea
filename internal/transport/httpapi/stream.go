package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"go.uber.org/zap"
)

const heartbeatInterval = 15 * time.Second

// stream отдает события запуска как Server-Sent Events. События, опубликованные
// до подписки, не воспроизводятся; для завершенного запуска поток сразу закрыт.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	res, err := s.owned(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()

	// 1. Источник: локальный эмиттер или ретрансляция с другой реплики
	sub, err := s.svc.Subscribe(ctx, res.RequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()
	source := sub.C
	if s.follower != nil && !res.Status.Terminal() && !s.svc.Running(res.RequestID) {
		remote, err := s.follower.Follow(ctx, res.RequestID)
		if err != nil {
			s.logger.Warn("event relay unavailable", zap.String("request_id", res.RequestID), zap.Error(err))
		} else {
			source = remote
		}
	}

	// 2. Заголовки SSE
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// 3. Пересылка до закрытия источника или ухода клиента
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-source:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev domain.StageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
