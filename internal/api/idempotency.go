package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VenkatGGG/testswarm/internal/idempotency"
	"github.com/VenkatGGG/testswarm/pkg/httpx"
)

const (
	idempotencyHeader = "Idempotency-Key"
	idempotencyWait   = 4 * time.Second
	idempotencyPoll   = 100 * time.Millisecond
)

func (s *Server) handleIdempotentRequest(w http.ResponseWriter, r *http.Request, scope string, execute func(http.ResponseWriter)) bool {
	if s.idempotency == nil {
		return false
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		return false
	}

	cached, ok, err := s.idempotency.Get(r.Context(), scope, key)
	if err != nil {
		s.idempotencyFailed(w, err)
		return true
	}
	if ok {
		writeRecordedResponse(w, cached)
		return true
	}

	owner := "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	claimed, err := s.idempotency.Claim(r.Context(), scope, key, owner, s.idempotencyLock)
	if err != nil {
		s.idempotencyFailed(w, err)
		return true
	}
	if !claimed {
		if cached, ok, err := s.waitForRecordedResponse(r.Context(), scope, key, idempotencyWait); err == nil && ok {
			writeRecordedResponse(w, cached)
			return true
		}
		httpx.WriteError(w, http.StatusConflict, "request_in_progress", "another request with this idempotency key is still in progress")
		return true
	}
	defer func() {
		_ = s.idempotency.Release(context.Background(), scope, key, owner)
	}()

	rec := httptest.NewRecorder()
	execute(rec)

	result := rec.Result()
	defer result.Body.Close()
	body, _ := io.ReadAll(result.Body)

	recorded := idempotency.Response{
		StatusCode:  result.StatusCode,
		ContentType: result.Header.Get("Content-Type"),
		Body:        bytes.Clone(body),
	}
	if result.StatusCode < 500 {
		if err := s.idempotency.Save(context.Background(), scope, key, recorded, s.idempotencyTTL); err != nil {
			s.logger.Warn("idempotent response not saved", zap.String("scope", scope), zap.Error(err))
		}
	}
	copyResponse(w, result.Header, result.StatusCode, body)
	return true
}

func (s *Server) idempotencyFailed(w http.ResponseWriter, err error) {
	s.logger.Error("idempotency store failed", zap.Error(err))
	httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", "idempotency store unavailable")
}

func (s *Server) waitForRecordedResponse(ctx context.Context, scope, key string, timeout time.Duration) (idempotency.Response, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(idempotencyPoll)
	defer ticker.Stop()

	for {
		resp, ok, err := s.idempotency.Get(waitCtx, scope, key)
		if err != nil {
			return idempotency.Response{}, false, err
		}
		if ok {
			return resp, true, nil
		}

		select {
		case <-waitCtx.Done():
			return idempotency.Response{}, false, waitCtx.Err()
		case <-ticker.C:
		}
	}
}

func writeRecordedResponse(w http.ResponseWriter, resp idempotency.Response) {
	w.Header().Set("Idempotent-Replayed", "true")
	contentType := strings.TrimSpace(resp.ContentType)
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	status := resp.StatusCode
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func copyResponse(w http.ResponseWriter, header http.Header, status int, body []byte) {
	for key, values := range header {
		w.Header().Del(key)
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
