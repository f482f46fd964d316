package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"ChainPilot/internal/approval"
	"ChainPilot/internal/auth"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/orchestrator"
	"ChainPilot/internal/stream"
	"ChainPilot/pkg/logger"
)

// handleSubmit 处理一轮对话请求，以 SSE 返回生成事件。
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	subject := auth.SubjectFromContext(r.Context())
	req.UserID, req.UserType = subject.ID, subject.Type

	turn, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	defer turn.Close()

	w.Header().Set("X-Stream-ID", turn.ID)
	pumpFrames(w, r, turn)
}

// handleResume 续传会话最近一次生成。没有可续传内容时返回 204。
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	res, err := s.svc.Resume(r.Context(), subject.ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	switch res.Mode {
	case stream.ModeLive:
		defer res.Subscription.Close()
		w.Header().Set("X-Stream-ID", res.StreamID)
		pumpFrames(w, r, res.Subscription)
	case stream.ModeCatchUp:
		flusher, ok := prepareSSE(w)
		if !ok {
			return
		}
		for _, frame := range res.Frames {
			if _, err := w.Write(frame); err != nil {
				return
			}
		}
		flusher.Flush()
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleApproval 投递用户的审批结果。
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var decision approval.Decision
	if err := decodeJSON(w, r, &decision); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(decision.ApprovalID) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "approvalId 不能为空"))
		return
	}
	subject := auth.SubjectFromContext(r.Context())
	if err := s.svc.Respond(r.Context(), subject.ID, decision); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessages 返回会话的消息历史。
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	msgs, err := s.svc.Messages(r.Context(), subject.ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// writeError 以 {"code","message"} 的形式返回错误。
func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	body := errorBody{Code: xerrors.CodeOf(err), Message: http.StatusText(status)}
	if coded, ok := xerrors.From(err); ok {
		body.Message = coded.Message()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.String("code", string(body.Code)), slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
