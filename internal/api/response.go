package api

import (
	"encoding/json"
	"net/http"
	"time"

	mw "github.com/deepchat-app/deepchat/internal/middleware"
)

type Envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *AppError `json:"error,omitempty"`
	Meta    Meta      `json:"meta"`
}

type Meta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
}

type PaginatedData struct {
	Items      any   `json:"items"`
	TotalCount int64 `json:"totalCount"`
	Page       int   `json:"page"`
	PageSize   int   `json:"pageSize"`
}

func newMeta(r *http.Request) Meta {
	return Meta{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: mw.GetRequestID(r.Context()),
	}
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Envelope{Success: true, Data: data, Meta: newMeta(r)})
}

func JSONPaginated(w http.ResponseWriter, r *http.Request, status int, items any, totalCount int64, page, pageSize int) {
	JSON(w, r, status, PaginatedData{
		Items:      items,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	})
}

func JSONError(w http.ResponseWriter, r *http.Request, appErr *AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.Status)
	json.NewEncoder(w).Encode(Envelope{Success: false, Error: appErr, Meta: newMeta(r)})
}
