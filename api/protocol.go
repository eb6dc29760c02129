package api

import (
	"io"

	"github.com/bytedance/sonic"

	"pipeline-board/domain"
)

const requestMaxSize = 64 * 1024 // 64 KiB

type errorResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message,omitempty"`
	IntentID string `json:"intentId,omitempty"`
}

// /POST /api/moves and every other mutation reply with the applied event.
type eventResponse struct {
	Event domain.Event `json:"event"`
}

type reorderRequest struct {
	StageIDs []string `json:"stageIds"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Epoch    string `json:"epoch,omitempty"`
	Seq      int64  `json:"seq"`
	Sessions int    `json:"sessions"`
	ReadOnly bool   `json:"readOnly"`
}

func decodeBody(body io.Reader, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(body, requestMaxSize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
