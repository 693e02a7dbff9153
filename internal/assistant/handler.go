package assistant

import (
	"net/http"

	"github.com/merlin-assistant/merlin/internal/api"
	"github.com/merlin-assistant/merlin/internal/process"
)

// QueueStatus is one user's task state as reported over HTTP.
type QueueStatus struct {
	UserID          int64         `json:"user_id"`
	QueueSize       int           `json:"queue_size"`
	IsProcessing    bool          `json:"is_processing"`
	PendingDecision bool          `json:"pending_decision"`
	Process         *process.Info `json:"process,omitempty"`
}

type AbortResponse struct {
	Killed            bool `json:"killed"`
	Cleared           int  `json:"cleared"`
	DecisionCancelled bool `json:"decision_cancelled"`
}

func (a *Assistant) QueueStatus(userID int64) QueueStatus {
	st := a.Queue.GetStatus(userID)
	qs := QueueStatus{
		UserID:          userID,
		QueueSize:       st.QueueSize,
		IsProcessing:    st.IsProcessing,
		PendingDecision: a.Queue.HasPendingDecision(userID),
	}
	if a.Processes != nil {
		if info, ok := a.Processes.GetProcessInfo(userID); ok {
			qs.Process = &info
		}
	}
	return qs
}

// Handler exposes queue inspection and abort over HTTP.
type Handler struct {
	assistant *Assistant
}

func NewHandler(a *Assistant) *Handler {
	return &Handler{assistant: a}
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID, err := api.Int64Param(r, "userID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user ID"))
		return
	}
	api.JSON(w, http.StatusOK, h.assistant.QueueStatus(userID))
}

// Abort stops the user's work. The chat prompt of a cancelled decision is
// left in place since the request does not say which platform showed it;
// pressing it afterwards reports the task as expired.
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	userID, err := api.Int64Param(r, "userID")
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user ID"))
		return
	}
	res := h.assistant.Protocol.Abort(userID, userID, nil)
	api.JSON(w, http.StatusOK, AbortResponse{
		Killed:            res.Killed,
		Cleared:           res.Cleared,
		DecisionCancelled: res.DecisionCancelled,
	})
}
