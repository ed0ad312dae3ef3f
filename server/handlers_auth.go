package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/castwatch/auth"
	"github.com/onnwee/castwatch/telemetry"
)

func remoteResponse(c auth.Credential, remaining int) auth.RemoteResponse {
	return auth.RemoteResponse{
		OK:               true,
		Token:            c.Token,
		CFClearance:      c.CFClearance,
		WSURL:            c.WSURL,
		SubjectID:        c.SubjectID,
		ExpiresAt:        c.ExpiresAt,
		Method:           c.Method,
		AcquiredAt:       c.AcquiredAt,
		RefreshCount:     c.RefreshCount,
		RemainingSeconds: remaining,
	}
}

// HandleAuth serves the held credential, or 503 when nothing valid is held.
func (h *Handlers) HandleAuth(w http.ResponseWriter, r *http.Request) {
	c, ok := h.creds.Current()
	st := h.creds.Status()
	if !ok || !st.Valid {
		writeJSON(w, http.StatusServiceUnavailable, auth.RemoteResponse{Error: "no valid credential"})
		return
	}
	writeJSON(w, http.StatusOK, remoteResponse(c, st.RemainingSeconds))
}

// HandleAuthHealth reports the credential status without the secret.
func (h *Handlers) HandleAuthHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.creds.Status())
}

// HandleRefresh forces one acquisition through the manager's in-flight guard.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "server"))
	c, err := h.creds.Refresh(r.Context())
	if err != nil {
		log.Warn("forced refresh failed", slog.Any("err", err))
		writeJSON(w, http.StatusBadGateway, auth.RemoteResponse{Error: err.Error()})
		return
	}
	log.Info("forced refresh", slog.String("method", c.Method), slog.String("token", auth.Mask(c.Token)))
	writeJSON(w, http.StatusOK, remoteResponse(c, c.RemainingSeconds(time.Now())))
}
