package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"streamgate/internal/apperr"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto its status. Not-found answers carry a hint that
// the client should create the stream or proxy again; capacity and
// readiness answers carry Retry-After.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: string(apperr.KindOf(err))}

	ae, ok := apperr.As(err)
	if !ok {
		log.Error().Err(err).Msg("unclassified error")
		body.Message = "internal error"
		writeJSON(w, status, body)
		return
	}
	body.Message = ae.Message
	switch ae.Kind {
	case apperr.KindInternal:
		log.Error().Err(err).Msg("internal error")
	case apperr.KindTimeout, apperr.KindProtocol:
		log.Warn().Err(err).Msg("upstream failure")
	case apperr.KindNotFound:
		body.Hint = "recreate"
	}
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ae.RetryAfter.Seconds()))))
	}
	writeJSON(w, status, body)
}
