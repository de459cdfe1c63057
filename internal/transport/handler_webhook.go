package transport

import (
	"net/http"
)

// signatureWebhook receives signing provider callbacks. The raw body is
// needed for signature verification, so it is not schema-validated here.
func (h *handlers) signatureWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	out, err := h.deps.Webhooks.Receive(r.Context(), r.Header, body)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteData(w, http.StatusOK, out)
}
