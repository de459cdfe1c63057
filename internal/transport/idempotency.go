package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/idempotency"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/model"
)

// IdempotencyKeyHeader carries the client's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// Idempotency replays the stored response when a POST repeats an
// Idempotency-Key with the same body. Requests without the header pass
// through. Server errors release the key so the client can retry. A failing
// store is logged and the request runs unprotected.
func Idempotency(store *idempotency.Store, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyKeyHeader)
			rctx := model.RequestContextFrom(r.Context())
			if r.Method != http.MethodPost || clientKey == "" || rctx == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > idempotency.MaxKeyLength {
				WriteError(w, r, model.NewBadRequestError("idempotency key is too long"))
				return
			}

			body, ok := readBody(w, r)
			if !ok {
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			log := observability.LoggerFrom(r.Context(), logger)
			ctx := r.Context()
			key := idempotency.Key(rctx.TenantID, rctx.SubjectID, r.Method, r.URL.Path, clientKey)
			hash := idempotency.HashInput(body)

			prev, err := store.Begin(ctx, key, hash)
			var envelope *model.ErrorEnvelope
			switch {
			case errors.As(err, &envelope):
				WriteError(w, r, err)
				return
			case err != nil:
				log.Warn("idempotency store unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			case prev != nil:
				if prev.ContentType != "" {
					w.Header().Set("Content-Type", prev.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(prev.Status)
				w.Write(prev.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// The outcome is recorded even if the client went away.
			ctx = context.WithoutCancel(ctx)

			if rec.status >= http.StatusInternalServerError {
				if err := store.Release(ctx, key); err != nil {
					log.Warn("idempotency key release failed", zap.Error(err))
				}
				return
			}
			err = store.Complete(ctx, key, idempotency.Entry{
				InputHash:   hash,
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.buf.Bytes(),
			})
			if err != nil {
				log.Warn("idempotency response not stored", zap.Error(err))
			}
		})
	}
}

// recordingWriter passes the response through and keeps a copy.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	written bool
	buf     bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.written = true
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}
