package middleware

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/RHEcosystemAppEng/nemo-gateway/internal/apierror"
)

// Deadline returns middleware that applies a global request deadline to the
// whole chain. If the deadline fires before the handler completes, a 504 is
// returned — unless the backend response already started streaming. Pass 0
// to disable.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			dw := &deadlineWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(dw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if dw.tryClaimWrite() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout,
						apierror.DeadlineExceeded, "global request deadline exceeded")
				}
				// Wait for the handler goroutine to finish to avoid leaks.
				<-done
			}
		})
	}
}

// Response ownership states for deadlineWriter.
const (
	ownerNone int32 = iota
	ownerHandler
	ownerTimeout
)

// deadlineWriter arbitrates the response between the handler goroutine and
// the timeout branch. Whichever writes first owns the response: the 504 is
// never sent after the backend response has started streaming, and handler
// writes arriving after the 504 are discarded instead of interleaving.
type deadlineWriter struct {
	http.ResponseWriter
	owner atomic.Int32
}

// tryClaimWrite claims the response for the timeout branch. It loses to
// any handler write that got there first.
func (dw *deadlineWriter) tryClaimWrite() bool {
	return dw.owner.CompareAndSwap(ownerNone, ownerTimeout)
}

// claimHandler reports whether the handler owns (or can take) the response.
func (dw *deadlineWriter) claimHandler() bool {
	return dw.owner.CompareAndSwap(ownerNone, ownerHandler) || dw.owner.Load() == ownerHandler
}

func (dw *deadlineWriter) WriteHeader(code int) {
	if !dw.claimHandler() {
		return
	}
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	if !dw.claimHandler() {
		// The timeout response already went out; swallow the late write.
		return len(b), nil
	}
	return dw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (dw *deadlineWriter) Unwrap() http.ResponseWriter {
	return dw.ResponseWriter
}
