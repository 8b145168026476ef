package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func instrumented(logger *slog.Logger, h http.HandlerFunc) http.Handler {
	return Instrument(logger)(h)
}

func TestInstrumentAssignsRequestID(t *testing.T) {
	var inHandler string
	h := instrumented(slog.New(slog.DiscardHandler), func(w http.ResponseWriter, r *http.Request) {
		inHandler = GetRequestID(r.Context())
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if inHandler == "" {
		t.Error("handler must see a request ID")
	}
	if got := rec.Header().Get("X-Request-ID"); got != inHandler {
		t.Errorf("X-Request-ID = %q, want the handler's %q", got, inHandler)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest("GET", "/", nil))
	if rec2.Header().Get("X-Request-ID") == rec.Header().Get("X-Request-ID") {
		t.Error("request IDs must be unique per request")
	}
}

func TestInstrumentCompletionLine(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := instrumented(logger, func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "user_id", "u1")
		AddLogField(r.Context(), "skipped", "")
		AddError(r.Context(), errors.New("decode failed"))
		w.WriteHeader(http.StatusBadRequest)
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/nudge", nil))

	out := buf.String()
	for _, want := range []string{"request completed", "/v1/nudge", "status=400", "user_id=u1", "decode failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("completion line missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "skipped") {
		t.Errorf("empty fields must not be logged: %s", out)
	}
	if n := strings.Count(out, "\n"); n != 1 {
		t.Errorf("want exactly one log line per request, got %d", n)
	}
}

func TestFieldHelpersOutsideRequest(t *testing.T) {
	// All no-ops without Instrument in the chain; must not panic.
	AddLogField(context.Background(), "key", "value")
	AddError(context.Background(), nil)
	AddError(context.Background(), errors.New("x"))
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("GetRequestID outside a request = %q, want empty", id)
	}
}

func TestTimeoutSetsDeadline(t *testing.T) {
	expired := false
	h := Timeout(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("request context must carry a deadline")
		}
		select {
		case <-r.Context().Done():
			expired = true
		case <-time.After(200 * time.Millisecond):
		}
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !expired {
		t.Error("context must expire once the timeout passes")
	}
}
