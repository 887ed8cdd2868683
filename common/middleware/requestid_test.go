package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-respond/common/logging"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name              string
		existingRequestID string
		expectNewID       bool
	}{
		{name: "generates new request ID when not present", expectNewID: true},
		{name: "propagates existing request ID", existingRequestID: "existing-req-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = logging.RequestIDFrom(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "http://example.com/test", nil)
			if tt.existingRequestID != "" {
				req.Header.Set(HeaderRequestID, tt.existingRequestID)
			}
			w := httptest.NewRecorder()

			RequestID(handler).ServeHTTP(w, req)

			header := w.Header().Get(HeaderRequestID)
			if header == "" {
				t.Fatal("expected X-Request-ID header in response")
			}
			if header != captured {
				t.Errorf("context request ID %q does not match header %q", captured, header)
			}
			if tt.expectNewID {
				if _, err := uuid.Parse(header); err != nil {
					t.Errorf("expected generated UUID, got %q", header)
				}
			} else if header != tt.existingRequestID {
				t.Errorf("expected %q, got %q", tt.existingRequestID, header)
			}
		})
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, slog.LevelInfo, "json")

	handler := AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cases", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{`"method":"POST"`, `"path":"/api/v1/cases"`, `"status":418`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log output, got: %s", want, out)
		}
	}
}
