package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
)

func TestRequestID_Generated(t *testing.T) {
	t.Parallel()

	var fromCtx string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = observability.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))

	id := rec.Header().Get(RequestIDHeader)
	assert.Len(t, id, 36)
	assert.Equal(t, id, fromCtx)
}

func TestRequestIDWithGenerator_Inbound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		inbound string
		want    string
	}{
		{name: "absent", inbound: "", want: "generated"},
		{name: "kept", inbound: "trace-42", want: "trace-42"},
		{name: "too long", inbound: strings.Repeat("a", maxRequestIDLength+1), want: "generated"},
		{name: "control bytes", inbound: "abc\tdef", want: "generated"},
		{name: "non ascii", inbound: "idé", want: "generated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var upstream, fromCtx string
			h := RequestIDWithGenerator(func() string { return "generated" })(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					upstream = r.Header.Get(RequestIDHeader)
					fromCtx = observability.RequestIDFromContext(r.Context())
				}))

			req := httptest.NewRequest(http.MethodGet, "/api", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Header().Get(RequestIDHeader))
			assert.Equal(t, tt.want, upstream)
			assert.Equal(t, tt.want, fromCtx)
		})
	}
}
