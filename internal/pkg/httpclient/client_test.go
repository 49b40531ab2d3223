package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestPostJSON(t *testing.T) {
	var gotKey string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ok", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(IdempotencyHeader)
		w.Write([]byte(`{"value":"pong"}`))
	})
	mux.HandleFunc("POST /reject", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no stock", http.StatusUnprocessableEntity)
	})
	mux.HandleFunc("POST /busy", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("POST /slow", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "timeout", http.StatusRequestTimeout)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(otel.Tracer("test"), StaticResolver{"svc": srv.URL + "/"})
	ctx := context.Background()

	var out struct{ Value string }
	if err := c.PostJSON(ctx, "svc", "/ok", "c-1:step", map[string]string{"ping": "1"}, &out); err != nil {
		t.Fatalf("ok: %v", err)
	}
	if out.Value != "pong" || gotKey != "c-1:step" {
		t.Fatalf("response %q, key %q", out.Value, gotKey)
	}

	cases := []struct {
		path     string
		rejected bool
	}{
		{"/reject", true},
		{"/busy", false},
		{"/slow", false},
	}
	for _, tc := range cases {
		err := c.PostJSON(ctx, "svc", tc.path, "k", struct{}{}, nil)
		if err == nil {
			t.Fatalf("%s: expected error", tc.path)
		}
		if errors.Is(err, ErrRejected) != tc.rejected {
			t.Fatalf("%s: rejected=%v, err %v", tc.path, !tc.rejected, err)
		}
	}

	if err := c.PostJSON(ctx, "unknown", "/ok", "k", struct{}{}, nil); err == nil {
		t.Fatal("expected resolve error")
	}
}
