package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientSolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/solve" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req solveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !bytes.Equal(req.Challenge, []byte("abc")) {
			t.Errorf("challenge = %q, want abc", req.Challenge)
		}
		json.NewEncoder(w).Encode(solveResponse{Solution: []byte("solved"), ElapsedMs: 42})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second)
	solution, elapsed, err := client.Solve(context.Background(), []byte("abc"))
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if string(solution) != "solved" {
		t.Errorf("solution = %q, want solved", solution)
	}
	if elapsed != 42*time.Millisecond {
		t.Errorf("elapsed = %v, want 42ms", elapsed)
	}
}
