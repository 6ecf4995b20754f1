package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthURL(t *testing.T) {
	tests := []struct {
		explicit, addr, want string
	}{
		{"", "", "http://localhost:8080/healthz"},
		{"", ":9090", "http://localhost:9090/healthz"},
		{"", "0.0.0.0:7000", "http://localhost:7000/healthz"},
		{"http://svc/healthz", ":9090", "http://svc/healthz"},
	}
	for _, tt := range tests {
		if got := healthURL(tt.explicit, tt.addr); got != tt.want {
			t.Errorf("healthURL(%q, %q) = %q, want %q", tt.explicit, tt.addr, got, tt.want)
		}
	}
}

func TestCheckHealth(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	if err := checkHealth(context.Background(), srv.URL); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	status = http.StatusServiceUnavailable
	if err := checkHealth(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 503")
	}
}
