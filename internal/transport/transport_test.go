package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	utls "github.com/refraction-networking/utls"
)

func TestNewClient_PlainHTTPFallsBackToH1(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewClient(2 * time.Second)
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	client := NewClient(0)
	if client.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", client.Timeout, DefaultTimeout)
	}
}

func TestNewClient_TimeoutSurfacesAsError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(50 * time.Millisecond)
	_, err := client.Get(srv.URL)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestNewClient_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	_, err := NewClient(time.Second).Do(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestBrowserTransport_RemembersHTTP1Hosts(t *testing.T) {
	bt := NewBrowserTransport(time.Second, utls.HelloChrome_Auto).(*browserTransport)

	if bt.prefersH1("api.example.com:443") {
		t.Fatal("prefersH1 = true before any failure")
	}
	bt.markH1("api.example.com:443")
	if !bt.prefersH1("api.example.com:443") {
		t.Error("prefersH1 = false after markH1")
	}
	if bt.prefersH1("catalog.example.com:443") {
		t.Error("markH1 leaked to another host")
	}
}

func TestBrowserTransport_UntrustedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, err := NewClient(2 * time.Second).Get(srv.URL)
	if err == nil {
		t.Fatal("Get() error = nil, want certificate error")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestBrowserTransport_H2FailureReplay(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		wantReplay bool
	}{
		{"get is replayed", http.MethodGet, "", true},
		{"post is not replayed", http.MethodPost, `{"itemId":1}`, false},
		{"put is not replayed", http.MethodPut, `{"quantity":2}`, false},
		{"delete is not replayed", http.MethodDelete, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h1Calls int
			bt := &browserTransport{
				h1Only: make(map[string]bool),
				h2: roundTripFunc(func(*http.Request) (*http.Response, error) {
					return nil, errors.New("http2: unsupported")
				}),
				h1: roundTripFunc(func(r *http.Request) (*http.Response, error) {
					h1Calls++
					return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
				}),
			}

			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, "https://api.example.com/cart/items", body)
			req.RequestURI = ""

			_, err := bt.RoundTrip(req)
			if tt.wantReplay {
				if err != nil || h1Calls != 1 {
					t.Errorf("err = %v h1 calls = %d, want replay over HTTP/1.1", err, h1Calls)
				}
			} else if err == nil || h1Calls != 0 {
				t.Errorf("err = %v h1 calls = %d, want failure without replay", err, h1Calls)
			}
			if !bt.prefersH1("api.example.com") {
				t.Error("host not marked for HTTP/1.1 after h2 failure")
			}
		})
	}
}
