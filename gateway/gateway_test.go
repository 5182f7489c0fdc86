package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postling/endpoint"
	"postling/message"
	"postling/middleware"
	"postling/registry"
	"postling/transport"
)

func setup(t *testing.T, opts Options, mws ...middleware.Middleware) *httptest.Server {
	t.Helper()
	pw, cw := transport.NewPair("https://bridge.example", "https://worker.example")
	bridge, err := endpoint.New(endpoint.Config{Source: pw, Target: cw, Origin: "https://worker.example"})
	if err != nil {
		t.Fatal(err)
	}
	worker, err := endpoint.New(endpoint.Config{
		Source: cw, Target: pw, Origin: "https://bridge.example",
		Middlewares: mws,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		bridge.Close()
		worker.Close()
	})

	call := worker.ExposeMethods(map[string]registry.Method{
		"sum": func(_ context.Context, args message.Args) (any, error) {
			total := 0
			for i := 0; i < args.Len(); i++ {
				var n int
				if err := args.Bind(i, &n); err != nil {
					return nil, err
				}
				total += n
			}
			return total, nil
		},
		"fail": func(context.Context, message.Args) (any, error) {
			return nil, errors.New("nope")
		},
	})
	<-call.Done

	srv := httptest.NewServer(NewRouter(bridge, opts))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, InvokeResult) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out InvokeResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return resp, out
}

func TestInvoke(t *testing.T) {
	srv := setup(t, Options{})
	resp, out := post(t, srv.URL+"/invoke/sum", "[1, 2, 3]")
	if resp.StatusCode != http.StatusOK || string(out.Result) != "6" {
		t.Fatalf("expect 200 and 6, got %d %s", resp.StatusCode, out.Result)
	}
}

func TestInvokeRemoteError(t *testing.T) {
	srv := setup(t, Options{})
	resp, out := post(t, srv.URL+"/invoke/fail", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expect 502, got %d", resp.StatusCode)
	}
	if out.Error == nil || out.Error.Message != "nope" {
		t.Fatalf("expect the remote message, got %+v", out.Error)
	}
}

func TestInvokeTimeout(t *testing.T) {
	srv := setup(t, Options{InvokeTimeout: 50 * time.Millisecond})
	resp, _ := post(t, srv.URL+"/invoke/missing", "[]")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expect 504, got %d", resp.StatusCode)
	}
}

func TestInvokeBadBody(t *testing.T) {
	srv := setup(t, Options{})
	resp, _ := post(t, srv.URL+"/invoke/sum", "{")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expect 400, got %d", resp.StatusCode)
	}
}

func TestMethods(t *testing.T) {
	srv := setup(t, Options{})
	resp, err := http.Get(srv.URL + "/methods")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list MethodList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Local) != 0 || strings.Join(list.Remote, ",") != "fail,sum" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := middleware.NewMetrics(reg)
	srv := setup(t, Options{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}, middleware.MetricsMiddleware(m))
	post(t, srv.URL+"/invoke/sum", "[1]")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `postling_method_calls_total{method="sum",outcome="ok"} 1`) {
		t.Fatalf("expect the sum call to be counted, got:\n%s", body)
	}
}
