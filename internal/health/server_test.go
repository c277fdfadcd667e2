package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	lag := func(n uint64) func(context.Context) (uint64, error) {
		return func(context.Context) (uint64, error) { return n, nil }
	}
	tests := []struct {
		name     string
		checker  Checker
		wantCode int
		wantDB   string
		wantRPC  string
		wantSub  string
	}{
		{
			name: "all_ok",
			checker: Checker{
				DBPing:  func(ctx context.Context) error { return nil },
				RPCPing: func(ctx context.Context) error { return nil },
			},
			wantCode: http.StatusOK,
			wantDB:   "ok",
			wantRPC:  "ok",
		},
		{
			name: "db_fail",
			checker: Checker{
				DBPing:  func(ctx context.Context) error { return context.DeadlineExceeded },
				RPCPing: func(ctx context.Context) error { return nil },
			},
			wantCode: http.StatusServiceUnavailable,
			wantDB:   "fail",
			wantRPC:  "ok",
		},
		{
			name: "rpc_fail",
			checker: Checker{
				DBPing:  func(ctx context.Context) error { return nil },
				RPCPing: func(ctx context.Context) error { return context.DeadlineExceeded },
			},
			wantCode: http.StatusServiceUnavailable,
			wantDB:   "ok",
			wantRPC:  "fail",
		},
		{
			name:     "subscriber_within_lag",
			checker:  Checker{Lag: lag(3), MaxLag: 10},
			wantCode: http.StatusOK,
			wantSub:  "ok",
		},
		{
			name:     "subscriber_lagging",
			checker:  Checker{Lag: lag(50), MaxLag: 10},
			wantCode: http.StatusServiceUnavailable,
			wantSub:  "lagging",
		},
		{
			name: "lag_unknown_is_not_fatal",
			checker: Checker{
				Lag:    func(context.Context) (uint64, error) { return 0, errors.New("rpc down") },
				MaxLag: 10,
			},
			wantCode: http.StatusOK,
			wantSub:  "unknown",
		},
		{
			name:     "no_checkers",
			checker:  Checker{},
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost/healthz", nil)
			w := httptest.NewRecorder()

			Handler(tt.checker).ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}

			var resp map[string]string
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}

			if resp["status"] != "ok" {
				t.Errorf("status = %q, want ok", resp["status"])
			}
			if tt.wantDB != "" && resp["db"] != tt.wantDB {
				t.Errorf("db = %q, want %q", resp["db"], tt.wantDB)
			}
			if tt.wantRPC != "" && resp["rpc"] != tt.wantRPC {
				t.Errorf("rpc = %q, want %q", resp["rpc"], tt.wantRPC)
			}
			if tt.wantSub != "" && resp["subscriber"] != tt.wantSub {
				t.Errorf("subscriber = %q, want %q", resp["subscriber"], tt.wantSub)
			}
		})
	}
}

type fakeHead struct {
	head uint64
	err  error
}

func (f fakeHead) HeadNumber(context.Context) (uint64, error) { return f.head, f.err }

type fakeCursor struct{ height uint64 }

func (f fakeCursor) GetCursor(context.Context, string) (uint64, string, bool, error) {
	return f.height, "", f.height > 0, nil
}

func TestLedgerChecker(t *testing.T) {
	c := NewLedgerChecker(fakeHead{head: 120}, fakeCursor{height: 100}, "aid-registry")
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	lag, err := c.Lag(context.Background())
	if err != nil || lag != 20 {
		t.Fatalf("lag = %d, %v; want 20", lag, err)
	}

	ahead := NewLedgerChecker(fakeHead{head: 90}, fakeCursor{height: 100}, "aid-registry")
	if lag, _ := ahead.Lag(context.Background()); lag != 0 {
		t.Fatalf("cursor ahead of head must report zero lag, got %d", lag)
	}

	down := NewLedgerChecker(fakeHead{err: errors.New("dial")}, fakeCursor{}, "aid-registry")
	if err := down.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping error")
	}
}
