package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
	// Lag reports how many blocks the replay subscriber trails the ledger
	// head. Ignored when MaxLag is zero.
	Lag    func(ctx context.Context) (uint64, error)
	MaxLag uint64
}

// Handler serves the /healthz report.
func Handler(checker Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		code := http.StatusOK

		if checker.DBPing != nil {
			if err := checker.DBPing(ctx); err != nil {
				status["db"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["db"] = "ok"
			}
		}
		if checker.RPCPing != nil {
			if err := checker.RPCPing(ctx); err != nil {
				status["rpc"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["rpc"] = "ok"
			}
		}
		if checker.Lag != nil && checker.MaxLag > 0 {
			lag, err := checker.Lag(ctx)
			switch {
			case err != nil:
				status["subscriber"] = "unknown"
			case lag > checker.MaxLag:
				status["subscriber"] = "lagging"
				status["lag"] = strconv.FormatUint(lag, 10)
				code = http.StatusServiceUnavailable
			default:
				status["subscriber"] = "ok"
				status["lag"] = strconv.FormatUint(lag, 10)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
