package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type backendScript struct {
	specs    []Spec
	handler  func(name string, args map[string]interface{}, wallet string) (*Result, error)
	executed []executeRequest
}

func (b *backendScript) Specs(ctx context.Context) ([]Spec, error) {
	return b.specs, nil
}

func (b *backendScript) Execute(ctx context.Context, name string, args map[string]interface{}, wallet string) (*Result, error) {
	b.executed = append(b.executed, executeRequest{Name: name, Args: args, WalletAddress: wallet})
	return b.handler(name, args, wallet)
}

func okResult(data map[string]interface{}) *Result {
	return &Result{OK: true, Data: data}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"http 503", &HTTPError{Status: 503}, true},
		{"http 429", &HTTPError{Status: 429}, true},
		{"http 408", &HTTPError{Status: 408}, true},
		{"http 400", &HTTPError{Status: 400, Message: "bad market index"}, false},
		{"http 404", &HTTPError{Status: 404}, false},
		{"timeout text", errors.New("request timeout while connecting"), true},
		{"rate limit text", errors.New("Rate Limit exceeded"), true},
		{"overloaded text", errors.New("server OVERLOADED"), true},
		{"fetch text", errors.New("Failed to fetch"), true},
		{"domain error", errors.New("insufficient balance"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestExecuteWithRetryTransientThenSuccess(t *testing.T) {
	// Scenario: backend returns 503 twice, then succeeds. The executor must
	// return the successful result and spend at least 250ms+500ms backing off.
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": "temporarily unavailable"})
			return
		}
		json.NewEncoder(w).Encode(Result{OK: true, Data: map[string]interface{}{"balance": 42.0}})
	}))
	defer server.Close()

	executor := NewExecutor(NewClient(server.URL, 0, testLogger()), testLogger())

	start := time.Now()
	result, err := executor.ExecuteWithRetry(context.Background(), "get_balance", map[string]interface{}{}, "wallet1")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.GreaterOrEqual(t, elapsed, 750*time.Millisecond)
}

func TestExecuteWithRetryGivesUpAfterThreeAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	executor := NewExecutor(NewClient(server.URL, 0, testLogger()), testLogger())

	_, err := executor.ExecuteWithRetry(context.Background(), "get_balance", nil, "")
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestExecuteWithRetryDoesNotRetryDomainErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid market index"})
	}))
	defer server.Close()

	executor := NewExecutor(NewClient(server.URL, 0, testLogger()), testLogger())

	_, err := executor.ExecuteWithRetry(context.Background(), "get_balance", nil, "")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Contains(t, err.Error(), "invalid market index")
}

func TestExecuteWithRetryHonorsCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	executor := NewExecutor(NewClient(server.URL, 0, testLogger()), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := executor.ExecuteWithRetry(ctx, "get_balance", nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeArgsInjectsWalletAndMarket(t *testing.T) {
	backend := &backendScript{
		handler: func(name string, args map[string]interface{}, wallet string) (*Result, error) {
			return okResult(nil), nil
		},
	}
	executor := NewExecutor(backend, testLogger())
	executor.SetActiveMarket(2)

	_, err := executor.Execute(context.Background(), "get_balance", map[string]interface{}{}, "wallet1")
	require.NoError(t, err)

	sent := backend.executed[0]
	assert.Equal(t, "wallet1", sent.Args["walletAddress"])
	assert.Equal(t, 2, sent.Args[marketIndexK])
}

func TestNormalizeArgsCoercion(t *testing.T) {
	backend := &backendScript{
		handler: func(name string, args map[string]interface{}, wallet string) (*Result, error) {
			return okResult(nil), nil
		},
	}
	executor := NewExecutor(backend, testLogger())

	args := map[string]interface{}{
		"amount":  "10",
		"price":   "2.5",
		"orderId": 12345.0,
		"side":    "buy",
	}
	_, err := executor.Execute(context.Background(), "place_order", args, "")
	require.NoError(t, err)

	sent := backend.executed[0].Args
	assert.Equal(t, 10.0, sent["amount"])
	assert.Equal(t, 2.5, sent["price"])
	assert.Equal(t, "12345", sent["orderId"])
	assert.Equal(t, "buy", sent["side"])

	// Caller-supplied args are not mutated in place.
	assert.Equal(t, "10", args["amount"])
}

func TestNormalizeArgsKeepsExplicitMarket(t *testing.T) {
	backend := &backendScript{
		handler: func(name string, args map[string]interface{}, wallet string) (*Result, error) {
			return okResult(nil), nil
		},
	}
	executor := NewExecutor(backend, testLogger())
	executor.SetActiveMarket(0)

	_, err := executor.Execute(context.Background(), "get_market_overview", map[string]interface{}{marketIndexK: 3.0}, "")
	require.NoError(t, err)
	assert.Equal(t, 3.0, backend.executed[0].Args[marketIndexK])
}

func TestExecuteUpdatesActiveMarketFromResult(t *testing.T) {
	backend := &backendScript{
		handler: func(name string, args map[string]interface{}, wallet string) (*Result, error) {
			return okResult(map[string]interface{}{marketIndexK: 4.0}), nil
		},
	}
	executor := NewExecutor(backend, testLogger())

	_, err := executor.Execute(context.Background(), "get_market_overview", nil, "")
	require.NoError(t, err)

	idx, ok := executor.ActiveMarket()
	require.True(t, ok)
	assert.Equal(t, 4, idx)
}

func TestEnsureMarketsCachesAndDefaultsActive(t *testing.T) {
	var listCalls int
	backend := &backendScript{
		handler: func(name string, args map[string]interface{}, wallet string) (*Result, error) {
			require.Equal(t, listMarkets, name)
			listCalls++
			return okResult(map[string]interface{}{
				"markets": []interface{}{
					map[string]interface{}{"index": 7.0, "name": "BASE/QUOTE"},
					map[string]interface{}{"index": 8.0, "name": "ALT/QUOTE"},
				},
			}), nil
		},
	}
	executor := NewExecutor(backend, testLogger())

	require.NoError(t, executor.EnsureMarkets(context.Background(), ""))
	require.NoError(t, executor.EnsureMarkets(context.Background(), ""))

	assert.Equal(t, 1, listCalls)
	assert.Len(t, executor.Markets(), 2)

	idx, ok := executor.ActiveMarket()
	require.True(t, ok)
	assert.Equal(t, 7, idx)
}

func TestLoadSpecsValidateArgs(t *testing.T) {
	backend := &backendScript{
		specs: []Spec{
			{
				Name:        "place_order",
				Description: "Place a limit order",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"side":   map[string]interface{}{"type": "string"},
						"amount": map[string]interface{}{"type": "number"},
					},
					"required": []interface{}{"side", "amount"},
				},
			},
		},
		handler: func(name string, args map[string]interface{}, wallet string) (*Result, error) {
			return okResult(nil), nil
		},
	}
	executor := NewExecutor(backend, testLogger())

	specs, err := executor.LoadSpecs(context.Background())
	require.NoError(t, err)
	require.Len(t, specs, 1)

	assert.NoError(t, executor.ValidateArgs("place_order", map[string]interface{}{"side": "buy", "amount": 10.0}))
	assert.Error(t, executor.ValidateArgs("place_order", map[string]interface{}{"side": "buy"}))
	assert.NoError(t, executor.ValidateArgs("unknown_tool", nil))
}

func TestClientErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "price is required for limit orders"})
	}))
	defer server.Close()

	client := NewClient(server.URL, 0, testLogger())
	_, err := client.Execute(context.Background(), "place_order", nil, "")
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.Status)
	assert.Equal(t, "price is required for limit orders", httpErr.Message)
}
