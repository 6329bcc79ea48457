package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"

	"github.com/agrous/stock-ledger/internal/auth"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *client) do(method, path string, body any) (int, envelope, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, envelope{}, err
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return 0, envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, envelope{}, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, envelope{}, err
	}
	return resp.StatusCode, env, nil
}

func main() {
	baseURL := flag.String("addr", "http://localhost:8080", "server base URL")
	secret := flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "secret the server signs tokens with")
	initialStock := flag.Int("stock", 20, "opening stock of the test item")
	totalRequests := flag.Int("requests", 50, "concurrent outbound movements of one unit each")
	flag.Parse()

	tokens, err := auth.NewManager(*secret)
	if err != nil {
		log.Fatalf("token manager: %v", err)
	}
	token, err := tokens.NewJWT("stress-"+uuid.NewString(), time.Hour)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	c := &client{baseURL: *baseURL, token: token, http: &http.Client{Timeout: 10 * time.Second}}

	// Create the test item
	status, env, err := c.do(http.MethodPost, "/api/items", map[string]any{
		"name":          "stress item",
		"unit":          "unit",
		"category":      "stress",
		"opening_stock": *initialStock,
	})
	if err != nil || status != http.StatusCreated {
		log.Fatalf("create item: status=%d err=%v message=%s", status, err, env.Message)
	}
	var item struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &item); err != nil || item.ID == "" {
		log.Fatalf("decode created item: %v (%s)", err, env.Data)
	}

	// Counters
	var successCount, insufficientCount, conflictCount, failCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			status, env, err := c.do(http.MethodPost, "/api/items/"+item.ID+"/movements", map[string]any{
				"direction":  "out",
				"quantity":   "1",
				"request_id": uuid.NewString(),
			})
			switch {
			case err != nil:
				failCount.Add(1)
			case status == http.StatusCreated:
				successCount.Add(1)
			case env.Code == "insufficient_stock":
				insufficientCount.Add(1)
			case env.Code == "transaction_conflict":
				conflictCount.Add(1)
			default:
				failCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := int(successCount.Load())

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Insufficient:     %d\n", insufficientCount.Load())
	fmt.Printf("Conflicts:        %d\n", conflictCount.Load())
	fmt.Printf("Errors:           %d\n", failCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Every accepted movement must be reflected in the stock
	_, env, err = c.do(http.MethodGet, "/api/items/"+item.ID, nil)
	if err != nil {
		log.Fatalf("get item: %v", err)
	}
	var final struct {
		CurrentStock decimal.Decimal `json:"current_stock"`
	}
	if err := json.Unmarshal(env.Data, &final); err != nil {
		log.Fatalf("decode item: %v", err)
	}

	expected := decimal.NewFromInt(int64(*initialStock - success))
	if final.CurrentStock.Equal(expected) && !final.CurrentStock.IsNegative() {
		fmt.Printf("PASS: Final stock %s matches %d accepted movements\n", final.CurrentStock, success)
	} else {
		fmt.Printf("FAIL: Expected stock %s, got %s\n", expected, final.CurrentStock)
	}

	// The ledger must agree with the cached balance
	_, env, err = c.do(http.MethodGet, "/api/audit", nil)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}
	var report struct {
		Drifts []json.RawMessage `json:"drifts"`
	}
	if err := json.Unmarshal(env.Data, &report); err != nil {
		log.Fatalf("decode audit report: %v", err)
	}
	if len(report.Drifts) == 0 {
		fmt.Println("PASS: Ledger and stock agree")
	} else {
		fmt.Printf("FAIL: %d items drifted from their ledger\n", len(report.Drifts))
	}
}
