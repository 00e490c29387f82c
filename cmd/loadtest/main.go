package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Reason string
	Err    error
}

type orderReq struct {
	EventID  uint  `json:"event_id"`
	UserID   int64 `json:"user_id"`
	Quantity int   `json:"quantity"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	eventID := flag.Uint("event", 1, "event id")
	publish := flag.Bool("publish", true, "publish the event before the test")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token")

	// 超卖测试：N 个不同买家并发抢同一场活动
	nBuyers := flag.Int("buyers", 200, "distinct buyers")
	concurrency := flag.Int("c", 50, "max concurrency")
	burst := flag.Int("burst", 50, "requests of one buyer in the rate limit test, 0 to skip")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	if *publish {
		url := fmt.Sprintf("%s/api/admin/events/%d/publish", *baseURL, *eventID)
		if err := doPOST(client, url, nil, map[string]string{"X-Admin-Token": *adminToken}); err != nil {
			panic(fmt.Sprintf("publish failed: %v", err))
		}
		fmt.Println("publish ok")
	}

	before, err := getStock(client, *baseURL, *eventID)
	if err != nil {
		panic(fmt.Sprintf("stock check failed: %v", err))
	}

	fmt.Printf("start oversell test: event=%d buyers=%d concurrency=%d stock=%d\n", *eventID, *nBuyers, *concurrency, before)
	start := time.Now()
	results := run(*nBuyers, *concurrency, func(i int) Result {
		return orderOnce(client, *baseURL, orderReq{EventID: uint(*eventID), UserID: int64(i + 1), Quantity: 1})
	})
	elapsed := time.Since(start)
	printSummary("oversell", results)

	after, err := getStock(client, *baseURL, *eventID)
	if err != nil {
		fmt.Println("stock check err:", err)
	} else {
		created := countStatus(results, http.StatusCreated)
		fmt.Printf("created=%d stock before=%d after=%d elapsed=%s\n", created, before, after, elapsed)
		if int64(created) != before-after {
			fmt.Println("WARNING: created orders do not match consumed stock")
		}
		if after < 0 {
			fmt.Println("WARNING: stock went negative, oversold")
		}
	}

	if *burst > 0 {
		// 同一买家连发，用来观察 429
		fmt.Printf("\nstart rate limit test: same buyer, %d requests\n", *burst)
		buyer := int64(*nBuyers + 10000)
		results2 := run(*burst, *burst, func(int) Result {
			return orderOnce(client, *baseURL, orderReq{EventID: uint(*eventID), UserID: buyer, Quantity: 1})
		})
		printSummary("rate_limit", results2)
	}
}

func run(total, concurrency int, fn func(i int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(idx)
		}(i)
	}

	wg.Wait()
	return results
}

func orderOnce(client *http.Client, baseURL string, req orderReq) Result {
	b, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest(http.MethodPost, baseURL+"/api/orders", bytes.NewReader(b))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var out struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(body, &out)
	return Result{Status: resp.StatusCode, Reason: out.Reason}
}

func countStatus(results []Result, status int) int {
	n := 0
	for _, r := range results {
		if r.Err == nil && r.Status == status {
			n++
		}
	}
	return n
}

// printSummary 聚合输出状态码与失败原因分布。
func printSummary(name string, results []Result) {
	count := map[string]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		key := fmt.Sprintf("%d", r.Status)
		if r.Reason != "" {
			key += " " + r.Reason
		}
		count[key]++
	}
	keys := make([]string, 0, len(count))
	for k := range count {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("[%s] http status summary:\n", name)
	for _, k := range keys {
		fmt.Printf("  %s -> %d\n", k, count[k])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// doPOST 发送 POST 请求（支持附加请求头）。
func doPOST(client *http.Client, url string, body any, headers map[string]string) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(http.MethodPost, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// getStock 查询 Redis 实时剩余量，压测后用来校验是否超卖。
func getStock(client *http.Client, baseURL string, eventID uint) (int64, error) {
	resp, err := client.Get(fmt.Sprintf("%s/api/events/%d/stock", baseURL, eventID))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Data struct {
			Stock int64 `json:"stock"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	return out.Data.Stock, nil
}
