package vmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client VictoriaMetrics 客户端，只依赖其 HTTP API：
// /api/v1/import 写入（JSON Line Format），/api/v1/query_range 等查询
type Client struct {
	baseURL      string
	httpClient   *http.Client
	writeTimeout time.Duration
	queryTimeout time.Duration
}

// Metric JSON Line Format 的一条时间序列
type Metric struct {
	Metric     map[string]string `json:"metric"` // 标签集，__name__ 为指标名
	Values     []float64         `json:"values"`
	Timestamps []int64           `json:"timestamps"` // 毫秒
}

// QueryResult 查询响应
type QueryResult struct {
	Status string     `json:"status"`
	Data   ResultData `json:"data"`
}

type ResultData struct {
	ResultType string   `json:"resultType"`
	Result     []Series `json:"result"`
}

// Series 单条时间序列
type Series struct {
	Metric map[string]string `json:"metric"`
	Values [][]interface{}   `json:"values"` // [[timestamp, value], ...]
}

// DataPoint 解析后的数据点
type DataPoint struct {
	Timestamp int64 // 毫秒
	Value     float64
	Labels    map[string]string
}

func NewClient(baseURL string, writeTimeout, queryTimeout time.Duration) *Client {
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}
	if queryTimeout == 0 {
		queryTimeout = 60 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: queryTimeout},
		writeTimeout: writeTimeout,
		queryTimeout: queryTimeout,
	}
}

// Write 以 NDJSON 批量写入，空批直接返回
func (c *Client) Write(ctx context.Context, metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, m := range metrics {
		if err := encoder.Encode(m); err != nil {
			return fmt.Errorf("encode metric failed: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/api/v1/import", &buf)
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("write metrics failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("write metrics failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Query 即时查询
func (c *Client) Query(ctx context.Context, query string) (*QueryResult, error) {
	params := url.Values{}
	params.Set("query", query)
	return c.getResult(ctx, "/api/v1/query", params)
}

// QueryRange 范围查询，step 为 0 时按查询跨度自动选择步长
func (c *Client) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) (*QueryResult, error) {
	if step <= 0 {
		step = AutoStep(start, end)
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("step", fmt.Sprintf("%ds", int(step.Seconds())))
	return c.getResult(ctx, "/api/v1/query_range", params)
}

// LabelValues 某个标签的全部取值，match 用于限定序列
func (c *Client) LabelValues(ctx context.Context, label string, match []string) ([]string, error) {
	params := url.Values{}
	for _, m := range match {
		params.Add("match[]", m)
	}

	var result struct {
		Status string   `json:"status"`
		Data   []string `json:"data"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v1/label/%s/values", label), params, &result); err != nil {
		return nil, err
	}
	if result.Status != "success" {
		return nil, fmt.Errorf("label values failed with status: %s", result.Status)
	}
	return result.Data, nil
}

func (c *Client) getResult(ctx context.Context, path string, params url.Values) (*QueryResult, error) {
	var result QueryResult
	if err := c.getJSON(ctx, path, params, &result); err != nil {
		return nil, err
	}
	if result.Status != "success" {
		return nil, fmt.Errorf("query failed with status: %s", result.Status)
	}
	return &result, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request %s failed with status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response failed: %w", err)
	}
	return nil
}

// AutoStep 按查询跨度选择步长
func AutoStep(start, end time.Time) time.Duration {
	r := end.Sub(start)

	switch {
	case r <= time.Hour:
		return 10 * time.Second
	case r <= 2*time.Hour:
		return 15 * time.Second
	case r <= 6*time.Hour:
		return 30 * time.Second
	case r <= 12*time.Hour:
		return time.Minute
	case r <= 24*time.Hour:
		return 2 * time.Minute
	case r <= 3*24*time.Hour:
		return 5 * time.Minute
	case r <= 7*24*time.Hour:
		return 10 * time.Minute
	case r <= 30*24*time.Hour:
		return 30 * time.Minute
	default:
		return time.Hour
	}
}

// DataPoints 把查询结果摊平成数据点列表
func DataPoints(result *QueryResult) []DataPoint {
	if result == nil || len(result.Data.Result) == 0 {
		return []DataPoint{}
	}

	var points []DataPoint
	for _, series := range result.Data.Result {
		for _, v := range series.Values {
			if len(v) < 2 {
				continue
			}
			// timestamp 是 float64（Unix 秒），value 是字符串
			ts, ok := v[0].(float64)
			if !ok {
				continue
			}
			valueStr, ok := v[1].(string)
			if !ok {
				continue
			}
			value, err := strconv.ParseFloat(valueStr, 64)
			if err != nil {
				continue
			}
			points = append(points, DataPoint{
				Timestamp: int64(ts * 1000),
				Value:     value,
				Labels:    series.Metric,
			})
		}
	}
	return points
}
