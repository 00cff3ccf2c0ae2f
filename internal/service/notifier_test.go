package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/models"
	"go.uber.org/zap"
)

func newNotifierTestService(t *testing.T) (*Notifier, *PropertyService) {
	t.Helper()
	db := newTestDB(t)
	propertyService := NewPropertyService(zap.NewNop(), db)
	return NewNotifier(zap.NewNop(), propertyService), propertyService
}

func setChannels(t *testing.T, propertyService *PropertyService, channels []models.NotificationChannelConfig) {
	t.Helper()
	if err := propertyService.Set(context.Background(), PropertyIDNotificationChannels, "通知渠道", channels); err != nil {
		t.Fatalf("写入渠道配置失败: %v", err)
	}
}

func TestBuildMessage(t *testing.T) {
	t.Parallel()

	n := NewNotifier(zap.NewNop(), nil)
	agent := &models.Agent{
		ID:       "agent-1",
		Name:     "web-01",
		Hostname: "web-01.internal",
		IP:       "10.0.0.8",
	}

	offline := n.buildMessage(&notifyEvent{
		Type:       NotifyAgentOffline,
		Agent:      agent,
		OccurredAt: time.Now().UnixMilli(),
	})
	for _, want := range []string{"探针离线", "web-01", "agent-1", "web-01.internal", "10.0.0.8"} {
		if !strings.Contains(offline, want) {
			t.Fatalf("离线消息缺少 %q: %s", want, offline)
		}
	}

	online := n.buildMessage(&notifyEvent{
		Type:       NotifyAgentOnline,
		Agent:      agent,
		OccurredAt: time.Now().UnixMilli(),
	})
	if !strings.Contains(online, "探针上线") {
		t.Fatalf("上线消息内容不对: %s", online)
	}

	degraded := n.buildMessage(&notifyEvent{
		Type:       NotifyStorageDegraded,
		Detail:     "待补写帧数: 12",
		OccurredAt: time.Now().UnixMilli(),
	})
	if !strings.Contains(degraded, "指标存储降级") || !strings.Contains(degraded, "待补写帧数: 12") {
		t.Fatalf("降级消息内容不对: %s", degraded)
	}

	if title := n.buildTitle(&notifyEvent{Type: NotifyAgentOffline, Agent: agent}); title != "探针离线: web-01" {
		t.Fatalf("标题不对: %s", title)
	}
}

func TestDingTalkSign(t *testing.T) {
	t.Parallel()

	n := NewNotifier(zap.NewNop(), nil)
	sign := n.calculateDingTalkSign(1700000000000, "secret")

	if sign != n.calculateDingTalkSign(1700000000000, "secret") {
		t.Fatalf("同样输入的签名应当稳定")
	}
	if sign == n.calculateDingTalkSign(1700000000000, "other") {
		t.Fatalf("不同密钥的签名不应相同")
	}
	raw, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		t.Fatalf("签名不是合法 base64: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("HMAC-SHA256 结果应为 32 字节, 实际 %d", len(raw))
	}
}

func TestCustomWebhookTemplate(t *testing.T) {
	t.Parallel()

	var gotBody atomic.Value
	var gotHeader atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		gotHeader.Store(r.Header.Get("X-Token"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(zap.NewNop(), nil)
	config := map[string]interface{}{
		"url":          server.URL,
		"bodyTemplate": "custom",
		"customBody":   `{"name":"{{agent.name}}","type":"{{event.type}}","keep":"{{unknown.tag}}"}`,
		"headers": map[string]interface{}{
			"X-Token": "abc",
		},
	}
	evt := &notifyEvent{
		Type:       NotifyAgentOffline,
		Agent:      &models.Agent{ID: "agent-1", Name: `web"01`},
		OccurredAt: time.Now().UnixMilli(),
	}
	if err := n.sendCustomWebhook(context.Background(), config, evt); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	body, _ := gotBody.Load().(string)
	// 双引号经过 JSON 转义后模板输出仍是合法 JSON
	var parsed map[string]string
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		t.Fatalf("模板输出不是合法 JSON: %v, body=%s", err, body)
	}
	if parsed["name"] != `web"01` {
		t.Fatalf("agent.name 替换不对: %q", parsed["name"])
	}
	if parsed["type"] != NotifyAgentOffline {
		t.Fatalf("event.type 替换不对: %q", parsed["type"])
	}
	if parsed["keep"] != "{{unknown.tag}}" {
		t.Fatalf("未知变量应原样保留: %q", parsed["keep"])
	}
	if header, _ := gotHeader.Load().(string); header != "abc" {
		t.Fatalf("自定义请求头未生效: %q", header)
	}
}

func TestCustomWebhookJSONBody(t *testing.T) {
	t.Parallel()

	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(zap.NewNop(), nil)
	config := map[string]interface{}{
		"url": server.URL,
	}
	evt := &notifyEvent{
		Type:       NotifyAgentOnline,
		Agent:      &models.Agent{ID: "agent-1", Name: "web-01", IP: "10.0.0.8"},
		OccurredAt: 1700000000000,
	}
	if err := n.sendCustomWebhook(context.Background(), config, evt); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	body, _ := gotBody.Load().(string)
	var parsed struct {
		MsgType string `json:"msg_type"`
		Event   struct {
			Type       string `json:"type"`
			OccurredAt int64  `json:"occurredAt"`
		} `json:"event"`
		Agent struct {
			ID string `json:"id"`
			IP string `json:"ip"`
		} `json:"agent"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		t.Fatalf("解析请求体失败: %v", err)
	}
	if parsed.MsgType != "text" || parsed.Event.Type != NotifyAgentOnline || parsed.Agent.ID != "agent-1" {
		t.Fatalf("JSON 请求体不对: %s", body)
	}
	if parsed.Event.OccurredAt != 1700000000000 {
		t.Fatalf("事件时间不对: %d", parsed.Event.OccurredAt)
	}
}

func TestTestChannel(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, propertyService := newNotifierTestService(t)
	setChannels(t, propertyService, []models.NotificationChannelConfig{
		{
			// 未启用的渠道也允许测试，便于上线前验证配置
			Type:    "webhook",
			Enabled: false,
			Config:  map[string]interface{}{"url": server.URL},
		},
	})

	if err := notifier.TestChannel(context.Background(), "webhook"); err != nil {
		t.Fatalf("测试渠道失败: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("应当收到一次测试请求, 实际 %d", hits.Load())
	}

	err := notifier.TestChannel(context.Background(), "dingtalk")
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("未配置的渠道应返回 NotFound, 实际 %v", err)
	}
}

func TestDispatchSkipsDisabled(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, propertyService := newNotifierTestService(t)
	setChannels(t, propertyService, []models.NotificationChannelConfig{
		{Type: "webhook", Enabled: true, Config: map[string]interface{}{"url": server.URL}},
		{Type: "webhook", Enabled: false, Config: map[string]interface{}{"url": server.URL}},
	})

	notifier.AgentOffline(&models.Agent{ID: "agent-1", Name: "web-01"})

	if hits.Load() != 1 {
		t.Fatalf("只有启用的渠道应收到通知, 实际 %d", hits.Load())
	}
}

func TestEmailConfigValidation(t *testing.T) {
	t.Parallel()

	n := NewNotifier(zap.NewNop(), nil)

	if err := n.sendEmailByConfig(map[string]interface{}{}, "主题", "内容"); err == nil {
		t.Fatalf("缺少 host 应当报错")
	}
	if err := n.sendEmailByConfig(map[string]interface{}{
		"host": "smtp.example.com",
	}, "主题", "内容"); err == nil {
		t.Fatalf("缺少收件人应当报错")
	}
}
