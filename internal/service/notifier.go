package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dushixiang/lynx/internal/errs"
	"github.com/dushixiang/lynx/internal/models"
	"github.com/valyala/fasttemplate"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// 通知事件类型
const (
	NotifyAgentOffline     = "agent_offline"     // 探针离线（心跳超时或连接断开）
	NotifyAgentOnline      = "agent_online"      // 探针上线
	NotifyStorageDegraded  = "storage_degraded"  // 指标存储降级（写入进入补写队列）
	NotifyStorageRecovered = "storage_recovered" // 指标存储恢复
)

// notifyEvent 一次通知的上下文，存储事件没有关联探针时 Agent 为 nil
type notifyEvent struct {
	Type       string
	Agent      *models.Agent
	Detail     string
	OccurredAt int64 // 毫秒时间戳
}

// Notifier 事件通知服务，渠道配置保存在属性表里
type Notifier struct {
	logger          *zap.Logger
	propertyService *PropertyService
}

func NewNotifier(logger *zap.Logger, propertyService *PropertyService) *Notifier {
	return &Notifier{
		logger:          logger,
		propertyService: propertyService,
	}
}

// AgentOnline 探针上线通知
func (n *Notifier) AgentOnline(agent *models.Agent) {
	n.dispatch(&notifyEvent{
		Type:       NotifyAgentOnline,
		Agent:      agent,
		OccurredAt: time.Now().UnixMilli(),
	})
}

// AgentOffline 探针离线通知
func (n *Notifier) AgentOffline(agent *models.Agent) {
	n.dispatch(&notifyEvent{
		Type:       NotifyAgentOffline,
		Agent:      agent,
		OccurredAt: time.Now().UnixMilli(),
	})
}

// StorageDegraded 指标存储降级通知，pending 为当前补写队列里的帧数
func (n *Notifier) StorageDegraded(pending int) {
	n.dispatch(&notifyEvent{
		Type:       NotifyStorageDegraded,
		Detail:     fmt.Sprintf("待补写帧数: %d", pending),
		OccurredAt: time.Now().UnixMilli(),
	})
}

// StorageRecovered 指标存储恢复通知
func (n *Notifier) StorageRecovered() {
	n.dispatch(&notifyEvent{
		Type:       NotifyStorageRecovered,
		OccurredAt: time.Now().UnixMilli(),
	})
}

// dispatch 读取启用的渠道配置并逐个发送，单个渠道失败不影响其他渠道
func (n *Notifier) dispatch(evt *notifyEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	configs, err := n.propertyService.GetNotificationChannelConfigs(ctx)
	if err != nil {
		n.logger.Error("读取通知渠道配置失败", zap.Error(err))
		return
	}

	for i := range configs {
		channel := &configs[i]
		if !channel.Enabled {
			continue
		}
		if err := n.send(ctx, channel, evt); err != nil {
			n.logger.Error("发送通知失败",
				zap.String("channelType", channel.Type),
				zap.String("eventType", evt.Type),
				zap.Error(err),
			)
			continue
		}
		n.logger.Info("通知已发送",
			zap.String("channelType", channel.Type),
			zap.String("eventType", evt.Type),
		)
	}
}

// TestChannel 向指定类型的渠道发送测试消息。
// 测试不要求渠道已启用，便于上线前验证配置。
func (n *Notifier) TestChannel(ctx context.Context, channelType string) error {
	configs, err := n.propertyService.GetNotificationChannelConfigs(ctx)
	if err != nil {
		return err
	}

	var channel *models.NotificationChannelConfig
	for i := range configs {
		if configs[i].Type == channelType {
			channel = &configs[i]
			break
		}
	}
	if channel == nil {
		return errs.NotFound("通知渠道未配置: " + channelType)
	}

	evt := &notifyEvent{
		Type: NotifyAgentOffline,
		Agent: &models.Agent{
			ID:       "test-agent",
			Name:     "测试探针",
			Hostname: "test-host",
			IP:       "127.0.0.1",
		},
		Detail:     "这是一条测试消息",
		OccurredAt: time.Now().UnixMilli(),
	}
	return n.send(ctx, channel, evt)
}

func (n *Notifier) send(ctx context.Context, channel *models.NotificationChannelConfig, evt *notifyEvent) error {
	switch channel.Type {
	case "dingtalk":
		return n.sendDingTalkByConfig(ctx, channel.Config, n.buildMessage(evt))
	case "wecom":
		return n.sendWeComByConfig(ctx, channel.Config, n.buildMessage(evt))
	case "feishu":
		return n.sendFeishuByConfig(ctx, channel.Config, n.buildMessage(evt))
	case "webhook":
		return n.sendCustomWebhook(ctx, channel.Config, evt)
	case "email":
		return n.sendEmailByConfig(channel.Config, n.buildTitle(evt), n.buildMessage(evt))
	default:
		return fmt.Errorf("不支持的通知渠道类型: %s", channel.Type)
	}
}

// buildTitle 构建事件标题，用作邮件主题
func (n *Notifier) buildTitle(evt *notifyEvent) string {
	switch evt.Type {
	case NotifyAgentOffline:
		if evt.Agent != nil {
			return fmt.Sprintf("探针离线: %s", evt.Agent.Name)
		}
		return "探针离线"
	case NotifyAgentOnline:
		if evt.Agent != nil {
			return fmt.Sprintf("探针上线: %s", evt.Agent.Name)
		}
		return "探针上线"
	case NotifyStorageDegraded:
		return "指标存储降级"
	case NotifyStorageRecovered:
		return "指标存储恢复"
	default:
		return evt.Type
	}
}

// buildMessage 构建通知消息文本
func (n *Notifier) buildMessage(evt *notifyEvent) string {
	occurredAt := time.Unix(evt.OccurredAt/1000, 0).Local().Format("2006-01-02 15:04:05")

	switch evt.Type {
	case NotifyAgentOffline, NotifyAgentOnline:
		icon := "🔴 探针离线"
		if evt.Type == NotifyAgentOnline {
			icon = "🟢 探针上线"
		}
		agent := evt.Agent
		if agent == nil {
			agent = &models.Agent{}
		}
		message := fmt.Sprintf(
			"%s\n\n"+
				"探针: %s (%s)\n"+
				"主机: %s\n"+
				"IP: %s\n"+
				"时间: %s",
			icon,
			agent.Name,
			agent.ID,
			agent.Hostname,
			agent.IP,
			occurredAt,
		)
		if evt.Detail != "" {
			message += "\n备注: " + evt.Detail
		}
		return message

	case NotifyStorageDegraded:
		message := fmt.Sprintf(
			"⚠️ 指标存储降级\n\n"+
				"指标写入已切换到本地补写队列，存储恢复后自动回放。\n"+
				"时间: %s",
			occurredAt,
		)
		if evt.Detail != "" {
			message += "\n" + evt.Detail
		}
		return message

	case NotifyStorageRecovered:
		return fmt.Sprintf(
			"✅ 指标存储恢复\n\n"+
				"补写队列已回放完成，指标写入恢复正常。\n"+
				"时间: %s",
			occurredAt,
		)

	default:
		return fmt.Sprintf("%s\n时间: %s", evt.Type, occurredAt)
	}
}

// sendDingTalk 发送钉钉通知
func (n *Notifier) sendDingTalk(ctx context.Context, webhook, secret, message string) error {
	body := map[string]interface{}{
		"msgtype": "text",
		"text": map[string]string{
			"content": message,
		},
	}

	// 如果有加签密钥，计算签名
	timestamp := time.Now().UnixMilli()
	if secret != "" {
		sign := n.calculateDingTalkSign(timestamp, secret)
		webhook = fmt.Sprintf("%s&timestamp=%d&sign=%s", webhook, timestamp, sign)
	}
	_, err := n.sendJSONRequest(ctx, webhook, body)
	if err != nil {
		return err
	}
	return nil
}

// calculateDingTalkSign 计算钉钉加签
func (n *Notifier) calculateDingTalkSign(timestamp int64, secret string) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, secret)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

type WeComResult struct {
	Errcode int    `json:"errcode"`
	Errmsg  string `json:"errmsg"`
}

// sendWeCom 发送企业微信通知
func (n *Notifier) sendWeCom(ctx context.Context, webhook, message string) error {
	body := map[string]interface{}{
		"msgtype": "text",
		"text": map[string]string{
			"content": message,
		},
	}
	result, err := n.sendJSONRequest(ctx, webhook, body)
	if err != nil {
		return err
	}
	var weComResult WeComResult
	if err := json.Unmarshal(result, &weComResult); err != nil {
		return err
	}
	if weComResult.Errcode != 0 {
		return fmt.Errorf("%s", weComResult.Errmsg)
	}
	return nil
}

// sendFeishu 发送飞书通知
func (n *Notifier) sendFeishu(ctx context.Context, webhook, message string) error {
	body := map[string]interface{}{
		"msg_type": "text",
		"content": map[string]string{
			"text": message,
		},
	}

	_, err := n.sendJSONRequest(ctx, webhook, body)
	if err != nil {
		return err
	}
	return nil
}

// sendCustomWebhook 发送自定义Webhook
func (n *Notifier) sendCustomWebhook(ctx context.Context, config map[string]interface{}, evt *notifyEvent) error {
	webhookURL, ok := config["url"].(string)
	if !ok || webhookURL == "" {
		return fmt.Errorf("自定义Webhook配置缺少 url")
	}

	// 获取请求方法，默认 POST
	method := "POST"
	if m, ok := config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	// 获取自定义请求头
	headers := make(map[string]string)
	if h, ok := config["headers"].(map[string]interface{}); ok {
		for k, v := range h {
			if strVal, ok := v.(string); ok {
				headers[k] = strVal
			}
		}
	}

	// 获取请求体模板类型，默认 json
	bodyTemplate := "json"
	if bt, ok := config["bodyTemplate"].(string); ok && bt != "" {
		bodyTemplate = bt
	}

	message := n.buildMessage(evt)
	agent := evt.Agent
	if agent == nil {
		agent = &models.Agent{}
	}

	// 根据模板类型构建请求体
	var reqBody io.Reader
	var contentType string

	switch bodyTemplate {
	case "json":
		body := map[string]interface{}{
			"msg_type": "text",
			"text": map[string]string{
				"content": message,
			},
			"event": map[string]interface{}{
				"type":       evt.Type,
				"detail":     evt.Detail,
				"occurredAt": evt.OccurredAt,
			},
			"agent": map[string]interface{}{
				"id":       agent.ID,
				"name":     agent.Name,
				"hostname": agent.Hostname,
				"ip":       agent.IP,
			},
		}
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化 JSON 失败: %w", err)
		}
		reqBody = bytes.NewReader(data)
		contentType = "application/json"

	case "form":
		formData := url.Values{}
		formData.Set("message", message)
		formData.Set("event_type", evt.Type)
		formData.Set("event_detail", evt.Detail)
		formData.Set("occurred_at", fmt.Sprintf("%d", evt.OccurredAt))
		formData.Set("agent_id", agent.ID)
		formData.Set("agent_name", agent.Name)
		formData.Set("agent_hostname", agent.Hostname)
		formData.Set("agent_ip", agent.IP)
		reqBody = strings.NewReader(formData.Encode())
		contentType = "application/x-www-form-urlencoded"

	case "custom":
		// 自定义模板，支持变量替换
		customBody, ok := config["customBody"].(string)
		if !ok || customBody == "" {
			return fmt.Errorf("使用 custom 模板时必须提供 customBody")
		}

		t := fasttemplate.New(customBody, "{{", "}}")
		escape := func(s string) string {
			b, _ := json.Marshal(s)
			// json.Marshal 会返回带双引号的字符串，例如 "hello\nworld"
			// 模板中不需要外层双引号，所以去掉
			return string(b[1 : len(b)-1])
		}

		bodyStr := t.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
			var v string

			switch tag {
			case "message":
				v = message
			case "event.type":
				v = evt.Type
			case "event.detail":
				v = evt.Detail
			case "event.time":
				v = time.Unix(evt.OccurredAt/1000, 0).Local().Format("2006-01-02 15:04:05")
			case "agent.id":
				v = agent.ID
			case "agent.name":
				v = agent.Name
			case "agent.hostname":
				v = agent.Hostname
			case "agent.ip":
				v = agent.IP
			default:
				// 未知变量原样保留
				return w.Write([]byte("{{" + tag + "}}"))
			}

			// 写入 JSON 安全转义后的值
			return w.Write([]byte(escape(v)))
		})
		n.logger.Sugar().Debugf("自定义Webhook请求体: %s", bodyStr)
		reqBody = strings.NewReader(bodyStr)
		contentType = "text/plain"

	default:
		return fmt.Errorf("不支持的 bodyTemplate: %s", bodyTemplate)
	}

	req, err := http.NewRequestWithContext(ctx, method, webhookURL, reqBody)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("请求失败，状态码: %d, 响应: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info("自定义Webhook发送成功",
		zap.String("url", webhookURL),
		zap.String("method", method),
	)

	return nil
}

// sendEmailByConfig 通过 SMTP 发送邮件通知
func (n *Notifier) sendEmailByConfig(config map[string]interface{}, subject, message string) error {
	host, ok := config["host"].(string)
	if !ok || host == "" {
		return fmt.Errorf("邮件配置缺少 host")
	}
	// JSON 反序列化后数字是 float64
	port := 465
	if p, ok := config["port"].(float64); ok && p > 0 {
		port = int(p)
	}
	username, _ := config["username"].(string)
	password, _ := config["password"].(string)
	from, ok := config["from"].(string)
	if !ok || from == "" {
		from = username
	}

	var to []string
	switch v := config["to"].(type) {
	case []interface{}:
		for _, item := range v {
			if addr, ok := item.(string); ok && addr != "" {
				to = append(to, addr)
			}
		}
	case string:
		if v != "" {
			to = append(to, v)
		}
	}
	if len(to) == 0 {
		return fmt.Errorf("邮件配置缺少收件人")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", message)

	d := gomail.NewDialer(host, port, username, password)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}

	n.logger.Info("邮件通知发送成功",
		zap.String("host", host),
		zap.Strings("to", to),
	)
	return nil
}

// sendJSONRequest 发送JSON请求
func (n *Notifier) sendJSONRequest(ctx context.Context, url string, body interface{}) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("请求失败，状态码: %d, 响应: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// sendDingTalkByConfig 根据配置发送钉钉通知
func (n *Notifier) sendDingTalkByConfig(ctx context.Context, config map[string]interface{}, message string) error {
	secretKey, ok := config["secretKey"].(string)
	if !ok || secretKey == "" {
		return fmt.Errorf("钉钉配置缺少 secretKey")
	}

	webhook := fmt.Sprintf("https://oapi.dingtalk.com/robot/send?access_token=%s", secretKey)

	// 检查是否有加签密钥
	signSecret, _ := config["signSecret"].(string)

	return n.sendDingTalk(ctx, webhook, signSecret, message)
}

// sendWeComByConfig 根据配置发送企业微信通知
func (n *Notifier) sendWeComByConfig(ctx context.Context, config map[string]interface{}, message string) error {
	secretKey, ok := config["secretKey"].(string)
	if !ok || secretKey == "" {
		return fmt.Errorf("企业微信配置缺少 secretKey")
	}

	webhook := fmt.Sprintf("https://qyapi.weixin.qq.com/cgi-bin/webhook/send?key=%s", secretKey)

	return n.sendWeCom(ctx, webhook, message)
}

// sendFeishuByConfig 根据配置发送飞书通知
func (n *Notifier) sendFeishuByConfig(ctx context.Context, config map[string]interface{}, message string) error {
	secretKey, ok := config["secretKey"].(string)
	if !ok || secretKey == "" {
		return fmt.Errorf("飞书配置缺少 secretKey")
	}

	webhook := fmt.Sprintf("https://open.feishu.cn/open-apis/bot/v2/hook/%s", secretKey)

	return n.sendFeishu(ctx, webhook, message)
}
