// Package webhook 签名并推送项目方通知
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// SignatureHeader 签名请求头
	SignatureHeader = "GMFi-Signature"
	// SuccessBody 项目方确认收到时返回的响应体
	SuccessBody = "success"

	maxResponseBody = 1024
)

var (
	// ErrDeliveryRejected 项目方未按约定应答
	ErrDeliveryRejected = errors.New("webhook delivery rejected")
	// ErrNoWebhook 项目未配置 webhook
	ErrNoWebhook = errors.New("project has no webhook configured")
)

// CanonicalMessage 按 key 升序拼接 k=v，以 & 连接，空值省略，嵌套值为紧凑 JSON
func CanonicalMessage(content map[string]interface{}) (string, error) {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := stringify(content[k])
		if err != nil {
			return "", fmt.Errorf("encode %q: %w", k, err)
		}
		if v == "" {
			continue
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "&"), nil
}

func stringify(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case json.Number:
		return val.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Sign 计算 HMAC-SHA256 十六进制签名
func Sign(content map[string]interface{}, key string) (string, error) {
	msg, err := CanonicalMessage(content)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify 常数时间比较签名
func Verify(content map[string]interface{}, key, signature string) bool {
	expected, err := Sign(content, key)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Deliverer webhook 推送
type Deliverer struct {
	client *http.Client
}

// NewDeliverer 创建推送器，timeout 为单次请求超时
func NewDeliverer(timeout time.Duration) *Deliverer {
	return &Deliverer{
		client: &http.Client{Timeout: timeout},
	}
}

// Deliver 以 JSON POST 推送内容，仅 200 且响应体为 success 时成功
func (d *Deliverer) Deliver(ctx context.Context, url, key string, content map[string]interface{}) error {
	if url == "" {
		return ErrNoWebhook
	}

	signature, err := Sign(content, key)
	if err != nil {
		return fmt.Errorf("sign content failed: %w", err)
	}
	payload, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode content failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK || string(body) != SuccessBody {
		return fmt.Errorf("%w: status %d", ErrDeliveryRejected, resp.StatusCode)
	}
	return nil
}
