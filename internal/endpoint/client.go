// Package endpoint 调用用户 endpoint 的 HTTP 客户端
package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"RunEngine/internal/domain"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const (
	HeaderAPIKey      = "x-trigger-api-key"
	HeaderAction      = "x-trigger-action"
	HeaderEndpointID  = "x-trigger-endpoint-id"
	HeaderVersion     = "trigger-version"
	HeaderRunMetadata = "x-trigger-run-metadata"

	ActionExecuteJob          = "EXECUTE_JOB"
	ActionDeliverNotification = "DELIVER_RUN_NOTIFICATION"
)

// ErrConnection 请求未拿到任何响应（连接失败、超时、连接被重置）
var ErrConnection = errors.New("endpoint connection failed")

type ExecuteJobResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

func (r *ExecuteJobResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type Client struct {
	http       *resty.Client
	devTimeout time.Duration
}

func NewClient(devTimeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		devTimeout: devTimeout,
	}
}

// ExecuteJob 开发环境限制超时，其余环境不设上限；出错时返回的 error 包装 ErrConnection
func (c *Client) ExecuteJob(ctx context.Context, ep domain.Endpoint, env domain.Environment, body any) (*ExecuteJobResult, error) {
	if env.Type == domain.EnvironmentDevelopment && c.devTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.devTimeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(HeaderAPIKey, env.APIKey).
		SetHeader(HeaderAction, ActionExecuteJob).
		SetHeader(HeaderEndpointID, ep.Slug).
		SetBody(body).
		Post(ep.URL)
	if err != nil {
		return nil, errors.Wrapf(ErrConnection, "%s: %v", ep.URL, err)
	}
	return &ExecuteJobResult{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
		Duration:   time.Since(start),
	}, nil
}

// DeliverRunNotification 通知 endpoint 某个 run 已进入终态
func (c *Client) DeliverRunNotification(ctx context.Context, ep domain.Endpoint, env domain.Environment, payload any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(HeaderAPIKey, env.APIKey).
		SetHeader(HeaderAction, ActionDeliverNotification).
		SetHeader(HeaderEndpointID, ep.Slug).
		SetBody(payload).
		Post(ep.URL)
	if err != nil {
		return errors.Wrapf(ErrConnection, "%s: %v", ep.URL, err)
	}
	if resp.IsError() {
		return fmt.Errorf("deliver run notification: endpoint responded %d", resp.StatusCode())
	}
	return nil
}
