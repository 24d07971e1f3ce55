package service

import (
	"bytes"
	"net/http"

	"RunEngine/internal/endpoint"
)

// TimeoutDetector 判断一个非 2xx 响应是否是托管平台的函数超时
type TimeoutDetector interface {
	IsTimeoutLike(res *endpoint.ExecuteJobResult) bool
}

type TimeoutDetectorFunc func(res *endpoint.ExecuteJobResult) bool

func (f TimeoutDetectorFunc) IsTimeoutLike(res *endpoint.ExecuteJobResult) bool {
	return f(res)
}

var timeoutBodyMarkers = [][]byte{
	[]byte("FUNCTION_INVOCATION_TIMEOUT"),
	[]byte("Task timed out after"),
	[]byte("Function execution took"),
	[]byte("The function was killed"),
	[]byte("Server Timeout"),
}

// DefaultTimeoutDetector Vercel 504、Cloudflare 524 以及常见平台的超时文案
var DefaultTimeoutDetector TimeoutDetector = TimeoutDetectorFunc(func(res *endpoint.ExecuteJobResult) bool {
	if res == nil {
		return false
	}
	if res.StatusCode == http.StatusGatewayTimeout && res.Header.Get("x-vercel-error") == "FUNCTION_INVOCATION_TIMEOUT" {
		return true
	}
	if res.StatusCode == 524 {
		return true
	}
	for _, m := range timeoutBodyMarkers {
		if bytes.Contains(res.Body, m) {
			return true
		}
	}
	return false
})
