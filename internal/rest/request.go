package rest

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
)

// Request 请求描述
type Request struct {
	Route       Route
	Params      map[string]string
	Query       url.Values
	Body        []byte      // 原始请求体，优先于 JSON
	JSON        interface{} // 以 JSON 编码的请求体
	ContentType string
	Reason      string // 审计日志原因
	Header      http.Header

	// Decode 在 2xx 响应后解析响应体，结果放入 Response.Value
	Decode func(status int, body []byte) (interface{}, error)
}

// Response 请求结果
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Value  interface{}
}

// HTTPError 非限流的 4xx/5xx 响应
type HTTPError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
	Body    []byte
}

func newHTTPError(status int, body []byte) *HTTPError {
	e := &HTTPError{Status: status, Body: body}
	_ = sonic.ConfigStd.Unmarshal(body, e)
	return e
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rest: status %d: %s (code %d)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("rest: status %d", e.Status)
}

// DecodeJSON 返回把响应体解码为 T 的 Decode 函数
func DecodeJSON[T any]() func(int, []byte) (interface{}, error) {
	return func(_ int, body []byte) (interface{}, error) {
		var v T
		if len(body) == 0 {
			return v, nil
		}
		if err := sonic.ConfigStd.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
