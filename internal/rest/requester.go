package rest

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/net/http2"

	"github.com/BetaCatPro/chatgate/internal/conn"
	"github.com/BetaCatPro/chatgate/internal/errors"
	"github.com/BetaCatPro/chatgate/internal/utils"
	"github.com/BetaCatPro/chatgate/pkg/types"
)

// 限流响应头
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderRetryAfter = "Retry-After"
	HeaderReason     = "X-Audit-Log-Reason"
)

// Requester 按限流桶串行执行请求，并处理全局限流
type Requester struct {
	cfg    types.RestConfig
	client *http.Client
	logger types.Logger
	global *GlobalGate

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	key   string
	queue []*pending
}

type pending struct {
	ctx    context.Context
	id     string
	req    *Request
	path   string
	result chan result
}

type result struct {
	resp *Response
	err  error
}

// rateLimit 响应头中的限流信息
type rateLimit struct {
	bucket     string
	exhausted  bool
	resetAfter time.Duration
}

// New 创建请求器
func New(cfg types.RestConfig, logger types.Logger) *Requester {
	logger = types.OrDefault(logger)
	if cfg.RetryAfterUnit <= 0 {
		cfg.RetryAfterUnit = time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = types.DefaultRequestTimeout
	}
	if cfg.TokenType == "" {
		cfg.TokenType = "Bot"
	}
	return &Requester{
		cfg:     cfg,
		client:  NewHTTPClient(cfg, logger),
		logger:  logger,
		global:  NewGlobalGate(),
		buckets: make(map[string]*bucket),
	}
}

// NewHTTPClient 创建 HTTP 客户端，cfg.HTTP2 为 true 时启用 HTTP/2
func NewHTTPClient(cfg types.RestConfig, logger types.Logger) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.HTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			types.OrDefault(logger).Warnf("rest: http2 not enabled, %+v", err)
		}
	}
	return &http.Client{Transport: transport}
}

// Global 全局限流信号
func (r *Requester) Global() *GlobalGate {
	return r.global
}

// ActiveBuckets 当前有排队请求的桶数
func (r *Requester) ActiveBuckets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Submit 提交请求并等待结果。同一个桶内按提交顺序执行，429 在内部重试。
func (r *Requester) Submit(ctx context.Context, req *Request) (*Response, error) {
	path, err := req.Route.Compile(req.Params)
	if err != nil {
		return nil, err
	}

	p := &pending{
		ctx:    ctx,
		id:     utils.GenerateRequestID(),
		req:    req,
		path:   path,
		result: make(chan result, 1),
	}
	key := req.Route.RatelimitPath(req.Params)

	r.mu.Lock()
	b, exists := r.buckets[key]
	if !exists {
		b = &bucket{key: key}
		r.buckets[key] = b
	}
	b.queue = append(b.queue, p)
	r.mu.Unlock()

	if !exists {
		go r.drain(b)
	}

	select {
	case res := <-p.result:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitJSON 提交请求并把响应体解码为 T
func SubmitJSON[T any](ctx context.Context, r *Requester, req *Request) (T, error) {
	var v T
	resp, err := r.Submit(ctx, req)
	if err != nil {
		return v, err
	}
	if len(resp.Body) == 0 {
		return v, nil
	}
	if err := sonic.ConfigStd.Unmarshal(resp.Body, &v); err != nil {
		return v, errors.Wrap(err, "decode "+req.Route.String())
	}
	return v, nil
}

// drain 逐个执行桶内请求，队列清空后移除桶并退出
func (r *Requester) drain(b *bucket) {
	for {
		r.mu.Lock()
		if len(b.queue) == 0 {
			delete(r.buckets, b.key)
			r.mu.Unlock()
			return
		}
		p := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		r.mu.Unlock()

		if err := p.ctx.Err(); err != nil {
			p.result <- result{err: err}
			continue
		}

		resp, rl, err := r.execute(p)
		p.result <- result{resp: resp, err: err}

		if rl.exhausted && rl.resetAfter > 0 {
			r.logger.Debugf("rest: bucket %s (%s) exhausted, next request in %s", b.key, rl.bucket, rl.resetAfter)
			time.Sleep(rl.resetAfter)
		}
	}
}

// execute 执行单个请求，429 时等待后重试
func (r *Requester) execute(p *pending) (*Response, rateLimit, error) {
	for {
		var rl rateLimit
		if err := r.global.Wait(p.ctx); err != nil {
			return nil, rl, err
		}

		resp, err := r.do(p)
		if err != nil {
			return nil, rl, err
		}
		rl = parseRateLimit(resp.Header)

		if resp.Status == http.StatusTooManyRequests {
			retry, global := r.retryAfter(resp)
			if global {
				deadline := time.Now().Add(retry)
				if r.global.Set(retry) {
					r.logger.Warnf("rest: global rate limit on %s, all requests paused for %s", p.req.Route, retry)
				} else {
					r.logger.Debugf("rest: global rate limit already active, %s remaining", r.global.Remaining())
				}
				if err := r.global.Wait(p.ctx); err != nil {
					return nil, rl, err
				}
				// 已有的全局等待可能短于本次 retry_after
				if err := conn.Sleep(p.ctx, time.Until(deadline)); err != nil {
					return nil, rl, err
				}
				continue
			}
			r.logger.Warnf("rest: rate limited on %s (%s), retry in %s", p.req.Route, p.id, retry)
			if err := conn.Sleep(p.ctx, retry); err != nil {
				return nil, rl, err
			}
			continue
		}

		if resp.Status >= http.StatusBadRequest {
			return resp, rl, newHTTPError(resp.Status, resp.Body)
		}

		if p.req.Decode != nil {
			v, err := p.req.Decode(resp.Status, resp.Body)
			if err != nil {
				return resp, rl, errors.Wrap(err, "decode "+p.req.Route.String())
			}
			resp.Value = v
		}
		return resp, rl, nil
	}
}

// do 发出一次 HTTP 调用，超时独立于限流等待
func (r *Requester) do(p *pending) (*Response, error) {
	ctx, cancel := context.WithTimeout(p.ctx, r.cfg.RequestTimeout)
	defer cancel()

	body, contentType, err := r.body(p.req)
	if err != nil {
		return nil, err
	}

	target := strings.TrimRight(r.cfg.BaseURL, "/") + p.path
	if len(p.req.Query) > 0 {
		target += "?" + p.req.Query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, p.req.Route.Method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, vs := range p.req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if r.cfg.Token != "" {
		httpReq.Header.Set("Authorization", r.cfg.TokenType+" "+r.cfg.Token)
	}
	if r.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if p.req.Reason != "" {
		httpReq.Header.Set(HeaderReason, url.PathEscape(p.req.Reason))
	}

	start := time.Now()
	res, err := r.client.Do(httpReq)
	if err != nil {
		return nil, r.callError(ctx, p, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, r.callError(ctx, p, err)
	}
	r.logger.Debugf("rest: %s %s -> %d in %s (%s)", p.req.Route.Method, p.path, res.StatusCode, time.Since(start), p.id)

	return &Response{Status: res.StatusCode, Header: res.Header, Body: data}, nil
}

func (r *Requester) callError(ctx context.Context, p *pending, err error) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) && p.ctx.Err() == nil {
		return fmt.Errorf("%w: %s %s after %s", errors.ErrRequestTimeout, p.req.Route.Method, p.path, r.cfg.RequestTimeout)
	}
	if p.ctx.Err() != nil {
		return p.ctx.Err()
	}
	return errors.Wrap(err, p.req.Route.Method+" "+p.path)
}

func (r *Requester) body(req *Request) (io.Reader, string, error) {
	switch {
	case req.Body != nil:
		return bytes.NewReader(req.Body), req.ContentType, nil
	case req.JSON != nil:
		data, err := sonic.ConfigStd.Marshal(req.JSON)
		if err != nil {
			return nil, "", errors.Wrap(err, "encode body")
		}
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		return bytes.NewReader(data), contentType, nil
	default:
		return nil, "", nil
	}
}

type tooManyRequests struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
	Message    string  `json:"message"`
}

// retryAfter 读取 429 的等待时间与是否为全局限流
func (r *Requester) retryAfter(resp *Response) (time.Duration, bool) {
	var body tooManyRequests
	_ = sonic.ConfigStd.Unmarshal(resp.Body, &body)

	global := body.Global || strings.EqualFold(resp.Header.Get(HeaderGlobal), "true")
	if body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(r.cfg.RetryAfterUnit)), global
	}
	if v, err := strconv.ParseFloat(resp.Header.Get(HeaderRetryAfter), 64); err == nil && v > 0 {
		return time.Duration(v * float64(time.Second)), global
	}
	return time.Second, global
}

func parseRateLimit(h http.Header) rateLimit {
	rl := rateLimit{bucket: h.Get(HeaderBucket)}
	if h.Get(HeaderRemaining) != "0" {
		return rl
	}
	rl.exhausted = true
	if v, err := strconv.ParseFloat(h.Get(HeaderResetAfter), 64); err == nil && v > 0 {
		rl.resetAfter = time.Duration(v * float64(time.Second))
	}
	return rl
}
