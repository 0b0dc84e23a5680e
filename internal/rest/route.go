package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/BetaCatPro/chatgate/internal/errors"
)

// majorParams 参与限流分桶的路径参数，其余参数在分桶键中保留占位符
var majorParams = map[string]bool{
	"channel.id": true,
	"guild.id":   true,
	"webhook.id": true,
}

// Route 带 {name} 变量的接口模板
type Route struct {
	Method string
	Path   string
}

// NewRoute 创建接口模板
func NewRoute(method, path string) Route {
	return Route{Method: method, Path: path}
}

// 常用接口
var (
	GetGateway        = NewRoute(http.MethodGet, "/gateway")
	GetGatewayBot     = NewRoute(http.MethodGet, "/gateway/bot")
	GetCurrentUser    = NewRoute(http.MethodGet, "/users/@me")
	GetChannel        = NewRoute(http.MethodGet, "/channels/{channel.id}")
	GetGuild          = NewRoute(http.MethodGet, "/guilds/{guild.id}")
	GetChannelMessage = NewRoute(http.MethodGet, "/channels/{channel.id}/messages/{message.id}")
	ListMessages      = NewRoute(http.MethodGet, "/channels/{channel.id}/messages")
	CreateMessage     = NewRoute(http.MethodPost, "/channels/{channel.id}/messages")
	EditMessage       = NewRoute(http.MethodPatch, "/channels/{channel.id}/messages/{message.id}")
	DeleteMessage     = NewRoute(http.MethodDelete, "/channels/{channel.id}/messages/{message.id}")
	TriggerTyping     = NewRoute(http.MethodPost, "/channels/{channel.id}/typing")
	ExecuteWebhook    = NewRoute(http.MethodPost, "/webhooks/{webhook.id}/{webhook.token}")
)

// Compile 用参数替换路径变量
func (r Route) Compile(params map[string]string) (string, error) {
	return r.expand(func(name string) (string, error) {
		v, ok := params[name]
		if !ok {
			return "", fmt.Errorf("%w: %s in %s", errors.ErrMissingParam, name, r.Path)
		}
		return url.PathEscape(v), nil
	})
}

// RatelimitPath 分桶键：方法加上只替换了主要参数的路径
func (r Route) RatelimitPath(params map[string]string) string {
	path, _ := r.expand(func(name string) (string, error) {
		if v, ok := params[name]; ok && majorParams[name] {
			return url.PathEscape(v), nil
		}
		return "{" + name + "}", nil
	})
	return r.Method + " " + path
}

func (r Route) String() string {
	return r.Method + " " + r.Path
}

func (r Route) expand(value func(name string) (string, error)) (string, error) {
	var sb strings.Builder
	rest := r.Path
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end += open

		sb.WriteString(rest[:open])
		v, err := value(rest[open+1 : end])
		if err != nil {
			return "", err
		}
		sb.WriteString(v)
		rest = rest[end+1:]
	}
}
