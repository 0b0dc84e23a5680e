package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BetaCatPro/chatgate/internal/gatewaytest"
	"github.com/BetaCatPro/chatgate/internal/protocol"
)

// 本地网关模拟器：hello -> identify -> READY，之后周期性推送 MESSAGE_CREATE
func main() {
	addr := flag.String("addr", ":8080", "listen address")
	interval := flag.Duration("interval", 5*time.Second, "MESSAGE_CREATE interval")
	flag.Parse()

	gateway := gatewaytest.NewHandler()
	gateway.SetScript(func(c *gatewaytest.Conn) {
		fmt.Printf("客户端连接: %s (%s)\n", c.ID, c.Query.Encode())
		if err := c.Hello(41250); err != nil {
			return
		}

		var p protocol.Payload
		for p.Op == protocol.OpDispatch || p.Op == protocol.OpHeartbeat {
			next, err := c.Expect(30 * time.Second)
			if err != nil {
				fmt.Printf("客户端 %s 未发送 identify: %v\n", c.ID, err)
				c.Drop()
				return
			}
			p = next
		}

		var seq int64 = 1
		switch p.Op {
		case protocol.OpIdentify:
			if err := c.Ready(seq, "session-"+c.ID, ""); err != nil {
				return
			}
		case protocol.OpResume:
			if err := c.Resumed(seq); err != nil {
				return
			}
		default:
			_ = c.CloseWith(4003, "not authenticated")
			return
		}

		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				fmt.Printf("客户端断开: %s, 关闭码: %d, 心跳数: %d\n", c.ID, c.ClientCloseCode(), c.Heartbeats())
				return
			case <-ticker.C:
				seq++
				content := map[string]string{
					"channel_id": "1",
					"content":    fmt.Sprintf("message #%d", seq),
				}
				if err := c.Dispatch(seq, "MESSAGE_CREATE", content); err != nil {
					return
				}
			}
		}
	})

	server := &http.Server{Addr: *addr, Handler: gateway}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()
	fmt.Printf("网关模拟器监听 %s\n", *addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	statusTicker := time.NewTicker(10 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-statusTicker.C:
			fmt.Printf("服务器状态 - 活跃连接: %d, 累计连接: %d\n", gateway.ActiveCount(), gateway.Accepted())
		case sig := <-sigCh:
			fmt.Printf("收到信号: %v, 关闭服务器\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			gateway.Close()
			if err := server.Shutdown(ctx); err != nil {
				log.Printf("服务器关闭错误: %v", err)
			}
			return
		}
	}
}
