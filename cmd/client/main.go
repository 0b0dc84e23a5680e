package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BetaCatPro/chatgate/internal/rest"
	"github.com/BetaCatPro/chatgate/pkg/client"
	"github.com/BetaCatPro/chatgate/pkg/types"
)

type gatewayBot struct {
	URL    string `json:"url"`
	Shards int    `json:"shards"`
}

func main() {
	token := os.Getenv("CHATGATE_TOKEN")
	if token == "" {
		log.Fatal("CHATGATE_TOKEN 未设置")
	}

	config := types.DefaultConfig(token)
	config.Gateway.Intents = 1<<0 | 1<<9 | 1<<15 // GUILDS | GUILD_MESSAGES | MESSAGE_CONTENT
	if url := os.Getenv("CHATGATE_REST_URL"); url != "" {
		config.Rest.BaseURL = url
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 本地模拟器直接指定网关地址，否则向 REST 查询推荐地址与分片数
	if url := os.Getenv("CHATGATE_GATEWAY_URL"); url != "" {
		config.Gateway.URL = url
	} else {
		requester := rest.New(config.Rest, config.Logger)
		bot, err := rest.SubmitJSON[gatewayBot](ctx, requester, &rest.Request{Route: rest.GetGatewayBot})
		if err != nil {
			log.Fatalf("获取网关地址失败: %v", err)
		}
		config.Gateway.URL = bot.URL
		if bot.Shards > 0 {
			config.Gateway.ShardCount = bot.Shards
			config.Gateway.ShardIDs = types.AllShards(bot.Shards)
		}
		fmt.Printf("网关地址: %s, 分片数: %d\n", bot.URL, bot.Shards)
	}

	chat, err := client.New(config)
	if err != nil {
		log.Fatalf("创建客户端失败: %v", err)
	}

	chat.On(func(ev client.Event) {
		switch ev.Type {
		case "":
			return
		case "READY":
			fmt.Printf("分片 %d 就绪\n", ev.ShardID)
			shard, ok := chat.Shard(ev.ShardID)
			if !ok {
				return
			}
			if err := shard.UpdateStatus(client.Presence{
				Status:     "online",
				Activities: []client.Activity{{Name: "chatgate", Type: 0}},
			}); err != nil {
				log.Printf("更新状态失败: %v", err)
			}
		default:
			fmt.Printf("收到事件 [分片:%d, 序号:%d]: %s %s\n", ev.ShardID, ev.Sequence, ev.Type, string(ev.Data))
		}
	})
	chat.OnFatal(func(err error) {
		fmt.Printf("网关不可恢复关闭: %v\n", err)
	})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range chat.Stats() {
					fmt.Printf("分片 %d - 状态: %s, 延迟: %s, 序号: %d, 重连: %d\n",
						s.ShardID, s.State, s.Latency, s.Sequence, s.Connection.ReconnectAttempts)
				}
			}
		}
	}()

	if err := chat.Connect(ctx); err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	fmt.Println("客户端已退出")
}
