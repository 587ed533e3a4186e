package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/gyb-chat/backend/internal/config"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/agent"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/gateway"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	baseURL := flag.String("base", cfg.Gateway.BaseURL, "补全网关地址，默认使用 GATEWAY_BASE_URL")
	agentKey := flag.String("agent", cfg.Session.DefaultAgent, "agent 名称或 id")
	text := flag.String("text", "Hello! Introduce yourself in one sentence.", "发送的文本")
	image := flag.String("image", "", "图片 URL；设置后走多模态非流式接口")
	timeout := flag.Duration("timeout", cfg.Gateway.Timeout, "请求超时时间")
	diagnostics := flag.Bool("diag", true, "在回退文案中显示诊断信息")
	flag.Parse()

	gatewayCfg := cfg.Gateway
	gatewayCfg.BaseURL = strings.TrimRight(*baseURL, "/")
	gatewayCfg.Timeout = *timeout
	gatewayCfg.ShowDiagnostics = *diagnostics

	client := gateway.New(gatewayCfg, agent.NewMemoryStore(agent.Seed()))
	ctx := context.Background()

	health, err := client.Health(ctx)
	if err != nil {
		log.Printf("[WARN] 健康检查失败: %v", err)
	} else {
		log.Printf("健康检查: status=%s latency=%s", health.Status, health.Latency)
	}

	start := time.Now()
	var result gateway.Result
	if *image != "" {
		parts := []chat.ContentPart{chat.TextPart(*text), chat.ImagePart(*image)}
		result = client.CompleteParts(ctx, parts, *agentKey)
	} else {
		history := []gateway.Message{{Role: string(chat.RoleUser), Content: *text}}
		result = client.Stream(ctx, history, *agentKey, gateway.StreamOptions{
			OnToken: func(token string) { fmt.Print(token) },
		})
		fmt.Println()
	}

	log.Printf("耗时 %s, fallback=%v", time.Since(start).Round(time.Millisecond), result.IsFallback)
	fmt.Println(result.Content)

	diag, _ := json.MarshalIndent(result.Diagnostics, "", "  ")
	fmt.Println(string(diag))

	if result.IsFallback {
		os.Exit(1)
	}
}
