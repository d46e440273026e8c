package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"token-extractor-go/internal/config"
	"token-extractor-go/internal/database"
	"token-extractor-go/internal/engine"
	"token-extractor-go/internal/limiter"
	"token-extractor-go/internal/monitor"
	"token-extractor-go/pkg/network"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	log.Println("Starting Token Price Extractor")

	// 1. 加载配置
	cfg := config.Load()
	engine.InitLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config error: %v", err)
	}

	// 2. 连接资源（数据库可选，没配置就只出报告不落库）
	var repo *database.Repository
	if cfg.DatabaseURL != "" {
		var err error
		repo, err = database.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("DB Connect Error: %v", err)
		}
		defer repo.Close()

		initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
		if err := repo.Init(initCtx); err != nil {
			cancelInit()
			log.Fatalf("DB Schema Error: %v", err)
		}
		cancelInit()
		engine.Logger.Info("💾 database connected", "max_open_conns", 25)
	} else {
		engine.Logger.Warn("DATABASE_URL not set, price history disabled")
	}

	// 3. 初始化组件
	metrics := engine.GetMetrics()
	metrics.SetStartTime(time.Now())

	registry := engine.NewRegistry(cfg.Endpoints, engine.RegistryConfig{
		BackoffBase:         cfg.BackoffBase,
		BackoffCap:          cfg.BackoffCap,
		MaxConsecutiveFails: cfg.MaxConsecutiveFails,
	}, metrics)

	guard := limiter.NewGuard(cfg.MaxRPS)
	quota := monitor.NewQuotaMonitor(cfg.MaxDailyQuota)

	client := engine.NewBalancedClient(registry, guard, quota, metrics, engine.ClientConfig{
		AttemptTimeout: cfg.AttemptTimeout,
	})
	defer client.Close()

	// 4. 网络校验：错链直接拒绝启动
	if err := network.VerifyNetwork(client, cfg.ChainID); err != nil {
		log.Fatalf("Network verification failed: %v", err)
	}

	// 5. 组装提取流水线
	reader := engine.NewContractReader(client)
	oracle := engine.NewOracle(cfg.StaleBlockLimit)

	var store engine.HistoryStore
	var history engine.HistoryReader
	if repo != nil {
		store = database.NewPriceHistoryStore(repo)
		history = repo
	}

	poolRefs := make([]engine.PoolRef, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		poolRefs = append(poolRefs, engine.PoolRef{
			Address: common.HexToAddress(p.Address),
			Kind:    engine.PoolKind(p.Kind),
		})
	}
	stableRefs := make([]engine.StableRef, 0, len(cfg.StablePools))
	for _, p := range cfg.StablePools {
		stableRefs = append(stableRefs, engine.StableRef{
			Address:        common.HexToAddress(p.Address),
			Kind:           engine.PoolKind(p.Kind),
			StableDecimals: p.StableDecimals,
		})
	}

	extractor := engine.NewExtractor(client, reader, store, oracle, metrics, engine.ExtractorConfig{
		Token:        common.HexToAddress(cfg.TokenAddress),
		Base:         common.HexToAddress(cfg.BaseAddress),
		BaseDecimals: cfg.BaseDecimals,
		Pools:        poolRefs,
		Stables:      stableRefs,
		Workers:      cfg.WorkerCount,
	})

	// 致命错误通道 - 用于触发优雅关闭
	fatalErrCh := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// 6. 启动管理服务（/metrics /healthz /api/status）
	adminSrv := engine.NewAdminServer(extractor, registry, quota, history, cfg.ChainID)
	go func() {
		if err := adminSrv.Serve(cfg.AdminAddr); err != nil {
			fatalErrCh <- err
		}
	}()

	// 7. 启动提取循环
	wg.Add(1)
	go func() {
		defer wg.Done()
		extractor.Run(ctx, cfg.CycleInterval)
	}()
	engine.Logger.Info("🚀 extractor running",
		"token", cfg.TokenAddress,
		"pools", len(poolRefs),
		"stable_pools", len(stableRefs),
		"endpoints", registry.Len(),
		"interval", cfg.CycleInterval.String(),
	)

	// 8. 优雅退出处理
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v, initiating shutdown...", sig)
	case fatalErr := <-fatalErrCh:
		log.Printf("Fatal error from admin server: %v, initiating shutdown...", fatalErr)
	}

	// 触发优雅关闭
	cancel()

	// 等待所有 goroutine 完成
	wg.Wait()
	log.Println("Shutdown complete.")
}
