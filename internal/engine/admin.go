package engine

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"token-extractor-go/internal/models"
	"token-extractor-go/internal/monitor"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HistoryReader is the read side of the price history store, what the
// admin API serves history queries from. Nil when no database is wired.
type HistoryReader interface {
	LatestPrice(ctx context.Context, tokenAddress, baseAddress string) (*models.PriceRow, error)
	PriceRange(ctx context.Context, tokenAddress, baseAddress string, fromBlock, toBlock uint64) ([]models.PriceRow, error)
}

// AdminServer 管理员API服务器
type AdminServer struct {
	extractor *Extractor
	registry  *Registry
	quota     *monitor.QuotaMonitor
	history   HistoryReader
	chainID   int64
	startedAt time.Time
}

// NewAdminServer 创建管理员服务器
func NewAdminServer(extractor *Extractor, registry *Registry, quota *monitor.QuotaMonitor, history HistoryReader, chainID int64) *AdminServer {
	return &AdminServer{
		extractor: extractor,
		registry:  registry,
		quota:     quota,
		history:   history,
		chainID:   chainID,
		startedAt: time.Now(),
	}
}

// RegisterRoutes 注册管理员路由
func (a *AdminServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", a.Healthz)
	mux.HandleFunc("/api/status", a.GetStatus)
	mux.HandleFunc("/api/endpoints", a.GetEndpoints)
	mux.HandleFunc("/api/history", a.GetHistory)

	// Prometheus 指标
	mux.Handle("/metrics", promhttp.Handler())
}

// Serve 启动管理服务（阻塞）
func (a *AdminServer) Serve(addr string) error {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)

	Logger.Info("🌐 admin server listening", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return srv.ListenAndServe()
}

// Healthz 健康检查：第一轮成功前返回 503
func (a *AdminServer) Healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := a.extractor.LastReport()
	status := "ok"
	code := http.StatusOK
	if report == nil {
		status = "starting"
		code = http.StatusServiceUnavailable
	} else if report.Partial {
		status = "degraded"
	}

	response := map[string]interface{}{
		"status":    status,
		"chain_id":  a.chainID,
		"uptime":    time.Since(a.startedAt).String(),
		"timestamp": time.Now().Format(time.RFC3339),
		"endpoints": a.registry.Snapshot(),
	}
	if report != nil {
		response["head_block"] = report.HeadBlock
		response["last_cycle_at"] = report.StartedAt.Format(time.RFC3339)
	}
	if a.quota != nil {
		response["quota_usage_percent"] = a.quota.GetUsagePercent()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}

// GetStatus 获取最近一轮提取的详细结果
func (a *AdminServer) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"chain_id":  a.chainID,
		"uptime":    time.Since(a.startedAt).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	}

	report := a.extractor.LastReport()
	if report == nil {
		response["state"] = "starting"
	} else {
		cycle := map[string]interface{}{
			"token":           report.Token.Hex(),
			"base":            report.Base.Hex(),
			"head_block":      report.HeadBlock,
			"partial":         report.Partial,
			"started_at":      report.StartedAt.Format(time.RFC3339),
			"duration":        report.Duration.String(),
			"reads_attempted": report.ReadsAttempted,
			"reads_failed":    report.ReadsFailed,
		}
		if report.Metadata != nil {
			cycle["symbol"] = report.Metadata.Symbol
			cycle["name"] = report.Metadata.Name
			cycle["decimals"] = report.Metadata.Decimals
		}
		if report.MetadataErr != nil {
			cycle["metadata_error"] = report.MetadataErr.Error()
		}
		if report.Quote != nil {
			cycle["source_pool"] = report.Quote.Source.Hex()
			cycle["source_kind"] = string(report.Quote.SourceKind)
			cycle["token_per_base"] = report.TokenPerBaseText
			cycle["stable_sources"] = report.Quote.StableSources
			if report.FiatPerTokenText != "" {
				cycle["fiat_per_token"] = report.FiatPerTokenText
				cycle["market_cap"] = report.MarketCapText
			}
		}
		if report.PriceErr != nil {
			cycle["price_error"] = report.PriceErr.Error()
		}
		response["state"] = "running"
		response["last_cycle"] = cycle
	}

	if a.quota != nil {
		response["rpc_quota"] = map[string]interface{}{
			"daily_calls":   a.quota.GetDailyCalls(),
			"usage_percent": a.quota.GetUsagePercent(),
		}
	}
	response["read_rate_per_sec"] = a.extractor.ReadRate()
	response["endpoints"] = map[string]interface{}{
		"available": a.registry.AvailableCount(time.Now()),
		"total":     a.registry.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// GetEndpoints 获取每个端点的健康细节
func (a *AdminServer) GetEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"endpoints": a.registry.Snapshot(),
		"timestamp": time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// PriceEntry 历史价格查询的 REST 模型
type PriceEntry struct {
	PoolAddress  string `json:"pool_address"`
	BlockNumber  string `json:"block_number"`
	TokenPerBase string `json:"token_per_base"`
	FiatPerToken string `json:"fiat_per_token,omitempty"`
	ObservedAt   string `json:"observed_at"`
}

func priceEntry(row models.PriceRow) PriceEntry {
	e := PriceEntry{
		PoolAddress: row.PoolAddress,
		BlockNumber: row.BlockNumber.String(),
		ObservedAt:  row.ObservedAt.Format(time.RFC3339),
	}
	if row.TokenPerBaseDen.Int != nil && row.TokenPerBaseDen.Sign() != 0 {
		e.TokenPerBase = FormatRat(new(big.Rat).SetFrac(row.TokenPerBaseNum.Int, row.TokenPerBaseDen.Int), 18)
	}
	if row.FiatPerToken.Valid {
		e.FiatPerToken = row.FiatPerToken.String
	}
	return e
}

// GetHistory 查询落库的历史价格；未配置数据库时返回 503。
// 不带参数返回最近一条，带 from/to 区块号返回区间内全部记录。
func (a *AdminServer) GetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.history == nil {
		http.Error(w, "price history not configured", http.StatusServiceUnavailable)
		return
	}

	token, base := a.extractor.Pair()
	q := r.URL.Query()

	var (
		rows []models.PriceRow
		err  error
	)
	if q.Get("from") != "" || q.Get("to") != "" {
		from, ferr := strconv.ParseUint(q.Get("from"), 10, 64)
		to, terr := strconv.ParseUint(q.Get("to"), 10, 64)
		if ferr != nil || terr != nil {
			http.Error(w, "from and to must be block numbers", http.StatusBadRequest)
			return
		}
		rows, err = a.history.PriceRange(r.Context(), token.Hex(), base.Hex(), from, to)
	} else {
		var latest *models.PriceRow
		latest, err = a.history.LatestPrice(r.Context(), token.Hex(), base.Hex())
		if latest != nil {
			rows = []models.PriceRow{*latest}
		}
	}
	if err != nil {
		Logger.Error("history_query_failed", "error", err.Error())
		http.Error(w, "Failed to retrieve price history", http.StatusInternalServerError)
		return
	}

	entries := make([]PriceEntry, len(rows))
	for i, row := range rows {
		entries[i] = priceEntry(row)
	}
	response := map[string]interface{}{
		"token":     token.Hex(),
		"base":      base.Hex(),
		"prices":    entries,
		"count":     len(entries),
		"timestamp": time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
