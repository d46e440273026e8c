package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EndpointSpec 一个 RPC 端点的描述. tier 0 为付费/认证节点，优先选用.
type EndpointSpec struct {
	URL               string `yaml:"url"`
	Tier              int    `yaml:"tier"`
	Label             string `yaml:"label"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

type endpointsFile struct {
	Endpoints []EndpointSpec `yaml:"endpoints"`
}

// PoolSpec 一个候选流动性池. Kind 为 "v2" 或 "v3".
type PoolSpec struct {
	Address string
	Kind    string
}

// StablePoolSpec 基础资产对稳定币的池，用于法币参考价.
// StableDecimals 是稳定币的 decimals（USDC=6, DAI=18），无法从池子本身读出.
type StablePoolSpec struct {
	Address        string
	Kind           string
	StableDecimals uint8
}

type Config struct {
	DatabaseURL   string
	EndpointsFile string
	RPCURLs       []string // ENDPOINTS_FILE 缺省时的兜底列表
	Endpoints     []EndpointSpec

	TokenAddress string
	BaseAddress  string
	BaseDecimals uint8
	Pools        []PoolSpec
	StablePools  []StablePoolSpec

	ChainID             int64
	AttemptTimeout      time.Duration
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	MaxConsecutiveFails int
	StaleBlockLimit     uint64
	CycleInterval       time.Duration
	WorkerCount         int
	MaxRPS              int
	EndpointWindowLimit int
	MaxDailyQuota       int64

	AdminAddr string
	LogLevel  string
	LogFormat string
}

func Load() *Config {
	_ = godotenv.Load() // .env文件是可选的

	// 解析RPC URL列表（支持逗号分隔）
	rpcUrlsStr := getEnv("RPC_URLS", "https://eth.llamarpc.com")
	rpcUrls := strings.Split(rpcUrlsStr, ",")
	for i, url := range rpcUrls {
		rpcUrls[i] = strings.TrimSpace(url)
	}

	cfg := &Config{
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		EndpointsFile: getEnv("ENDPOINTS_FILE", ""),
		RPCURLs:       rpcUrls,

		TokenAddress: getEnv("TOKEN_ADDRESS", ""),
		BaseAddress:  getEnv("BASE_ADDRESS", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), // WETH
		BaseDecimals: uint8(getEnvAsInt64("BASE_DECIMALS", 18)),

		ChainID:             getEnvAsInt64("CHAIN_ID", 1),
		AttemptTimeout:      time.Duration(getEnvAsInt64("ATTEMPT_TIMEOUT_SECONDS", 10)) * time.Second,
		BackoffBase:         time.Duration(getEnvAsInt64("BACKOFF_BASE_SECONDS", 5)) * time.Second,
		BackoffCap:          time.Duration(getEnvAsInt64("BACKOFF_CAP_SECONDS", 300)) * time.Second,
		MaxConsecutiveFails: int(getEnvAsInt64("MAX_CONSECUTIVE_FAILS", 3)),
		StaleBlockLimit:     uint64(getEnvAsInt64("STALE_BLOCK_LIMIT", 40)),
		CycleInterval:       time.Duration(getEnvAsInt64("CYCLE_INTERVAL_SECONDS", 60)) * time.Second,
		WorkerCount:         int(getEnvAsInt64("WORKER_COUNT", 8)),
		MaxRPS:              int(getEnvAsInt64("MAX_RPS", 3)),
		EndpointWindowLimit: int(getEnvAsInt64("ENDPOINT_WINDOW_LIMIT", 60)),
		MaxDailyQuota:       getEnvAsInt64("MAX_DAILY_QUOTA", 100000),

		AdminAddr: getEnv("ADMIN_ADDR", ":8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	cfg.Endpoints = loadEndpoints(cfg.EndpointsFile, cfg.RPCURLs, cfg.EndpointWindowLimit)

	var err error
	if cfg.Pools, err = parsePoolList(getEnv("POOL_ADDRESSES", "")); err != nil {
		log.Printf("Invalid POOL_ADDRESSES: %v", err)
	}
	if cfg.StablePools, err = parseStablePoolList(getEnv("STABLE_POOLS", "")); err != nil {
		log.Printf("Invalid STABLE_POOLS: %v", err)
	}

	return cfg
}

// Validate 校验运行必需的配置项，缺失时快速失败.
func (c *Config) Validate() error {
	if c.TokenAddress == "" {
		return fmt.Errorf("TOKEN_ADDRESS must be set")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("no RPC endpoints configured (ENDPOINTS_FILE or RPC_URLS)")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("POOL_ADDRESSES must list at least one candidate pool")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	return nil
}

// loadEndpoints 读取 YAML 端点描述文件；文件缺失或解析失败时
// 回退到 RPC_URLS 逗号列表（全部视为 tier 1 公共节点）.
func loadEndpoints(path string, fallback []string, defaultWindowLimit int) []EndpointSpec {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Cannot read endpoints file %s: %v, falling back to RPC_URLS", path, err)
		} else {
			var f endpointsFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				log.Printf("Cannot parse endpoints file %s: %v, falling back to RPC_URLS", path, err)
			} else if len(f.Endpoints) > 0 {
				for i := range f.Endpoints {
					f.Endpoints[i].URL = strings.TrimSpace(f.Endpoints[i].URL)
					if f.Endpoints[i].RequestsPerMinute <= 0 {
						f.Endpoints[i].RequestsPerMinute = defaultWindowLimit
					}
				}
				return f.Endpoints
			}
		}
	}

	specs := make([]EndpointSpec, 0, len(fallback))
	for _, url := range fallback {
		if url == "" {
			continue
		}
		specs = append(specs, EndpointSpec{
			URL:               url,
			Tier:              1,
			RequestsPerMinute: defaultWindowLimit,
		})
	}
	return specs
}

// parsePoolList 解析 "0xabc,v3:0xdef" 形式的池列表. 无前缀默认 v2.
func parsePoolList(s string) ([]PoolSpec, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var pools []PoolSpec
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		kind := "v2"
		addr := item
		if strings.HasPrefix(item, "v3:") {
			kind = "v3"
			addr = strings.TrimPrefix(item, "v3:")
		} else if strings.HasPrefix(item, "v2:") {
			addr = strings.TrimPrefix(item, "v2:")
		}
		if !looksLikeAddress(addr) {
			return nil, fmt.Errorf("%q is not a hex address", addr)
		}
		pools = append(pools, PoolSpec{Address: addr, Kind: kind})
	}
	return pools, nil
}

// parseStablePoolList 解析 "0xabc:6,v3:0xdef:6" 形式的稳定池列表.
// 每项末尾的数字是稳定币 decimals.
func parseStablePoolList(s string) ([]StablePoolSpec, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var pools []StablePoolSpec
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		kind := "v2"
		if strings.HasPrefix(item, "v3:") {
			kind = "v3"
			item = strings.TrimPrefix(item, "v3:")
		} else if strings.HasPrefix(item, "v2:") {
			item = strings.TrimPrefix(item, "v2:")
		}
		parts := strings.Split(item, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%q must be addr:decimals", item)
		}
		addr := strings.TrimSpace(parts[0])
		if !looksLikeAddress(addr) {
			return nil, fmt.Errorf("%q is not a hex address", addr)
		}
		dec, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("bad decimals in %q: %w", item, err)
		}
		pools = append(pools, StablePoolSpec{Address: addr, Kind: kind, StableDecimals: uint8(dec)})
	}
	return pools, nil
}

func looksLikeAddress(s string) bool {
	return len(s) == 42 && strings.HasPrefix(s, "0x")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		log.Printf("Invalid %s: %s, using default %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
