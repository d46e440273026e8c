//go:build integration

package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"token-extractor-go/internal/config"
)

var testAnvilRPC string

func TestMain(m *testing.M) {
	ctx := context.Background()

	// 启动 Anvil 容器作为本地测试链
	anvilContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "ghcr.io/foundry-rs/foundry:latest",
			ExposedPorts: []string{"8545/tcp"},
			Cmd:          []string{"anvil", "--host", "0.0.0.0"},
			WaitingFor:   wait.ForListeningPort("8545/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("failed to start anvil container: %s", err)
	}

	anvilHost, err := anvilContainer.Host(ctx)
	if err != nil {
		log.Fatalf("failed to get anvil host: %v", err)
	}
	anvilPort, err := anvilContainer.MappedPort(ctx, "8545")
	if err != nil {
		log.Fatalf("failed to get anvil port: %v", err)
	}
	testAnvilRPC = fmt.Sprintf("http://%s:%s", anvilHost, anvilPort.Port())

	if err := os.Setenv("RPC_URLS", testAnvilRPC); err != nil {
		log.Fatalf("failed to set env: %v", err)
	}

	code := m.Run()

	// 🚀 给最后一批连接一点收尾时间，防止 connection reset 噪音
	time.Sleep(2 * time.Second)

	if terr := anvilContainer.Terminate(ctx); terr != nil {
		log.Printf("failed to terminate anvil container: %v", terr)
	}

	os.Exit(code)
}

func newAnvilRegistry(t *testing.T, urls ...string) *Registry {
	t.Helper()
	specs := make([]config.EndpointSpec, len(urls))
	for i, u := range urls {
		specs[i] = config.EndpointSpec{URL: u, Tier: i + 1}
	}
	return NewRegistry(specs, RegistryConfig{}, nil)
}

func newAnvilClient(t *testing.T, urls ...string) (*BalancedClient, *Registry) {
	t.Helper()
	registry := newAnvilRegistry(t, urls...)
	client := NewBalancedClient(registry, nil, nil, nil, ClientConfig{AttemptTimeout: 15 * time.Second})
	t.Cleanup(client.Close)
	return client, registry
}

// TestBalancedClientAnvil_BlockNumber 验证与真实节点的基本连通性
func TestBalancedClientAnvil_BlockNumber(t *testing.T) {
	client, _ := newAnvilClient(t, testAnvilRPC)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	head, err := client.BlockNumber(ctx)
	require.NoError(t, err)
	t.Logf("✅ anvil head block: %d", head)
}

// TestBalancedClientAnvil_ChainID Anvil 默认链 ID 为 31337
func TestBalancedClientAnvil_ChainID(t *testing.T) {
	client, _ := newAnvilClient(t, testAnvilRPC)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	chainID, err := client.ChainID(ctx)
	require.NoError(t, err)
	require.NotNil(t, chainID)
	assert.Equal(t, int64(31337), chainID.Int64())
}

// TestBalancedClientAnvil_ExecuteAgainstEOA 对外部账户的 eth_call 返回空数据
func TestBalancedClientAnvil_ExecuteAgainstEOA(t *testing.T) {
	client, _ := newAnvilClient(t, testAnvilRPC)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ret, err := client.Execute(ctx, RpcCall{
		To:   common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		Data: []byte{0x31, 0x3c, 0xe5, 0x67},
	})
	// 空账户上的调用不报错，只返回空数据
	require.NoError(t, err)
	assert.Empty(t, ret)
}

// TestBalancedClientAnvil_FailoverFromDeadEndpoint 死端点透明切换
func TestBalancedClientAnvil_FailoverFromDeadEndpoint(t *testing.T) {
	dead := "http://127.0.0.1:9"
	client, registry := newAnvilClient(t, dead, testAnvilRPC)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := client.BlockNumber(ctx)
	require.NoError(t, err, "second endpoint must cover for the dead one")

	var deadFailures uint64
	for _, snap := range registry.Snapshot() {
		if snap.Tier == 1 {
			deadFailures = snap.TotalFailures
		}
	}
	assert.GreaterOrEqual(t, deadFailures, uint64(1), "dead endpoint failure must be recorded")
}

// TestBalancedClientAnvil_SequentialCalls 连续请求复用同一个缓存传输层
func TestBalancedClientAnvil_SequentialCalls(t *testing.T) {
	client, _ := newAnvilClient(t, testAnvilRPC)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := client.BlockNumber(ctx)
		require.NoError(t, err)
	}
}
