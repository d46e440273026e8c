package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEndpoints_YAMLOrderPreserved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.yaml")
	content := `endpoints:
  - url: https://paid.example/rpc
    tier: 0
    label: paid
    requests_per_minute: 120
  - url: https://public-a.example
    tier: 1
  - url: https://public-b.example
    tier: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	specs := loadEndpoints(path, nil, 60)
	require.Len(t, specs, 3)
	assert.Equal(t, "https://paid.example/rpc", specs[0].URL)
	assert.Equal(t, 0, specs[0].Tier)
	assert.Equal(t, 120, specs[0].RequestsPerMinute)
	assert.Equal(t, "https://public-a.example", specs[1].URL)
	// 未指定 requests_per_minute 时使用默认窗口额度
	assert.Equal(t, 60, specs[1].RequestsPerMinute)
	assert.Equal(t, "https://public-b.example", specs[2].URL)
}

func TestLoadEndpoints_FallbackToRPCURLs(t *testing.T) {
	specs := loadEndpoints("", []string{"https://a.example", "https://b.example"}, 30)
	require.Len(t, specs, 2)
	for _, s := range specs {
		assert.Equal(t, 1, s.Tier)
		assert.Equal(t, 30, s.RequestsPerMinute)
	}
}

func TestLoadEndpoints_MissingFileFallsBack(t *testing.T) {
	specs := loadEndpoints("/nonexistent/endpoints.yaml", []string{"https://a.example"}, 60)
	require.Len(t, specs, 1)
	assert.Equal(t, "https://a.example", specs[0].URL)
}

func TestParsePoolList(t *testing.T) {
	v2 := "0x0d4a11d5EEaaC28EC3F61d100daF4d40471f1852"
	v3 := "0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"

	pools, err := parsePoolList(v2 + ", v3:" + v3)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, "v2", pools[0].Kind)
	assert.Equal(t, v2, pools[0].Address)
	assert.Equal(t, "v3", pools[1].Kind)
	assert.Equal(t, v3, pools[1].Address)
}

func TestParsePoolList_RejectsGarbage(t *testing.T) {
	_, err := parsePoolList("not-an-address")
	assert.Error(t, err)
}

func TestParseStablePoolList(t *testing.T) {
	addr := "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"
	pools, err := parseStablePoolList("v3:" + addr + ":6")
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "v3", pools[0].Kind)
	assert.Equal(t, addr, pools[0].Address)
	assert.Equal(t, uint8(6), pools[0].StableDecimals)

	_, err = parseStablePoolList(addr)
	assert.Error(t, err, "missing decimals must be rejected")
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		TokenAddress: "0x6B175474E89094C44Da98b954EedeAC495271d0F",
		Endpoints:    []EndpointSpec{{URL: "https://a.example"}},
		Pools:        []PoolSpec{{Address: "0x0d4a11d5EEaaC28EC3F61d100daF4d40471f1852", Kind: "v2"}},
		WorkerCount:  4,
	}
	assert.NoError(t, cfg.Validate())

	missing := *cfg
	missing.TokenAddress = ""
	assert.Error(t, missing.Validate())

	noPools := *cfg
	noPools.Pools = nil
	assert.Error(t, noPools.Validate())
}
