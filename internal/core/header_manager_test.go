package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderManager_GetMergedHeaders(t *testing.T) {
	tests := []struct {
		name     string
		cli      []string
		expected map[string]string
	}{
		{
			name:     "默认User-Agent",
			expected: map[string]string{"User-Agent": DefaultUserAgent},
		},
		{
			name:     "命令行覆盖默认",
			cli:      []string{"User-Agent: CustomBot/1.0"},
			expected: map[string]string{"User-Agent": "CustomBot/1.0"},
		},
		{
			name: "多个命令行头部",
			cli:  []string{"X-Custom: value1", "Authorization: Bearer token123"},
			expected: map[string]string{
				"User-Agent":    DefaultUserAgent,
				"X-Custom":      "value1",
				"Authorization": "Bearer token123",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm, err := NewHeaderManager("", tt.cli)
			require.NoError(t, err)

			headers := hm.GetMergedHeaders()
			for name, value := range tt.expected {
				assert.Equal(t, value, headers.Get(name), name)
			}
		})
	}
}

func TestHeaderManager_ConfigFilePriority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "headers.yaml")
	content := "headers:\n  User-Agent: \"FileBot/1.0\"\n  Accept-Language: \"zh-CN\"\n  X-Team: \"file\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	hm, err := NewHeaderManager(path, []string{"X-Team: cli"})
	require.NoError(t, err)

	headers, err := hm.GetHeaders()
	require.NoError(t, err)
	assert.Equal(t, "FileBot/1.0", headers.Get("User-Agent"))
	assert.Equal(t, "zh-CN", headers.Get("Accept-Language"))
	assert.Equal(t, "cli", headers.Get("X-Team"), "命令行应覆盖配置文件")
}

func TestHeaderManager_GetSafeHeaders(t *testing.T) {
	hm, err := NewHeaderManager("", []string{
		"User-Agent: CustomBot/1.0",
		"Authorization: Bearer secret-token-12345",
		"X-API-Key: api-key-67890",
	})
	require.NoError(t, err)

	safe := hm.GetSafeHeaders()
	assert.Equal(t, "CustomBot/1.0", safe["User-Agent"])
	assert.Equal(t, "Bearer ***", safe["Authorization"])
	assert.NotEqual(t, "api-key-67890", safe["X-Api-Key"])
}

func TestHeaderManager_Errors(t *testing.T) {
	_, err := NewHeaderManager("", []string{"InvalidFormat"})
	assert.Error(t, err, "缺少冒号应返回错误")

	hm, err := NewHeaderManager("", []string{"Host: example.com"})
	require.NoError(t, err)
	_, err = hm.GetHeaders()
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve, "禁止头部应返回验证错误")
	assert.Equal(t, "命令行", ve.Source)
	assert.Equal(t, "Host", ve.HeaderName)
}

func TestHeaderManager_UserAgentField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "headers.yaml")
	content := "user_agent: \"ProfileBot/3.0\"\nheaders:\n  User-Agent: \"Ignored/1.0\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	hm, err := NewHeaderManager(path, nil)
	require.NoError(t, err)
	ua, extra, err := SessionHeaders(hm)
	require.NoError(t, err)
	assert.Equal(t, "ProfileBot/3.0", ua)
	assert.Empty(t, extra)
}

func TestSessionHeaders(t *testing.T) {
	hm, err := NewHeaderManager("", []string{"user-agent: CustomBot/1.0", "x-trace-id: abc"})
	require.NoError(t, err)

	ua, extra, err := SessionHeaders(hm)
	require.NoError(t, err)
	assert.Equal(t, "CustomBot/1.0", ua)
	assert.Equal(t, map[string]string{"X-Trace-Id": "abc"}, extra)
}
