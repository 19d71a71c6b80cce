package tunnel

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("没有可用的sh")
	}
}

func TestExecTunnelExtractsPublicURL(t *testing.T) {
	requireShell(t)
	tun := NewExecTunnel("sh", []string{"-c",
		"echo 'forwarding localhost:{port}'; echo '|  https://{token}-quiet-river.trycloudflare.com  |'; exec sleep 30"}, 5*time.Second)

	u, err := tun.Connect(context.Background(), 8080, "abc")
	require.NoError(t, err)
	assert.Equal(t, "https://abc-quiet-river.trycloudflare.com", u)

	_, err = tun.Connect(context.Background(), 8080, "abc")
	assert.Error(t, err, "重复连接应返回错误")

	require.NoError(t, tun.Disconnect())
	require.NoError(t, tun.Disconnect())
}

func TestExecTunnelFailures(t *testing.T) {
	requireShell(t)

	t.Run("进程退出前没有地址", func(t *testing.T) {
		tun := NewExecTunnel("sh", []string{"-c", "echo 'auth failed'; exit 1"}, 5*time.Second)
		_, err := tun.Connect(context.Background(), 8080, "")
		assert.True(t, errors.Is(err, ErrNoPublicURL), "实际错误: %v", err)
	})

	t.Run("等待地址超时", func(t *testing.T) {
		tun := NewExecTunnel("sh", []string{"-c", "exec sleep 30"}, 100*time.Millisecond)
		start := time.Now()
		_, err := tun.Connect(context.Background(), 8080, "")
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("ctx取消", func(t *testing.T) {
		tun := NewExecTunnel("sh", []string{"-c", "exec sleep 30"}, 10*time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := tun.Connect(ctx, 8080, "")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("命令不存在", func(t *testing.T) {
		tun := NewExecTunnel("renderguard-no-such-tunnel-binary", nil, time.Second)
		_, err := tun.Connect(context.Background(), 8080, "")
		assert.Error(t, err)
	})

	t.Run("未配置命令", func(t *testing.T) {
		_, err := NewExecTunnel("", nil, time.Second).Connect(context.Background(), 8080, "")
		assert.Error(t, err)
	})
}

func TestPublicURLPattern(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"INF |  https://a-b.trycloudflare.com  |", "https://a-b.trycloudflare.com"},
		{`url="https://1a2b.ngrok-free.app"`, "https://1a2b.ngrok-free.app"},
		{"listening on https://example.com:8443/path?x=1 now", "https://example.com:8443/path?x=1"},
		{"http://not-secure.example.com", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, publicURLPattern.FindString(tt.line), tt.line)
	}
}
