// Package tunnel 把本地HTTP服务暴露到公网
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoPublicURL 隧道进程退出前没有输出公网地址
var ErrNoPublicURL = errors.New("隧道进程没有输出公网地址")

// Tunnel 外网暴露隧道
type Tunnel interface {
	// Connect 建立隧道并返回公网地址
	Connect(ctx context.Context, localPort int, token string) (string, error)
	Disconnect() error
}

var publicURLPattern = regexp.MustCompile(`https://[A-Za-z0-9.-]+(?::\d+)?(?:/[^\s"'|]*)?`)

// ExecTunnel 运行外部隧道命令(如cloudflared、ngrok),从其输出中提取第一个https地址
// 参数中的 {port} 与 {token} 会被替换
type ExecTunnel struct {
	Command string
	Args    []string
	Timeout time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewExecTunnel 创建命令行隧道
func NewExecTunnel(command string, args []string, timeout time.Duration) *ExecTunnel {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExecTunnel{Command: command, Args: args, Timeout: timeout}
}

// Connect 启动隧道进程并等待公网地址
func (t *ExecTunnel) Connect(ctx context.Context, localPort int, token string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd != nil {
		return "", fmt.Errorf("隧道已连接")
	}
	if t.Command == "" {
		return "", fmt.Errorf("未配置隧道命令")
	}

	replacer := strings.NewReplacer("{port}", strconv.Itoa(localPort), "{token}", token)
	args := make([]string, len(t.Args))
	for i, a := range t.Args {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.Command(t.Command, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	// 隧道命令派生的子进程可能继承输出管道,进程退出后最多再等待这么久
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("启动隧道命令失败: %w", err)
	}

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		_ = pw.CloseWithError(err)
		close(done)
	}()

	found := make(chan string, 1)
	go scan(pr, found)

	timer := time.NewTimer(t.Timeout)
	defer timer.Stop()

	select {
	case u, ok := <-found:
		if !ok {
			<-done
			return "", ErrNoPublicURL
		}
		t.cmd, t.done = cmd, done
		log.Info().Str("public_url", u).Int("port", localPort).Msg("隧道已建立")
		return u, nil
	case <-timer.C:
		kill(cmd, done)
		return "", fmt.Errorf("等待隧道地址超时(%s)", t.Timeout)
	case <-ctx.Done():
		kill(cmd, done)
		return "", ctx.Err()
	}
}

// Disconnect 结束隧道进程,未连接时是空操作
func (t *ExecTunnel) Disconnect() error {
	t.mu.Lock()
	cmd, done := t.cmd, t.done
	t.cmd, t.done = nil, nil
	t.mu.Unlock()
	if cmd == nil {
		return nil
	}
	kill(cmd, done)
	log.Info().Msg("隧道已关闭")
	return nil
}

// scan 找到第一个地址后继续读取输出,避免隧道进程因管道写满而阻塞
func scan(r io.Reader, found chan<- string) {
	sent := false
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		log.Debug().Str("line", line).Msg("隧道输出")
		if sent {
			continue
		}
		if u := publicURLPattern.FindString(line); u != "" {
			found <- u
			sent = true
		}
	}
	if !sent {
		close(found)
	}
	// 扫描器遇到超长行后停止,剩余输出直接丢弃
	_, _ = io.Copy(io.Discard, r)
}

func kill(cmd *exec.Cmd, done <-chan struct{}) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
}
