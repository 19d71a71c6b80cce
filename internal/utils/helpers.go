package utils

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
)

// ReadURLsFromFile 读取URL列表文件: 每行一个URL,#开头为注释,重复和无效的URL被跳过
func ReadURLsFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开URL文件失败: %w", err)
	}
	defer f.Close()

	urls, err := parseURLList(f)
	if err != nil {
		return nil, fmt.Errorf("读取URL文件失败: %w", err)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("URL文件中没有有效的URL: %s", path)
	}
	Infof("从文件加载了 %d 个URL", len(urls))
	return urls, nil
}

func parseURLList(r io.Reader) ([]string, error) {
	var urls []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := models.ValidateURL(line, nil); err != nil {
			Warnf("跳过无效URL (行 %d): %v", n, err)
			continue
		}
		if seen[line] {
			Debugf("跳过重复URL (行 %d): %s", n, line)
			continue
		}
		seen[line] = true
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}
