package utils

import (
	"net/http"
	"testing"
)

func TestHeaderRedactor_Redact(t *testing.T) {
	redactor := NewHeaderRedactor()

	tests := []struct {
		name     string
		header   string
		value    string
		expected string
	}{
		{"Bearer令牌只保留方案", "Authorization", "Bearer secret-token-12345", "Bearer ***"},
		{"Basic认证只保留方案", "Proxy-Authorization", "Basic dXNlcjpwYXNz", "Basic ***"},
		{"长密钥保留首尾", "X-API-Key", "abcd1234567890wxyz", "abcd***wxyz"},
		{"短密钥完全隐藏", "X-Token", "short", "***"},
		{"Cookie视为敏感", "Cookie", "sid=1", "***"},
		{"普通头部不脱敏", "User-Agent", "CustomBot/1.0", "CustomBot/1.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := redactor.Redact(http.Header{tt.header: []string{tt.value}})
			if got[tt.header] != tt.expected {
				t.Errorf("期望=%q, 实际=%q", tt.expected, got[tt.header])
			}
		})
	}

	if got := redactor.Redact(http.Header{"X-Empty": nil}); len(got) != 0 {
		t.Errorf("没有值的头部应被忽略: %v", got)
	}
}

func TestHeaderRedactor_RedactCredentials(t *testing.T) {
	redactor := NewHeaderRedactor()

	got := redactor.RedactCredentials(map[string]string{
		"username": "alice",
		"password": "hunter2",
		"otp":      "",
	})

	if got["username"] != "***" || got["password"] != "***" {
		t.Errorf("凭据值应被隐藏: %v", got)
	}
	if v, ok := got["otp"]; !ok || v != "" {
		t.Errorf("空凭据应保留为空字符串: %v", got)
	}
}

func TestHeaderRedactor_RedactURL(t *testing.T) {
	redactor := NewHeaderRedactor()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"普通URL不变", "https://example.com/a?page=2", "https://example.com/a?page=2"},
		{"用户信息被遮蔽", "https://alice:pw@example.com/", "https://%2A%2A%2A@example.com/"},
		{"敏感参数被遮蔽", "https://example.com/?page=1&token=abc", "https://example.com/?page=1&token=%2A%2A%2A"},
		{"无法解析原样返回", "http://[::1", "http://[::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactor.RedactURL(tt.in); got != tt.want {
				t.Errorf("RedactURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
