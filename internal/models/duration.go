package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// parseDuration 解析时长,纯数字按毫秒处理
func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(strings.Trim(s, `"`))
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(ms) * time.Millisecond), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("无效的时长: %q", s)
	}
	return Duration(d), nil
}

// MarshalJSON 输出为时长字符串
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 支持字符串和数字两种写法
func (d *Duration) UnmarshalJSON(b []byte) error {
	parsed, err := parseDuration(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalYAML 支持字符串和数字两种写法
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
