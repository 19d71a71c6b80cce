package models

import (
	"fmt"
	"strings"
	"time"
)

// StepKind 登录步骤类型
type StepKind string

const (
	StepInput     StepKind = "input"     // 向选择器对应的输入框填入凭据
	StepClick     StepKind = "click"     // 点击选择器对应的元素
	StepClickText StepKind = "clickText" // 点击包含指定文本的可点击元素
	StepWait      StepKind = "wait"      // 等待一段时间
)

// LoginStep 登录步骤(带标签的变体)
// 只有与Kind对应的字段有效:
//   - input:     Selector + CredentialKey
//   - click:     Selector
//   - clickText: Text
//   - wait:      Duration
type LoginStep struct {
	Kind          StepKind `json:"type" yaml:"type"`
	Selector      string   `json:"selector,omitempty" yaml:"selector,omitempty"`
	CredentialKey string   `json:"credentialKey,omitempty" yaml:"credentialKey,omitempty"`
	Text          string   `json:"text,omitempty" yaml:"text,omitempty"`
	Duration      Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// InputStep 创建input步骤
func InputStep(selector, credentialKey string) LoginStep {
	return LoginStep{Kind: StepInput, Selector: selector, CredentialKey: credentialKey}
}

// ClickStep 创建click步骤
func ClickStep(selector string) LoginStep {
	return LoginStep{Kind: StepClick, Selector: selector}
}

// ClickTextStep 创建clickText步骤
func ClickTextStep(text string) LoginStep {
	return LoginStep{Kind: StepClickText, Text: text}
}

// WaitStep 创建wait步骤
func WaitStep(d time.Duration) LoginStep {
	return LoginStep{Kind: StepWait, Duration: Duration(d)}
}

// Validate 校验步骤字段与类型是否匹配
func (s LoginStep) Validate() error {
	switch s.Kind {
	case StepInput:
		if s.Selector == "" || s.CredentialKey == "" {
			return fmt.Errorf("input步骤需要selector和credentialKey")
		}
	case StepClick:
		if s.Selector == "" {
			return fmt.Errorf("click步骤需要selector")
		}
	case StepClickText:
		if strings.TrimSpace(s.Text) == "" {
			return fmt.Errorf("clickText步骤需要text")
		}
	case StepWait:
		if s.Duration <= 0 {
			return fmt.Errorf("wait步骤需要正数duration")
		}
	default:
		return fmt.Errorf("未知的步骤类型: %q", s.Kind)
	}
	return nil
}

// String 返回步骤的可读描述(不包含凭据值)
func (s LoginStep) String() string {
	switch s.Kind {
	case StepInput:
		return fmt.Sprintf("input(%s <- %s)", s.Selector, s.CredentialKey)
	case StepClick:
		return fmt.Sprintf("click(%s)", s.Selector)
	case StepClickText:
		return fmt.Sprintf("clickText(%q)", s.Text)
	case StepWait:
		return fmt.Sprintf("wait(%s)", s.Duration)
	default:
		return string(s.Kind)
	}
}

// LoginSite 登录站点描述,由调用方随任务提供,不持久化
type LoginSite struct {
	Name     string      `json:"name" yaml:"name"`
	LoginURL string      `json:"loginUrl" yaml:"loginUrl"`
	Steps    []LoginStep `json:"steps" yaml:"steps"`
}

// Validate 校验登录站点
func (s LoginSite) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("登录站点名称不能为空")
	}
	if err := ValidateURL(s.LoginURL, nil); err != nil {
		return fmt.Errorf("登录站点 %s: %w", s.Name, err)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("登录站点 %s 没有登录步骤", s.Name)
	}
	for i, step := range s.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("登录站点 %s 第%d步: %w", s.Name, i+1, err)
		}
	}
	return nil
}

// Credentials 单个站点的凭据,键为LoginStep.CredentialKey
type Credentials map[string]string

// Job 截图任务
type Job struct {
	ID          string                 `json:"id" yaml:"-"`
	URL         string                 `json:"url" yaml:"url"`
	LoginSites  []LoginSite            `json:"loginSites,omitempty" yaml:"loginSites,omitempty"`
	Credentials map[string]Credentials `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	EnqueuedAt  time.Time              `json:"enqueuedAt" yaml:"-"`
}

// NewJob 创建任务并分配ID
func NewJob(targetURL string) *Job {
	return &Job{
		ID:  generateID(),
		URL: strings.TrimSpace(targetURL),
	}
}

// EnsureID 为反序列化得到的任务补全ID
func (j *Job) EnsureID() {
	if j.ID == "" {
		j.ID = generateID()
	}
}

// Validate 入队前校验任务
// URL非法时返回KindInvalidInput错误,消息格式为 "invalid URL: <input>"
func (j *Job) Validate(allowedSchemes []string) error {
	if err := ValidateURL(j.URL, allowedSchemes); err != nil {
		return NewError(KindInvalidInput, "job.validate", InvalidURLError(j.URL))
	}
	for _, site := range j.LoginSites {
		if err := site.Validate(); err != nil {
			return NewError(KindInvalidInput, "job.validate", err)
		}
	}
	return nil
}

// CredentialsFor 返回指定站点的凭据
func (j *Job) CredentialsFor(site string) (Credentials, bool) {
	if j.Credentials == nil {
		return nil, false
	}
	creds, ok := j.Credentials[site]
	return creds, ok && len(creds) > 0
}

// Duration 支持 "1500ms"/"2s" 字符串或毫秒数字的时长
type Duration time.Duration

// Std 转换为time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String 返回时长字符串
func (d Duration) String() string {
	return time.Duration(d).String()
}
