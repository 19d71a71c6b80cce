package models

import (
	"time"
)

// MimeTypeJPEG 截图产物的MIME类型
const MimeTypeJPEG = "image/jpeg"

// Artifact 截图产物
type Artifact struct {
	Bytes    []byte `json:"-"`
	MimeType string `json:"mimeType"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Quality  int    `json:"quality"`
	Fallback bool   `json:"fallback"` // 是否由降级分辨率截图得到
}

// Failure 结构化的失败描述
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error 实现error接口
func (f *Failure) Error() string {
	return f.Message
}

// LoginOutcome 登录自动化结果
type LoginOutcome struct {
	Site       string  `json:"site"`
	Succeeded  int     `json:"succeeded"`  // 成功的步骤数
	Total      int     `json:"total"`      // 总步骤数
	URLChanged bool    `json:"urlChanged"` // 登录后URL是否离开登录页
	Implicit   bool    `json:"implicit"`   // 是否命中已登录重定向
	Confidence float64 `json:"confidence"` // 0-1, URL变化或隐式成功时为1
	Success    bool    `json:"success"`
}

// JobResult 任务结果
// Artifact与Failure有且只有一个非空
type JobResult struct {
	JobID    string        `json:"jobId"`
	Artifact *Artifact     `json:"artifact,omitempty"`
	Failure  *Failure      `json:"failure,omitempty"`
	FinalURL string        `json:"finalUrl,omitempty"`
	Login    *LoginOutcome `json:"login,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Succeeded 创建成功结果
func Succeeded(jobID string, artifact *Artifact) JobResult {
	return JobResult{JobID: jobID, Artifact: artifact}
}

// Failed 创建失败结果
func Failed(jobID string, kind ErrorKind, message string) JobResult {
	return JobResult{JobID: jobID, Failure: &Failure{Kind: kind, Message: message}}
}

// FailedFromError 根据带类型的错误创建失败结果
func FailedFromError(jobID string, err error) JobResult {
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindInternal
	}
	msg := err.Error()
	if e, ok := err.(*Error); ok && e.Err != nil {
		msg = e.Err.Error()
	}
	return Failed(jobID, kind, msg)
}

// OK 任务是否成功得到产物
func (r JobResult) OK() bool {
	return r.Artifact != nil && r.Failure == nil
}

// Kind 返回失败类型,成功时返回KindUnknown
func (r JobResult) Kind() ErrorKind {
	if r.Failure == nil {
		return KindUnknown
	}
	return r.Failure.Kind
}
