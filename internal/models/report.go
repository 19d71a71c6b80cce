package models

import (
	"encoding/json"
	"time"
)

// ShotRecord 单个URL的截图记录
type ShotRecord struct {
	JobID       string        `json:"job_id"`
	URL         string        `json:"url"`
	FinalURL    string        `json:"final_url,omitempty"`
	OutputPath  string        `json:"output_path,omitempty"`
	Success     bool          `json:"success"`
	Kind        string        `json:"kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Fallback    bool          `json:"fallback"`
	Size        int           `json:"size"`
	Login       *LoginOutcome `json:"login,omitempty"`
	Duration    float64       `json:"duration"` // 秒
	ProcessedAt time.Time     `json:"processed_at"`
}

// NewShotRecord 根据任务结果创建记录
func NewShotRecord(job *Job, result JobResult) ShotRecord {
	rec := ShotRecord{
		JobID:       result.JobID,
		URL:         job.URL,
		FinalURL:    result.FinalURL,
		Success:     result.OK(),
		Login:       result.Login,
		Duration:    result.Duration.Seconds(),
		ProcessedAt: time.Now(),
	}
	if result.Artifact != nil {
		rec.Fallback = result.Artifact.Fallback
		rec.Size = len(result.Artifact.Bytes)
	}
	if result.Failure != nil {
		rec.Kind = result.Failure.Kind.String()
		rec.Error = result.Failure.Message
	}
	return rec
}

// ShotReport 批量截图报告
type ShotReport struct {
	StartTime     time.Time    `json:"start_time"`
	EndTime       time.Time    `json:"end_time"`
	Duration      float64      `json:"duration"` // 秒
	TotalURLs     int          `json:"total_urls"`
	SuccessCount  int          `json:"success_count"`
	FailCount     int          `json:"fail_count"`
	FallbackCount int          `json:"fallback_count"`
	TotalSize     int64        `json:"total_size"`
	Aborted       bool         `json:"aborted"` // 遇到错误提前停止
	Records       []ShotRecord `json:"records"`
}

// NewShotReport 创建报告
func NewShotReport(total int) *ShotReport {
	return &ShotReport{
		StartTime: time.Now(),
		TotalURLs: total,
		Records:   make([]ShotRecord, 0, total),
	}
}

// Add 追加记录并更新统计
func (r *ShotReport) Add(rec ShotRecord) {
	r.Records = append(r.Records, rec)
	if !rec.Success {
		r.FailCount++
		return
	}
	r.SuccessCount++
	r.TotalSize += int64(rec.Size)
	if rec.Fallback {
		r.FallbackCount++
	}
}

// Finish 记录结束时间
func (r *ShotReport) Finish() {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime).Seconds()
}

// Failed 返回失败的记录
func (r *ShotReport) Failed() []ShotRecord {
	var out []ShotRecord
	for _, rec := range r.Records {
		if !rec.Success {
			out = append(out, rec)
		}
	}
	return out
}

// ToJSON 转换为JSON
func (r *ShotReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FromJSON 从JSON加载
func (r *ShotReport) FromJSON(data []byte) error {
	return json.Unmarshal(data, r)
}
