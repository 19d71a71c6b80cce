package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShotFileName(t *testing.T) {
	tests := []struct {
		url  string
		n    int
		want string
	}{
		{"https://example.com/path?q=1", 1, "example.com_1.jpg"},
		{"http://sub.example.org:8080/", 12, "sub.example.org_12.jpg"},
		{"not a url", 3, "page_3.jpg"},
		{"http://[::1]:9000/", 2, "1_2.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, ShotFileName(tt.url, tt.n))
		})
	}
}

func TestReporterSaveScreenshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shots")
	r := NewReporter(dir)

	path, err := r.SaveScreenshot("a_1.jpg", []byte{0xFF, 0xD8, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a_1.jpg"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, data)
}

func TestReporterGenerateReport(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(dir)

	report := models.NewShotReport(2)
	report.Add(models.ShotRecord{URL: "https://a.com", Success: true, Size: 10, Fallback: true})
	report.Add(models.ShotRecord{URL: "https://b.com", Kind: "navigation_failure", Error: "boom"})
	report.Finish()

	path, err := r.GenerateReport(report)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded models.ShotReport
	require.NoError(t, loaded.FromJSON(data))
	assert.Equal(t, 2, loaded.TotalURLs)
	assert.Equal(t, 1, loaded.SuccessCount)
	assert.Equal(t, 1, loaded.FailCount)
	assert.Equal(t, 1, loaded.FallbackCount)
	assert.Equal(t, int64(10), loaded.TotalSize)
	require.Len(t, loaded.Failed(), 1)
	assert.Equal(t, "https://b.com", loaded.Failed()[0].URL)
}
