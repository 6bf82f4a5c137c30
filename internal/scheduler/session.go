package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-kemono-download/internal/models"

	"gopkg.in/yaml.v3"
)

// Session is a saved set of retryable failures.
type Session struct {
	RunID    string           `yaml:"run_id"`
	URL      string           `yaml:"url"`
	Created  time.Time        `yaml:"created"`
	Failures []models.Failure `yaml:"failures"`
}

func SessionPath(saveDir, runID string) string {
	return filepath.Join(saveDir, "retry_session_"+runID+".yaml")
}

func FailedListPath(saveDir, runID string) string {
	return filepath.Join(saveDir, "failed_"+runID+".txt")
}

func WriteSession(path string, s Session) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("error marshalling retry session: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing retry session %s: %w", path, err)
	}
	return nil
}

func LoadSession(path string) (Session, error) {
	var s Session
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("error reading retry session %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("error parsing retry session %s: %w", path, err)
	}
	return s, nil
}

// WriteFailedList writes one "url<TAB>post_title<TAB>post_id<TAB>original_filename"
// line per failure.
func WriteFailedList(path string, failures []models.Failure) error {
	var b strings.Builder
	for _, f := range failures {
		fields := []string{f.Job.File.URL, f.Job.PostTitle, f.Job.PostID, f.Job.File.APIFilename}
		for i, v := range fields {
			fields[i] = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(v)
		}
		b.WriteString(strings.Join(fields, "\t"))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("error writing failed list %s: %w", path, err)
	}
	return nil
}
