package ai

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"yipyap/pkg/logx"
)

func TestLogFailureRecordsKind(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ai.log")
	svc, log := logx.New(logx.Config{Level: "debug", File: logx.FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	c := &Client{log: log}

	kind, werr := ClassifyErr(&openai.APIError{HTTPStatusCode: 429})
	c.logFailure(kind, werr)
	kind, werr = ClassifyErr(&openai.APIError{HTTPStatusCode: 401})
	c.logFailure(kind, werr)
	kind, werr = ClassifyErr(&openai.APIError{HTTPStatusCode: 503})
	c.logFailure(kind, werr)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)

	// Quota rejections stay distinguishable from plain transient failures.
	if !strings.Contains(out, `"kind":"quota"`) {
		t.Fatalf("quota kind not logged:\n%s", out)
	}
	if !strings.Contains(out, `"kind":"transient"`) {
		t.Fatalf("transient kind not logged:\n%s", out)
	}
	// Non-retryable failures are logged louder.
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"kind":"permanent"`) {
		t.Fatalf("permanent failure not logged at warn:\n%s", out)
	}
}
