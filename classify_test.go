package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/recycle-check/internal/config"
	"github.com/example/recycle-check/internal/recycling"
)

type countingClassifier struct {
	inFlight    int32
	maxInFlight int32
}

func (c *countingClassifier) ClassifyItem(ctx context.Context, imageBytes []byte) recycling.Outcome {
	n := atomic.AddInt32(&c.inFlight, 1)
	for {
		max := atomic.LoadInt32(&c.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&c.maxInFlight, max, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(&c.inFlight, -1)

	if string(imageBytes) == "junk" {
		return recycling.DegradedOutcome(context.DeadlineExceeded)
	}
	return recycling.Outcome{Type: recycling.Paper, Brand: recycling.OtherBrand, Confidence: 0.85, Decision: recycling.Accept, Reasoning: "ok"}
}

func writeFiles(t *testing.T, contents ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(contents))
	for i, content := range contents {
		paths[i] = filepath.Join(dir, "img"+string(rune('a'+i))+".jpg")
		if err := os.WriteFile(paths[i], []byte(content), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	return paths
}

func TestClassifyFilesPrintsOneLinePerFile(t *testing.T) {
	paths := writeFiles(t, "one", "junk", "three", "four")
	classifier := &countingClassifier{}
	var out bytes.Buffer

	if err := classifyFiles(context.Background(), classifier, paths, 2, time.Second, &out, zap.NewNop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seen := map[string]classifyResult{}
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var result classifyResult
		if err := json.Unmarshal(scanner.Bytes(), &result); err != nil {
			t.Fatalf("invalid json line %q: %v", scanner.Text(), err)
		}
		seen[result.File] = result
	}
	if len(seen) != len(paths) {
		t.Fatalf("expected %d lines, got %d", len(paths), len(seen))
	}
	if got := seen[paths[1]]; got.Decision != recycling.Reject || got.Type != recycling.UnknownType {
		t.Fatalf("expected degraded outcome for junk file, got %+v", got)
	}
	if got := seen[paths[0]]; got.Decision != recycling.Accept || got.Type != recycling.Paper {
		t.Fatalf("unexpected outcome: %+v", got)
	}
	if classifier.maxInFlight > 2 {
		t.Fatalf("expected at most 2 concurrent classifications, saw %d", classifier.maxInFlight)
	}
}

func TestClassifyFilesFailsOnMissingFile(t *testing.T) {
	paths := writeFiles(t, "one")
	paths = append(paths, filepath.Join(t.TempDir(), "missing.jpg"))

	err := classifyFiles(context.Background(), &countingClassifier{}, paths, 1, 0, &bytes.Buffer{}, zap.NewNop())
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBuildersRejectUnknownBackends(t *testing.T) {
	if _, _, err := buildClassifier(context.Background(), config.ClassifierConfig{Backend: "tensorflow"}, zap.NewNop()); err == nil {
		t.Fatal("expected unknown classifier backend error")
	}
	if _, err := buildBlobStore(config.BlobConfig{Backend: "ftp"}); err == nil {
		t.Fatal("expected unknown blob backend error")
	}
}

func TestBuildClassifierLazyDefersLoading(t *testing.T) {
	cfg := config.ClassifierConfig{
		Backend:        "onnx",
		Lazy:           true,
		Serialize:      true,
		ClassIndexPath: filepath.Join(t.TempDir(), "missing.json"),
		TopK:           3,
	}
	client, release, err := buildClassifier(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("lazy classifier should not load at build time: %v", err)
	}
	defer release()

	outcome := recycling.NewPipeline(client, recycling.NewMapper(recycling.FixedFallback{Type: recycling.Plastic}), zap.NewNop()).
		ClassifyItem(context.Background(), []byte("x"))
	if !outcome.Degraded() {
		t.Fatalf("expected degraded outcome when the model cannot load, got %+v", outcome)
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "classify"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected %s subcommand, got %v (%v)", name, cmd, err)
		}
	}

	root.SetArgs([]string{"classify"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Fatal("expected classify without files to fail")
	}
}

// ctxAwareClassifier degrades when its context ends before the work is done.
type ctxAwareClassifier struct{}

func (ctxAwareClassifier) ClassifyItem(ctx context.Context, imageBytes []byte) recycling.Outcome {
	select {
	case <-ctx.Done():
		return recycling.DegradedOutcome(ctx.Err())
	case <-time.After(50 * time.Millisecond):
	}
	return recycling.Outcome{Type: recycling.Plastic, Brand: recycling.OtherBrand, Confidence: 0.95, Decision: recycling.Accept, Reasoning: "ok"}
}

func TestClassifyFilesKeepsSiblingsRunningAfterReadError(t *testing.T) {
	paths := append([]string{filepath.Join(t.TempDir(), "missing.jpg")}, writeFiles(t, "a", "b")...)
	var out bytes.Buffer

	err := classifyFiles(context.Background(), ctxAwareClassifier{}, paths, 4, time.Second, &out, zap.NewNop())
	if err == nil {
		t.Fatal("expected read error for missing file")
	}

	lines := 0
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var result classifyResult
		if err := json.Unmarshal(scanner.Bytes(), &result); err != nil {
			t.Fatalf("invalid json line %q: %v", scanner.Text(), err)
		}
		if result.Degraded() {
			t.Fatalf("valid file %s degraded by a sibling failure: %s", result.File, result.Reasoning)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected outcomes for both readable files, got %d", lines)
	}
}
