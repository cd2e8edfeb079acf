package file_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/publish"
	"github.com/vpbank/snmp_gateway/transport/file"
)

func message(id string, cat models.Category, payload string) models.Message {
	return models.Message{ID: id, Category: cat, Payload: []byte(payload)}
}

// ─────────────────────────────────────────────────────────────────────────────
// Sink
// ─────────────────────────────────────────────────────────────────────────────

func TestSink_RoutesByCategory(t *testing.T) {
	var def, events bytes.Buffer
	s := file.New(file.Config{
		Default: &def,
		Writers: map[models.Category]io.Writer{models.CategoryEvent: &events},
	}, nil)

	ctx := context.Background()
	if err := s.Deliver(ctx, message("m1", models.CategoryMeasurement, `{"n":1}`)); err != nil {
		t.Fatalf("Deliver measurement: %v", err)
	}
	if err := s.Deliver(ctx, message("e1", models.CategoryEvent, `{"n":2}`)); err != nil {
		t.Fatalf("Deliver event: %v", err)
	}

	if got := def.String(); got != "{\"n\":1}\n" {
		t.Errorf("default writer = %q", got)
	}
	if got := events.String(); got != "{\"n\":2}\n" {
		t.Errorf("event writer = %q", got)
	}
}

func TestSink_CustomNewline(t *testing.T) {
	var buf bytes.Buffer
	s := file.New(file.Config{Default: &buf, Newline: "\r\n"}, nil)
	if err := s.Deliver(context.Background(), message("a", models.CategoryAlarm, `{}`)); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "{}\r\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestSink_BatchKeepsOrder(t *testing.T) {
	var buf bytes.Buffer
	s := file.New(file.Config{Default: &buf, Batching: true}, nil)
	if !s.BatchingSupported() {
		t.Fatal("BatchingSupported = false")
	}
	if s.BatchSize() != publish.DefaultBatchSize {
		t.Errorf("BatchSize = %d", s.BatchSize())
	}

	batch := []models.Message{
		message("1", models.CategoryMeasurement, `{"i":1}`),
		message("2", models.CategoryMeasurement, `{"i":2}`),
		message("3", models.CategoryMeasurement, `{"i":3}`),
	}
	if err := s.DeliverBatch(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{`{"i":1}`, `{"i":2}`, `{"i":3}`}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(lines), len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestSink_EmptyPayloadIsInvalid(t *testing.T) {
	var buf bytes.Buffer
	s := file.New(file.Config{Default: &buf}, nil)
	err := s.Deliver(context.Background(), message("x", models.CategoryEvent, ""))
	if !publish.IsInvalid(err) {
		t.Fatalf("err = %v, want invalid-message class", err)
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be written, got %q", buf.String())
	}
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSink_WriteErrorIsUnavailable(t *testing.T) {
	s := file.New(file.Config{Default: brokenWriter{}}, nil)
	err := s.Deliver(context.Background(), message("x", models.CategoryEvent, `{}`))
	if !errors.Is(err, publish.ErrPlatformUnavailable) {
		t.Fatalf("err = %v, want platform unavailable", err)
	}
	var pe *publish.PlatformError
	if !errors.As(err, &pe) || pe.Status != 503 {
		t.Errorf("want PlatformError 503, got %#v", err)
	}
}

func TestSink_ConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	s := file.New(file.Config{Default: &buf}, nil)

	const n = 200
	payload := `{"device_id":"pdu-1","value":12345}`
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Deliver(context.Background(), message("m", models.CategoryMeasurement, payload))
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != n {
		t.Fatalf("got %d lines, want %d", len(lines), n)
	}
	for i, line := range lines {
		if line != payload {
			t.Fatalf("line %d corrupted: %q", i, line)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// RotatingFile
// ─────────────────────────────────────────────────────────────────────────────

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestRotatingFile_RotatesAndKeepsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "events.json")
	rf, err := file.OpenRotating(file.RotateConfig{Path: path, MaxBytes: 10, MaxBackups: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	for _, rec := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		if _, err := rf.Write([]byte(rec)); err != nil {
			t.Fatalf("write %q: %v", rec, err)
		}
	}

	if got := readFile(t, path); got != "dddddddd\n" {
		t.Errorf("active = %q", got)
	}
	if got := readFile(t, path+".1"); got != "cccccccc\n" {
		t.Errorf("backup 1 = %q", got)
	}
	if got := readFile(t, path+".2"); got != "bbbbbbbb\n" {
		t.Errorf("backup 2 = %q", got)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("backup 3 should not exist, stat err = %v", err)
	}
}

func TestRotatingFile_NoRotationWhenUnbounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	rf, err := file.OpenRotating(file.RotateConfig{Path: path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		_, _ = rf.Write([]byte("0123456789\n"))
	}
	_ = rf.Close()

	if got := len(readFile(t, path)); got != 550 {
		t.Errorf("size = %d, want 550", got)
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("no backup expected")
	}
}

func TestRotatingFile_WriteAfterClose(t *testing.T) {
	rf, err := file.OpenRotating(file.RotateConfig{Path: filepath.Join(t.TempDir(), "x")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := rf.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rf.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := rf.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("err = %v, want os.ErrClosed", err)
	}
}

func TestRotatingFile_RequiresPath(t *testing.T) {
	if _, err := file.OpenRotating(file.RotateConfig{}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestSink_ClosesRotatingFilesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "all.json")
	rf, err := file.OpenRotating(file.RotateConfig{Path: path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := file.New(file.Config{
		Default: rf,
		Writers: map[models.Category]io.Writer{models.CategoryAlarm: rf},
	}, nil)
	if err := s.Deliver(context.Background(), message("a", models.CategoryAlarm, `{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := readFile(t, path); got != "{\"a\":1}\n" {
		t.Errorf("file = %q", got)
	}
}
