package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/wal"
)

type stubSource struct {
	name      string
	available bool
	availErr  error
	walPath   string
	files     int
	restoreErr error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) IsAvailable(ctx context.Context) (bool, error) {
	return s.available, s.availErr
}

func (s *stubSource) Restore(ctx context.Context) (string, int, error) {
	if s.restoreErr != nil {
		return "", 0, s.restoreErr
	}
	return s.walPath, s.files, nil
}

// writeTestWAL builds entries with wal.NewEntry (so checksums are valid)
// and writes them as newline-delimited JSON, the same encoding
// wal.Stream expects.
func writeTestWAL(t *testing.T, dir string, n int) string {
	t.Helper()
	path := filepath.Join(dir, "test.wal")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wal file: %v", err)
	}
	defer f.Close()

	var prevOffset int64
	for i := 0; i < n; i++ {
		entry, err := wal.NewEntry(clockid.SystemClock{}, prevOffset, 1, "test_event", map[string]int{"i": i})
		if err != nil {
			t.Fatalf("new entry: %v", err)
		}
		line, err := json.Marshal(entry)
		if err != nil {
			t.Fatalf("marshal entry: %v", err)
		}
		line = append(line, '\n')
		written, err := f.Write(line)
		if err != nil {
			t.Fatalf("write entry: %v", err)
		}
		prevOffset += int64(written)
	}
	return path
}

func TestRunSelectsFirstAvailableSource(t *testing.T) {
	dir := t.TempDir()
	walPath := writeTestWAL(t, dir, 2)

	primary := &stubSource{name: "local_wal", available: true, walPath: walPath, files: 1}
	template := &stubSource{name: "template", available: true, walPath: "", files: 0}

	e := New([]Source{primary}, template, DefaultConfig(), clockid.SystemClock{}, zerolog.Nop(), nil)

	var replayed int
	report, err := e.Run(context.Background(), func(wal.Entry) error {
		replayed++
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Source != "local_wal" || report.State != StateRunning {
		t.Errorf("expected local_wal/RUNNING, got %+v", report)
	}
	if replayed != 2 {
		t.Errorf("expected 2 entries replayed, got %d", replayed)
	}
}

func TestRunFallsBackWhenPrimaryUnavailable(t *testing.T) {
	dir := t.TempDir()
	walPath := writeTestWAL(t, dir, 1)

	primary := &stubSource{name: "local_wal", available: false}
	secondary := &stubSource{name: "object_store", available: true, walPath: walPath, files: 3}
	template := &stubSource{name: "template", available: true, walPath: "", files: 0}

	e := New([]Source{primary, secondary}, template, DefaultConfig(), clockid.SystemClock{}, zerolog.Nop(), nil)

	report, err := e.Run(context.Background(), func(wal.Entry) error { return nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Source != "object_store" || report.State != StateDegraded {
		t.Errorf("expected object_store/DEGRADED, got %+v", report)
	}
	if report.FilesRestored != 3 {
		t.Errorf("expected 3 files restored, got %d", report.FilesRestored)
	}
}

func TestRunForcesTemplateWhenEverySourceFails(t *testing.T) {
	primary := &stubSource{name: "local_wal", available: false}
	secondary := &stubSource{name: "object_store", availErr: errors.New("unreachable")}
	template := &stubSource{name: "template", available: true, walPath: "", files: 0}

	e := New([]Source{primary, secondary}, template, DefaultConfig(), clockid.SystemClock{}, zerolog.Nop(), nil)

	report, err := e.Run(context.Background(), func(wal.Entry) error { return nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Source != "template" || report.State != StateLoopDetected {
		t.Errorf("expected template/LOOP_DETECTED, got %+v", report)
	}
}

func TestRunReturnsErrorWhenTemplateFails(t *testing.T) {
	primary := &stubSource{name: "local_wal", available: false}
	template := &stubSource{name: "template", available: true, restoreErr: errors.New("boom")}

	e := New([]Source{primary}, template, DefaultConfig(), clockid.SystemClock{}, zerolog.Nop(), nil)

	if _, err := e.Run(context.Background(), func(wal.Entry) error { return nil }); err == nil {
		t.Fatal("expected an error when the template source itself fails")
	}
}

func TestLocalWALSourceAvailability(t *testing.T) {
	dir := t.TempDir()
	missing := NewLocalWALSource(filepath.Join(dir, "missing.wal"))
	if ok, err := missing.IsAvailable(context.Background()); err != nil || ok {
		t.Errorf("expected missing wal to be unavailable, got ok=%v err=%v", ok, err)
	}

	path := writeTestWAL(t, dir, 1)
	present := NewLocalWALSource(path)
	if ok, err := present.IsAvailable(context.Background()); err != nil || !ok {
		t.Errorf("expected present wal to be available, got ok=%v err=%v", ok, err)
	}
}

func TestTemplateSourceSynthesizesEmptyWAL(t *testing.T) {
	tmpl := NewTemplateSource("")
	path, files, err := tmpl.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if files != 0 {
		t.Errorf("expected 0 files for a synthesized template, got %d", files)
	}
	defer os.Remove(path)

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected synthesized template file to exist: %v", err)
	}
}

