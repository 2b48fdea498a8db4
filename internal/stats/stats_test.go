package stats

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpen_MissingFileStartsAtZero(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "stats.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := c.Calls(); got != 0 {
		t.Fatalf("calls=%d, want 0", got)
	}
}

func TestIncrement_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")

	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := c.Increment(); err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Calls(); got != 3 {
		t.Fatalf("calls after reopen=%d, want 3", got)
	}

	// No temp files may be left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}

func TestOpen_CorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatalf("expected error for corrupt stats file")
	}
}

func TestHandler(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = c.Increment()

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"calls":1}` {
		t.Fatalf("body=%s, want {\"calls\":1}", got)
	}
}
