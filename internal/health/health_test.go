package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func serve(t *testing.T, p *Probes, path string) (*httptest.ResponseRecorder, report) {
	t.Helper()

	r := mux.NewRouter()
	p.Routes(r)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return rec, rep
}

func TestHealthz_AlwaysUp(t *testing.T) {
	t.Parallel()

	p := New().Add("database", func(context.Context) error {
		return errors.New("down")
	})

	r := mux.NewRouter()
	p.Routes(r)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// Liveness ignores dependency state.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz_AllChecksPass(t *testing.T) {
	t.Parallel()

	p := New().
		Add("database", func(context.Context) error { return nil }).
		Add("bus", func(context.Context) error { return nil })

	rec, rep := serve(t, p, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !rep.Ready {
		t.Error("ready = false with all checks passing")
	}
	if len(rep.Failing) != 0 {
		t.Errorf("failing = %v, want empty", rep.Failing)
	}
}

func TestReadyz_FailingCheckReported(t *testing.T) {
	t.Parallel()

	p := New().
		Add("database", func(context.Context) error {
			return errors.New("connection refused")
		}).
		Add("bus", func(context.Context) error { return nil })

	rec, rep := serve(t, p, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if rep.Ready {
		t.Error("ready = true with a failing check")
	}
	if rep.Failing["database"] != "connection refused" {
		t.Errorf("failing[database] = %q", rep.Failing["database"])
	}
	if _, ok := rep.Failing["bus"]; ok {
		t.Error("passing check listed as failing")
	}
}

func TestReadyz_NoChecks(t *testing.T) {
	t.Parallel()

	rec, rep := serve(t, New(), "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !rep.Ready {
		t.Error("ready = false with nothing to check")
	}
}

func TestReadyz_CheckHonorsRequestContext(t *testing.T) {
	t.Parallel()

	p := New().Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	r := mux.NewRouter()
	p.Routes(r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestAdd_DuplicateNameReplaces(t *testing.T) {
	t.Parallel()

	p := New().
		Add("database", func(context.Context) error { return errors.New("stale") }).
		Add("database", func(context.Context) error { return nil })

	rec, rep := serve(t, p, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !rep.Ready {
		t.Error("replacement check not used")
	}
}
