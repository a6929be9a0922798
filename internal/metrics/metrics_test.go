package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit_BuildInfoCarriesNamespace(t *testing.T) {
	p := Init(Config{
		Namespace: "sf_films",
		Build:     BuildInfo{Version: "1.4.0", Revision: "abc123", Branch: "main", BuildDate: "2025-10-26"},
	})

	want := `
# HELP geocell_build_info Build and index namespace of this binary (value is always 1).
# TYPE geocell_build_info gauge
geocell_build_info{branch="main",build_date="2025-10-26",namespace="sf_films",revision="abc123",version="1.4.0"} 1
`
	if err := testutil.GatherAndCompare(p.Gatherer(), strings.NewReader(want), "geocell_build_info"); err != nil {
		t.Fatalf("build info: %v", err)
	}
}

func TestInit_DefaultsVersionToDev(t *testing.T) {
	p := Init(Config{})
	want := `
# HELP geocell_build_info Build and index namespace of this binary (value is always 1).
# TYPE geocell_build_info gauge
geocell_build_info{branch="",build_date="",namespace="",revision="",version="dev"} 1
`
	if err := testutil.GatherAndCompare(p.Gatherer(), strings.NewReader(want), "geocell_build_info"); err != nil {
		t.Fatalf("build info: %v", err)
	}
}

func TestHandler_ServesRuntimeAndRegisteredCollectors(t *testing.T) {
	p := Init(Config{Namespace: "sf_films"})
	cells := prometheus.NewCounter(prometheus.CounterOpts{Name: "geocell_test_cells_total", Help: "test"})
	p.Register(cells)
	cells.Add(7)

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"geocell_test_cells_total 7",
		"go_goroutines",
		`geocell_build_info{`,
		`namespace="sf_films"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %q:\n%s", want, body)
		}
	}
}
