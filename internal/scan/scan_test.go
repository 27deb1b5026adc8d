package scan_test

import (
	"strings"
	"testing"
	"time"

	"deliverline/internal/config"
	"deliverline/internal/domain"
	"deliverline/internal/scan"
)

var now = time.Date(2025, 1, 20, 9, 30, 0, 0, time.UTC)

func options(t *testing.T) scan.Options {
	t.Helper()
	opts, err := scan.OptionsFromConfig(config.Default(), now)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	return opts
}

func TestBuildMarketingReport(t *testing.T) {
	text := "Rapport Marketing Q3\nBilan des campagnes\nA rendre le 15/03/2025 au plus tard"
	d := scan.Build(text, options(t))
	if d.Department != domain.DepartmentMarketing {
		t.Fatalf("department %q", d.Department)
	}
	want := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	if !d.Deadline.Equal(want) || !d.DateDetected {
		t.Fatalf("deadline %s detected=%v, want %s", d.Deadline, d.DateDetected, want)
	}
	if d.Name != "Rapport Marketing Q3" {
		t.Fatalf("name %q", d.Name)
	}
	if !strings.HasPrefix(d.Description, scan.Marker) || !strings.HasSuffix(d.Description, "au plus tard") {
		t.Fatalf("description %q", d.Description)
	}
	if d.Priority != domain.PriorityMedium || d.Status != domain.StatusToDo {
		t.Fatalf("priority %s status %s", d.Priority, d.Status)
	}
	if len(d.Tags) != 2 || d.Tags[0] != scan.TagScanned || d.Tags[1] != scan.TagAutomatic {
		t.Fatalf("tags %v", d.Tags)
	}
}

func TestFirstRuleWins(t *testing.T) {
	// "code" belongs to the first rule, "design" to a later one.
	d := scan.Build("Design review of the code", options(t))
	if d.Department != domain.DepartmentDevelopment {
		t.Fatalf("department %q", d.Department)
	}
	d = scan.Build("NOTE DE LA DIRECTION", options(t))
	if d.Department != domain.DepartmentGeneralManagement {
		t.Fatalf("department %q", d.Department)
	}
}

func TestDefaults(t *testing.T) {
	d := scan.Build("\n   \n", options(t))
	if d.Name != scan.FallbackName {
		t.Fatalf("name %q", d.Name)
	}
	if d.Department != domain.DepartmentGeneral {
		t.Fatalf("department %q", d.Department)
	}
	if !d.Deadline.Equal(now.Add(7*24*time.Hour)) || d.DateDetected {
		t.Fatalf("deadline %s", d.Deadline)
	}
}

func TestDateLayoutOrder(t *testing.T) {
	opts := options(t)
	cases := map[string]time.Time{
		"due 2025-04-02 or 03/05/2025": time.Date(2025, 5, 3, 0, 0, 0, 0, time.UTC),
		"due 2025-04-02":               time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC),
		"due 07-06-2025":               time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC),
		"due 09 10 2025":               time.Date(2025, 10, 9, 0, 0, 0, 0, time.UTC),
	}
	for text, want := range cases {
		got, ok := scan.DetectDeadline(text, opts)
		if !ok || !got.Equal(want) {
			t.Fatalf("%q: deadline %s ok=%v, want %s", text, got, ok, want)
		}
	}
}

func TestUnparseableDateFallsBack(t *testing.T) {
	got, ok := scan.DetectDeadline("due 45/13/2025", options(t))
	if ok || !got.Equal(now.Add(7*24*time.Hour)) {
		t.Fatalf("deadline %s ok=%v", got, ok)
	}
}

func TestTruncationCountsRunes(t *testing.T) {
	long := strings.Repeat("é", 80)
	d := scan.Build(long, options(t))
	if n := len([]rune(d.Name)); n != 50 {
		t.Fatalf("name has %d runes", n)
	}
	body := strings.TrimPrefix(d.Description, scan.Marker)
	if n := len([]rune(body)); n != 80 {
		t.Fatalf("description body has %d runes", n)
	}
	d = scan.Build(strings.Repeat("x", 300), options(t))
	if n := len([]rune(strings.TrimPrefix(d.Description, scan.Marker))); n != 200 {
		t.Fatalf("description body has %d runes", n)
	}
}
