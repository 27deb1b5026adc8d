// Package scan turns OCR text into a deliverable draft using keyword and date heuristics.
package scan

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"deliverline/internal/config"
	"deliverline/internal/domain"
)

const (
	Marker       = "📸 Scanned document\n\n"
	FallbackName = "Scanned document"

	TagScanned   = "scanned"
	TagAutomatic = "automatic"
)

type Rule struct {
	Department domain.Department
	Keywords   []string
}

type Layout struct {
	Pattern *regexp.Regexp
	Layout  string
}

// Options carries the heuristics. Build never fails, whatever the options hold.
type Options struct {
	Now               time.Time
	Rules             []Rule
	Layouts           []Layout
	DefaultDepartment domain.Department
	DefaultDeadline   time.Duration
	NameMax           int
	DescriptionMax    int
}

// Draft is the deliverable content derived from a scan, before it gets an id and owner.
type Draft struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Department   domain.Department `json:"department"`
	Deadline     time.Time         `json:"deadline"`
	DateDetected bool              `json:"date_detected"`
	Priority     domain.Priority   `json:"priority"`
	Status       domain.Status     `json:"status"`
	Tags         []string          `json:"tags"`
}

// OptionsFromConfig compiles the scan section of cfg.
func OptionsFromConfig(cfg *config.Config, now time.Time) (Options, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	opts := Options{
		Now:               now,
		DefaultDepartment: domain.Department(cfg.Scan.DefaultDepartment),
		DefaultDeadline:   cfg.DefaultDeadline(),
		NameMax:           cfg.Scan.NameMax,
		DescriptionMax:    cfg.Scan.DescriptionMax,
	}
	for _, r := range cfg.Scan.Rules {
		kws := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			kws = append(kws, strings.ToLower(kw))
		}
		opts.Rules = append(opts.Rules, Rule{Department: domain.Department(r.Department), Keywords: kws})
	}
	for i, l := range cfg.Scan.DateLayouts {
		re, err := regexp.Compile(l.Pattern)
		if err != nil {
			return Options{}, fmt.Errorf("scan date layout %d: %w", i, err)
		}
		opts.Layouts = append(opts.Layouts, Layout{Pattern: re, Layout: l.Layout})
	}
	return opts, nil
}

// Build derives a draft from text. Priority is always medium and status to_do.
func Build(text string, opts Options) Draft {
	deadline, found := DetectDeadline(text, opts)
	return Draft{
		Name:         DetectName(text, opts.NameMax),
		Description:  Marker + truncate(text, opts.DescriptionMax),
		Department:   DetectDepartment(text, opts),
		Deadline:     deadline,
		DateDetected: found,
		Priority:     domain.PriorityMedium,
		Status:       domain.StatusToDo,
		Tags:         []string{TagScanned, TagAutomatic},
	}
}

// DetectName returns the first non-blank line cut to max runes.
func DetectName(text string, max int) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return truncate(line, max)
		}
	}
	return FallbackName
}

// DetectDepartment applies the rules in order; the first rule with a keyword
// contained in the lower-cased text wins.
func DetectDepartment(text string, opts Options) domain.Department {
	lower := strings.ToLower(text)
	for _, r := range opts.Rules {
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(lower, kw) {
				return r.Department
			}
		}
	}
	if opts.DefaultDepartment == "" {
		return domain.DepartmentGeneral
	}
	return opts.DefaultDepartment
}

// DetectDeadline returns the date matched by the first layout whose pattern
// occurs in text. A failed parse or no match yields now plus the default span.
func DetectDeadline(text string, opts Options) (time.Time, bool) {
	fallback := opts.Now.Add(opts.DefaultDeadline)
	for _, l := range opts.Layouts {
		match := l.Pattern.FindString(text)
		if match == "" {
			continue
		}
		t, err := time.ParseInLocation(l.Layout, match, opts.Now.Location())
		if err != nil {
			return fallback, false
		}
		return t, true
	}
	return fallback, false
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
