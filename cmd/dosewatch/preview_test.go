package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"dosewatch/internal/schedule"
)

func TestPrintPreview(t *testing.T) {
	t.Parallel()
	list := []schedule.Schedule{{
		ID:           "s1",
		MedicineName: "Amoxicillin",
		Dosage:       "250mg",
		Time:         "08:00",
		Frequency:    schedule.Every8h,
		StartDate:    "2024-03-01",
		Duration:     5,
		Email:        "pat@example.com",
	}}
	now := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	if err := printPreview(&buf, list, "", now, 25*time.Hour, time.UTC); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"s1|2024-03-01|0", "s1|2024-03-01|1", "s1|2024-03-01|2", "Fri 2024-03-01 16:00 UTC"} {
		if !strings.Contains(out, want) {
			t.Fatalf("preview missing %q:\n%s", want, out)
		}
	}

	if err := printPreview(&buf, list, "nope", now, time.Hour, time.UTC); err == nil {
		t.Fatal("unknown id must fail")
	}
}
