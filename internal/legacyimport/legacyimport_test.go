package legacyimport

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/ingest"
	"github.com/fleetmeter/fleetmeter/internal/store"
	"github.com/fleetmeter/fleetmeter/internal/syncset"
)

func TestImportAppliesStartAndStopEvents(t *testing.T) {
	r := ingest.New(store.NewMemoryStore(), syncset.New(nil))
	ctx := context.Background()

	log := strings.Join([]string{
		"UPID:pve1:00001234:00005678:5FB3A500:qmstart:100:root@pam:",
		"UPID:pve1:00001235:00005679:5FB3B000:qmstop:100:root@pam:",
		"not a upid line at all",
	}, "\n")

	result, err := Import(ctx, r, "pve1", strings.NewReader(log))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if result.LinesRead != 3 {
		t.Fatalf("expected 3 lines read, got %d", result.LinesRead)
	}
	if result.EventsParsed != 2 {
		t.Fatalf("expected 2 recognized UPID lines, got %d", result.EventsParsed)
	}
	if result.StartsApplied != 1 || result.StopsApplied != 1 {
		t.Fatalf("expected 1 start and 1 stop applied, got %+v", result)
	}

	stopAgain, err := r.VMStop(ctx, "pve1", "100", time.Now())
	if err != nil {
		t.Fatalf("VMStop sanity check: %v", err)
	}
	if stopAgain.SessionID != "" {
		t.Fatalf("expected no open session remaining after the imported stop")
	}
}

func TestParseHexUnixTime(t *testing.T) {
	const hex = "5FB3A500"

	got, err := parseHexUnixTime(hex)
	if err != nil {
		t.Fatalf("parseHexUnixTime: %v", err)
	}

	secs, err := strconv.ParseInt(hex, 16, 64)
	if err != nil {
		t.Fatalf("strconv.ParseInt: %v", err)
	}
	want := time.Unix(secs, 0).UTC()
	if !got.Equal(want) {
		t.Fatalf("parseHexUnixTime = %v, want %v", got, want)
	}
}

func TestParseHexUnixTimeRejectsGarbage(t *testing.T) {
	if _, err := parseHexUnixTime("not-hex"); err == nil {
		t.Fatalf("expected error for non-hex input")
	}
}
