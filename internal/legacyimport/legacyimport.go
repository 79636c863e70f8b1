// Package legacyimport is a one-shot importer for an older, parallel
// log-based ingestion path. It is never wired as a live ingestion route:
// it only parses a Proxmox task-log file and replays the events it finds
// through the same Reconciler operations vm_start/vm_stop/vm_states use.
package legacyimport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/domain"
	"github.com/fleetmeter/fleetmeter/internal/ingest"
	"github.com/fleetmeter/fleetmeter/internal/logging"
)

// upidPattern matches a Proxmox UPID task-log line:
//
//	UPID:NODE:PID:PSTART:STARTTIME:TYPE:VMID:USER:
//
// STARTTIME is a hex-encoded Unix timestamp.
var upidPattern = regexp.MustCompile(
	`^UPID:(?P<node>[^:]+):(?P<pid>[^:]+):(?P<pstart>[^:]+):` +
		`(?P<starttime>[^:]+):(?P<type>[^:]+):(?P<vmid>[^:]*):(?P<user>[^:]*):?`,
)

var startEventTypes = map[string]bool{"qmstart": true, "vzstart": true}
var stopEventTypes = map[string]bool{
	"qmstop": true, "qmshutdown": true, "qmdestroy": true,
	"vzstop": true, "vzshutdown": true,
}

// Result summarizes one import run.
type Result struct {
	LinesRead    int
	EventsParsed int
	StartsApplied int
	StopsApplied  int
	Skipped       int
}

// ImportFile reads a Proxmox task-log file at path line by line and replays
// every recognized start/stop event through reconciler, under node (the
// node the log file was collected from — the log format itself does carry
// a node name per line, but a single log file is always one node's export).
func ImportFile(ctx context.Context, reconciler *ingest.Reconciler, node, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open legacy log: %w", err)
	}
	defer f.Close()
	return Import(ctx, reconciler, node, f)
}

// Import reads lines from r and replays recognized events. It is separated
// from ImportFile so tests can feed an in-memory reader.
func Import(ctx context.Context, reconciler *ingest.Reconciler, node string, r io.Reader) (*Result, error) {
	scanner := bufio.NewScanner(r)
	result := &Result{}

	for scanner.Scan() {
		result.LinesRead++
		line := scanner.Text()

		match := upidPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		result.EventsParsed++

		vmID := match[upidPattern.SubexpIndex("vmid")]
		eventType := match[upidPattern.SubexpIndex("type")]
		startTimeHex := match[upidPattern.SubexpIndex("starttime")]

		if vmID == "" {
			result.Skipped++
			continue
		}

		ts, err := parseHexUnixTime(startTimeHex)
		if err != nil {
			logging.Op().Warn("legacy import: unparseable timestamp, skipping line", "line", line, "error", err)
			result.Skipped++
			continue
		}

		kind := domain.KindFullVM
		if eventType == "vzstart" || eventType == "vzstop" || eventType == "vzshutdown" {
			kind = domain.KindContainer
		}

		switch {
		case startEventTypes[eventType]:
			if _, err := reconciler.VMStart(ctx, node, vmID, "", kind, ts); err != nil {
				return result, fmt.Errorf("legacy import: vm-start for %s: %w", vmID, err)
			}
			result.StartsApplied++

		case stopEventTypes[eventType]:
			if _, err := reconciler.VMStop(ctx, node, vmID, ts); err != nil {
				return result, fmt.Errorf("legacy import: vm-stop for %s: %w", vmID, err)
			}
			result.StopsApplied++

		default:
			result.Skipped++
		}
	}

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read legacy log: %w", err)
	}
	return result, nil
}

func parseHexUnixTime(hex string) (time.Time, error) {
	secs, err := strconv.ParseInt(hex, 16, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
