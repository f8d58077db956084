package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Export formats supported by Export.
const (
	FormatJSON   = "json"
	FormatCSV    = "csv"
	FormatSyslog = "syslog"
)

// Query returns in-memory entries matching f in chain order.
func (l *Ledger) Query(f Filter) []*Entry {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	out := []*Entry{}
	for _, e := range l.entries {
		if !f.Match(e) {
			continue
		}
		out = append(out, e.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Get returns the in-memory entry with the given id.
func (l *Ledger) Get(id string) (*Entry, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ID == id {
			return l.entries[i].clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Export renders the entries matching f in the requested format.
func (l *Ledger) Export(f Filter, format string) ([]byte, error) {
	return ExportEntries(l.Query(f), format)
}

// ExportEntries renders entries as json, csv or RFC 5424 syslog lines.
func ExportEntries(entries []*Entry, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case FormatJSON:
		return json.MarshalIndent(entries, "", "  ")
	case FormatCSV:
		return exportCSV(entries)
	case FormatSyslog:
		return exportSyslog(entries), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

var csvHeader = []string{
	"id", "sequence", "timestamp", "event_type", "severity", "actor", "source",
	"target_type", "target_id", "action", "description", "before", "after",
	"hash", "previous_hash", "signature", "algorithm", "signer_id",
	"retention_policy", "retention_days", "legal_hold",
}

func exportCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		rec := []string{
			e.ID,
			strconv.FormatUint(e.Sequence, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.EventType,
			string(e.Severity),
			e.Actor,
			e.Source,
			e.Target.Type,
			e.Target.ID,
			e.Action,
			e.Description,
			string(e.Before),
			string(e.After),
			e.Integrity.Hash,
			e.Integrity.PreviousHash,
			e.Integrity.Signature,
			e.Integrity.Algorithm,
			e.Integrity.SignerID,
			e.Retention.Policy,
			strconv.Itoa(e.Retention.RetentionDays),
			strconv.FormatBool(e.Retention.LegalHold),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// syslog severities (RFC 5424) for facility local0.
var syslogSeverity = map[Severity]int{
	SeverityInfo:     6,
	SeverityLow:      5,
	SeverityMedium:   4,
	SeverityHigh:     3,
	SeverityCritical: 2,
}

const syslogFacilityLocal0 = 16

func exportSyslog(entries []*Entry) []byte {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	var buf bytes.Buffer
	for _, e := range entries {
		sev, ok := syslogSeverity[e.Severity]
		if !ok {
			sev = 6
		}
		fmt.Fprintf(&buf, "<%d>1 %s %s driftguard - %s [driftguard@0 event_type=\"%s\" severity=\"%s\" actor=\"%s\" target=\"%s:%s\" sequence=\"%d\" hash=\"%s\"] %s\n",
			syslogFacilityLocal0*8+sev,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			hostname,
			e.EventType,
			sdEscape(e.EventType),
			e.Severity,
			sdEscape(e.Actor),
			sdEscape(e.Target.Type),
			sdEscape(e.Target.ID),
			e.Sequence,
			e.Integrity.Hash,
			singleLine(e.Description),
		)
	}
	return buf.Bytes()
}

var sdReplacer = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `]`, `\]`)

// sdEscape escapes an RFC 5424 structured-data parameter value.
func sdEscape(s string) string { return sdReplacer.Replace(singleLine(s)) }

func singleLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
