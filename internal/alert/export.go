package alert

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatSIEM = "siem"
)

// CEF header identity.
const (
	cefVendor  = "DriftGuard"
	cefProduct = "driftguard"
	cefVersion = "1.0"
)

var csvHeader = []string{
	"id", "timestamp", "severity", "category", "title", "description", "source", "environment",
	"status", "assignee", "escalation_level", "correlation_id", "related_alert_ids", "response_actions",
	"updated_at", "resolved_at",
}

// Export renders alerts as json, csv, or siem (one CEF line per alert).
func Export(alerts []*Alert, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case FormatJSON:
		if alerts == nil {
			alerts = []*Alert{}
		}
		return json.MarshalIndent(alerts, "", "  ")
	case FormatCSV:
		return exportCSV(alerts)
	case FormatSIEM:
		return exportCEF(alerts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func exportCSV(alerts []*Alert) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, a := range alerts {
		actions := make([]string, 0, len(a.ResponseActions))
		for _, ra := range a.ResponseActions {
			actions = append(actions, ra.Action+":"+string(ra.Status))
		}
		resolved := ""
		if a.ResolvedAt != nil {
			resolved = a.ResolvedAt.Format(time.RFC3339Nano)
		}
		rec := []string{
			a.ID, a.Timestamp.Format(time.RFC3339Nano), string(a.Severity), a.Category, a.Title, a.Description,
			a.Source, a.Environment, string(a.Status), a.Assignee, strconv.Itoa(a.EscalationLevel),
			a.CorrelationID, strings.Join(a.RelatedAlertIDs, ";"), strings.Join(actions, ";"),
			a.UpdatedAt.Format(time.RFC3339Nano), resolved,
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// cefSeverity maps alert severity onto the CEF 0-10 scale.
func cefSeverity(s Severity) int {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 8
	case SeverityMedium:
		return 5
	default:
		return 3
	}
}

func exportCEF(alerts []*Alert) []byte {
	var buf bytes.Buffer
	for _, a := range alerts {
		fmt.Fprintf(&buf, "CEF:0|%s|%s|%s|%s|%s|%d|",
			cefHeader(cefVendor), cefHeader(cefProduct), cefHeader(cefVersion),
			cefHeader(a.Category), cefHeader(a.Title), cefSeverity(a.Severity))
		ext := [][2]string{
			{"rt", strconv.FormatInt(a.Timestamp.UnixMilli(), 10)},
			{"externalId", a.ID},
			{"cat", a.Category},
			{"msg", a.Description},
			{"src", a.Source},
			{"cs1Label", "environment"},
			{"cs1", a.Environment},
			{"cs2Label", "status"},
			{"cs2", string(a.Status)},
			{"cs3Label", "correlationId"},
			{"cs3", a.CorrelationID},
			{"cn1Label", "escalationLevel"},
			{"cn1", strconv.Itoa(a.EscalationLevel)},
		}
		if a.Assignee != "" {
			ext = append(ext, [2]string{"suser", a.Assignee})
		}
		parts := make([]string, 0, len(ext))
		for _, kv := range ext {
			if kv[1] == "" {
				continue
			}
			parts = append(parts, kv[0]+"="+cefExtension(kv[1]))
		}
		buf.WriteString(strings.Join(parts, " "))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

var (
	cefHeaderEscaper    = strings.NewReplacer(`\`, `\\`, `|`, `\|`, "\r", " ", "\n", " ")
	cefExtensionEscaper = strings.NewReplacer(`\`, `\\`, `=`, `\=`, "\r\n", `\n`, "\n", `\n`, "\r", `\r`)
)

func cefHeader(s string) string    { return cefHeaderEscaper.Replace(s) }
func cefExtension(s string) string { return cefExtensionEscaper.Replace(s) }
