package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"
)

// AlertStatus is the triage state of an ingested alert.
type AlertStatus string

const AlertStatusNew AlertStatus = "new"

// DefaultAlertSeverity is the rank assumed when a raw alert carries none.
const DefaultAlertSeverity = 3

// Alert is a raw alert pulled from the event store and attached to a case.
// Severity is the string-encoded rank, 1 being the highest.
type Alert struct {
	ID        string          `json:"id"`
	AlertID   string          `json:"alert_id"`
	CaseID    *string         `json:"case_id,omitempty"`
	Signature string          `json:"signature"`
	Severity  string          `json:"severity"`
	Category  string          `json:"category"`
	SourceIP  string          `json:"source_ip"`
	DestIP    string          `json:"dest_ip"`
	DestPort  *int            `json:"dest_port,omitempty"`
	Protocol  string          `json:"protocol"`
	Timestamp time.Time       `json:"timestamp"`
	RawData   json.RawMessage `json:"raw_data,omitempty"`
	Status    AlertStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Rank returns the numeric severity rank.
func (a *Alert) Rank() (int, error) {
	rank, err := strconv.Atoi(a.Severity)
	if err != nil {
		return 0, fmt.Errorf("invalid severity %q: %w", a.Severity, err)
	}
	return rank, nil
}

// CorrelationKey is the normalized source IP used to group alerts into cases.
func (a *Alert) CorrelationKey() string {
	return NormalizeIP(a.SourceIP)
}

// NormalizeIP canonicalizes an IP address string. Unparseable input is returned unchanged.
func NormalizeIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().String()
}

var (
	ErrMissingAlertID  = errors.New("alert has no id")
	ErrMissingSourceIP = errors.New("alert has no source ip")
	ErrBadTimestamp    = errors.New("alert timestamp is malformed")
	ErrBadSeverity     = errors.New("alert severity is malformed")
)

// SuricataHit is a search hit holding a Suricata EVE alert document.
type SuricataHit struct {
	ID     string          `json:"_id"`
	Index  string          `json:"_index"`
	Source json.RawMessage `json:"_source"`
	Sort   []any           `json:"sort,omitempty"`
}

type suricataEvent struct {
	Timestamp string `json:"timestamp"`
	SrcIP     string `json:"src_ip"`
	DestIP    string `json:"dest_ip"`
	DestPort  *int   `json:"dest_port"`
	Proto     string `json:"proto"`
	Alert     struct {
		Severity  *json.Number `json:"severity"`
		Signature string       `json:"signature"`
		Category  string       `json:"category"`
	} `json:"alert"`
}

// ParseSuricataHit converts a search hit into an Alert. The hit _id becomes the
// external alert id. Missing severity defaults to DefaultAlertSeverity.
func ParseSuricataHit(hit SuricataHit) (*Alert, int, error) {
	if hit.ID == "" {
		return nil, 0, ErrMissingAlertID
	}

	var ev suricataEvent
	if err := json.Unmarshal(hit.Source, &ev); err != nil {
		return nil, 0, fmt.Errorf("failed to decode alert %s: %w", hit.ID, err)
	}

	if ev.SrcIP == "" {
		return nil, 0, fmt.Errorf("%w: %s", ErrMissingSourceIP, hit.ID)
	}

	rank := DefaultAlertSeverity
	if ev.Alert.Severity != nil {
		n, err := ev.Alert.Severity.Int64()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s: %q", ErrBadSeverity, hit.ID, ev.Alert.Severity.String())
		}
		rank = int(n)
	}

	ts, err := parseTimestamp(ev.Timestamp)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrBadTimestamp, hit.ID, err)
	}

	return &Alert{
		AlertID:   hit.ID,
		Signature: ev.Alert.Signature,
		Severity:  strconv.Itoa(rank),
		Category:  ev.Alert.Category,
		SourceIP:  NormalizeIP(ev.SrcIP),
		DestIP:    ev.DestIP,
		DestPort:  ev.DestPort,
		Protocol:  ev.Proto,
		Timestamp: ts,
		RawData:   hit.Source,
		Status:    AlertStatusNew,
	}, rank, nil
}

// Suricata writes offsets without a colon (2024-01-01T10:00:00.123456+0000).
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
