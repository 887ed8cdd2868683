// Package seeder generates synthetic Suricata EVE alerts for development
// and demo environments.
package seeder

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// Signature is a Suricata rule the generator can emit alerts for.
type Signature struct {
	ID       int
	Name     string
	Category string
	Severity int
	DestPort int
	Proto    string
}

// Signatures is the catalogue of emitted alerts. Severity follows Suricata
// ranks (1 most severe).
var Signatures = []Signature{
	{2001219, "ET SCAN Potential SSH Scan", "Attempted Information Leak", 2, 22, "TCP"},
	{2019876, "ET SCAN SSH BruteForce Tool with fake PUTTY version", "Attempted Administrator Privilege Gain", 1, 22, "TCP"},
	{2024364, "ET SCAN Possible Nmap User-Agent Observed", "Web Application Attack", 2, 80, "TCP"},
	{2010935, "ET SCAN Suspicious inbound to MSSQL port 1433", "Potentially Bad Traffic", 2, 1433, "TCP"},
	{2027865, "ET INFO Observed DNS Query to .cloud TLD", "Potentially Bad Traffic", 3, 53, "UDP"},
	{2013028, "ET POLICY curl User-Agent Outbound", "Attempted Information Leak", 3, 80, "TCP"},
	{2100498, "GPL ATTACK_RESPONSE id check returned root", "Potentially Bad Traffic", 1, 80, "TCP"},
	{2221010, "SURICATA HTTP unable to match response to request", "Generic Protocol Command Decode", 4, 80, "TCP"},
}

// Config controls one generation run.
type Config struct {
	// Count is the number of background alerts from random sources.
	Count int
	// Spread distributes timestamps over [now-Spread, now].
	Spread time.Duration
	// BurstIP, when set, adds BurstCount alerts from this single source.
	BurstIP    string
	BurstCount int
}

// Generator builds EVE alert documents.
type Generator struct {
	faker *gofakeit.Faker
	now   func() time.Time
}

// NewGenerator creates a generator. A zero seed is random.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		faker: gofakeit.New(seed),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Intended for tests.
func (g *Generator) SetClock(now func() time.Time) {
	g.now = now
}

// Generate returns the documents for cfg. Every document carries an "_id".
func (g *Generator) Generate(cfg Config) []map[string]any {
	now := g.now()
	docs := make([]map[string]any, 0, cfg.Count+cfg.BurstCount)

	for range cfg.Count {
		docs = append(docs, g.Alert(g.timestamp(now, cfg.Spread), g.faker.IPv4Address()))
	}
	if cfg.BurstIP != "" {
		for range cfg.BurstCount {
			docs = append(docs, g.Alert(g.timestamp(now, cfg.Spread), cfg.BurstIP))
		}
	}
	return docs
}

// Alert builds one EVE alert document from srcIP at ts.
func (g *Generator) Alert(ts time.Time, srcIP string) map[string]any {
	sig := Signatures[g.faker.IntRange(0, len(Signatures)-1)]
	return map[string]any{
		"_id":        g.faker.UUID(),
		"timestamp":  ts.Format("2006-01-02T15:04:05.000000-0700"),
		"event_type": "alert",
		"flow_id":    g.faker.IntRange(1, 1<<30),
		"in_iface":   "eth0",
		"src_ip":     srcIP,
		"src_port":   g.faker.IntRange(1024, 65535),
		"dest_ip":    g.faker.IPv4Address(),
		"dest_port":  sig.DestPort,
		"proto":      sig.Proto,
		"alert": map[string]any{
			"action":       "allowed",
			"gid":          1,
			"signature_id": sig.ID,
			"rev":          g.faker.IntRange(1, 9),
			"signature":    sig.Name,
			"category":     sig.Category,
			"severity":     sig.Severity,
		},
	}
}

func (g *Generator) timestamp(now time.Time, spread time.Duration) time.Time {
	if spread <= 0 {
		return now
	}
	return now.Add(-time.Duration(g.faker.IntRange(0, int(spread/time.Millisecond))) * time.Millisecond)
}
