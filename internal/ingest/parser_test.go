package ingest

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

func TestParseLineFullRecord(t *testing.T) {
	line := `{"transaction":{"time_stamp":"2026-03-01T10:15:30Z","client_ip":"203.0.113.7","host_ip":"10.0.0.5","request":{"method":"POST","uri":"/wp-login.php","headers":{"Host":"blog.example.com:443","X-Proxy-Target":"blog-backend"}},"response":{"http_code":403},"producer":{"intercepted":true},"messages":[{"message":"SQL Injection Attack Detected","details":{"ruleId":"942100","severity":2,"tags":["application-multi","attack-sqli"]}}]}}`

	ev, hosts, err := parseLine([]byte(line))
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	if ev.ClientIP != "203.0.113.7" {
		t.Errorf("ClientIP = %q", ev.ClientIP)
	}
	if ev.RequestMethod != "POST" || ev.RequestURI != "/wp-login.php" {
		t.Errorf("request = %s %s", ev.RequestMethod, ev.RequestURI)
	}
	if ev.AttackType != "sqli" {
		t.Errorf("AttackType = %q, want sqli", ev.AttackType)
	}
	if ev.RuleID != "942100" {
		t.Errorf("RuleID = %q", ev.RuleID)
	}
	if ev.Severity != "CRITICAL" {
		t.Errorf("Severity = %q, want CRITICAL", ev.Severity)
	}
	if ev.Message != "SQL Injection Attack Detected" {
		t.Errorf("Message = %q", ev.Message)
	}
	if !ev.Blocked {
		t.Error("Blocked = false, want true")
	}
	want := time.Date(2026, 3, 1, 10, 15, 30, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", ev.Timestamp, want)
	}
	if ev.RawLog != line {
		t.Error("RawLog does not round-trip the input line")
	}
	wantHosts := []string{"blog-backend", "blog.example.com:443", "10.0.0.5"}
	if !reflect.DeepEqual(hosts, wantHosts) {
		t.Errorf("hosts = %v, want %v", hosts, wantHosts)
	}
}

func severityLine(severity string) string {
	return fmt.Sprintf(`{"transaction":{"time_stamp":"2026-03-01T10:15:30Z","client_ip":"198.51.100.2","request":{"method":"GET","uri":"/"},"response":{"http_code":200},"messages":[{"message":"m","details":{"ruleId":"1","severity":%s,"tags":["attack-rce"]}}]}}`, severity)
}

func TestParseLineSeverityMapping(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{"0", "CRITICAL"},
		{"1", "CRITICAL"},
		{"2", "CRITICAL"},
		{"3", "ERROR"},
		{"4", "WARNING"},
		{"5", "NOTICE"},
		{`"2"`, "CRITICAL"}, // quoted numbers appear in some engine builds
		{`"4"`, "WARNING"},
	}
	for _, tt := range tests {
		ev, _, err := parseLine([]byte(severityLine(tt.severity)))
		if err != nil {
			t.Fatalf("severity %s: %v", tt.severity, err)
		}
		if ev.Severity != tt.want {
			t.Errorf("severity %s mapped to %q, want %q", tt.severity, ev.Severity, tt.want)
		}
	}
}

func TestParseLineAttackTypeClassification(t *testing.T) {
	tests := []struct {
		name string
		tags string
		want string
	}{
		{"first attack tag wins", `["language-php","attack-xss","attack-sqli"]`, "xss"},
		{"non-attack tags", `["paranoia-level/1","OWASP_CRS"]`, "protocol-violation"},
		{"no tags", `[]`, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := fmt.Sprintf(`{"transaction":{"client_ip":"198.51.100.2","messages":[{"message":"m","details":{"ruleId":"1","severity":3,"tags":%s}}]}}`, tt.tags)
			ev, _, err := parseLine([]byte(line))
			if err != nil {
				t.Fatalf("parseLine: %v", err)
			}
			if ev.AttackType != tt.want {
				t.Errorf("AttackType = %q, want %q", ev.AttackType, tt.want)
			}
		})
	}
}

func TestParseLineBlocked(t *testing.T) {
	tests := []struct {
		code        int
		intercepted bool
		want        bool
	}{
		{403, false, true},
		{200, true, true},
		{200, false, false},
		{500, false, false},
	}
	for _, tt := range tests {
		line := fmt.Sprintf(`{"transaction":{"client_ip":"198.51.100.2","response":{"http_code":%d},"producer":{"intercepted":%v},"messages":[{"message":"m","details":{"severity":4,"tags":["attack-lfi"]}}]}}`, tt.code, tt.intercepted)
		ev, _, err := parseLine([]byte(line))
		if err != nil {
			t.Fatalf("parseLine: %v", err)
		}
		if ev.Blocked != tt.want {
			t.Errorf("code=%d intercepted=%v: Blocked = %v, want %v", tt.code, tt.intercepted, ev.Blocked, tt.want)
		}
	}
}

func TestParseLineNumericRuleID(t *testing.T) {
	line := `{"transaction":{"client_ip":"198.51.100.2","messages":[{"message":"m","details":{"ruleId":942100,"severity":"3","tags":["attack-sqli"]}}]}}`
	ev, _, err := parseLine([]byte(line))
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	if ev.RuleID != "942100" {
		t.Errorf("RuleID = %q, want 942100", ev.RuleID)
	}
	if ev.Severity != "ERROR" {
		t.Errorf("Severity = %q, want ERROR", ev.Severity)
	}
}

func TestParseTimestampFormats(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 15, 30, 0, time.UTC)
	tests := []string{
		"2026-03-01T10:15:30Z",
		"2026-03-01T11:15:30+01:00",
		"2026-03-01T11:15:30.000000+0100",
		"01/Mar/2026:10:15:30 +0000",
		"2026-03-01 10:15:30",
		"Sun Mar  1 10:15:30 2026",
		"Sun Mar 01 10:15:30 2026",
	}
	for _, in := range tests {
		got := parseTimestamp(in)
		if !got.Equal(want) {
			t.Errorf("parseTimestamp(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseTimestampFallsBackToNow(t *testing.T) {
	got := parseTimestamp("half past ten")
	if time.Since(got) > time.Minute {
		t.Errorf("fallback timestamp %v is not recent", got)
	}
}

func TestParseLineSkipsNoise(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"empty", "", errNotJSON},
		{"plain text", "2026/03/01 10:15:30 [notice] worker process started", errNotJSON},
		{"broken json", `{"transaction":`, errNotJSON},
		{"no messages", `{"transaction":{"client_ip":"198.51.100.2","messages":[]}}`, errNoMessages},
		{"messages absent", `{"transaction":{"client_ip":"198.51.100.2"}}`, errNoMessages},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseLine([]byte(tt.line))
			if err != tt.want {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseLineHeaderLookupIsCaseInsensitive(t *testing.T) {
	line := `{"transaction":{"client_ip":"198.51.100.2","host_ip":"10.0.0.9","request":{"headers":{"host":"api.example.com","x-proxy-target":"api-backend"}},"messages":[{"message":"m","details":{"severity":4,"tags":["attack-rce"]}}]}}`
	_, hosts, err := parseLine([]byte(line))
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	want := []string{"api-backend", "api.example.com", "10.0.0.9"}
	if !reflect.DeepEqual(hosts, want) {
		t.Errorf("hosts = %v, want %v", hosts, want)
	}
}
