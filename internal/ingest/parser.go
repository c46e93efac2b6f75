package ingest

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/warden/internal/store"
)

// Skip sentinels. Non-JSON lines are engine startup noise; objects without
// messages are transactions that triggered no rule.
var (
	errNotJSON    = stderrors.New("line is not a JSON object")
	errNoMessages = stderrors.New("transaction has no messages")
)

// auditRecord is the slice of the ModSecurity audit JSON the pipeline
// consumes. Unknown fields are ignored.
type auditRecord struct {
	Transaction struct {
		TimeStamp string `json:"time_stamp"`
		ClientIP  string `json:"client_ip"`
		HostIP    string `json:"host_ip"`
		Request   struct {
			Method  string            `json:"method"`
			URI     string            `json:"uri"`
			Headers map[string]string `json:"headers"`
		} `json:"request"`
		Response struct {
			HTTPCode int `json:"http_code"`
		} `json:"response"`
		Producer struct {
			Intercepted bool `json:"intercepted"`
		} `json:"producer"`
		Messages []auditMessage `json:"messages"`
	} `json:"transaction"`
}

type auditMessage struct {
	Message string `json:"message"`
	Details struct {
		RuleID   flexString `json:"ruleId"`
		Severity flexInt    `json:"severity"`
		Tags     []string   `json:"tags"`
	} `json:"details"`
}

// flexInt accepts 2 and "2". ModSecurity emits numbers or quoted numbers
// depending on version.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

// flexString accepts "942100" and 942100.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(b)
	return nil
}

// timeLayouts covers the formats ModSecurity builds emit, plus ISO-8601.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999-0700",
	time.ANSIC,
	time.UnixDate,
	"Mon Jan 02 15:04:05 2006",
	"02/Jan/2006:15:04:05 -0700",
	"2006-01-02 15:04:05",
}

// parseLine normalizes one audit-log line. It returns the event plus the
// proxy-resolution candidates in priority order: X-Proxy-Target header,
// Host header, host_ip.
func parseLine(line []byte) (*store.WAFEvent, []string, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil, errNotJSON
	}
	var rec auditRecord
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, nil, errNotJSON
	}
	tx := &rec.Transaction
	if len(tx.Messages) == 0 {
		return nil, nil, errNoMessages
	}

	primary := tx.Messages[0]
	ev := &store.WAFEvent{
		Timestamp:     parseTimestamp(tx.TimeStamp),
		ClientIP:      strings.TrimSpace(tx.ClientIP),
		RequestMethod: tx.Request.Method,
		RequestURI:    tx.Request.URI,
		AttackType:    attackType(primary.Details.Tags),
		RuleID:        string(primary.Details.RuleID),
		Severity:      severityName(int(primary.Details.Severity)),
		Message:       primary.Message,
		RawLog:        string(trimmed),
		Blocked:       tx.Response.HTTPCode == 403 || tx.Producer.Intercepted,
	}

	hosts := []string{
		headerValue(tx.Request.Headers, "X-Proxy-Target"),
		headerValue(tx.Request.Headers, "Host"),
		tx.HostIP,
	}
	return ev, hosts, nil
}

// attackType picks the classification from the rule tags: the first
// attack-* tag wins, any other tag means a protocol violation.
func attackType(tags []string) string {
	for _, t := range tags {
		if strings.HasPrefix(t, "attack-") {
			return strings.TrimPrefix(t, "attack-")
		}
	}
	if len(tags) > 0 {
		return "protocol-violation"
	}
	return "unknown"
}

// severityName maps ModSecurity numeric severity onto the event vocabulary.
func severityName(n int) string {
	switch {
	case n <= 2:
		return "CRITICAL"
	case n == 3:
		return "ERROR"
	case n == 4:
		return "WARNING"
	default:
		return "NOTICE"
	}
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
