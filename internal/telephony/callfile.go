package telephony

import (
	"errors"
	"path/filepath"
	"strconv"
	"strings"

	"faxbridge/internal/fax"
)

// CallFileExt is the extension the dialer watches for.
const CallFileExt = ".call"

// ppidHeaderKey is the dialplan variable that adds a P-Preferred-Identity header.
const ppidHeaderKey = "Set:PJSIP_HEADER(add,P-Preferred-Identity)"

// CallPolicy holds the fixed dial parameters of every outbound fax attempt.
type CallPolicy struct {
	MaxRetries int
	RetryTime  int // seconds between attempts
	WaitTime   int // seconds to wait for answer
	Archive    bool
	Context    string
	Extension  string
	Priority   int
}

// DefaultCallPolicy dials once and leaves retries to the operator.
var DefaultCallPolicy = CallPolicy{
	MaxRetries: 0,
	RetryTime:  60,
	WaitTime:   45,
	Archive:    true,
	Context:    "fax",
	Extension:  "out",
	Priority:   1,
}

// CallFileRequest carries the inputs of one outbound dial attempt.
type CallFileRequest struct {
	Routing     fax.RoutingNumber
	JobID       int64
	FaxFile     string
	Destination string
}

// BuildCallFile renders the call file for req using DefaultCallPolicy.
func BuildCallFile(req CallFileRequest) (string, error) {
	return DefaultCallPolicy.Render(req)
}

// Render produces the dialer call file. Output is deterministic; the
// P-Preferred-Identity line is present only when the routing number defines
// a header, because the dialer rejects an empty one.
func (p CallPolicy) Render(req CallFileRequest) (string, error) {
	if strings.TrimSpace(req.Destination) == "" {
		return "", errors.New("telephony: destination required")
	}
	if strings.TrimSpace(req.Routing.EndpointID) == "" {
		return "", errors.New("telephony: routing number has no endpoint")
	}
	if strings.TrimSpace(req.Routing.FullNumber) == "" {
		return "", errors.New("telephony: routing number has no full number")
	}
	if req.FaxFile == "" {
		return "", errors.New("telephony: fax file required")
	}
	for _, v := range []string{req.Destination, req.Routing.EndpointID, req.Routing.FullNumber, req.Routing.HeaderPPID, req.FaxFile} {
		if strings.ContainsAny(v, "\r\n") {
			return "", errors.New("telephony: line break in call file value")
		}
	}

	archive := "no"
	if p.Archive {
		archive = "yes"
	}

	var b strings.Builder
	line := func(key, value string) {
		b.WriteString(key)
		b.WriteByte(':')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	line("Channel", "PJSIP/"+req.Destination+"@"+req.Routing.EndpointID)
	line("CallerID", `"`+req.Routing.FullNumber+`"<`+req.Routing.FullNumber+`>`)
	line("MaxRetries", strconv.Itoa(p.MaxRetries))
	line("RetryTime", strconv.Itoa(p.RetryTime))
	line("WaitTime", strconv.Itoa(p.WaitTime))
	line("Archive", archive)
	line("Context", p.Context)
	line("Extension", p.Extension)
	line("Priority", strconv.Itoa(p.Priority))
	line("Set", "FAXID="+strconv.FormatInt(req.JobID, 10))
	line("Set", "FAXFILE="+req.FaxFile)
	if req.Routing.HeaderPPID != "" {
		b.WriteString(ppidHeaderKey)
		b.WriteByte('=')
		b.WriteString(escapeSemicolons(req.Routing.HeaderPPID))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// The dialer splits Set: values on ';'.
func escapeSemicolons(s string) string {
	return strings.ReplaceAll(s, ";", `\;`)
}

// CallFilePath derives the call file path from the converted fax image path.
func CallFilePath(faxFile string) string {
	return strings.TrimSuffix(faxFile, filepath.Ext(faxFile)) + CallFileExt
}
