package incoming

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"faxbridge/internal/fax"
)

// Metadata is the sidecar the telephony side writes next to a received fax.
//
//	{"faxfile": "in-123.tiff", "time": 1700000000, "from": "+15550002222",
//	 "to": "+15551230000", "tenant": 42}
//
// faxfile may be absolute or relative to the inbound directory; either way
// it must name a file directly inside that directory.
type Metadata struct {
	FaxFile string    `json:"faxfile"`
	Time    int64     `json:"time"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Tenant  TenantRef `json:"tenant"`
}

// TenantRef accepts the tenant either as a JSON string or a JSON number.
type TenantRef string

func (t *TenantRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = TenantRef(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("tenant must be a string or number: %w", err)
	}
	*t = TenantRef(n.String())
	return nil
}

func (m Metadata) ReceivedAt() time.Time {
	return time.Unix(m.Time, 0).UTC()
}

// ParseMetadata decodes and validates a sidecar read from path. The returned
// metadata has FaxFile resolved to an absolute path inside inbox.
func ParseMetadata(path string, data []byte, inbox string) (Metadata, error) {
	var m Metadata
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return Metadata{}, &fax.MalformedMetadataError{Path: path, Reason: "invalid json", Err: err}
	}

	m.FaxFile = strings.TrimSpace(m.FaxFile)
	m.To = strings.TrimSpace(m.To)
	m.From = strings.TrimSpace(m.From)

	switch {
	case m.FaxFile == "":
		return Metadata{}, &fax.MalformedMetadataError{Path: path, Reason: "faxfile missing"}
	case m.Time <= 0:
		return Metadata{}, &fax.MalformedMetadataError{Path: path, Reason: "time must be positive epoch seconds"}
	case m.To == "":
		return Metadata{}, &fax.MalformedMetadataError{Path: path, Reason: "to missing"}
	case m.Tenant == "":
		return Metadata{}, &fax.MalformedMetadataError{Path: path, Reason: "tenant missing"}
	}

	doc := m.FaxFile
	if !filepath.IsAbs(doc) {
		doc = filepath.Join(inbox, doc)
	}
	doc = filepath.Clean(doc)
	if filepath.Dir(doc) != filepath.Clean(inbox) {
		return Metadata{}, &fax.MalformedMetadataError{Path: path, Reason: fmt.Sprintf("faxfile %q outside inbound directory", m.FaxFile)}
	}
	if strings.EqualFold(filepath.Ext(doc), ".json") {
		return Metadata{}, &fax.MalformedMetadataError{Path: path, Reason: "faxfile points at a sidecar"}
	}
	m.FaxFile = doc
	return m, nil
}
