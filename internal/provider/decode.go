package provider

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

func decodeBase64(provider string, raw []byte) ([]byte, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return nil, missing(provider, "body")
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return nil, malformed(provider, "invalid base64", err)
}

// decodeForm handles the base64(form-urlencoded) bodies that carrier style
// callbacks are queued with.
func decodeForm(provider string, raw []byte) (url.Values, error) {
	decoded, err := decodeBase64(provider, raw)
	if err != nil {
		return nil, err
	}

	values, err := url.ParseQuery(string(decoded))
	if err != nil {
		return nil, malformed(provider, "invalid form body", err)
	}
	if len(values) == 0 {
		return nil, malformed(provider, "empty form body", nil)
	}
	return values, nil
}

func requireFields(provider string, values url.Values, fields ...string) error {
	var errs []error
	for _, f := range fields {
		if strings.TrimSpace(values.Get(f)) == "" {
			errs = append(errs, missing(provider, f))
		}
	}
	return errors.Join(errs...)
}

// formPayload renders form values as a flat JSON object for callbacks.
func formPayload(values url.Values) json.RawMessage {
	flat := make(map[string]string, len(values))
	for k := range values {
		flat[k] = values.Get(k)
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func decodeJSON(provider string, raw []byte, v any) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return missing(provider, "body")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return malformed(provider, "invalid json", err)
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
}

// flexTime accepts the timestamp shapes providers use: epoch milliseconds as a
// number or string, RFC 3339, and SNS's space separated form.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	parsed, err := parseTimestamp(s)
	if err != nil {
		return err
	}
	*t = flexTime(parsed)
	return nil
}

func (t flexTime) Time() time.Time { return time.Time(t) }

func parseTimestamp(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// flexInt accepts integers sent either as JSON numbers or strings.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("invalid integer %q", s)
		}
		v = int(f)
	}
	*n = flexInt(v)
	return nil
}
