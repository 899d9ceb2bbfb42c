package provider

import (
	"strconv"
	"time"

	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

var twilioStatuses = map[string]status.Status{
	"accepted":    status.Created,
	"queued":      status.Sending,
	"sending":     status.Sending,
	"sent":        status.Sent,
	"delivered":   status.Delivered,
	"undelivered": status.PermanentFailure,
	"failed":      status.TechnicalFailure,
	"received":    status.Received,
}

// Twilio error codes that explain an undelivered or failed message.
var twilioErrorReasons = map[string]string{
	"21211": status.ReasonInvalidNumber,
	"21614": status.ReasonInvalidNumber,
	"30003": status.ReasonUnreachable,
	"30004": status.ReasonBlocked,
	"30005": status.ReasonUnreachable,
	"30006": status.ReasonInvalidNumber,
	"30007": status.ReasonBlocked,
}

// Twilio translates status callbacks posted to the Twilio webhook.
type Twilio struct{}

func (Twilio) Name() string { return "twilio" }

func (t Twilio) Translate(raw []byte) (*Record, error) {
	values, err := decodeForm(t.Name(), raw)
	if err != nil {
		return nil, err
	}
	if err := requireFields(t.Name(), values, "MessageSid", "MessageStatus"); err != nil {
		return nil, err
	}

	token := values.Get("MessageStatus")
	st, ok := twilioStatuses[token]
	if !ok {
		return nil, &UnknownStatusError{Provider: t.Name(), Token: token}
	}

	rec := &Record{
		Provider:     t.Name(),
		SentBy:       "twilio",
		Reference:    values.Get("MessageSid"),
		RecordStatus: token,
		Status:       st,
		Payload:      formPayload(values),
		MessageParts: 1,
	}

	if parts, err := strconv.Atoi(values.Get("NumSegments")); err == nil && parts > 0 {
		rec.MessageParts = parts
	}

	// RawDlrDoneDate is the carrier's YYMMDDhhmm completion time.
	if done := values.Get("RawDlrDoneDate"); done != "" {
		if ts, err := time.Parse("0601021504", done); err == nil {
			rec.EventTimestamp = ts.UTC()
		}
	}

	if st == status.PermanentFailure || st == status.TechnicalFailure {
		rec.FailureCategory = status.CategoryOther
		rec.StatusReason = status.ReasonUndeliverable
		if reason, ok := twilioErrorReasons[values.Get("ErrorCode")]; ok {
			rec.StatusReason = reason
		}
	}

	return rec, nil
}

var mmgStatuses = map[string]status.Status{
	"2": status.PermanentFailure,
	"3": status.Delivered,
	"4": status.TemporaryFailure,
	"5": status.PermanentFailure,
}

// MMG translates MMG delivery receipts.
type MMG struct{}

func (MMG) Name() string { return "mmg" }

func (m MMG) Translate(raw []byte) (*Record, error) {
	values, err := decodeForm(m.Name(), raw)
	if err != nil {
		return nil, err
	}
	if err := requireFields(m.Name(), values, "CID", "status"); err != nil {
		return nil, err
	}

	token := values.Get("status")
	st, ok := mmgStatuses[token]
	if !ok {
		return nil, &UnknownStatusError{Provider: m.Name(), Token: token}
	}

	rec := &Record{
		Provider:     m.Name(),
		SentBy:       "mmg",
		Reference:    values.Get("CID"),
		RecordStatus: token,
		Status:       st,
		Payload:      formPayload(values),
		MessageParts: 1,
	}
	if st == status.PermanentFailure || st == status.TemporaryFailure {
		rec.FailureCategory = status.CategoryOther
		rec.StatusReason = status.ReasonUndeliverable
	}
	return rec, nil
}

var firetextStatuses = map[string]status.Status{
	"0": status.Delivered,
	"1": status.PermanentFailure,
	"2": status.Pending,
}

// Firetext translates Firetext delivery receipts.
type Firetext struct{}

func (Firetext) Name() string { return "firetext" }

func (f Firetext) Translate(raw []byte) (*Record, error) {
	values, err := decodeForm(f.Name(), raw)
	if err != nil {
		return nil, err
	}
	if err := requireFields(f.Name(), values, "reference", "status"); err != nil {
		return nil, err
	}

	token := values.Get("status")
	st, ok := firetextStatuses[token]
	if !ok {
		return nil, &UnknownStatusError{Provider: f.Name(), Token: token}
	}

	rec := &Record{
		Provider:     f.Name(),
		SentBy:       "firetext",
		Reference:    values.Get("reference"),
		RecordStatus: token,
		Status:       st,
		Payload:      formPayload(values),
		MessageParts: 1,
	}
	if st == status.PermanentFailure {
		rec.FailureCategory = status.CategoryOther
		rec.StatusReason = status.ReasonUndeliverable
	}
	return rec, nil
}
