package provider

import (
	"encoding/json"
	"strings"

	"github.com/lalithlochan/nimbus-receipts/internal/status"
)

// SNSSMS translates SNS SMS delivery status logs.
type SNSSMS struct{}

type snsSMSEvent struct {
	Notification struct {
		MessageID string   `json:"messageId"`
		Timestamp flexTime `json:"timestamp"`
	} `json:"notification"`
	Delivery struct {
		PriceInUSD           float64 `json:"priceInUSD"`
		NumberOfMessageParts flexInt `json:"numberOfMessageParts"`
		ProviderResponse     string  `json:"providerResponse"`
	} `json:"delivery"`
	Status string `json:"status"`
}

type failureMapping struct {
	status status.Status
	reason string
}

// Provider responses SNS reports with a FAILURE status. Anything not listed
// is treated as a technical failure.
var snsFailureResponses = map[string]failureMapping{
	"Blocked as spam by phone carrier":                   {status.PermanentFailure, status.ReasonBlocked},
	"Destination is on a blocked list":                   {status.PermanentFailure, status.ReasonBlocked},
	"Phone carrier has blocked this message":             {status.PermanentFailure, status.ReasonBlocked},
	"Phone has blocked SMS":                              {status.PermanentFailure, status.ReasonBlocked},
	"Phone is on a blocked list":                         {status.PermanentFailure, status.ReasonBlocked},
	"Phone number is opted out":                          {status.PermanentFailure, status.ReasonBlocked},
	"Invalid phone number":                               {status.PermanentFailure, status.ReasonInvalidNumber},
	"Phone carrier is currently unreachable/unavailable": {status.TemporaryFailure, status.ReasonUnreachable},
	"Phone is currently unreachable/unavailable":         {status.TemporaryFailure, status.ReasonUnreachable},
	"Unknown error attempting to reach phone":            {status.TemporaryFailure, status.ReasonUnreachable},
}

func (SNSSMS) Name() string { return "sns-sms" }

func (p SNSSMS) Translate(raw []byte) (*Record, error) {
	var ev snsSMSEvent
	if err := decodeJSON(p.Name(), raw, &ev); err != nil {
		return nil, err
	}
	if ev.Notification.MessageID == "" {
		return nil, missing(p.Name(), "notification.messageId")
	}

	rec := &Record{
		Provider:          p.Name(),
		SentBy:            "sns",
		Reference:         ev.Notification.MessageID,
		RecordStatus:      ev.Status,
		Payload:           json.RawMessage(raw),
		MessageParts:      int(ev.Delivery.NumberOfMessageParts),
		PriceInMillicents: ev.Delivery.PriceInUSD * 100000,
		EventTimestamp:    ev.Notification.Timestamp.Time(),
	}

	switch ev.Status {
	case "SUCCESS":
		rec.Status = status.Delivered
	case "FAILURE":
		m, ok := snsFailureResponses[ev.Delivery.ProviderResponse]
		if !ok {
			m = failureMapping{status.TechnicalFailure, status.ReasonUndeliverable}
		}
		rec.Status = m.status
		rec.StatusReason = m.reason
		rec.FailureCategory = status.CategoryOther
	case "":
		return nil, missing(p.Name(), "status")
	default:
		return nil, &UnknownStatusError{Provider: p.Name(), Token: ev.Status}
	}

	return rec, nil
}

// SES translates SES event notifications delivered through SNS.
type SES struct{}

type sesEvent struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string   `json:"messageId"`
		Timestamp flexTime `json:"timestamp"`
	} `json:"mail"`
	Bounce *struct {
		BounceType    string `json:"bounceType"`
		BounceSubType string `json:"bounceSubType"`
	} `json:"bounce"`
	Complaint *struct {
		FeedbackID            string   `json:"feedbackId"`
		ComplaintFeedbackType string   `json:"complaintFeedbackType"`
		Timestamp             flexTime `json:"timestamp"`
	} `json:"complaint"`
}

func (SES) Name() string { return "sns-ses" }

func (p SES) Translate(raw []byte) (*Record, error) {
	var ev sesEvent
	if err := decodeJSON(p.Name(), raw, &ev); err != nil {
		return nil, err
	}

	eventType := ev.EventType
	if eventType == "" {
		eventType = ev.NotificationType
	}
	if eventType == "" {
		return nil, missing(p.Name(), "eventType")
	}
	if ev.Mail.MessageID == "" {
		return nil, missing(p.Name(), "mail.messageId")
	}

	rec := &Record{
		Provider:       p.Name(),
		SentBy:         "ses",
		Reference:      ev.Mail.MessageID,
		RecordStatus:   eventType,
		EventType:      eventType,
		Payload:        scrubSESPayload(raw),
		MessageParts:   1,
		EventTimestamp: ev.Mail.Timestamp.Time(),
	}

	switch eventType {
	case "Delivery":
		rec.Status = status.Delivered
	case "Send":
		rec.Status = status.Sending
	case "Bounce":
		if ev.Bounce == nil {
			return nil, missing(p.Name(), "bounce")
		}
		rec.RecordStatus = eventType + ":" + ev.Bounce.BounceType
		if ev.Bounce.BounceType == "Permanent" {
			rec.Status = status.PermanentFailure
			rec.StatusReason = status.ReasonUnreachable
			rec.FailureCategory = status.CategoryBounceHard
		} else {
			rec.Status = status.TemporaryFailure
			rec.StatusReason = status.ReasonRetryable
			rec.FailureCategory = status.CategoryBounceSoft
		}
	case "Rendering Failure":
		rec.Status = status.TechnicalFailure
		rec.StatusReason = status.ReasonUndeliverable
		rec.FailureCategory = status.CategoryOther
	case "Complaint":
		if ev.Complaint == nil {
			return nil, missing(p.Name(), "complaint")
		}
		rec.Complaint = &Complaint{
			FeedbackID: ev.Complaint.FeedbackID,
			Type:       ev.Complaint.ComplaintFeedbackType,
			Timestamp:  ev.Complaint.Timestamp.Time(),
		}
	case "Open", "Click", "Reject", "DeliveryDelay":
		return nil, ErrIgnoredEvent
	default:
		return nil, &UnknownStatusError{Provider: p.Name(), Token: eventType}
	}

	return rec, nil
}

// scrubSESPayload strips recipient addresses before the event can be
// forwarded to a service callback.
func scrubSESPayload(raw []byte) json.RawMessage {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return json.RawMessage(`{}`)
	}

	if mail, ok := doc["mail"].(map[string]any); ok {
		delete(mail, "destination")
		delete(mail, "headers")
		delete(mail, "commonHeaders")
	}
	if bounce, ok := doc["bounce"].(map[string]any); ok {
		delete(bounce, "bouncedRecipients")
	}
	if complaint, ok := doc["complaint"].(map[string]any); ok {
		delete(complaint, "complainedRecipients")
	}
	if delivery, ok := doc["delivery"].(map[string]any); ok {
		delete(delivery, "recipients")
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

// Pinpoint translates Pinpoint SMS event stream records ({"Message": base64(json)}).
type Pinpoint struct{}

var pinpointEventStatuses = map[string]status.Status{
	"_SMS.BUFFERED": status.Sending,
	"_SMS.SUCCESS":  status.Delivered,
	"_SMS.FAILURE":  status.TechnicalFailure,
	"_SMS.OPTOUT":   status.Delivered,
}

type pinpointEvent struct {
	EventType      string   `json:"event_type"`
	EventTimestamp flexTime `json:"event_timestamp"`
	Attributes     struct {
		MessageID            string  `json:"message_id"`
		RecordStatus         string  `json:"record_status"`
		NumberOfMessageParts flexInt `json:"number_of_message_parts"`
	} `json:"attributes"`
	Metrics struct {
		PriceInMillicentsUSD float64 `json:"price_in_millicents_usd"`
	} `json:"metrics"`
}

func (Pinpoint) Name() string { return "pinpoint" }

func (p Pinpoint) Translate(raw []byte) (*Record, error) {
	var envelope struct {
		Message string `json:"Message"`
	}
	if err := decodeJSON(p.Name(), raw, &envelope); err != nil {
		return nil, err
	}
	if envelope.Message == "" {
		return nil, missing(p.Name(), "Message")
	}

	decoded, err := decodeBase64(p.Name(), []byte(envelope.Message))
	if err != nil {
		return nil, err
	}

	var ev pinpointEvent
	if err := decodeJSON(p.Name(), decoded, &ev); err != nil {
		return nil, err
	}
	if ev.Attributes.MessageID == "" {
		return nil, missing(p.Name(), "attributes.message_id")
	}

	st, ok := pinpointEventStatuses[ev.EventType]
	if !ok {
		return nil, &UnknownStatusError{Provider: p.Name(), Token: ev.EventType}
	}

	rec := &Record{
		Provider:          p.Name(),
		SentBy:            "pinpoint",
		Reference:         ev.Attributes.MessageID,
		RecordStatus:      ev.EventType,
		Status:            st,
		Payload:           json.RawMessage(decoded),
		MessageParts:      int(ev.Attributes.NumberOfMessageParts),
		PriceInMillicents: ev.Metrics.PriceInMillicentsUSD,
		EventTimestamp:    ev.EventTimestamp.Time(),
	}
	if st == status.TechnicalFailure {
		rec.StatusReason = status.ReasonUndeliverable
		rec.FailureCategory = status.CategoryOther
	}
	return rec, nil
}

// PinpointV2 translates single records split out of a Pinpoint SMS voice v2
// firehose delivery. The raw body is base64(json(record)).
type PinpointV2 struct{}

var pinpointV2Statuses = map[string]failureMapping{
	"SUCCESSFUL":          {status.Delivered, ""},
	"DELIVERED":           {status.Delivered, ""},
	"PENDING":             {status.Sending, ""},
	"QUEUED":              {status.Sending, ""},
	"ACCEPTED":            {status.Sending, ""},
	"INVALID":             {status.PermanentFailure, status.ReasonInvalidNumber},
	"BLOCKED":             {status.PermanentFailure, status.ReasonBlocked},
	"SPAM":                {status.PermanentFailure, status.ReasonBlocked},
	"CARRIER_BLOCKED":     {status.PermanentFailure, status.ReasonBlocked},
	"OPTED_OUT":           {status.PermanentFailure, status.ReasonBlocked},
	"UNREACHABLE":         {status.TemporaryFailure, status.ReasonUnreachable},
	"UNKNOWN":             {status.TemporaryFailure, status.ReasonUnreachable},
	"CARRIER_UNREACHABLE": {status.TemporaryFailure, status.ReasonUnreachable},
	"TTL_EXPIRED":         {status.TemporaryFailure, status.ReasonUnreachable},
	"MAX_PRICE_EXCEEDED":  {status.TechnicalFailure, status.ReasonUndeliverable},
	"UNKNOWN_ERROR":       {status.TechnicalFailure, status.ReasonUndeliverable},
}

type pinpointV2Record struct {
	EventType                string   `json:"eventType"`
	MessageStatus            string   `json:"messageStatus"`
	MessageStatusDescription string   `json:"messageStatusDescription"`
	MessageID                string   `json:"messageId"`
	EventTimestamp           flexTime `json:"eventTimestamp"`
	TotalMessageParts        flexInt  `json:"totalMessageParts"`
	TotalMessagePrice        float64  `json:"totalMessagePrice"`
}

func (PinpointV2) Name() string { return "pinpoint-v2" }

func (p PinpointV2) Translate(raw []byte) (*Record, error) {
	decoded, err := decodeBase64(p.Name(), raw)
	if err != nil {
		return nil, err
	}

	var ev pinpointV2Record
	if err := decodeJSON(p.Name(), decoded, &ev); err != nil {
		return nil, err
	}
	if ev.MessageID == "" {
		return nil, missing(p.Name(), "messageId")
	}
	if ev.MessageStatus == "" {
		return nil, missing(p.Name(), "messageStatus")
	}

	m, ok := pinpointV2Statuses[strings.ToUpper(ev.MessageStatus)]
	if !ok {
		return nil, &UnknownStatusError{Provider: p.Name(), Token: ev.MessageStatus}
	}

	rec := &Record{
		Provider:          p.Name(),
		SentBy:            "pinpoint",
		Reference:         ev.MessageID,
		RecordStatus:      ev.MessageStatus,
		Status:            m.status,
		StatusReason:      m.reason,
		Payload:           json.RawMessage(decoded),
		MessageParts:      int(ev.TotalMessageParts),
		PriceInMillicents: ev.TotalMessagePrice * 1000,
		EventTimestamp:    ev.EventTimestamp.Time(),
		EventType:         ev.EventType,
	}
	if m.reason != "" {
		rec.FailureCategory = status.CategoryOther
	}
	return rec, nil
}
