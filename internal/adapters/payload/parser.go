package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

// Parser normalizes raw payer eligibility documents. The payer document
// is a flat JSON object: subscriberId and statusCode are required,
// effectiveDate/terminationDate use the fixed 20060102 calendar format,
// and every other field is plan metadata the engine carries opaquely, in
// document order, so payer schema additions survive round trips.

const (
	fieldSubscriberID    = "subscriberId"
	fieldStatusCode      = "statusCode"
	fieldEffectiveDate   = "effectiveDate"
	fieldTerminationDate = "terminationDate"
)

// Parse converts one raw eligibility payload into a normalized record.
// retrievedAt is when the payload was obtained from the payer.
func Parse(raw []byte, retrievedAt time.Time) (*entities.EligibilityRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, apperrors.NewParseError("", "payload is not valid JSON", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, apperrors.NewParseError("", "payload is not a JSON object", nil)
	}

	record := &entities.EligibilityRecord{RetrievedAt: retrievedAt}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, apperrors.NewParseError("", "truncated payload", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, apperrors.NewParseError("", "non-string object key", nil)
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, apperrors.NewParseError(key, "unreadable field value", err)
		}

		switch key {
		case fieldSubscriberID:
			if record.SubscriberID, err = decodeString(key, value); err != nil {
				return nil, err
			}
		case fieldStatusCode:
			if record.RawStatusCode, err = decodeString(key, value); err != nil {
				return nil, err
			}
		case fieldEffectiveDate:
			if record.EffectiveDate, err = decodeDate(key, value); err != nil {
				return nil, err
			}
		case fieldTerminationDate:
			if record.TerminationDate, err = decodeDate(key, value); err != nil {
				return nil, err
			}
		default:
			// Unknown fields are coverage metadata; keep them as-is.
			record.Coverage = append(record.Coverage, entities.CoverageField{
				Name:  key,
				Value: rawToString(value),
			})
		}
	}

	if record.SubscriberID == "" {
		return nil, apperrors.NewParseError(fieldSubscriberID, "required field missing or empty", nil)
	}
	if record.RawStatusCode == "" {
		return nil, apperrors.NewParseError(fieldStatusCode, "required field missing or empty", nil)
	}

	return record, nil
}

// BatchDocument is a payer batch eligibility file: one coverage date and
// one payload per subscriber.
type BatchDocument struct {
	CoverageDate time.Time
	Items        map[string]json.RawMessage
}

// ParseBatch splits a batch document into per-subscriber raw payloads.
// Items that cannot be inspected for a subscriber id are dropped and
// logged; the rest of the document still sweeps. The document only fails
// when its envelope is broken or no item at all is usable. Per-item
// field problems are left for the per-item Parse.
func ParseBatch(raw []byte) (*BatchDocument, error) {
	var doc struct {
		CoverageDate string            `json:"coverageDate"`
		Items        []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperrors.NewParseError("", "batch document is not valid JSON", err)
	}
	if doc.CoverageDate == "" {
		return nil, apperrors.NewParseError("coverageDate", "required field missing or empty", nil)
	}
	coverageDate, err := time.Parse(entities.PayerDateFormat, doc.CoverageDate)
	if err != nil {
		return nil, apperrors.NewParseError("coverageDate", fmt.Sprintf("not a %s date", entities.PayerDateFormat), err)
	}

	items := make(map[string]json.RawMessage, len(doc.Items))
	for i, item := range doc.Items {
		var peek struct {
			SubscriberID string `json:"subscriberId"`
		}
		if err := json.Unmarshal(item, &peek); err != nil {
			log.Printf("Dropping batch item %d: unreadable: %v", i, err)
			continue
		}
		if peek.SubscriberID == "" {
			log.Printf("Dropping batch item %d: missing subscriber id", i)
			continue
		}
		items[peek.SubscriberID] = item
	}
	if len(doc.Items) > 0 && len(items) == 0 {
		return nil, apperrors.NewParseError("items", "no usable items in batch document", nil)
	}

	return &BatchDocument{CoverageDate: coverageDate, Items: items}, nil
}

func decodeString(field string, raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", apperrors.NewParseError(field, "expected a JSON string", err)
	}
	return s, nil
}

func decodeDate(field string, raw json.RawMessage) (*time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, apperrors.NewParseError(field, "expected a JSON string date", err)
	}
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(entities.PayerDateFormat, s)
	if err != nil {
		return nil, apperrors.NewParseError(field, fmt.Sprintf("not a %s date", entities.PayerDateFormat), err)
	}
	return &t, nil
}

// rawToString renders a raw JSON value as the opaque coverage string.
// Strings are unquoted; everything else keeps its JSON encoding.
func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return string(raw)
}
