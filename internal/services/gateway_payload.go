package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sewago/payment-webhooks/internal/models"
)

// fieldAliases lists, per canonical field, the gateway-specific keys accepted
// after the canonical camelCase key. First non-empty wins.
var fieldAliases = map[models.Gateway]map[string][]string{
	models.GatewayEsewa: {
		"orderId":       {"oid", "order_id"},
		"transactionId": {"refId", "transaction_uuid", "transaction_id"},
		"amount":        {"amt", "total_amount"},
		"merchantCode":  {"merchant_code", "product_code", "scd"},
	},
	models.GatewayKhalti: {
		"orderId":       {"purchase_order_id", "order_id"},
		"transactionId": {"transaction_id", "pidx"},
		"merchantCode":  {"merchant_code"},
	},
}

// khaltiPaisaField carries Khalti amounts in paisa (1/100 rupee)
const khaltiPaisaField = "total_amount"

// BuildEnvelope extracts headers and normalises the gateway body into an envelope.
// The envelope is always returned so the signature can be verified first; a
// non-nil error is a payload problem to report only after verification passes.
func BuildEnvelope(req *models.InboundWebhook) (*models.WebhookEnvelope, error) {
	envelope := &models.WebhookEnvelope{
		Gateway:       req.Gateway,
		RawBody:       req.RawBody,
		SourceIP:      req.SourceIP,
		UserAgent:     req.UserAgent,
		CorrelationID: req.CorrelationID,
		ReceivedAt:    req.ReceivedAt,
	}
	if req.Header != nil {
		envelope.Signature = strings.TrimSpace(req.Header.Get(req.Gateway.SignatureHeader()))
		envelope.IdempotencyKey = strings.TrimSpace(req.Header.Get(models.HeaderIdempotencyKey))
	}

	fields, err := decodeBody(req.RawBody)
	if err != nil {
		return envelope, ErrInvalidPayload(err)
	}

	payload, err := normalisePayload(req.Gateway, fields)
	if err != nil {
		return envelope, ErrInvalidPayload(err)
	}
	envelope.Payload = payload

	if envelope.IdempotencyKey == "" {
		envelope.IdempotencyKey = payload.TransactionID
	}

	rawTimestamp := stringField(fields, "timestamp")
	if rawTimestamp == "" && req.Header != nil {
		rawTimestamp = strings.TrimSpace(req.Header.Get(models.HeaderTimestamp))
	}
	if rawTimestamp != "" {
		ts, err := ParseWebhookTimestamp(rawTimestamp)
		if err != nil {
			return envelope, ErrInvalidTimestamp(rawTimestamp)
		}
		envelope.Timestamp = &ts
	}

	return envelope, nil
}

func decodeBody(body []byte) (map[string]interface{}, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty body")
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var fields map[string]interface{}
	if err := decoder.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if fields == nil {
		return nil, errors.New("body is not a JSON object")
	}
	return fields, nil
}

func normalisePayload(gateway models.Gateway, fields map[string]interface{}) (models.PaymentPayload, error) {
	aliases := fieldAliases[gateway]
	lookup := func(canonical string) string {
		if v := stringField(fields, canonical); v != "" {
			return v
		}
		for _, alias := range aliases[canonical] {
			if v := stringField(fields, alias); v != "" {
				return v
			}
		}
		return ""
	}

	payload := models.PaymentPayload{
		OrderID:       lookup("orderId"),
		TransactionID: lookup("transactionId"),
		Status:        lookup("status"),
		MerchantCode:  lookup("merchantCode"),
	}

	amount, err := resolveAmount(gateway, fields, lookup("amount"))
	if err != nil {
		return payload, err
	}
	payload.Amount = amount

	return payload, nil
}

func resolveAmount(gateway models.Gateway, fields map[string]interface{}, raw string) (float64, error) {
	if raw != "" {
		amount, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("amount %q is not a number", raw)
		}
		return amount, nil
	}

	if gateway == models.GatewayKhalti {
		if paisa := stringField(fields, khaltiPaisaField); paisa != "" {
			amount, err := strconv.ParseFloat(paisa, 64)
			if err != nil {
				return 0, fmt.Errorf("%s %q is not a number", khaltiPaisaField, paisa)
			}
			return amount / 100, nil
		}
	}

	return 0, nil
}

// stringField reads a scalar JSON field as a trimmed string
func stringField(fields map[string]interface{}, key string) string {
	value, ok := fields[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// ParseWebhookTimestamp accepts RFC 3339 timestamps and Unix epoch seconds or milliseconds
func ParseWebhookTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if epoch > 1e12 {
			return time.UnixMilli(epoch).UTC(), nil
		}
		return time.Unix(epoch, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z07:00", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
