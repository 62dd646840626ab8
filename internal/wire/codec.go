package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nfrund/chatrelay/internal/domain"
)

var (
	// ErrMalformedPayload means the frame is not a JSON object carrying the
	// required string fields.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrEmptyBody means the text field is empty after trimming whitespace.
	ErrEmptyBody = errors.New("empty message body")
)

// TimestampLayout is the format of the outbound timestamp field.
const TimestampLayout = time.RFC3339Nano

// validatorInstance is shared so struct metadata is cached once.
var validatorInstance = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// inboundEnvelope uses pointers so a missing or null field can be told apart
// from an empty string.
type inboundEnvelope struct {
	SenderID *string `json:"sender_id" validate:"required"`
	Username *string `json:"username" validate:"required"`
	Text     *string `json:"text" validate:"required"`
}

type recordEnvelope struct {
	SenderID  *string `json:"sender_id" validate:"required"`
	Username  *string `json:"username" validate:"required"`
	Text      *string `json:"text" validate:"required"`
	Timestamp *string `json:"timestamp" validate:"required"`
}

type outboundEnvelope struct {
	SenderID  string `json:"sender_id"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Decode parses an inbound client frame. Any timestamp supplied by the client
// is ignored, so the returned message has a zero CreatedAt.
func Decode(data []byte) (domain.Message, error) {
	var env inboundEnvelope
	if err := unmarshalStrict(data, &env); err != nil {
		return domain.Message{}, err
	}
	if strings.TrimSpace(*env.Text) == "" {
		return domain.Message{}, ErrEmptyBody
	}
	return domain.Message{
		Identity:    *env.SenderID,
		DisplayName: *env.Username,
		Body:        *env.Text,
	}, nil
}

// DecodeRecord parses a frame in the outbound shape, keeping its timestamp.
// It is used when reading messages back from the durable log.
func DecodeRecord(data []byte) (domain.Message, error) {
	var env recordEnvelope
	if err := unmarshalStrict(data, &env); err != nil {
		return domain.Message{}, err
	}
	if strings.TrimSpace(*env.Text) == "" {
		return domain.Message{}, ErrEmptyBody
	}
	createdAt, err := time.Parse(TimestampLayout, *env.Timestamp)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedPayload, err)
	}
	return domain.Message{
		Identity:    *env.SenderID,
		DisplayName: *env.Username,
		Body:        *env.Text,
		CreatedAt:   createdAt.UTC(),
	}, nil
}

// Encode renders a message in the outbound shape.
func Encode(m domain.Message) ([]byte, error) {
	return json.Marshal(outboundEnvelope{
		SenderID:  m.Identity,
		Username:  m.DisplayName,
		Text:      m.Body,
		Timestamp: m.CreatedAt.UTC().Format(TimestampLayout),
	})
}

func unmarshalStrict(data []byte, env any) error {
	if err := json.Unmarshal(data, env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validatorInstance.Struct(env); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			missing := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				missing = append(missing, fe.Field())
			}
			return fmt.Errorf("%w: missing %s", ErrMalformedPayload, strings.Join(missing, ", "))
		}
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
