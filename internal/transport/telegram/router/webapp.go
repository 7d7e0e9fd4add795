package router

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// WebAppResult is the outcome of parsing a mini-app payload: SendResult or *ParseError.
type WebAppResult interface{ webAppResult() }

// SendResult asks the bot to deliver an upscaled image back to the sender.
type SendResult struct {
	Image []byte
}

type ParseError struct {
	Reason string
}

func (SendResult) webAppResult()  {}
func (*ParseError) webAppResult() {}

func (e *ParseError) Error() string { return "webapp payload: " + e.Reason }

const actionSendResult = "send_result"

type webAppPayload struct {
	Action *string `json:"action"`
	Image  string  `json:"image"`
}

// ParseWebAppPayload never fails loudly: every malformed input becomes a *ParseError.
func ParseWebAppPayload(data string) WebAppResult {
	var p webAppPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return &ParseError{Reason: "malformed json: " + err.Error()}
	}
	if p.Action == nil || strings.TrimSpace(*p.Action) == "" {
		return &ParseError{Reason: "missing action"}
	}
	switch *p.Action {
	case actionSendResult:
		img, err := decodeImage(p.Image)
		if err != nil {
			return err
		}
		return SendResult{Image: img}
	default:
		return &ParseError{Reason: "unknown action " + quote(*p.Action)}
	}
}

func decodeImage(s string) ([]byte, *ParseError) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		i := strings.IndexByte(s, ',')
		if i < 0 {
			return nil, &ParseError{Reason: "data uri without payload"}
		}
		s = s[i+1:]
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, &ParseError{Reason: "empty image"}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some clients drop the padding.
		var rawErr error
		if b, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr != nil {
			return nil, &ParseError{Reason: "malformed base64: " + err.Error()}
		}
	}
	if len(b) == 0 {
		return nil, &ParseError{Reason: "empty image"}
	}
	return b, nil
}

func quote(s string) string {
	const limit = 32
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return `"` + s + `"`
}
