package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/roach88/sectorcount/internal/count"
)

// StatusError carries the HTTP status of a refused request. It is the
// cause wrapped by the classified *count.Error.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   ErrorBody
}

func (e *StatusError) Error() string {
	msg := e.Body.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

// classify maps a non-2xx response onto a count error.
func classify(sessionID, method, path string, status int, body []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		er.Error.Message = strings.TrimSpace(string(body))
	}
	cause := &StatusError{Method: method, Path: path, Status: status, Body: er.Error}

	kind := kindForStatus(status)
	switch k := count.ErrorKind(er.Error.Code); k {
	case count.KindValidation, count.KindConflict, count.KindNotFound, count.KindEscalated, count.KindTransient:
		kind = k
	}
	msg := er.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &count.Error{Kind: kind, Message: msg, SessionID: sessionID, Err: cause}
}

func kindForStatus(status int) count.ErrorKind {
	switch {
	case status == http.StatusNotFound:
		return count.KindNotFound
	case status == http.StatusConflict:
		return count.KindConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return count.KindValidation
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return count.KindTransient
	default:
		return count.KindConflict
	}
}
