package toolexec

import (
	"errors"
	"fmt"
	"regexp"
)

// Result is the uniform envelope returned by every tool invocation.
// UserMessage is derived by the orchestrator after execution; the backend
// never sets it.
type Result struct {
	OK                bool                   `json:"ok"`
	Data              map[string]interface{} `json:"data,omitempty"`
	Message           string                 `json:"message,omitempty"`
	NeedsConfirmation bool                   `json:"needsConfirmation,omitempty"`
	UserMessage       string                 `json:"userMessage,omitempty"`
}

// Spec describes one tool exposed by the backend: name, description and a
// JSON-schema parameter shape forwarded verbatim to providers.
type Spec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Market is one entry from the list_markets tool.
type Market struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// HTTPError carries the backend's HTTP status so retry classification can
// distinguish transient infrastructure failures from domain errors.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tool backend returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("tool backend returned %d", e.Status)
}

// transientStatuses are HTTP statuses worth retrying.
var transientStatuses = map[int]bool{
	408: true,
	409: true,
	425: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var transientPattern = regexp.MustCompile(`(?i)timeout|temporar|rate limit|overloaded|networkerror|failed to fetch`)

// IsTransient reports whether an error is likely to succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && transientStatuses[httpErr.Status] {
		return true
	}
	return transientPattern.MatchString(err.Error())
}
