// Package testutil holds helpers shared by ReplyPipe tests: JSON request
// building, envelope decoding and polling for asynchronous state.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// DefaultWait bounds WaitFor.
const DefaultWait = 2 * time.Second

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// NewJSONRequest builds a request for httptest. body may be nil, a string
// sent as-is, or any value marshalled to JSON.
func NewJSONRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf *bytes.Buffer
	switch b := body.(type) {
	case nil:
		buf = bytes.NewBuffer(nil)
	case string:
		buf = bytes.NewBufferString(b)
	default:
		buf = bytes.NewBuffer(MustMarshalJSON(t, b))
	}
	req := httptest.NewRequest(method, url, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// DecodeEnvelope decodes an APIResponse and checks its status field. An
// empty expectedStatus skips the check.
func DecodeEnvelope(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode JSON response: %v (%s)", err, rr.Body.String())
	}
	if expectedStatus != "" && resp.Status != expectedStatus {
		t.Errorf("expected status '%s', got '%s' (%s)", expectedStatus, resp.Status, resp.Message)
	}
	return resp
}

// DecodeResult converts the generic Result of resp into out.
func DecodeResult(t testing.TB, resp models.APIResponse, out interface{}) {
	t.Helper()
	MustUnmarshalJSON(t, MustMarshalJSON(t, resp.Result), out)
}

// WaitFor polls cond until it holds or DefaultWait passes.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(DefaultWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
