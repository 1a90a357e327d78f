package errcode

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

// TestErrorsManagement does a quick check of the Errors type to ensure that
// members are properly pushed and marshaled.
func TestErrorsManagement(t *testing.T) {
	var errs Errors

	errs = append(errs, ErrorCodeTest1)
	errs = append(errs, ErrorCodeTest2.WithDetail(map[string]interface{}{"digest": "sometestblobsumdoesntmatter"}))
	errs = append(errs, ErrorCodeTest3.WithArgs("BOOGIE"))
	errs = append(errs, ErrorCodeTest3.WithArgs("BOOGIE").WithDetail("data"))

	if len(errs) != 4 {
		t.Fatalf("errors should have 4 entries")
	}

	// Now check the json format to make sure it's correct.
	p, err := json.Marshal(errs)
	if err != nil {
		t.Fatalf("error marshaling errors: %v", err)
	}

	expectedJSON := `{"errors":[` +
		`{"code":"TEST1","message":"test error 1"},` +
		`{"code":"TEST2","message":"test error 2","detail":{"digest":"sometestblobsumdoesntmatter"}},` +
		`{"code":"TEST3","message":"Sorry \"BOOGIE\" isn't valid"},` +
		`{"code":"TEST3","message":"Sorry \"BOOGIE\" isn't valid","detail":"data"}` +
		`]}`

	if string(p) != expectedJSON {
		t.Fatalf("unexpected json:\ngot:\n%q\n\nexpected:\n%q", string(p), expectedJSON)
	}

	// Now test the reverse
	var unmarshaled Errors
	if err := json.Unmarshal(p, &unmarshaled); err != nil {
		t.Fatalf("unexpected error unmarshaling error envelope: %v", err)
	}

	if !reflect.DeepEqual(unmarshaled, errs) {
		t.Fatalf("errors not equal after round trip:\nunmarshaled:\n%#v\n\nerrs:\n%#v", unmarshaled, errs)
	}
}

var (
	ErrorCodeTest1 = Register("errcode.test", ErrorDescriptor{
		Value:          "TEST1",
		Message:        "test error 1",
		Description:    "A test error 1",
		HTTPStatusCode: http.StatusInternalServerError,
	})

	ErrorCodeTest2 = Register("errcode.test", ErrorDescriptor{
		Value:          "TEST2",
		Message:        "test error 2",
		Description:    "A test error 2",
		HTTPStatusCode: http.StatusNotFound,
	})

	ErrorCodeTest3 = Register("errcode.test", ErrorDescriptor{
		Value:          "TEST3",
		Message:        `Sorry %q isn't valid`,
		Description:    "A test error 3",
		HTTPStatusCode: http.StatusBadRequest,
	})
)

func TestErrorCodes(t *testing.T) {
	if ErrorCodeTest1.Descriptor().Value != "TEST1" {
		t.Fatalf("unexpected descriptor: %v", ErrorCodeTest1.Descriptor())
	}

	if ErrorCodeTest1.Message() != ErrorCodeTest1.Descriptor().Message {
		t.Fatalf("unexpected message: %v", ErrorCodeTest1.Message())
	}

	if parsed := ParseErrorCode("TEST2"); parsed != ErrorCodeTest2 {
		t.Fatalf("unexpected code: %v != %v", parsed, ErrorCodeTest2)
	}

	if parsed := ParseErrorCode("NOTACODE"); parsed != ErrorCodeUnknown {
		t.Fatalf("expected unknown error code, got %v", parsed)
	}
}

func TestServeJSON(t *testing.T) {
	for _, testcase := range []struct {
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{err: ErrorCodeTest2, expectedStatus: http.StatusNotFound, expectedCode: "TEST2"},
		{err: ErrorCodeTest2.WithDetail("foo"), expectedStatus: http.StatusNotFound, expectedCode: "TEST2"},
		{err: Errors{ErrorCodeTest1, ErrorCodeTest2}, expectedStatus: http.StatusInternalServerError, expectedCode: "TEST1"},
	} {
		rec := httptest.NewRecorder()
		if err := ServeJSON(rec, testcase.err); err != nil {
			t.Fatalf("unexpected error serving: %v", err)
		}

		if rec.Code != testcase.expectedStatus {
			t.Fatalf("unexpected status: %d != %d", rec.Code, testcase.expectedStatus)
		}

		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Fatalf("unexpected content type: %q", ct)
		}

		var envelope struct {
			Errors []struct {
				Code string `json:"code"`
			} `json:"errors"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("unexpected error decoding response body: %v", err)
		}

		if len(envelope.Errors) == 0 || envelope.Errors[0].Code != testcase.expectedCode {
			t.Fatalf("unexpected body: %s", rec.Body.String())
		}
	}
}
