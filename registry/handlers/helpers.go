package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/GhostKellz/ghostdock/internal/dcontext"
)

// serveJSON marshals v and sets the content-type header to
// 'application/json'. If a different status code is required, call
// ResponseWriter.WriteHeader before this function.
func serveJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)

	return enc.Encode(v)
}

// copyFullPayload copies the request body into destWriter, returning an error
// if the copy fails or the client went away. Short writes from a dropped
// client must not be treated as complete payloads.
func copyFullPayload(ctx *Context, r *http.Request, destWriter io.Writer, action string) (int64, error) {
	nn, err := io.Copy(destWriter, r.Body)
	if err != nil {
		if cerr := r.Context().Err(); cerr != nil {
			err = cerr
		}
		dcontext.GetLoggerWithField(ctx, "error", err).Errorf("aborting %s: %v bytes copied", action, nn)
		return nn, fmt.Errorf("%s: %w", action, err)
	}

	return nn, nil
}

// parseContentRange parses a Content-Range header of the form "start-end",
// returning the bounds.
func parseContentRange(cr string) (start int64, end int64, err error) {
	rStart, rEnd, ok := strings.Cut(cr, "-")
	if !ok {
		return -1, -1, fmt.Errorf("invalid content range format, %s", cr)
	}
	start, err = strconv.ParseInt(rStart, 10, 64)
	if err != nil {
		return -1, -1, err
	}
	end, err = strconv.ParseInt(rEnd, 10, 64)
	if err != nil {
		return -1, -1, err
	}

	return start, end, nil
}

// createLinkEntry builds the RFC5988 Link header for the next page of a
// paginated listing, using the original request URL as the base.
func createLinkEntry(origURL string, maxEntries int, last string) (string, error) {
	calledURL, err := url.Parse(origURL)
	if err != nil {
		return "", err
	}

	v := url.Values{}
	v.Set("n", strconv.Itoa(maxEntries))
	v.Set("last", last)
	calledURL.RawQuery = v.Encode()
	calledURL.Fragment = ""

	return fmt.Sprintf(`<%s>; rel="next"`, calledURL.String()), nil
}
