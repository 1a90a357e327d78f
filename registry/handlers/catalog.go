package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"

	"github.com/GhostKellz/ghostdock/registry/api/errcode"
)

const maximumReturnedEntries = 100

func catalogDispatcher(ctx *Context, r *http.Request) http.Handler {
	ch := &catalogHandler{Context: ctx}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(ch.GetCatalog),
	}
}

type catalogHandler struct {
	*Context
}

type catalogAPIResponse struct {
	Repositories []string `json:"repositories"`
}

// GetCatalog returns the list of repositories in the registry, paginated
// with the n and last query parameters.
func (ch *catalogHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lastEntry := q.Get("last")
	maxEntries, err := strconv.Atoi(q.Get("n"))
	if err != nil || maxEntries < 0 {
		maxEntries = maximumReturnedEntries
	}

	repos, moreEntries, err := ch.registry.Repositories(ch, maxEntries, lastEntry)
	if err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	// Add a link header if there are more entries to retrieve
	if moreEntries && len(repos) > 0 {
		urlStr, err := createLinkEntry(r.URL.String(), maxEntries, repos[len(repos)-1])
		if err != nil {
			ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		w.Header().Set("Link", urlStr)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(catalogAPIResponse{
		Repositories: repos,
	}); err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
}
