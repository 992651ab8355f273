package graphql

import (
	"encoding/json"
	"net/http"

	"github.com/graphql-go/graphql"
)

// maxRequestBytes caps a POSTed query document
const maxRequestBytes = 1 << 20

// Request is the body of a POST /graphql
type Request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Response follows the GraphQL over HTTP result shape. Errors keep only
// their message.
type Response struct {
	Data   any     `json:"data,omitempty"`
	Errors []Error `json:"errors,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}

// GraphQLHandler serves read-only queries over a tier's graph
type GraphQLHandler struct {
	exec *Executor
}

func NewGraphQLHandler(exec *Executor) *GraphQLHandler {
	return &GraphQLHandler{exec: exec}
}

// ServeHTTP takes GET ?query= or a JSON POST body. Query errors are
// reported in the body with a 200; only malformed requests get a 4xx.
func (h *GraphQLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, code, msg := decodeRequest(w, r)
	if code != 0 {
		writeResponse(w, code, Response{Errors: []Error{{Message: msg}}})
		return
	}
	writeResponse(w, http.StatusOK, fromResult(h.exec.Execute(r.Context(), req.Query, req.Variables)))
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (Request, int, string) {
	var req Request
	switch r.Method {
	case http.MethodGet:
		req.Query = r.URL.Query().Get("query")
	case http.MethodPost:
		body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			return req, http.StatusBadRequest, "invalid request body"
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		return req, http.StatusMethodNotAllowed, "method not allowed"
	}
	if req.Query == "" {
		return req, http.StatusBadRequest, "missing query"
	}
	return req, 0, ""
}

func writeResponse(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func fromResult(result *graphql.Result) Response {
	resp := Response{Data: result.Data}
	for _, err := range result.Errors {
		resp.Errors = append(resp.Errors, Error{Message: err.Message})
	}
	return resp
}
