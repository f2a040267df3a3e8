package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/saborly/apiserver/internal/auth"
)

type contextKey string

const contextIdentityKey contextKey = "identity"

func withIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, contextIdentityKey, identity)
}

// IdentityFromContext returns the identity attached by the gate. Requests
// that never passed the gate are anonymous.
func IdentityFromContext(ctx context.Context) auth.Identity {
	identity, ok := ctx.Value(contextIdentityKey).(auth.Identity)
	if !ok {
		return auth.Anonymous
	}
	return identity
}

// ErrorResponse is the error payload of every endpoint.
type ErrorResponse struct {
	Error       string       `json:"error"`
	Fields      []FieldError `json:"fields,omitempty"`
	Suggestions []string     `json:"suggestions,omitempty"`
}

// MessageResponse is returned by endpoints with nothing else to report.
type MessageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, MessageResponse{Message: message})
}

func bearerToken(r *http.Request) (token string, present bool, err error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false, nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", true, errors.New("invalid authorization")
	}
	token = strings.TrimSpace(parts[1])
	if token == "" {
		return "", true, errors.New("invalid authorization")
	}
	return token, true, nil
}

func readFileLimited(reader io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(reader, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.New("failed to read upload")
	}
	if int64(len(data)) > limit {
		return nil, errors.New("uploaded file too large")
	}
	return data, nil
}
