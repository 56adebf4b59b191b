// Package response escreve o envelope JSON da API:
// {success:true, data:...} ou {success:false, error:{code, message, ...}}.
package response

import (
	"encoding/json"
	"net/http"
)

// Códigos de erro expostos ao cliente.
const (
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	CodeInvalidToken           = "INVALID_TOKEN"
	CodeInvalidCredentials     = "INVALID_CREDENTIALS"
	CodeValidation             = "VALIDATION_FAILED"
	CodeNotFound               = "NOT_FOUND"
	CodeEmailExists            = "EMAIL_EXISTS"
	CodeServiceBusy            = "SERVICE_BUSY"
	CodePayloadTooLarge        = "PAYLOAD_TOO_LARGE"
	CodeInternal               = "INTERNAL_ERROR"
)

type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RateLimitKey string `json:"rateLimitKey,omitempty"`
	RetryAfter   string `json:"retryAfter,omitempty"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Success(w http.ResponseWriter, status int, data any) {
	JSON(w, status, Envelope{Success: true, Data: data})
}

func Error(w http.ResponseWriter, status int, code, message string) {
	WriteError(w, status, ErrorBody{Code: code, Message: message})
}

func WriteError(w http.ResponseWriter, status int, body ErrorBody) {
	JSON(w, status, Envelope{Success: false, Error: &body})
}

// Internal responde 500 com mensagem genérica. O erro real fica só no log.
func Internal(w http.ResponseWriter) {
	Error(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
}
