package engine

import "fmt"

// Коды полевых ошибок валидации
const (
	ErrRequired        = "required"
	ErrTypeMismatch    = "type_mismatch"
	ErrEnumInvalid     = "enum_invalid"
	ErrUniqueViolation = "unique_violation"
	ErrRefNotFound     = "ref_not_found"
	ErrReadOnly        = "readonly_field"
	ErrUnknownField    = "unknown_field"
	ErrUnknownRelation = "unknown_relation"
)

type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func ferr(code, field, msg string) FieldError {
	return FieldError{Code: code, Field: field, Message: msg}
}

// Коды ошибок операций (уровень диспетчера)
const (
	CodeNotFound   = "not_found"
	CodeForbidden  = "forbidden"
	CodeValidation = "validation"
	CodeBadRequest = "bad_request"
)

// OpError — структурная ошибка операции: код, модель, операция
// и полевые подробности, если они есть.
type OpError struct {
	Code      string       `json:"code"`
	Model     string       `json:"model,omitempty"`
	Operation string       `json:"operation,omitempty"`
	Message   string       `json:"message"`
	Fields    []FieldError `json:"errors,omitempty"`
}

func (e *OpError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s: %s (model %s)", e.Code, e.Message, e.Model)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func notFound(model, what string) *OpError {
	return &OpError{Code: CodeNotFound, Model: model, Message: what + " not found"}
}

func forbidden(model, op string) *OpError {
	return &OpError{Code: CodeForbidden, Model: model, Operation: op,
		Message: fmt.Sprintf("operation %q is not permitted for caller", op)}
}

func validation(model, op string, fields []FieldError) *OpError {
	return &OpError{Code: CodeValidation, Model: model, Operation: op,
		Message: "validation failed", Fields: fields}
}

func badRequest(model, op, msg string) *OpError {
	return &OpError{Code: CodeBadRequest, Model: model, Operation: op, Message: msg}
}
