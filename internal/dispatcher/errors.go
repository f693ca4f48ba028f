package dispatcher

import (
	"errors"

	"github.com/benhollis/remotegw/internal/assistantmux"
	"github.com/benhollis/remotegw/internal/fileops"
	"github.com/benhollis/remotegw/internal/isolation"
	"github.com/benhollis/remotegw/internal/terminalmux"
)

// Code is one namespaced error code from the response-envelope taxonomy.
// Components never see these — they return plain errors, and the
// Dispatcher maps each to the closest code here.
type Code string

const (
	CodeNoSession        Code = "NO_SESSION"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeInvalidPath      Code = "INVALID_PATH"
	CodeReadError        Code = "READ_ERROR"
	CodeWriteError       Code = "WRITE_ERROR"
	CodeListError        Code = "LIST_ERROR"
	CodeDeleteError      Code = "DELETE_ERROR"
	CodeStatError        Code = "STAT_ERROR"
	CodeWatchError       Code = "WATCH_ERROR"
	CodeCreateError      Code = "CREATE_ERROR"
	CodeResizeError      Code = "RESIZE_ERROR"
	CodeDestroyError     Code = "DESTROY_ERROR"
	CodeTerminalNotFound Code = "TERMINAL_NOT_FOUND"
	CodeAccessDenied     Code = "ACCESS_DENIED"
	CodeInstanceExists   Code = "INSTANCE_EXISTS"
	CodeInstanceNotFound Code = "INSTANCE_NOT_FOUND"
	CodeAssistantMissing Code = "ASSISTANT_NOT_FOUND"
	CodeQuotaExceeded    Code = "QUOTA_EXCEEDED"
	CodeSpawnError       Code = "SPAWN_ERROR"
	CodeSendError        Code = "SEND_ERROR"
	CodeStopError        Code = "STOP_ERROR"
	CodeStartError       Code = "START_ERROR"
	CodeGetError         Code = "GET_ERROR"
	CodeGetBufferError   Code = "GET_BUFFER_ERROR"
	CodeConfigureError   Code = "CONFIGURE_ERROR"
	CodeSyncError        Code = "SYNC_ERROR"
	CodeFeaturesError    Code = "FEATURES_ERROR"
	CodeStoreError       Code = "STORE_ERROR"
	CodeWorkspaceError   Code = "WORKSPACE_ERROR"

	// codeUnknownVerb is a dispatch-layer protocol error for messages that
	// name no registered verb; it never originates from a handler.
	codeUnknownVerb Code = "UNKNOWN_VERB"
)

// WireError is the error half of a response envelope.
type WireError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// mapError converts a component error to the closest taxonomy code,
// falling back to the verb's own failure code.
func mapError(err error, fallback Code) *WireError {
	code := fallback
	switch {
	case errors.Is(err, isolation.ErrQuotaExceeded):
		code = CodeQuotaExceeded
	case errors.Is(err, terminalmux.ErrNotFound):
		code = CodeTerminalNotFound
	case errors.Is(err, terminalmux.ErrAccessDenied), errors.Is(err, assistantmux.ErrAccessDenied):
		code = CodeAccessDenied
	case errors.Is(err, assistantmux.ErrNotFound):
		code = CodeInstanceNotFound
	case errors.Is(err, assistantmux.ErrInstanceExists):
		code = CodeInstanceExists
	case errors.Is(err, assistantmux.ErrBinaryMissing):
		code = CodeAssistantMissing
	case errors.Is(err, assistantmux.ErrHostStart):
		code = CodeStartError
	case errors.Is(err, fileops.ErrInvalidPath):
		code = CodeInvalidPath
	}
	return &WireError{Code: code, Message: err.Error()}
}
