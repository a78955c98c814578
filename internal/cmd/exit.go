package cmd

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	errwrap "github.com/shardline/shardline/internal/errors"
	"github.com/shardline/shardline/internal/gateway"
	"github.com/shardline/shardline/internal/rest"
)

var osExit = os.Exit

// ExitCodeFor picks the foundry exit code for a command error. Invalid
// configuration and rejected credentials are configuration failures;
// upstream failures report the external service as unavailable.
func ExitCodeFor(err error) foundry.ExitCode {
	if err == nil {
		return foundry.ExitCode(0)
	}
	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) {
		switch envelope.Code {
		case errwrap.CodeConfigInvalid, errwrap.CodeInvalidInput, errwrap.CodeUnauthorized:
			return foundry.ExitConfigInvalid
		case errwrap.CodeExternalService, errwrap.CodeRateLimited, errwrap.CodeTimeout:
			return foundry.ExitExternalServiceUnavailable
		}
	}
	var (
		limited   *rest.RateLimitedError
		transport *rest.TransportError
		server    *rest.ServerError
	)
	switch {
	case gateway.IsAuthentication(err), stderrors.Is(err, rest.ErrInvalidSession):
		return foundry.ExitConfigInvalid
	case stderrors.As(err, &limited), stderrors.As(err, &transport), stderrors.As(err, &server):
		return foundry.ExitExternalServiceUnavailable
	}
	return foundry.ExitFailure
}

// ExitWithCode logs msg and err with the catalog metadata of code and exits.
// A nil logger writes to stderr instead, for failures before logging is up.
func ExitWithCode(logger *logging.Logger, code foundry.ExitCode, msg string, err error) {
	status, summary, fields := describeExit(code)
	if logger == nil {
		writeFatal(os.Stderr, msg, err)
		_, _ = fmt.Fprintln(os.Stderr, summary)
		osExit(status)
		return
	}

	errFields, cause := envelopeFields(err)
	fields = append(fields, errFields...)
	fields = append(fields, zap.Error(cause))
	logger.Error(msg, fields...)
	osExit(status)
}

// ExitWithCodeStderr exits without a logger.
func ExitWithCodeStderr(code foundry.ExitCode, msg string, err error) {
	ExitWithCode(nil, code, msg, err)
}

func describeExit(code foundry.ExitCode) (int, string, []zap.Field) {
	info, ok := foundry.GetExitCodeInfo(code)
	if !ok {
		return int(code), fmt.Sprintf("Exit Code: %d", code), []zap.Field{zap.Int("exit_code", int(code))}
	}
	return info.Code,
		fmt.Sprintf("Exit Code: %d (%s) - %s", info.Code, info.Name, info.Description),
		[]zap.Field{
			zap.Int("exit_code", info.Code),
			zap.String("exit_name", info.Name),
			zap.String("exit_category", info.Category),
		}
}

// envelopeFields flattens an error envelope into log fields and returns the
// error it wraps, or err itself.
func envelopeFields(err error) ([]zap.Field, error) {
	var envelope *errors.ErrorEnvelope
	if !stderrors.As(err, &envelope) {
		return nil, err
	}
	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.String("error_message", envelope.Message),
		zap.String("correlation_id", envelope.CorrelationID),
		zap.String("trace_id", envelope.TraceID),
	}
	if envelope.Context != nil {
		fields = append(fields, zap.Any("error_context", envelope.Context))
	}
	if cause, ok := envelope.Original.(error); ok && cause != nil {
		return fields, cause
	}
	return fields, err
}

func writeFatal(w io.Writer, msg string, err error) {
	var envelope *errors.ErrorEnvelope
	switch {
	case err == nil:
		_, _ = fmt.Fprintf(w, "FATAL: %s\n", msg)
	case stderrors.As(err, &envelope):
		_, _ = fmt.Fprintf(w, "FATAL: %s [%s]: %s (correlation: %s)\n", msg, envelope.Code, envelope.Message, envelope.CorrelationID)
		if cause, ok := envelope.Original.(error); ok && cause != nil {
			_, _ = fmt.Fprintf(w, "Underlying error: %v\n", cause)
		}
	default:
		_, _ = fmt.Fprintf(w, "FATAL: %s: %v\n", msg, err)
	}
}
