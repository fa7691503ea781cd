package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

func TestLoggerIsCarriedInContext(t *testing.T) {
	is := is.New(t)

	buf := &bytes.Buffer{}
	ctx := NewContextWithLogger(context.Background(), zerolog.New(buf))

	ctx, _ = WithDevice(ctx, "SC-2334")
	logger := GetLoggerFromContext(ctx)
	logger.Info().Msg("hello")

	is.True(strings.Contains(buf.String(), `"device_id":"SC-2334"`))
}

func TestGetLoggerFromEmptyContextFallsBackToGlobal(t *testing.T) {
	is := is.New(t)

	logger := GetLoggerFromContext(context.Background())
	is.True(logger.GetLevel() <= zerolog.InfoLevel)
}

func TestAddTraceIDWithoutSpan(t *testing.T) {
	is := is.New(t)

	buf := &bytes.Buffer{}
	ctx := context.Background()

	_, ctx, logger := AddTraceIDToLogger(ctx, trace.SpanFromContext(ctx), zerolog.New(buf))
	logger.Info().Msg("no trace")

	is.True(!strings.Contains(buf.String(), "traceID"))

	fromCtx := GetLoggerFromContext(ctx)
	fromCtx.Info().Msg("again")
	is.Equal(strings.Count(buf.String(), "\n"), 2)
}
