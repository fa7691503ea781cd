package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-cane-sync/auth")

const DefaultPolicy = `
package smartcane.verify

default valid := false

valid {
	input.deviceID != ""
	input.known[_] == input.deviceID
}
`

const DeviceIDHeader = "X-Device-Id"

//go:generate moq -rm -out deviceverifier_mock.go . DeviceVerifier

type DeviceVerifier interface {
	Verify(ctx context.Context, deviceID string) (bool, error)
	RequireKnownDevice() func(http.Handler) http.Handler
}

type verifier struct {
	query rego.PreparedEvalQuery
	known []string
}

// NewDeviceVerifier prepares the device policy. A device is valid when the
// policy accepts it given the list of known device ids.
func NewDeviceVerifier(ctx context.Context, policies io.Reader, known []string) (DeviceVerifier, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read device policies: %s", err.Error())
	}

	query, err := rego.New(
		rego.Query("x = data.smartcane.verify.valid"),
		rego.Module("smartcane.rego", string(module)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	k := make([]string, 0, len(known))
	for _, id := range known {
		if id = strings.TrimSpace(id); id != "" {
			k = append(k, id)
		}
	}

	return &verifier{query: query, known: k}, nil
}

func (v *verifier) Verify(ctx context.Context, deviceID string) (bool, error) {
	var err error

	ctx, span := tracer.Start(ctx, "verify-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	input := map[string]any{
		"deviceID": strings.TrimSpace(deviceID),
		"known":    v.known,
	}

	results, err := v.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("opa eval failed: %w", err)
	}

	if len(results) == 0 {
		err = errors.New("opa query could not be satisfied")
		return false, err
	}

	valid, ok := results[0].Bindings["x"].(bool)
	if !ok {
		err = errors.New("unexpected result type")
		return false, err
	}

	return valid, nil
}

// RequireKnownDevice rejects requests that do not carry a known device id
// in the X-Device-Id header.
func (v *verifier) RequireKnownDevice() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := logging.GetLoggerFromContext(r.Context())

			deviceID := r.Header.Get(DeviceIDHeader)

			valid, err := v.Verify(r.Context(), deviceID)
			if err != nil {
				logger.Error().Err(err).Msg("device verification failed")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			if !valid {
				logger.Info().Str("device_id", deviceID).Msg("unknown device")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
