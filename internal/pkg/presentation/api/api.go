package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/application"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/notifications"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/observer"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/webevents"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/telemetry"
	"github.com/diwise/iot-cane-sync/internal/pkg/presentation/api/auth"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-cane-sync/api")

const (
	RequestTimeout = 10 * time.Second

	AllNotificationsReadMessage = "All notifications marked as read"
)

var ErrBadDate = errors.New("invalid date")
var ErrBadPage = fmt.Errorf("page must be between 1 and %d", types.MaxPage)

// RegisterHandlers mounts the query and read api. The event stream is kept
// outside of the request timeout. Any extra middlewares guard the api routes
// but not the health check.
func RegisterHandlers(ctx context.Context, r *chi.Mux, app application.App, store observer.Source, verifier auth.DeviceVerifier, we webevents.WebEvents, middlewares ...func(http.Handler) http.Handler) *chi.Mux {
	log := logging.GetLoggerFromContext(ctx)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/api/v0/device", func(r chi.Router) {
		r.Use(middlewares...)

		r.Group(func(r chi.Router) {
			r.Use(router.WithTimeout(RequestTimeout))

			r.Get("/historical", historicalHandler(log, app))
			r.Get("/range", rangeHandler(log, app))
			r.Get("/falls", fallsHandler(log, app))
			r.Get("/latest", latestHandler(log, app))
			r.Get("/data", dataHandler(log, store))
			r.Get("/verify", verifyHandler(log, verifier))

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", listNotificationsHandler(log, app.Notifications()))
				r.Get("/unread", unreadCountHandler(log, app.Notifications()))
				r.Put("/", markAllReadHandler(log, app.Notifications()))
				r.Put("/{id}", markReadHandler(log, app.Notifications()))
			})
		})

		if we != nil {
			r.Get("/events", we.Server().ServeHTTP)
		}
	})

	return r
}

func historicalHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-historical")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := logging.AddTraceIDToLogger(ctx, span, log)

		page, limit, err := paging(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := app.Records().Historical(ctx, page, limit)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch historical records")
			writeError(w, http.StatusInternalServerError, "failed to fetch historical data")
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func rangeHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-range")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := logging.AddTraceIDToLogger(ctx, span, log)

		startDate := r.URL.Query().Get("startDate")
		endDate := r.URL.Query().Get("endDate")

		if startDate == "" || endDate == "" {
			writeError(w, http.StatusBadRequest, "startDate and endDate are required")
			return
		}

		from, err := ParseDate(startDate, false)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		to, err := ParseDate(endDate, true)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := app.Records().Range(ctx, from, to)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch records in range")
			writeError(w, http.StatusInternalServerError, "failed to fetch data in range")
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func fallsHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-falls")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := logging.AddTraceIDToLogger(ctx, span, log)

		page, limit, err := paging(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := app.Records().Falls(ctx, page, limit)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch fall records")
			writeError(w, http.StatusInternalServerError, "failed to fetch fall events")
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func latestHandler(log zerolog.Logger, app application.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-latest")
		defer span.End()
		_, ctx, _ = logging.AddTraceIDToLogger(ctx, span, log)

		reading := app.LiveState().GetLatestReading(ctx, deviceID(r))

		writeJSON(w, http.StatusOK, reading)
	}
}

func dataHandler(log zerolog.Logger, store observer.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-data")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := logging.AddTraceIDToLogger(ctx, span, log)

		id := deviceID(r)

		state, err := store.Read(ctx, id)
		if errors.Is(err, telemetry.ErrNoState) {
			requestLogger.Debug().Str("device_id", id).Msg("no telemetry state")
			writeError(w, http.StatusNotFound, "no data available")
			return
		}
		if err != nil {
			requestLogger.Error().Err(err).Str("device_id", id).Msg("unable to read telemetry state")
			writeError(w, http.StatusInternalServerError, "failed to fetch data")
			return
		}

		writeJSON(w, http.StatusOK, state)
	}
}

func verifyHandler(log zerolog.Logger, verifier auth.DeviceVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "verify-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := logging.AddTraceIDToLogger(ctx, span, log)

		id := r.URL.Query().Get("deviceId")
		if id == "" {
			writeError(w, http.StatusBadRequest, "deviceId is required")
			return
		}

		valid, err := verifier.Verify(ctx, id)
		if err != nil {
			requestLogger.Error().Err(err).Str("device_id", id).Msg("unable to verify device")
			writeError(w, http.StatusInternalServerError, "failed to verify device")
			return
		}

		writeJSON(w, http.StatusOK, struct {
			Valid bool `json:"valid"`
		}{valid})
	}
}

func listNotificationsHandler(log zerolog.Logger, svc notifications.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "list-notifications")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := logging.AddTraceIDToLogger(ctx, span, log)

		page, limit, err := paging(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := svc.List(ctx, page, limit)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to list notifications")
			writeError(w, http.StatusInternalServerError, "failed to fetch notifications")
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func unreadCountHandler(log zerolog.Logger, svc notifications.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "count-unread-notifications")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := logging.AddTraceIDToLogger(ctx, span, log)

		count, err := svc.UnreadCount(ctx)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to count unread notifications")
			writeError(w, http.StatusInternalServerError, "failed to fetch unread count")
			return
		}

		writeJSON(w, http.StatusOK, struct {
			Count int64 `json:"count"`
		}{count})
	}
}

func markReadHandler(log zerolog.Logger, svc notifications.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "mark-notification-read")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := logging.AddTraceIDToLogger(ctx, span, log)

		id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid notification id")
			return
		}

		n, err := svc.MarkRead(ctx, uint(id))
		if errors.Is(err, notifications.ErrNotFound) {
			requestLogger.Debug().Uint64("notification_id", id).Msg("notification not found")
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		if err != nil {
			requestLogger.Error().Err(err).Uint64("notification_id", id).Msg("unable to mark notification as read")
			writeError(w, http.StatusInternalServerError, "failed to update notification")
			return
		}

		writeJSON(w, http.StatusOK, n)
	}
}

func markAllReadHandler(log zerolog.Logger, svc notifications.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "mark-all-notifications-read")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := logging.AddTraceIDToLogger(ctx, span, log)

		count, err := svc.MarkAllRead(ctx)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to mark all notifications as read")
			writeError(w, http.StatusInternalServerError, "failed to update notifications")
			return
		}

		requestLogger.Info().Int64("count", count).Msg("notifications marked as read")

		writeJSON(w, http.StatusOK, struct {
			Message string `json:"message"`
		}{AllNotificationsReadMessage})
	}
}

// ParseDate accepts RFC3339 timestamps or plain dates. A plain date used as
// the end of a range covers the whole day.
func ParseDate(value string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}

	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, ErrBadDate
	}

	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}

	return t, nil
}

func deviceID(r *http.Request) string {
	if id := r.URL.Query().Get("deviceId"); id != "" {
		return id
	}
	return types.DemoDeviceID
}

// paging reads page and limit from the query. A missing page or limit gets
// its default and limit is capped at types.MaxLimit.
func paging(r *http.Request) (int, int, error) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if page > types.MaxPage {
		return 0, 0, ErrBadPage
	}

	page, limit = types.NormalizePaging(page, limit)
	return page, limit, nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{message})
}
