package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var tracer = otel.Tracer("iot-cane-sync/client")

var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
)

// Reading is the best available current reading of a device.
type Reading struct {
	Data    types.DeviceRecord `json:"data"`
	Source  string             `json:"source"`
	Offline bool               `json:"offline"`
}

//go:generate moq -rm -out client_mock.go . CaneClient

type CaneClient interface {
	Historical(ctx context.Context, page, limit int) (types.Collection[types.DeviceRecord], error)
	Range(ctx context.Context, from, to time.Time) ([]types.DeviceRecord, error)
	Falls(ctx context.Context, page, limit int) (types.Collection[types.DeviceRecord], error)
	Latest(ctx context.Context, deviceID string) (Reading, error)

	Notifications(ctx context.Context, page, limit int) (types.Collection[types.Notification], error)
	UnreadCount(ctx context.Context) (int64, error)
	MarkRead(ctx context.Context, id uint) (types.Notification, error)
	MarkAllRead(ctx context.Context) error

	Verify(ctx context.Context, deviceID string) (bool, error)
}

type caneClient struct {
	url        string
	httpClient http.Client
}

type Option func(*caneClient)

// WithClientCredentials makes the client fetch and refresh tokens from
// tokenURL using the oauth2 client credentials flow.
func WithClientCredentials(ctx context.Context, tokenURL, clientID, clientSecret string) Option {
	return func(c *caneClient) {
		oauthConfig := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}

		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		})

		c.httpClient.Transport = &oauth2.Transport{
			Source: oauthConfig.TokenSource(ctx),
			Base:   c.httpClient.Transport,
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *caneClient) {
		c.httpClient.Timeout = d
	}
}

func New(apiURL string, opts ...Option) CaneClient {
	c := &caneClient{
		url: strings.TrimSuffix(apiURL, "/") + "/api/v0/device",
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *caneClient) Historical(ctx context.Context, page, limit int) (types.Collection[types.DeviceRecord], error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-historical")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := types.Collection[types.DeviceRecord]{}
	err = c.do(ctx, http.MethodGet, "/historical", paging(page, limit), &result)
	return result, err
}

func (c *caneClient) Range(ctx context.Context, from, to time.Time) ([]types.DeviceRecord, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-range")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	params := url.Values{}
	params.Add("startDate", from.UTC().Format(time.RFC3339))
	params.Add("endDate", to.UTC().Format(time.RFC3339))

	result := []types.DeviceRecord{}
	err = c.do(ctx, http.MethodGet, "/range", params, &result)
	return result, err
}

func (c *caneClient) Falls(ctx context.Context, page, limit int) (types.Collection[types.DeviceRecord], error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-falls")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := types.Collection[types.DeviceRecord]{}
	err = c.do(ctx, http.MethodGet, "/falls", paging(page, limit), &result)
	return result, err
}

func (c *caneClient) Latest(ctx context.Context, deviceID string) (Reading, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-latest")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	params := url.Values{}
	if deviceID != "" {
		params.Add("deviceId", deviceID)
	}

	result := Reading{}
	err = c.do(ctx, http.MethodGet, "/latest", params, &result)
	return result, err
}

func (c *caneClient) Notifications(ctx context.Context, page, limit int) (types.Collection[types.Notification], error) {
	var err error
	ctx, span := tracer.Start(ctx, "list-notifications")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := types.Collection[types.Notification]{}
	err = c.do(ctx, http.MethodGet, "/notifications", paging(page, limit), &result)
	return result, err
}

func (c *caneClient) UnreadCount(ctx context.Context) (int64, error) {
	var err error
	ctx, span := tracer.Start(ctx, "count-unread-notifications")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := struct {
		Count int64 `json:"count"`
	}{}
	err = c.do(ctx, http.MethodGet, "/notifications/unread", nil, &result)
	return result.Count, err
}

func (c *caneClient) MarkRead(ctx context.Context, id uint) (types.Notification, error) {
	var err error
	ctx, span := tracer.Start(ctx, "mark-notification-read")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := types.Notification{}
	err = c.do(ctx, http.MethodPut, "/notifications/"+strconv.FormatUint(uint64(id), 10), nil, &result)
	return result, err
}

func (c *caneClient) MarkAllRead(ctx context.Context) error {
	var err error
	ctx, span := tracer.Start(ctx, "mark-all-notifications-read")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = c.do(ctx, http.MethodPut, "/notifications", nil, nil)
	return err
}

func (c *caneClient) Verify(ctx context.Context, deviceID string) (bool, error) {
	var err error
	ctx, span := tracer.Start(ctx, "verify-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	params := url.Values{}
	params.Add("deviceId", deviceID)

	result := struct {
		Valid bool `json:"valid"`
	}{}
	err = c.do(ctx, http.MethodGet, "/verify", params, &result)
	return result.Valid, err
}

func (c *caneClient) do(ctx context.Context, method, path string, params url.Values, result any) error {
	u := c.url + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Add("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%s: %w (%s)", path, ErrBadRequest, errorMessage(body))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("request to %s failed with status code %d", path, resp.StatusCode)
	}

	if result == nil {
		return nil
	}

	if err = json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}

func errorMessage(body []byte) string {
	e := struct {
		Error string `json:"error"`
	}{}
	if json.Unmarshal(body, &e) != nil {
		return string(body)
	}
	return e.Error
}

func paging(page, limit int) url.Values {
	params := url.Values{}
	if page > 0 {
		params.Add("page", strconv.Itoa(page))
	}
	if limit > 0 {
		params.Add("limit", strconv.Itoa(limit))
	}
	return params
}
