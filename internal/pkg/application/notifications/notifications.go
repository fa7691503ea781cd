package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
)

const (
	DefaultCooldown = 5 * time.Minute

	FallDetectedMessage = "Fall detected! Emergency assistance may be needed."
)

var ErrNotFound = errors.New("notification not found")

type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type ChangeKind string

const (
	Created ChangeKind = "created"
	Read    ChangeKind = "read"
	AllRead ChangeKind = "allRead"
)

// Change is emitted after every mutation of the notifications table.
type Change struct {
	Kind         ChangeKind          `json:"kind"`
	Notification *types.Notification `json:"notification,omitempty"`
	Unread       int64               `json:"unread"`
}

type ChangeFunc func(ctx context.Context, change Change)

//go:generate moq -rm -out service_mock.go . Service

type Service interface {
	RaiseFallDetected(ctx context.Context, deviceID string, location *types.Location) (types.Notification, bool, error)

	List(ctx context.Context, page, limit int) (types.Collection[types.Notification], error)
	UnreadCount(ctx context.Context) (int64, error)
	MarkRead(ctx context.Context, id uint) (types.Notification, error)
	MarkAllRead(ctx context.Context) (int64, error)

	OnChange(fn ChangeFunc) func()
}

type service struct {
	repo      database.NotificationRepository
	publisher Publisher
	cooldown  time.Duration
	now       func() time.Time

	raiseMu sync.Mutex

	mu        sync.RWMutex
	listeners map[int]ChangeFunc
	nextID    int
}

type Option func(*service)

func WithCooldown(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *service) {
		s.publisher = p
	}
}

func New(repo database.NotificationRepository, opts ...Option) Service {
	s := &service{
		repo:      repo,
		cooldown:  DefaultCooldown,
		now:       time.Now,
		listeners: map[int]ChangeFunc{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// RaiseFallDetected creates a fall notification for the device unless one
// was already created within the cooldown window. The returned bool tells
// whether a notification was created.
func (s *service) RaiseFallDetected(ctx context.Context, deviceID string, location *types.Location) (types.Notification, bool, error) {
	s.raiseMu.Lock()
	defer s.raiseMu.Unlock()

	now := s.now().UTC()

	existing, err := s.repo.FindLatest(ctx,
		database.WithDeviceID(deviceID),
		database.WithType(types.NotificationTypeFallDetection),
		database.WithSince(now.Add(-s.cooldown)),
	)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return types.Notification{}, false, fmt.Errorf("failed to look for recent notifications: %w", err)
	}

	data, err := json.Marshal(struct {
		Location *types.Location `json:"location"`
	}{location})
	if err != nil {
		return types.Notification{}, false, err
	}

	n, err := s.repo.Add(ctx, types.Notification{
		Type:      types.NotificationTypeFallDetection,
		Message:   FallDetectedMessage,
		Timestamp: now,
		Read:      false,
		DeviceID:  deviceID,
		Data:      data,
	})
	if err != nil {
		return types.Notification{}, false, err
	}

	s.publish(ctx, &types.NotificationCreated{Notification: n, Timestamp: now})
	s.changed(ctx, Change{Kind: Created, Notification: &n})

	return n, true, nil
}

func (s *service) List(ctx context.Context, page, limit int) (types.Collection[types.Notification], error) {
	page, limit = types.NormalizePaging(page, limit)

	list, total, err := s.repo.Query(ctx,
		database.WithSortDesc(true),
		database.WithOffset((page-1)*limit),
		database.WithLimit(limit),
	)
	if err != nil {
		return types.Collection[types.Notification]{}, err
	}
	if list == nil {
		list = []types.Notification{}
	}

	return types.Collection[types.Notification]{
		Data:       list,
		Pagination: types.NewPagination(total, page, limit),
	}, nil
}

func (s *service) UnreadCount(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx, database.WithRead(false))
}

func (s *service) MarkRead(ctx context.Context, id uint) (types.Notification, error) {
	n, err := s.repo.MarkRead(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return types.Notification{}, ErrNotFound
	}
	if err != nil {
		return types.Notification{}, err
	}

	s.publish(ctx, &types.NotificationsRead{ID: &n.ID, Timestamp: s.now().UTC()})
	s.changed(ctx, Change{Kind: Read, Notification: &n})

	return n, nil
}

func (s *service) MarkAllRead(ctx context.Context) (int64, error) {
	count, err := s.repo.MarkAllRead(ctx)
	if err != nil {
		return 0, err
	}

	s.publish(ctx, &types.NotificationsRead{All: true, Timestamp: s.now().UTC()})
	s.changed(ctx, Change{Kind: AllRead})

	return count, nil
}

// OnChange registers fn to be called after every mutation. The returned
// func removes the registration.
func (s *service) OnChange(fn ChangeFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *service) changed(ctx context.Context, change Change) {
	s.mu.RLock()
	listeners := make([]ChangeFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	unread, err := s.UnreadCount(ctx)
	if err != nil {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Warn().Err(err).Msg("could not count unread notifications")
	}
	change.Unread = unread

	for _, fn := range listeners {
		fn(ctx, change)
	}
}

func (s *service) publish(ctx context.Context, msg messaging.TopicMessage) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.PublishOnTopic(ctx, msg); err != nil {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Warn().Err(err).Str("topic", msg.TopicName()).Msg("failed to publish message")
	}
}
