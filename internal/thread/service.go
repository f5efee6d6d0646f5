package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrThreadNotFound indicates an append against a thread that was never
	// initialized during registration.
	ErrThreadNotFound = errors.New("thread: thread not found")
	// ErrInvalidCursor indicates a negative pull cursor.
	ErrInvalidCursor = errors.New("thread: invalid cursor")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "thread.service.new"
	opAppend     = "thread.append"
	opReadSince  = "thread.read_since"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies required by the thread log.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the append-only per-thread message log.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the thread log service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Append assigns the next message identifier and stores the message. The read
// of the high-water mark, the message insert, and the counter bump commit as
// one transaction over a locked thread row, so two concurrent appends to the
// same thread can never receive the same identifier. The timestamp is assigned
// server-side at the same moment as the identifier.
func (s *Service) Append(ctx context.Context, threadID string, from Role, text MessageText) (Message, error) {
	var message Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Thread
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("thread_id = ?", threadID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrThreadNotFound
		}
		if err != nil {
			s.logError(opAppend, "thread_select_failed", err, zap.String("thread_id", threadID))
			return newServiceError(opAppend, "thread_select_failed", err)
		}

		next := record.LastMsgID + 1
		message = Message{
			ThreadID: threadID,
			MsgID:    next,
			From:     from,
			Text:     text.String(),
			TSMillis: s.clock().UTC().UnixMilli(),
		}
		if err := tx.Create(&message).Error; err != nil {
			s.logError(opAppend, "message_insert_failed", err,
				zap.String("thread_id", threadID),
				zap.Int64("msg_id", next))
			return newServiceError(opAppend, "message_insert_failed", err)
		}
		if err := tx.Model(&Thread{}).
			Where("thread_id = ?", threadID).
			Update("last_msg_id", next).Error; err != nil {
			s.logError(opAppend, "thread_update_failed", err,
				zap.String("thread_id", threadID),
				zap.Int64("msg_id", next))
			return newServiceError(opAppend, "thread_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Message{}, txErr
	}
	return message, nil
}

// ReadSince returns messages with identifiers above the cursor in ascending
// order, truncated to limit when limit is positive. The second return value is
// the identifier of the last message returned, or the cursor unchanged when
// nothing new is available; it becomes the caller's next cursor.
func (s *Service) ReadSince(ctx context.Context, threadID string, after int64, limit int) ([]Message, int64, error) {
	if after < 0 {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidCursor, after)
	}

	query := s.db.WithContext(ctx).
		Where("thread_id = ? AND msg_id > ?", threadID, after).
		Order("msg_id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var messages []Message
	if err := query.Find(&messages).Error; err != nil {
		s.logError(opReadSince, "query_failed", err,
			zap.String("thread_id", threadID),
			zap.Int64("after", after))
		return nil, 0, newServiceError(opReadSince, "query_failed", err)
	}

	latest := after
	if len(messages) > 0 {
		latest = messages[len(messages)-1].MsgID
	}
	return messages, latest, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("thread service error", attrs...)
}
