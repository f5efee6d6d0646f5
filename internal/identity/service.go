package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetherlabs/relay/internal/thread"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotAuthorized covers every credential miss: unknown token, rotated
	// token, unknown thread, and wrong pair code. Callers never learn which.
	ErrNotAuthorized = errors.New("identity: credentials not recognized")
	// ErrInvalidDeviceID indicates a supplied device identifier is unusable.
	ErrInvalidDeviceID = errors.New("identity: invalid device id")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errMissingCredentials = errors.New("credential source is required")
	noOpLogger            = zap.NewNop()
)

// Number of fresh pair code draws before a registration gives up. A collision
// with a live device on any thread forces a re-draw so a web session can never
// match two threads at once.
const pairCodeDrawAttempts = 5

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
	opServiceNew = "identity.service.new"
	opRegister   = "identity.register"
	opAuthToken  = "identity.auth_token"
	opAuthPair   = "identity.auth_pair"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider mints opaque identifiers for devices and threads.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required by the credential store.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Credentials CredentialSource
	Logger      *zap.Logger
}

// Service owns device records: registration, credential rotation, and the two
// authentication policies.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    IDProvider
	creds  CredentialSource
	logger *zap.Logger
}

// NewService constructs the credential store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Credentials == nil {
		return nil, newServiceError(opServiceNew, "missing_credentials", errMissingCredentials)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		ids:    cfg.IDProvider,
		creds:  cfg.Credentials,
		logger: logger,
	}, nil
}

// Register creates a device record on first sight of a device identifier and
// rotates its credentials on every call after that. The thread identifier is
// assigned once and preserved verbatim across re-registrations so history is
// never orphaned. The existence check and the write happen inside one
// transaction; concurrent first registrations of the same identifier serialize
// on the device row instead of racing to mint two threads.
func (s *Service) Register(ctx context.Context, deviceID, name string) (Registration, error) {
	deviceID = strings.TrimSpace(deviceID)
	if len(deviceID) > maxIdentifierLength {
		return Registration{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	name = strings.TrimSpace(name)
	if len(name) > maxIdentifierLength {
		name = name[:maxIdentifierLength]
	}

	var registration Registration
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if deviceID == "" {
			minted, err := s.ids.NewID()
			if err != nil {
				s.logError(opRegister, "id_generation_failed", err)
				return newServiceError(opRegister, "id_generation_failed", err)
			}
			deviceID = minted
		}

		var existing Device
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ?", deviceID).
			Take(&existing).Error
		found := true
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
		} else if err != nil {
			s.logError(opRegister, "device_select_failed", err, zap.String("device_id", deviceID))
			return newServiceError(opRegister, "device_select_failed", err)
		}

		token, err := s.creds.NewToken()
		if err != nil {
			s.logError(opRegister, "token_generation_failed", err, zap.String("device_id", deviceID))
			return newServiceError(opRegister, "token_generation_failed", err)
		}
		pairCode, err := s.drawPairCode(tx, deviceID)
		if err != nil {
			return err
		}

		if !found {
			threadID, err := s.ids.NewID()
			if err != nil {
				s.logError(opRegister, "id_generation_failed", err, zap.String("device_id", deviceID))
				return newServiceError(opRegister, "id_generation_failed", err)
			}
			if err := tx.Create(&thread.Thread{ThreadID: threadID}).Error; err != nil {
				s.logError(opRegister, "thread_insert_failed", err, zap.String("thread_id", threadID))
				return newServiceError(opRegister, "thread_insert_failed", err)
			}
			record := Device{
				DeviceID: deviceID,
				ThreadID: threadID,
				Token:    token,
				PairCode: pairCode,
				Name:     name,
			}
			if record.Name == "" {
				record.Name = DefaultDeviceName
			}
			if err := tx.Create(&record).Error; err != nil {
				s.logError(opRegister, "device_insert_failed", err, zap.String("device_id", deviceID))
				return newServiceError(opRegister, "device_insert_failed", err)
			}
			registration = Registration{
				DeviceID: deviceID,
				ThreadID: threadID,
				Token:    token,
				PairCode: pairCode,
				Created:  true,
			}
			return nil
		}

		updates := map[string]interface{}{
			"token":     token,
			"pair_code": pairCode,
		}
		if name != "" {
			updates["name"] = name
		}
		if err := tx.Model(&Device{}).Where("device_id = ?", deviceID).Updates(updates).Error; err != nil {
			s.logError(opRegister, "device_update_failed", err, zap.String("device_id", deviceID))
			return newServiceError(opRegister, "device_update_failed", err)
		}
		registration = Registration{
			DeviceID: deviceID,
			ThreadID: existing.ThreadID,
			Token:    token,
			PairCode: pairCode,
		}
		return nil
	})
	if txErr != nil {
		return Registration{}, txErr
	}

	s.logger.Info("device registered",
		zap.String("device_id", registration.DeviceID),
		zap.String("thread_id", registration.ThreadID),
		zap.Bool("created", registration.Created))
	return registration, nil
}

// drawPairCode draws a fresh pair code, re-drawing while any other live device
// holds the same code.
func (s *Service) drawPairCode(tx *gorm.DB, deviceID string) (string, error) {
	for attempt := 0; attempt < pairCodeDrawAttempts; attempt++ {
		code, err := s.creds.NewPairCode()
		if err != nil {
			s.logError(opRegister, "pair_code_generation_failed", err, zap.String("device_id", deviceID))
			return "", newServiceError(opRegister, "pair_code_generation_failed", err)
		}
		var holders int64
		if err := tx.Model(&Device{}).
			Where("pair_code = ? AND device_id <> ?", code, deviceID).
			Count(&holders).Error; err != nil {
			s.logError(opRegister, "pair_code_check_failed", err, zap.String("device_id", deviceID))
			return "", newServiceError(opRegister, "pair_code_check_failed", err)
		}
		if holders == 0 {
			return code, nil
		}
	}
	s.logError(opRegister, "pair_code_space_exhausted", nil, zap.String("device_id", deviceID))
	return "", newServiceError(opRegister, "pair_code_space_exhausted", nil)
}

// AuthenticateByToken resolves the unique device holding the presented bearer
// token. The token column carries a unique index so this is an indexed
// equality lookup rather than a scan.
func (s *Service) AuthenticateByToken(ctx context.Context, token string) (DeviceContext, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return DeviceContext{}, ErrNotAuthorized
	}

	var record Device
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DeviceContext{}, ErrNotAuthorized
	}
	if err != nil {
		s.logError(opAuthToken, "device_select_failed", err)
		return DeviceContext{}, newServiceError(opAuthToken, "device_select_failed", err)
	}

	return deviceContext(record), nil
}

// AuthenticateByPair resolves the unique device whose thread identifier and
// current pair code both match.
func (s *Service) AuthenticateByPair(ctx context.Context, threadID, pairCode string) (DeviceContext, error) {
	threadID = strings.TrimSpace(threadID)
	pairCode = strings.TrimSpace(pairCode)
	if threadID == "" || pairCode == "" {
		return DeviceContext{}, ErrNotAuthorized
	}

	var record Device
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND pair_code = ?", threadID, pairCode).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DeviceContext{}, ErrNotAuthorized
	}
	if err != nil {
		s.logError(opAuthPair, "device_select_failed", err, zap.String("thread_id", threadID))
		return DeviceContext{}, newServiceError(opAuthPair, "device_select_failed", err)
	}

	return deviceContext(record), nil
}

func deviceContext(record Device) DeviceContext {
	return DeviceContext{
		DeviceID: record.DeviceID,
		ThreadID: record.ThreadID,
		Name:     record.Name,
		PairCode: record.PairCode,
	}
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
	s.logger.Error("identity service error", attrs...)
}
