// Package account owns the personal surface: login sessions, the account
// read/update methods and the password flows (change, request-reset,
// reset). Reset tokens are HS256 JWTs bound to the user and single-use.
package account

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/trovelabs/trove/internal/config"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/storage"
)

// Hasher abstracts the password hash so tests can swap the cost. The
// default is bcrypt at the library's default cost.
type Hasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

type bcryptHasher struct{}

func (bcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

func (bcryptHasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Mailer delivers the account mails. Delivery is a collaborator outside
// this server; the default implementation only logs.
type Mailer interface {
	SendWelcome(ctx context.Context, user *model.User) error
	SendPasswordReset(ctx context.Context, user *model.User, resetToken string) error
}

// LogMailer logs instead of sending. Reset tokens are never written to the
// log.
type LogMailer struct {
	Logger *logger.Logger
}

func (m *LogMailer) SendWelcome(ctx context.Context, user *model.User) error {
	m.Logger.WithContext(ctx).Info("welcome mail skipped (no mailer configured)",
		"username", user.Username, "email", user.Email)
	return nil
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, user *model.User, resetToken string) error {
	m.Logger.WithContext(ctx).Info("password reset mail skipped (no mailer configured)",
		"username", user.Username, "email", user.Email)
	return nil
}

// Service implements the auth.* and account.* methods.
type Service struct {
	store  storage.Store
	bus    *pubsub.Bus
	cfg    *config.Config
	logger *logger.Logger
	mailer Mailer
	hasher Hasher
}

func NewService(store storage.Store, bus *pubsub.Bus, cfg *config.Config,
	log *logger.Logger, mailer Mailer) *Service {
	componentLog := log.WithComponent("account")
	if mailer == nil {
		mailer = &LogMailer{Logger: componentLog}
	}
	return &Service{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: componentLog,
		mailer: mailer,
		hasher: bcryptHasher{},
	}
}

// SetHasher swaps the password hasher (tests use a cheap one).
func (s *Service) SetHasher(h Hasher) {
	s.hasher = h
}

// HashPassword hashes with the configured hasher; the system create-user
// method uses it.
func (s *Service) HashPassword(password string) (string, error) {
	return s.hasher.Hash(password)
}

// SendWelcome relays to the mailer.
func (s *Service) SendWelcome(ctx context.Context, user *model.User) error {
	return s.mailer.SendWelcome(ctx, user)
}
