package account

import (
	"errors"
	"fmt"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/model"
)

// CheckPasswordRules validates a candidate password against the configured
// complexity and reuse rules. Violations are InvalidOperation per the error
// taxonomy.
func (s *Service) CheckPasswordRules(user *model.User, candidate string) error {
	if len(candidate) < s.cfg.PasswordMinLength {
		return apierr.InvalidOperation(
			fmt.Sprintf("The password must be at least %d characters long.", s.cfg.PasswordMinLength),
			map[string]interface{}{"minLength": s.cfg.PasswordMinLength})
	}

	if got, want := charCategories(candidate), s.cfg.PasswordMinCharCategories; got < want {
		return apierr.InvalidOperation(
			fmt.Sprintf("The password must use at least %d character categories (lowercase, uppercase, digits, symbols).", want),
			map[string]interface{}{"minCharCategories": want})
	}

	if depth := s.cfg.PasswordPreventReuse; depth > 0 && user != nil {
		previous := append([]string{user.PasswordHash}, user.PasswordHistory...)
		if len(previous) > depth {
			previous = previous[:depth]
		}
		for _, hash := range previous {
			if hash == "" {
				continue
			}
			if s.hasher.Compare(hash, candidate) == nil {
				return apierr.InvalidOperation(
					fmt.Sprintf("The password was already used among the last %d passwords.", depth),
					map[string]interface{}{"preventReuse": depth})
			}
		}
	}
	return nil
}

// checkPasswordAge enforces the minimum delay between changes. The reset
// flow skips it: reset is the recovery path.
func (s *Service) checkPasswordAge(user *model.User) error {
	minAge := s.cfg.PasswordMinAge
	if minAge <= 0 || user.PasswordChangedAt == 0 {
		return nil
	}
	elapsed := model.NowSeconds() - user.PasswordChangedAt
	if elapsed < minAge.Seconds() {
		return apierr.InvalidOperation(
			"The password was changed too recently.",
			map[string]interface{}{"minAge": minAge.Seconds(), "changedAt": user.PasswordChangedAt})
	}
	return nil
}

// setPassword installs the new hash, pushing the previous one onto the
// bounded history.
func (s *Service) setPassword(user *model.User, newPassword string) error {
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if user.PasswordHash != "" {
		user.PasswordHistory = append([]string{user.PasswordHash}, user.PasswordHistory...)
		if depth := s.cfg.PasswordPreventReuse; depth > 0 && len(user.PasswordHistory) > depth {
			user.PasswordHistory = user.PasswordHistory[:depth]
		} else if depth == 0 {
			user.PasswordHistory = nil
		}
	}
	user.PasswordHash = hash
	user.PasswordChangedAt = model.NowSeconds()
	return nil
}

func charCategories(password string) int {
	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	n := 0
	for _, present := range []bool{lower, upper, digit, symbol} {
		if present {
			n++
		}
	}
	return n
}

// resetClaims is the payload of a password reset token: the user it was
// issued for and the jti consumed on use.
type resetClaims struct {
	jwt.RegisteredClaims
}

var errResetToken = errors.New("invalid reset token")

// issueResetToken signs a reset token for the user and returns it with the
// jti to persist. Only the latest issued token verifies.
func (s *Service) issueResetToken(user *model.User) (token, jti string, err error) {
	jti = uuid.NewString()
	now := time.Now()
	claims := resetClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.PasswordResetMaxAge)),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(s.cfg.ServerSecret))
	return token, jti, err
}

// verifyResetToken parses and validates a reset token for the user:
// signature, expiry, subject binding and the stored single-use jti.
func (s *Service) verifyResetToken(user *model.User, tokenString string) error {
	var claims resetClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", errResetToken, t.Header["alg"])
		}
		return []byte(s.cfg.ServerSecret), nil
	})
	if err != nil {
		return apierr.InvalidAccessToken("The reset token is invalid or expired.")
	}
	if claims.Subject != user.ID {
		return apierr.InvalidAccessToken("The reset token was not issued for this user.")
	}
	if claims.ID == "" || claims.ID != user.ResetTokenID {
		// Consumed or superseded by a newer request.
		return apierr.InvalidAccessToken("The reset token is no longer valid.")
	}
	return nil
}

// sessionExpiry computes the sliding expiry for a personal session opened
// or refreshed now.
func (s *Service) sessionExpiry(now float64) float64 {
	return now + s.cfg.SessionMaxAge.Seconds()
}
