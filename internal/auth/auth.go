package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Operator is the human behind an API call
type Operator struct {
	ID       int64
	Username string
	IsAdmin  bool
}

// RequesterID is the value recorded as requested_by on minted match tokens
func (o Operator) RequesterID() string {
	return strconv.FormatInt(o.ID, 10)
}

// Claims carries an operator in a bearer token. The subject is the user id.
type Claims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Service issues and verifies operator bearer tokens
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a service signing with secret; ttl defaults to a day
func NewService(secret string, ttl time.Duration) *Service {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Service{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// HashPassword creates a bcrypt hash of a password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// CheckPassword compares a password against a hash
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Issue signs an HS256 token for op
func (s *Service) Issue(op Operator) (string, error) {
	now := s.now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: op.Username,
		IsAdmin:  op.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.RequesterID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}).SignedString(s.secret)
}

// Verify checks signature, algorithm and expiry and returns the operator
func (s *Service) Verify(token string) (Operator, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Operator{}, ErrInvalidToken
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return Operator{}, ErrInvalidToken
	}
	return Operator{ID: id, Username: claims.Username, IsAdmin: claims.IsAdmin}, nil
}
