package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"peerwire/internal/core/domain"
	"peerwire/internal/core/ports"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

type Claims struct {
	PeerID domain.PeerID `json:"peer_id"`
	jwt.RegisteredClaims
}

type tokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService issues HMAC-signed peer tokens with the given lifetime.
func NewTokenService(secret string, ttl time.Duration) ports.TokenService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &tokenService{secret: []byte(secret), ttl: ttl}
}

func (s *tokenService) Issue(peerID domain.PeerID) (string, error) {
	claims := &Claims{
		PeerID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *tokenService) Verify(tokenString string) (domain.PeerID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.PeerID == "" {
		return "", ErrInvalidToken
	}
	return claims.PeerID, nil
}
