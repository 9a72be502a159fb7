package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/gbrlsnchs/jwt/v3"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid or expired token")

const issuer = "qrpay"

type tokenPayload struct {
	jwt.Payload
	Phone string `json:"phone,omitempty"`
}

// TokenIssuer 签发和校验 HS256 令牌，subject 是用户ID
type TokenIssuer struct {
	alg *jwt.HMACSHA
	ttl time.Duration
	now func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		alg: jwt.NewHS256([]byte(secret)),
		ttl: ttl,
		now: time.Now,
	}
}

func (i *TokenIssuer) Issue(userID uuid.UUID, phone string) (string, error) {
	now := i.now()
	p := tokenPayload{
		Payload: jwt.Payload{
			Issuer:         issuer,
			Subject:        userID.String(),
			IssuedAt:       jwt.NumericDate(now),
			ExpirationTime: jwt.NumericDate(now.Add(i.ttl)),
			JWTID:          uuid.NewString(),
		},
		Phone: phone,
	}

	token, err := jwt.Sign(&p, i.alg)
	if err != nil {
		return "", fmt.Errorf("签发令牌失败: %w", err)
	}
	return string(token), nil
}

// Verify 校验签名、签发方和有效期，返回令牌里的用户ID
func (i *TokenIssuer) Verify(token string) (uuid.UUID, error) {
	var p tokenPayload
	validate := jwt.ValidatePayload(&p.Payload,
		jwt.IssuerValidator(issuer),
		jwt.ExpirationTimeValidator(i.now()),
	)
	if _, err := jwt.Verify([]byte(token), i.alg, &p, validate); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := uuid.Parse(p.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return userID, nil
}
