package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret 用 bcrypt 生成支付密码摘要，cost 为 0 时使用默认强度
func HashSecret(secret string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret 密码不匹配返回 false 和 nil，摘要本身损坏时返回错误
func VerifySecret(hash, secret string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}
