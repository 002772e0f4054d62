package authtoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

type Claims struct {
	UserID   string `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// Signer 签发和校验 HS256 token；secret 来自配置
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

func (s *Signer) sign(userID string, username string, typ string, ttl time.Duration) (string, time.Time, error) {
	expireAt := time.Now().Add(ttl)
	// jwt.NewWithClaims 接收指针作为参数
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expireAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expireAt, nil
}

func (s *Signer) SignAccessToken(userID string, username string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(userID, username, TypeAccess, ttl)
}

func (s *Signer) SignRefreshToken(userID string, username string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(userID, username, TypeRefresh, ttl)
}

// 解析任意 token（访问/刷新），返回 Claims
func (s *Signer) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// PeekClaims 不验签地读取 claims，客户端用它从服务端签发的 token 里拿到自己的用户ID
func PeekClaims(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
