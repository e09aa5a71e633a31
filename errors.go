package broker

import "errors"

var (
	ErrCodeNotFound  = errors.New("authorization code not found")
	ErrCodeExpired   = errors.New("authorization code expired")
	ErrCodeMismatch  = errors.New("authorization code client mismatch")
	ErrTokenNotFound = errors.New("access token not found")
	ErrTokenExpired  = errors.New("access token expired")
)
