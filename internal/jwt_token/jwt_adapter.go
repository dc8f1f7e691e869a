package jwttoken

import (
	"shuttle/internal/platform/middleware"
)

func ToPrincipal(claims *Claims) *middleware.Principal {
	return &middleware.Principal{
		Subject:  claims.Subject,
		Role:     claims.Role,
		DriverID: claims.DriverID,
		TokenID:  claims.ID,
	}
}

// JWTServiceAdapter exposes JWTService as a middleware.TokenValidator.
type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*middleware.Principal, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return ToPrincipal(claims), nil
}
