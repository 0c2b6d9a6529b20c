package models

import "github.com/golang-jwt/jwt/v5"

// OperatorClaims identifies a back-office operator inspecting or deciding requests.
type OperatorClaims struct {
	OperatorID string `json:"operator_id"`
	Name       string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
