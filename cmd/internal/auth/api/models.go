package authapi

import "time"

type registerRequest struct {
	Handle   string `json:"handle"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Email also accepts a handle.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type accountResponse struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle"`
	Email       string    `json:"email"`
	Avatar      string    `json:"avatar"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type sessionResponse struct {
	AccountID        string    `json:"accountId"`
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type federatedResponse struct {
	sessionResponse
	Created bool `json:"created"`
}

type accountEnvelope struct {
	Account accountResponse `json:"account"`
}

type statusResponse struct {
	Status string `json:"status"`
}
