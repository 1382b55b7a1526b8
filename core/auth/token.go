package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken covers malformed, forged, and rotated-out session tokens.
var ErrInvalidToken = errors.New("invalid session token")

const issuer = "pmpsync"

// Claims identifies a device session. ID (jti) is rotated on every login and
// stored on the device row; a token whose jti no longer matches is dead.
type Claims struct {
	jwt.RegisteredClaims
}

// DeviceID parses the subject back into a device id.
func (c *Claims) DeviceID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return id, nil
}

// Issuer signs session tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer returns an issuer; now defaults to time.Now.
func NewIssuer(secret string, now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: []byte(secret), now: now}
}

// Issue creates a fresh token for the device and returns it together with
// its token id, which the caller persists as the device's current session.
func (i *Issuer) Issue(deviceID int64) (token, tokenID string, err error) {
	tokenID = uuid.NewString()
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  strconv.FormatInt(deviceID, 10),
		ID:       tokenID,
		IssuedAt: jwt.NewNumericDate(i.now()),
	}}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, tokenID, nil
}

// Parse verifies the signature and returns the claims. It does not check
// rotation; callers compare Claims.ID with the stored token id.
func (i *Issuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Verify checks that token belongs to deviceID and carries the current
// token id.
func (i *Issuer) Verify(token string, deviceID int64, currentTokenID string) error {
	claims, err := i.Parse(token)
	if err != nil {
		return err
	}
	sub, err := claims.DeviceID()
	if err != nil {
		return err
	}
	if sub != deviceID {
		return fmt.Errorf("%w: device mismatch", ErrInvalidToken)
	}
	if currentTokenID == "" || claims.ID != currentTokenID {
		return fmt.Errorf("%w: token has been rotated", ErrInvalidToken)
	}
	return nil
}
