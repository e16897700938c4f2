// ABOUTME: bcrypt password hashing and checking in the $2b$ format the store accepts
// ABOUTME: Unknown users are compared against a dummy hash so timing does not leak existence

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MinCost is the lowest bcrypt cost accepted for new password hashes.
const MinCost = 12

// ErrPasswordMismatch is returned by CheckPassword when the password is wrong.
var ErrPasswordMismatch = errors.New("password does not match")

// HashPassword returns a $2b$ bcrypt hash of password.
func HashPassword(password string, cost int) ([]byte, error) {
	if cost < MinCost {
		return nil, fmt.Errorf("bcrypt cost %d is below the minimum of %d", cost, MinCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	// Go writes the $2a$ prefix for the same algorithm.
	if len(hash) > 3 && hash[2] == 'a' {
		hash[2] = 'b'
	}
	return hash, nil
}

// CheckPassword compares password with a bcrypt hash.
func CheckPassword(password string, hash []byte) error {
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	return err
}

// dummyHash is burned on unknown usernames so they cost as much as a wrong password.
type dummyHash struct {
	cost int
	once sync.Once
	hash []byte
}

func (d *dummyHash) compare(password string) {
	d.once.Do(func() {
		buf := make([]byte, 16)
		_, _ = rand.Read(buf)
		cost := d.cost
		if cost < MinCost {
			cost = MinCost
		}
		d.hash, _ = bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(buf)), cost)
	})
	_ = bcrypt.CompareHashAndPassword(d.hash, []byte(password))
}
