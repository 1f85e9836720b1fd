package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// GeneratePickupCode returns a short numeric code the restaurant checks
// against the driver at handover.
func GeneratePickupCode() string {
	randomNum, _ := rand.Int(rand.Reader, big.NewInt(999999))
	return fmt.Sprintf("%06d", randomNum.Int64())
}

func GenerateAttemptID() string {
	timestamp := time.Now().Unix()
	randomNum, _ := rand.Int(rand.Reader, big.NewInt(999999999))
	return fmt.Sprintf("att_%d_%09d", timestamp, randomNum.Int64())
}
