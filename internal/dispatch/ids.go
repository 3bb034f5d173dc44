package dispatch

import "github.com/google/uuid"

func NewDispatchID() string { return "disp_" + uuid.NewString() }
func NewRideID() string     { return "ride_" + uuid.NewString() }

// NewOTP returns a short numeric handoff code, not cryptographically
// sensitive: it only guards against a bystander claiming a ride at the
// curb, not against a motivated attacker.
func NewOTP() string {
	id := uuid.New()
	n := (int(id[0])<<8 | int(id[1])) % 10000
	return padOTP(n)
}

func padOTP(n int) string {
	digits := [4]byte{}
	for i := 3; i >= 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[:])
}
