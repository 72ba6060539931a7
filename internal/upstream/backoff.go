package upstream

import "time"

// Delay computes the restart delay and next backoff exponent for a
// terminating error class, per spec.md §4.3. Callers hold b across calls;
// Delay returns the next value to store.
//
// The formulas are written as direct threshold comparisons rather than
// computing 2^b and multiplying, so the "saturate rather than overflow"
// requirement holds by construction: we never compute a quantity large
// enough to overflow in the first place, for any b up to the uint32 range.
func Delay(class ErrorClass, b uint32) (time.Duration, uint32) {
	switch class {
	case ClassRateLimited:
		// 60 * 2^b seconds, capped at 960s. Cap reached once 2^b >= 16, i.e. b >= 4.
		if b >= 4 {
			return 960 * time.Second, b + 1
		}
		return time.Duration(60*(1<<b)) * time.Second, b + 1

	case ClassBadStatus:
		// 5 * 2^b seconds, capped at 320s. Cap reached once 2^b >= 64, i.e. b >= 6.
		if b >= 6 {
			return 320 * time.Second, b + 1
		}
		return time.Duration(5*(1<<b)) * time.Second, b + 1

	case ClassNetError, ClassStall:
		// 250 * max(b, 1) ms, capped at 16000ms. Stall is treated as NetError.
		// Cap reached once max(b,1) >= 64, i.e. b >= 64.
		if b >= 64 {
			return 16000 * time.Millisecond, b + 1
		}
		m := b
		if m < 1 {
			m = 1
		}
		return time.Duration(250*m) * time.Millisecond, b + 1

	case ClassUnspecific:
		return 250 * time.Millisecond, 0

	default:
		return 250 * time.Millisecond, 0
	}
}
