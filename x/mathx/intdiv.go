package mathx

// CeilDiv returns ceil(a/b) for positive integers; b == 0 yields 0.
func CeilDiv[T ~int | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// AlignUp rounds a up to the next multiple of b.
func AlignUp[T ~int | ~int64 | ~uint | ~uint32 | ~uint64](a, b T) T {
	return CeilDiv(a, b) * b
}
