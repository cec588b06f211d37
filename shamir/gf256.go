package shamir

// GF(2^8) arithmetic over the AES field polynomial x^8 + x^4 + x^3 + x + 1.
// Multiplication and division go through log/exp tables built at init,
// with generator 3.

var (
	expTable [510]byte
	logTable [256]byte
)

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		expTable[i] = x
		logTable[x] = byte(i)
		// multiply x by the generator 3 = x * 2 + x
		x = xtime(x) ^ x
	}
	// duplicate the table so gfMul can skip the mod-255 reduction
	for i := 255; i < 510; i++ {
		expTable[i] = expTable[i-255]
	}
}

// xtime multiplies by 2 in GF(2^8), reducing by the field polynomial.
func xtime(b byte) byte {
	v := uint16(b) << 1
	if b&0x80 != 0 {
		v ^= 0x11b
	}
	return byte(v)
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return expTable[int(logTable[a])+int(logTable[b])]
}

// gfDiv divides a by b. b must be nonzero; share indices are always
// nonzero and distinct, so the denominators here never vanish.
func gfDiv(a, b byte) byte {
	if a == 0 {
		return 0
	}
	diff := int(logTable[a]) - int(logTable[b])
	if diff < 0 {
		diff += 255
	}
	return expTable[diff]
}

// evalPoly evaluates a polynomial with the given coefficients at x
// using Horner's method. coeffs[0] is the constant term.
func evalPoly(coeffs []byte, x byte) byte {
	var out byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		out = gfMul(out, x) ^ coeffs[i]
	}
	return out
}

// interpolateAtZero recovers the constant term of the polynomial
// passing through the given (x, y) points via Lagrange interpolation.
func interpolateAtZero(xs, ys []byte) byte {
	var out byte
	for i := range xs {
		basis := byte(1)
		for j := range xs {
			if i == j {
				continue
			}
			// L_i(0) term: x_j / (x_j + x_i) in GF(2^8)
			basis = gfMul(basis, gfDiv(xs[j], xs[j]^xs[i]))
		}
		out ^= gfMul(basis, ys[i])
	}
	return out
}
