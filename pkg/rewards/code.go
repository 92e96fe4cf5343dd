package rewards

import (
	"crypto/rand"
	"io"
)

// voucherCodeAlphabet excludes visually confusable glyphs (0/O, 1/I/L).
const voucherCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// VoucherCodeLength is the number of characters in a generated code.
const VoucherCodeLength = 8

// NewVoucherCode returns a random human-readable voucher code. Uniqueness
// is enforced by the store's code index, not here; the purchase path
// regenerates on a collision.
func NewVoucherCode() string {
	return newVoucherCodeFrom(rand.Reader)
}

func newVoucherCodeFrom(source io.Reader) string {
	code := make([]byte, VoucherCodeLength)
	buffer := make([]byte, 1)
	for position := 0; position < VoucherCodeLength; {
		if _, err := io.ReadFull(source, buffer); err != nil {
			// An unusable entropy source is unrecoverable; retrying
			// would spin forever.
			panic("voucher code entropy source failed: " + err.Error())
		}
		// Rejection sampling keeps the distribution uniform.
		if int(buffer[0]) >= 256-(256%len(voucherCodeAlphabet)) {
			continue
		}
		code[position] = voucherCodeAlphabet[int(buffer[0])%len(voucherCodeAlphabet)]
		position++
	}
	return string(code)
}
