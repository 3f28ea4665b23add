package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Request carries the authenticated caller and the value attached to one
// invocation. It is immutable once built.
type Request struct {
	Caller common.Address
	Value  *uint256.Int
}

// NewRequest builds a Request with no attached value.
func NewRequest(caller common.Address) Request {
	return Request{Caller: caller, Value: new(uint256.Int)}
}

// WithValue returns a copy of r carrying v.
func (r Request) WithValue(v *uint256.Int) Request {
	r.Value = orZero(v).Clone()
	return r
}

// Paid returns the attached value, never nil.
func (r Request) Paid() *uint256.Int {
	return orZero(r.Value)
}
