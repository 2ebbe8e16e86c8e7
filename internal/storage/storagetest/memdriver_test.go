package storagetest

import (
	"testing"

	"github.com/datamarket/tierstore/pkg/types"
)

func TestMemDriverConformance(t *testing.T) {
	RunDriverSuite(t, func(t *testing.T) types.Driver {
		return NewMemDriver("mem")
	})
}
