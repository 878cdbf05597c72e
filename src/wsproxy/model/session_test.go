package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestSessionModel(t *testing.T) {
	model := Session{Variant: "pyright"}
	assert.Equal(t, model.Variant, "pyright")
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
