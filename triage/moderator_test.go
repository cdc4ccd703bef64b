package triage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModerator_RejectsShortText(t *testing.T) {
	m := NewModerator()
	err := m.Check("too short")
	assert.ErrorIs(t, err, ErrContentRejected)
}

func TestModerator_RejectsOversizedText(t *testing.T) {
	m := NewModerator()
	err := m.Check(strings.Repeat("a", MaxComplaintLength+1))
	assert.ErrorIs(t, err, ErrContentRejected)
}

func TestModerator_AcceptsBoundaryLengths(t *testing.T) {
	m := NewModerator()
	assert.NoError(t, m.Check(strings.Repeat("a", MinComplaintLength)))
	assert.NoError(t, m.Check(strings.Repeat("a", MaxComplaintLength)))
}

func TestModerator_RejectsAbusiveLanguage(t *testing.T) {
	m := NewModerator()
	err := m.Check("this seller is a complete asshole and should be banned")
	assert.ErrorIs(t, err, ErrContentRejected)
}

func TestModerator_AcceptsOrdinaryComplaint(t *testing.T) {
	m := NewModerator()
	assert.NoError(t, m.Check("I never received the item I paid for last month."))
}

func TestModerator_CountsRunesNotBytes(t *testing.T) {
	m := NewModerator()
	// 20 multi-byte runes must pass the minimum length check.
	assert.NoError(t, m.Check(strings.Repeat("é", MinComplaintLength)))
}
