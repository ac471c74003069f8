package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// EventsSuite tests the envelope identity and key normalization rules.
//
// Justification: event IDs and aggregate keys are write-once identities.
// Any drift in their derivation would orphan existing rows, so the exact
// formats are pinned here.
type EventsSuite struct {
	suite.Suite
}

func TestEventsSuite(t *testing.T) {
	suite.Run(t, new(EventsSuite))
}

func (s *EventsSuite) TestEventID() {
	env := Envelope{ChainID: 84532, BlockNumber: 12345, LogIndex: 7}
	s.Equal("84532_12345_7", env.EventID())

	s.Run("same position yields same id", func() {
		other := Envelope{ChainID: 84532, BlockNumber: 12345, LogIndex: 7, TxHash: "0xother"}
		s.Equal(env.EventID(), other.EventID())
	})
}

func (s *EventsSuite) TestBlockTime() {
	env := Envelope{BlockTimestamp: 1748779200}
	s.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), env.BlockTime())
}

func (s *EventsSuite) TestNormalizeAddress() {
	s.Equal("0xabcdef", NormalizeAddress("0xABCdef"))
	s.Equal("0xabcdef", NormalizeAddress("  0xABCDEF "))
}

func (s *EventsSuite) TestTypeKey() {
	cases := map[string]string{
		"degree":                "type_degree",
		"Degree":                "type_degree",
		"Bachelor of Science":   "type_bachelor_of_science",
		"KYC/AML - Level 2":     "type_kyc_aml_level_2",
		"  padded  ":            "type_padded",
		"trailing punctuation!": "type_trailing_punctuation",
	}
	for input, want := range cases {
		s.Equal(want, TypeKey(input), "input %q", input)
	}
}

func (s *EventsSuite) TestAggregateKeys() {
	s.Equal("issuer_0xaa", IssuerKey("0xAA"))
	s.Equal("credential_42", CredentialKey("42"))
}
