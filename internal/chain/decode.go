package chain

import (
	"encoding/json"

	dErrors "credindex/pkg/domain-errors"
)

// wireEvent matches the JSON layout produced by the upstream log decoder:
// the envelope fields inline, the event name, and the decoded parameters.
type wireEvent struct {
	Envelope
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`
}

// Encode serializes an envelope and payload back into the wire layout.
// The projector uses it to buffer dependent events verbatim, and tests use
// it to build message values.
func Encode(env Envelope, event Event) ([]byte, error) {
	params, err := json.Marshal(event)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "marshal event params")
	}
	return json.Marshal(wireEvent{
		Envelope: env,
		Name:     event.EventName(),
		Params:   params,
	})
}

// Decode parses a raw message value into its envelope and typed payload.
// Unknown event names and malformed payloads return CodeInvalidInput so the
// caller can route the message to the dead-letter topic instead of blocking
// the partition.
func Decode(value []byte) (Envelope, Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(value, &wire); err != nil {
		return Envelope{}, nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed event message")
	}

	if wire.Name == "" {
		return Envelope{}, nil, dErrors.New(dErrors.CodeInvalidInput, "event name missing")
	}

	event, err := decodePayload(wire.Name, wire.Params)
	if err != nil {
		return Envelope{}, nil, err
	}

	return wire.Envelope, event, nil
}

func decodePayload(name string, params json.RawMessage) (Event, error) {
	var event Event

	switch name {
	case NameCredentialMinted:
		event = &CredentialMinted{}
	case NameCredentialRevoked:
		event = &CredentialRevoked{}
	case NameCredentialRegistered:
		event = &CredentialRegistered{}
	case NameIssuerRegistered:
		event = &IssuerRegistered{}
	case NameIssuerVerificationChanged:
		event = &IssuerVerificationChanged{}
	case NameTransfer:
		event = &Transfer{}
	case NameApproval:
		event = &Approval{}
	case NameApprovalForAll:
		event = &ApprovalForAll{}
	case NamePaused:
		event = &Paused{}
	case NameUnpaused:
		event = &Unpaused{}
	case NameMetadataUpdate:
		event = &MetadataUpdate{}
	case NameDelegationGranted:
		event = &DelegationGranted{}
	case NameDelegationRevoked:
		event = &DelegationRevoked{}
	case NameRoleGranted:
		event = &RoleGranted{}
	case NameRoleRevoked:
		event = &RoleRevoked{}
	case NameContractUpgraded:
		event = &ContractUpgraded{}
	default:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown event name: "+name)
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, event); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed params for "+name)
		}
	}

	return event, nil
}
