package p2p

import (
	"encoding/json"
	"time"

	"oracle_consensus/pkg/utils"
)

// MessageType identifies a protocol message on the wire
type MessageType string

const (
	RoundAnnounceMessage  MessageType = "RoundAnnounce"
	CommitCloseMessage    MessageType = "CommitClose"
	CommitmentMessage     MessageType = "Commitment"
	RevealMessage         MessageType = "Reveal"
	ShareRequestMessage   MessageType = "ShareRequest"
	SignatureMessage      MessageType = "Signature"
	ResultMessage         MessageType = "Result"
	RoundFailedMessage    MessageType = "RoundFailed"
)

const protocolVersion = "1.0.0"

// Message is the envelope for all gossip traffic. Payload holds the
// type-specific body; AuthToken carries the sender's enrollment token.
type Message struct {
	Type      MessageType     `json:"type"`
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	SenderID  string          `json:"sender_id"`
	AuthToken string          `json:"auth_token,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// NewMessage creates an envelope around a payload
func NewMessage(msgType MessageType, senderID string, payload interface{}) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Version:   protocolVersion,
		ID:        utils.GenerateMessageID(),
		Timestamp: time.Now().UTC(),
		SenderID:  senderID,
		Payload:   body,
	}, nil
}

// Marshal serializes the message
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal deserializes the message
func (m *Message) Unmarshal(data []byte) error {
	return json.Unmarshal(data, m)
}

// Decode unmarshals the payload into the given body struct
func (m *Message) Decode(body interface{}) error {
	return json.Unmarshal(m.Payload, body)
}

// RoundAnnouncePayload starts a round: the coordinator publishes the
// round identity and its deadlines.
type RoundAnnouncePayload struct {
	RoundID        string    `json:"round_id"`
	FeedID         string    `json:"feed_id"`
	RoundNumber    uint64    `json:"round_number"`
	CommitDeadline time.Time `json:"commit_deadline"`
	RevealDeadline time.Time `json:"reveal_deadline"`
}

// CommitClosePayload announces the end of the commit window
type CommitClosePayload struct {
	RoundID        string    `json:"round_id"`
	FeedID         string    `json:"feed_id"`
	RoundNumber    uint64    `json:"round_number"`
	RevealDeadline time.Time `json:"reveal_deadline"`
}

// CommitmentPayload carries a validator's salted value hash
type CommitmentPayload struct {
	RoundID     string `json:"round_id"`
	ValidatorID string `json:"validator_id"`
	Hash        string `json:"hash"`
}

// RevealPayload opens a prior commitment
type RevealPayload struct {
	RoundID     string  `json:"round_id"`
	ValidatorID string  `json:"validator_id"`
	Value       float64 `json:"value"`
	Nonce       string  `json:"nonce"`
}

// ShareRequestPayload asks signers for partial signatures over the
// aggregated value.
type ShareRequestPayload struct {
	RoundID string  `json:"round_id"`
	FeedID  string  `json:"feed_id"`
	Value   float64 `json:"value"`
}

// SignaturePayload carries a validator's partial signature
type SignaturePayload struct {
	RoundID     string `json:"round_id"`
	ValidatorID string `json:"validator_id"`
	Share       []byte `json:"share"`
}

// ResultPayload publishes a finalized signed result
type ResultPayload struct {
	RoundID           string    `json:"round_id"`
	FeedID            string    `json:"feed_id"`
	RoundNumber       uint64    `json:"round_number"`
	Value             float64   `json:"value"`
	CombinedSignature []byte    `json:"combined_signature"`
	SignerSet         []string  `json:"signer_set"`
	SignerBitmap      []byte    `json:"signer_bitmap"`
	FinalizedAt       time.Time `json:"finalized_at"`
}

// RoundFailedPayload announces a terminal round failure
type RoundFailedPayload struct {
	RoundID     string `json:"round_id"`
	FeedID      string `json:"feed_id"`
	RoundNumber uint64 `json:"round_number"`
	Reason      string `json:"reason"`
}
