package p2p

import (
	"context"
)

// RemoteSubmitter publishes a participant's submissions to the mesh
// for the coordinator to apply. It satisfies the participant's
// Submitter contract on nodes that do not run the engine locally.
type RemoteSubmitter struct {
	host  *Host
	token string
}

func NewRemoteSubmitter(host *Host, token string) *RemoteSubmitter {
	return &RemoteSubmitter{host: host, token: token}
}

func (s *RemoteSubmitter) SubmitCommitment(ctx context.Context, roundID, validatorID, hash string) error {
	return s.publish(ctx, CommitmentMessage, validatorID, CommitmentPayload{
		RoundID:     roundID,
		ValidatorID: validatorID,
		Hash:        hash,
	})
}

func (s *RemoteSubmitter) SubmitReveal(ctx context.Context, roundID, validatorID string, value float64, nonce string) error {
	return s.publish(ctx, RevealMessage, validatorID, RevealPayload{
		RoundID:     roundID,
		ValidatorID: validatorID,
		Value:       value,
		Nonce:       nonce,
	})
}

func (s *RemoteSubmitter) SubmitSignatureShare(ctx context.Context, roundID, validatorID string, share []byte) error {
	return s.publish(ctx, SignatureMessage, validatorID, SignaturePayload{
		RoundID:     roundID,
		ValidatorID: validatorID,
		Share:       share,
	})
}

func (s *RemoteSubmitter) publish(ctx context.Context, msgType MessageType, senderID string, payload interface{}) error {
	msg, err := NewMessage(msgType, senderID, payload)
	if err != nil {
		return err
	}
	msg.AuthToken = s.token
	return s.host.Publish(ctx, RoundTopic, msg)
}
