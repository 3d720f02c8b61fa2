package p2p

import (
	"context"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"oracle_consensus/pkg/consensus"
	"oracle_consensus/pkg/security"
)

// subscription abstracts a pubsub subscription for testing
type subscription interface {
	Next(ctx context.Context) (*pubsub.Message, error)
}

// Coordinator is the subset of the engine the bridge feeds with
// network submissions.
type Coordinator interface {
	SubmitCommitment(ctx context.Context, roundID, validatorID, hash string) error
	SubmitReveal(ctx context.Context, roundID, validatorID string, value float64, nonce string) error
	SubmitSignatureShare(ctx context.Context, roundID, validatorID string, share []byte) error
	Events() <-chan consensus.Event
}

// Bridge connects the gossip mesh to the consensus engine. On the
// coordinator it publishes round lifecycle events and applies incoming
// submissions; on follower nodes it translates announcements into
// events for the local participant.
type Bridge struct {
	host    *Host
	engine  Coordinator
	issuer  *security.TokenIssuer
	nodeID  string
	token   string
	logger  *zap.Logger
	events  chan consensus.Event
}

// NewBridge wires a host to a coordinator. engine may be nil on nodes
// that only participate in rounds coordinated elsewhere.
func NewBridge(host *Host, engine Coordinator, issuer *security.TokenIssuer, nodeID, token string, logger *zap.Logger) *Bridge {
	return &Bridge{
		host:   host,
		engine: engine,
		issuer: issuer,
		nodeID: nodeID,
		token:  token,
		logger: logger,
		events: make(chan consensus.Event, 64),
	}
}

// Events returns round lifecycle events reconstructed from the mesh,
// for the local participant on follower nodes.
func (b *Bridge) Events() <-chan consensus.Event {
	return b.events
}

// Start launches the publish and receive loops
func (b *Bridge) Start(ctx context.Context) error {
	sub, err := b.host.Subscribe(RoundTopic)
	if err != nil {
		return err
	}

	go b.receiveLoop(ctx, sub)
	if b.engine != nil {
		go b.publishLoop(ctx)
	}
	return nil
}

// publishLoop broadcasts the coordinator's round events to the mesh
func (b *Bridge) publishLoop(ctx context.Context) {
	for {
		select {
		case ev := <-b.engine.Events():
			if err := b.publishEvent(ctx, ev); err != nil {
				b.logger.Warn("failed to publish round event",
					zap.String("kind", string(ev.Kind)),
					zap.String("round_id", ev.RoundID),
					zap.Error(err))
			}
			// Local participants on the coordinator node get the event
			// directly, without a network round trip.
			select {
			case b.events <- ev:
			default:
				b.logger.Warn("local event buffer full",
					zap.String("round_id", ev.RoundID))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) publishEvent(ctx context.Context, ev consensus.Event) error {
	var (
		msgType MessageType
		topic   = RoundTopic
		payload interface{}
	)

	switch ev.Kind {
	case consensus.EventRoundStarted:
		msgType = RoundAnnounceMessage
		payload = RoundAnnouncePayload{
			RoundID:        ev.RoundID,
			FeedID:         ev.FeedID,
			RoundNumber:    ev.RoundNumber,
			CommitDeadline: ev.CommitDeadline,
			RevealDeadline: ev.RevealDeadline,
		}
	case consensus.EventCommitClosed:
		msgType = CommitCloseMessage
		payload = CommitClosePayload{
			RoundID:        ev.RoundID,
			FeedID:         ev.FeedID,
			RoundNumber:    ev.RoundNumber,
			RevealDeadline: ev.RevealDeadline,
		}
	case consensus.EventShareRequested:
		msgType = ShareRequestMessage
		payload = ShareRequestPayload{
			RoundID: ev.RoundID,
			FeedID:  ev.FeedID,
			Value:   ev.Value,
		}
	case consensus.EventRoundFinalized:
		msgType = ResultMessage
		topic = ResultTopic
		payload = ResultPayload{
			RoundID:           ev.RoundID,
			FeedID:            ev.FeedID,
			RoundNumber:       ev.RoundNumber,
			Value:             ev.Value,
			CombinedSignature: ev.Result.CombinedSignature,
			SignerSet:         ev.Result.SignerSet,
			SignerBitmap:      ev.Result.SignerBitmap,
			FinalizedAt:       ev.Result.FinalizedAt,
		}
	case consensus.EventRoundFailed:
		msgType = RoundFailedMessage
		payload = RoundFailedPayload{
			RoundID:     ev.RoundID,
			FeedID:      ev.FeedID,
			RoundNumber: ev.RoundNumber,
			Reason:      ev.Reason,
		}
	default:
		return fmt.Errorf("unknown event kind %s", ev.Kind)
	}

	msg, err := NewMessage(msgType, b.nodeID, payload)
	if err != nil {
		return err
	}
	msg.AuthToken = b.token
	return b.host.Publish(ctx, topic, msg)
}

// receiveLoop applies incoming mesh traffic. Submissions are
// authenticated against their enrollment token before reaching the
// engine; lifecycle announcements are forwarded to the local
// participant.
func (b *Bridge) receiveLoop(ctx context.Context, sub subscription) {
	for {
		raw, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("subscription read failed", zap.Error(err))
			return
		}

		var msg Message
		if err := msg.Unmarshal(raw.Data); err != nil {
			b.logger.Debug("dropping malformed message", zap.Error(err))
			continue
		}
		if msg.SenderID == b.nodeID {
			continue
		}

		b.handleMessage(ctx, &msg)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, msg *Message) {
	switch msg.Type {
	case CommitmentMessage, RevealMessage, SignatureMessage:
		if b.engine == nil {
			return
		}
		b.handleSubmission(ctx, msg)
		return
	}

	// Lifecycle announcements drive local participants into committing
	// and signing; a forged share request could solicit signatures over
	// a value the round never produced. The sender's enrollment token
	// is checked before anything is forwarded.
	if !b.authenticSender(msg) {
		return
	}

	switch msg.Type {
	case RoundAnnounceMessage:
		var p RoundAnnouncePayload
		if err := msg.Decode(&p); err != nil {
			b.logger.Debug("dropping malformed round announcement", zap.Error(err))
			return
		}
		b.forward(consensus.Event{
			Kind:           consensus.EventRoundStarted,
			RoundID:        p.RoundID,
			FeedID:         p.FeedID,
			RoundNumber:    p.RoundNumber,
			CommitDeadline: p.CommitDeadline,
			RevealDeadline: p.RevealDeadline,
		})
	case CommitCloseMessage:
		var p CommitClosePayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		b.forward(consensus.Event{
			Kind:           consensus.EventCommitClosed,
			RoundID:        p.RoundID,
			FeedID:         p.FeedID,
			RoundNumber:    p.RoundNumber,
			RevealDeadline: p.RevealDeadline,
		})
	case ShareRequestMessage:
		var p ShareRequestPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		b.forward(consensus.Event{
			Kind:    consensus.EventShareRequested,
			RoundID: p.RoundID,
			FeedID:  p.FeedID,
			Value:   p.Value,
		})
	case RoundFailedMessage:
		var p RoundFailedPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		b.forward(consensus.Event{
			Kind:        consensus.EventRoundFailed,
			RoundID:     p.RoundID,
			FeedID:      p.FeedID,
			RoundNumber: p.RoundNumber,
			Reason:      p.Reason,
		})
	}
}

// authenticSender verifies the envelope's enrollment token and that it
// was issued to the claimed sender.
func (b *Bridge) authenticSender(msg *Message) bool {
	subject, err := b.issuer.Validate(msg.AuthToken)
	if err != nil || subject != msg.SenderID {
		b.logger.Warn("dropping announcement with invalid sender token",
			zap.String("type", string(msg.Type)),
			zap.String("sender_id", msg.SenderID))
		return false
	}
	return true
}

// handleSubmission authenticates and applies a validator submission
func (b *Bridge) handleSubmission(ctx context.Context, msg *Message) {
	senderID, err := b.issuer.Validate(msg.AuthToken)
	if err != nil {
		b.logger.Warn("rejecting submission with invalid token",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		return
	}

	switch msg.Type {
	case CommitmentMessage:
		var p CommitmentPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		if p.ValidatorID != senderID {
			b.logger.Warn("token subject does not match submission",
				zap.String("validator_id", p.ValidatorID))
			return
		}
		if err := b.engine.SubmitCommitment(ctx, p.RoundID, p.ValidatorID, p.Hash); err != nil {
			b.logger.Debug("commitment rejected",
				zap.String("round_id", p.RoundID),
				zap.String("validator_id", p.ValidatorID),
				zap.Error(err))
		}
	case RevealMessage:
		var p RevealPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		if p.ValidatorID != senderID {
			return
		}
		if err := b.engine.SubmitReveal(ctx, p.RoundID, p.ValidatorID, p.Value, p.Nonce); err != nil {
			b.logger.Debug("reveal rejected",
				zap.String("round_id", p.RoundID),
				zap.String("validator_id", p.ValidatorID),
				zap.Error(err))
		}
	case SignatureMessage:
		var p SignaturePayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		if p.ValidatorID != senderID {
			return
		}
		if err := b.engine.SubmitSignatureShare(ctx, p.RoundID, p.ValidatorID, p.Share); err != nil {
			b.logger.Debug("signature share rejected",
				zap.String("round_id", p.RoundID),
				zap.String("validator_id", p.ValidatorID),
				zap.Error(err))
		}
	}
}

func (b *Bridge) forward(ev consensus.Event) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("event buffer full, dropping network event",
			zap.String("kind", string(ev.Kind)),
			zap.String("round_id", ev.RoundID))
	}
}
