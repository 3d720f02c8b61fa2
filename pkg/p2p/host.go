package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"oracle_consensus/pkg/config"
)

const (
	ProtocolID = "/oracle/consensus/1.0.0"

	// Topics
	RoundTopic  = "oracle-rounds"
	ResultTopic = "oracle-results"

	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
)

// Host wraps the libp2p node and gossip topics for the consensus mesh
type Host struct {
	cfg    *config.P2PConfig
	host   host.Host
	pubsub *pubsub.PubSub
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
	logger *zap.Logger

	mdns io.Closer

	shutdown chan struct{}
	mu       sync.RWMutex
}

// identityKey returns the node's libp2p identity, generating and
// persisting a fresh Ed25519 key on first start. An existing key file
// that is readable by group or others is refused: the identity key is
// what peers authenticate, so a leaked file means a stolen identity.
func identityKey(path string) (libp2pCrypto.PrivKey, error) {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		priv, _, err := libp2pCrypto.GenerateKeyPairWithReader(libp2pCrypto.Ed25519, -1, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating identity key: %w", err)
		}
		raw, err := libp2pCrypto.MarshalPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("marshaling identity key: %w", err)
		}
		if err := os.WriteFile(path, raw, 0600); err != nil {
			return nil, fmt.Errorf("persisting identity key: %w", err)
		}
		return priv, nil
	case err != nil:
		return nil, fmt.Errorf("stat identity key file: %w", err)
	}

	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return nil, fmt.Errorf("identity key file %s has mode %04o, want 0600 or stricter", path, mode)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity key file: %w", err)
	}
	priv, err := libp2pCrypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing identity key file: %w", err)
	}
	return priv, nil
}

// NewHost creates the libp2p node, joins the consensus topics and
// connects to the configured bootstrap peers.
func NewHost(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Host, error) {
	privKey, err := identityKey(cfg.Security.KeyFile + ".p2p")
	if err != nil {
		return nil, fmt.Errorf("key management error: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.P2P.Port)),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	hst := &Host{
		cfg:      &cfg.P2P,
		host:     h,
		pubsub:   ps,
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		logger:   logger,
		shutdown: make(chan struct{}),
	}

	for _, name := range []string{RoundTopic, ResultTopic} {
		if err := hst.joinTopic(name); err != nil {
			h.Close()
			return nil, err
		}
	}

	if cfg.P2P.EnableMDNS {
		mdns, err := setupMDNS(h, logger)
		if err != nil {
			logger.Warn("mDNS discovery unavailable", zap.Error(err))
		} else {
			hst.mdns = mdns
		}
	}

	if err := hst.connectBootstrapPeers(ctx); err != nil {
		logger.Warn("some bootstrap peers unreachable", zap.Error(err))
	}

	logger.Info("p2p host started",
		zap.String("peer_id", h.ID().String()),
		zap.Int("port", cfg.P2P.Port))

	return hst, nil
}

// ID returns the host's libp2p peer ID
func (h *Host) ID() string {
	return h.host.ID().String()
}

func (h *Host) joinTopic(name string) error {
	topic, err := h.pubsub.Join(name)
	if err != nil {
		return fmt.Errorf("joining topic %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing to topic %s: %w", name, err)
	}

	h.mu.Lock()
	h.topics[name] = topic
	h.subs[name] = sub
	h.mu.Unlock()
	return nil
}

// Publish broadcasts a message on a topic
func (h *Host) Publish(ctx context.Context, topicName string, msg *Message) error {
	h.mu.RLock()
	topic, ok := h.topics[topicName]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown topic %s", topicName)
	}

	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return topic.Publish(ctx, payload)
}

// Subscribe returns the subscription for a topic
func (h *Host) Subscribe(topicName string) (*pubsub.Subscription, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subs[topicName]
	if !ok {
		return nil, fmt.Errorf("unknown topic %s", topicName)
	}
	return sub, nil
}

func (h *Host) connectBootstrapPeers(ctx context.Context) error {
	var lastErr error
	for _, addr := range h.cfg.BootstrapPeers {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			h.logger.Warn("invalid bootstrap peer address",
				zap.String("addr", addr),
				zap.Error(err))
			lastErr = err
			continue
		}

		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = h.host.Connect(connectCtx, *info)
		cancel()
		if err != nil {
			h.logger.Warn("failed to connect to bootstrap peer",
				zap.String("peer", info.ID.String()),
				zap.Error(err))
			lastErr = err
			continue
		}
		h.logger.Debug("connected to bootstrap peer",
			zap.String("peer", info.ID.String()))
	}
	return lastErr
}

// Close shuts down the host and its subscriptions
func (h *Host) Close() error {
	close(h.shutdown)

	h.mu.Lock()
	for _, sub := range h.subs {
		sub.Cancel()
	}
	for name, topic := range h.topics {
		if err := topic.Close(); err != nil {
			h.logger.Warn("failed to close topic",
				zap.String("topic", name),
				zap.Error(err))
		}
	}
	h.mu.Unlock()

	if h.mdns != nil {
		if err := h.mdns.Close(); err != nil {
			h.logger.Warn("failed to stop mDNS discovery", zap.Error(err))
		}
	}

	return h.host.Close()
}
