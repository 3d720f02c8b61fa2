package p2p

import (
	"context"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"
)

const mdnsServiceTag = "_oracle-consensus._udp"

// mdnsNotifee dials peers discovered on the local network. The
// consensus mesh is small and closed, so local discovery plus the
// configured bootstrap peers covers membership.
type mdnsNotifee struct {
	host   host.Host
	logger *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := n.host.Connect(ctx, info); err != nil {
		n.logger.Debug("failed to connect to discovered peer",
			zap.String("peer", info.ID.String()),
			zap.Error(err))
		return
	}
	n.logger.Debug("connected to discovered peer",
		zap.String("peer", info.ID.String()))
}

// setupMDNS starts local network discovery and returns its closer
func setupMDNS(h host.Host, logger *zap.Logger) (io.Closer, error) {
	service := mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{host: h, logger: logger})
	if err := service.Start(); err != nil {
		return nil, err
	}
	logger.Info("mDNS discovery started", zap.String("service_tag", mdnsServiceTag))
	return service, nil
}
