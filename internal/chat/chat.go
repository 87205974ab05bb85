// Package chat persists packets and fans them out cluster-wide, and serves
// history pages.
package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/maxrios/mcs/internal/metrics"
	"github.com/maxrios/mcs/internal/protocol"
)

// HistoryPageSize caps one history response.
const HistoryPageSize = 50

// MessageStore is the history slice of the message store.
type MessageStore interface {
	SaveMessage(ctx context.Context, p protocol.ChatPacket) error
	RecentBefore(ctx context.Context, before int64, limit int) ([]protocol.ChatPacket, error)
}

// Publisher fans a message out to every node, this one included.
type Publisher interface {
	Publish(ctx context.Context, m protocol.Message) error
}

type Service struct {
	messages MessageStore
	pub      Publisher
	logger   zerolog.Logger
}

func NewService(messages MessageStore, pub Publisher, logger zerolog.Logger) *Service {
	return &Service{
		messages: messages,
		pub:      pub,
		logger:   logger.With().Str("component", "chat").Logger(),
	}
}

// BroadcastUser stamps, persists, and publishes one user-authored packet.
func (s *Service) BroadcastUser(ctx context.Context, sender, content string) error {
	packet := protocol.ChatPacket{
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().Unix(),
	}
	return s.broadcast(ctx, packet)
}

// BroadcastSystem persists and publishes a server-generated packet and
// returns it, so the join flow can use its timestamp as the history
// high-water mark.
func (s *Service) BroadcastSystem(ctx context.Context, content string) (protocol.ChatPacket, error) {
	packet := protocol.ChatPacket{
		Sender:    protocol.SystemSender,
		Content:   content,
		Timestamp: time.Now().Unix(),
	}
	if err := s.broadcast(ctx, packet); err != nil {
		return protocol.ChatPacket{}, err
	}
	return packet, nil
}

func (s *Service) broadcast(ctx context.Context, packet protocol.ChatPacket) error {
	// Persist strictly first: a subscriber must never see a packet that a
	// later history request cannot produce.
	if err := s.messages.SaveMessage(ctx, packet); err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, protocol.Chat(packet)); err != nil {
		return err
	}
	metrics.MessagesPublished.Inc()
	return nil
}

// History returns up to HistoryPageSize packets strictly before beforeTS,
// ascending by timestamp.
func (s *Service) History(ctx context.Context, beforeTS int64) ([]protocol.ChatPacket, error) {
	metrics.HistoryRequests.Inc()
	return s.messages.RecentBefore(ctx, beforeTS, HistoryPageSize)
}
