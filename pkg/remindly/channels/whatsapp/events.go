// Package whatsapp – events.go converts incoming whatsmeow events into
// Message values on the Receive stream.
package whatsapp

import (
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

func (c *Channel) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		c.handleMessageEvt(evt)

	case *events.Connected:
		c.connected.Store(true)
		c.logger.Info("connection established")

	case *events.Disconnected:
		c.connected.Store(false)
		c.logger.Warn("connection lost, auto-reconnect pending")

	case *events.StreamReplaced:
		c.connected.Store(false)
		c.logger.Error("stream replaced, another device took over")

	case *events.LoggedOut:
		c.connected.Store(false)
		c.logger.Error("session logged out, QR pairing required on restart")
	}
}

func (c *Channel) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	// Status broadcasts and groups are not conversations with the bot.
	if evt.Info.Chat.Server == "broadcast" || evt.Info.IsGroup {
		return
	}

	msg := &Message{
		ID:         string(evt.Info.ID),
		Sender:     evt.Info.Sender.User,
		SenderName: evt.Info.PushName,
		Chat:       evt.Info.Chat.String(),
		Timestamp:  evt.Info.Timestamp,
	}

	switch {
	case evt.Message.GetConversation() != "":
		msg.Text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		msg.Text = evt.Message.ExtendedTextMessage.GetText()
	case isVoiceNote(evt.Message.AudioMessage):
		msg.audio = evt.Message.AudioMessage
	default:
		return
	}

	if c.cfg.AutoRead {
		go func() {
			_ = c.MarkRead(c.ctx, msg.Chat, msg.ID)
		}()
	}

	c.emit(msg)
}

func isVoiceNote(audio *waE2E.AudioMessage) bool {
	return audio != nil && audio.GetPTT()
}

func (c *Channel) emit(msg *Message) {
	if c.closed.Load() {
		return
	}
	select {
	case c.messages <- msg:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("message buffer full, dropping message", "from", msg.Sender)
	}
}
