package models

import (
	"encoding/json"
	"fmt"
)

// Frame is the wire representation of every WebSocket message: a tagged
// union with a "type" discriminator and an optional "payload" object.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame type tags. Inbound and outbound tags share one namespace.
const (
	FrameSendMessage = "SendMessage"
	FrameKickUser    = "KickUser"
	FrameMuteUser    = "MuteUser"
	FrameCustomEvent = "CustomEvent"
	FramePing        = "Ping"

	FrameMessage     = "Message"
	FrameUserJoined  = "UserJoined"
	FrameUserLeft    = "UserLeft"
	FrameYouAreKicked = "YouAreKicked"
	FrameYouAreMuted  = "YouAreMuted"
	FrameUserMuted    = "UserMuted"
	FrameError        = "Error"
	FrameSystem       = "System"
	FrameWelcomeInfo  = "WelcomeInfo"
	FrameRoomStats    = "RoomStats"
	FramePong         = "Pong"
)

// ClientMessage is the decoded form of an inbound frame, plus the two
// presence transitions synthesized by the connection handler.
type ClientMessage interface {
	clientMessage()
}

type SendMessage struct {
	Content string `json:"content"`
}

type KickUser struct {
	UserID string `json:"user_id"`
}

type MuteUser struct {
	UserID string `json:"user_id"`
}

type CustomEvent struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// UserJoined and UserLeft never arrive on the wire; the connection handler
// enqueues them around a socket's lifetime.
type UserJoined struct{}

type UserLeft struct{}

func (SendMessage) clientMessage() {}
func (KickUser) clientMessage()    {}
func (MuteUser) clientMessage()    {}
func (CustomEvent) clientMessage() {}
func (Ping) clientMessage()        {}
func (UserJoined) clientMessage()  {}
func (UserLeft) clientMessage()    {}

// ParseClientFrame decodes a raw text frame into its typed variant.
// Unknown or server-only tags are rejected.
func ParseClientFrame(data []byte) (ClientMessage, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch frame.Type {
	case FrameSendMessage:
		var msg SendMessage
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", frame.Type, err)
		}
		return msg, nil
	case FrameKickUser:
		var msg KickUser
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", frame.Type, err)
		}
		return msg, nil
	case FrameMuteUser:
		var msg MuteUser
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", frame.Type, err)
		}
		return msg, nil
	case FrameCustomEvent:
		var msg CustomEvent
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", frame.Type, err)
		}
		return msg, nil
	case FramePing:
		var msg Ping
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", frame.Type, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func newFrame(frameType string, payload interface{}) Frame {
	if payload == nil {
		return Frame{Type: frameType}
	}
	raw, _ := json.Marshal(payload)
	return Frame{Type: frameType, Payload: raw}
}

// Outbound frame constructors.

func MessageFrame(from, content string, isAdmin bool) Frame {
	return newFrame(FrameMessage, struct {
		From    string `json:"from"`
		Content string `json:"content"`
		IsAdmin bool   `json:"is_admin"`
	}{from, content, isAdmin})
}

func UserJoinedFrame(userID string) Frame {
	return newFrame(FrameUserJoined, struct {
		UserID string `json:"user_id"`
	}{userID})
}

func UserLeftFrame(userID string) Frame {
	return newFrame(FrameUserLeft, struct {
		UserID string `json:"user_id"`
	}{userID})
}

func YouAreKickedFrame() Frame {
	return newFrame(FrameYouAreKicked, nil)
}

func YouAreMutedFrame() Frame {
	return newFrame(FrameYouAreMuted, nil)
}

func UserMutedFrame(userID string) Frame {
	return newFrame(FrameUserMuted, struct {
		UserID string `json:"user_id"`
	}{userID})
}

func ErrorFrame(message string) Frame {
	return newFrame(FrameError, struct {
		Message string `json:"message"`
	}{message})
}

func SystemFrame(message string) Frame {
	return newFrame(FrameSystem, struct {
		Message string `json:"message"`
	}{message})
}

func WelcomeInfoFrame(userID string, isMuted bool) Frame {
	return newFrame(FrameWelcomeInfo, struct {
		UserID  string `json:"user_id"`
		IsMuted bool   `json:"is_muted"`
	}{userID, isMuted})
}

func RoomStatsFrame(currentUsers, peakUsers uint32) Frame {
	return newFrame(FrameRoomStats, struct {
		CurrentUsers uint32 `json:"current_users"`
		PeakUsers    uint32 `json:"peak_users"`
	}{currentUsers, peakUsers})
}

func CustomEventFrame(eventType string, payload json.RawMessage) Frame {
	return newFrame(FrameCustomEvent, struct {
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
	}{eventType, payload})
}

func PongFrame(timestamp int64) Frame {
	return newFrame(FramePong, struct {
		Timestamp int64 `json:"timestamp"`
	}{timestamp})
}
