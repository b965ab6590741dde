package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"

	"museum-presence/domain"
)

var (
	errNotObject      = errors.New("payload is not a JSON object")
	errMissingType    = errors.New("missing type")
	errMissingFields  = errors.New("missing required fields")
	errUnknownMessage = errors.New("unknown message type")
)

type Handler struct {
	rooms domain.Coordinator
}

func NewHandler(c domain.Coordinator) *Handler {
	return &Handler{rooms: c}
}

// Handle decodes one client frame and routes it to the coordinator. Invalid frames are
// logged and dropped; the connection stays open.
func (h *Handler) Handle(conn domain.Connection, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		slog.Warn("invalid message", "room", conn.Room(), "clientId", conn.ID(), "error", err)
		return
	}

	switch msg.Type {
	case domain.TypeJoin:
		h.rooms.Join(conn, msg.Name, msg.UserID)
	case domain.TypePosition:
		if msg.Position == nil || msg.Rotation == nil {
			h.drop(conn, msg, errMissingFields)
			return
		}
		h.rooms.Move(conn, *msg.Position, *msg.Rotation)
	case domain.TypeComment:
		if msg.FrameID == "" || msg.Text == "" {
			h.drop(conn, msg, errMissingFields)
			return
		}
		h.rooms.Comment(conn, msg.FrameID, domain.Comment{
			Text:          msg.Text,
			AuthorName:    msg.AuthorName,
			AuthorPicture: msg.AuthorPicture,
		})
	case domain.TypeCommentDelete:
		if msg.FrameID == "" || msg.CommentID == "" {
			h.drop(conn, msg, errMissingFields)
			return
		}
		h.rooms.DeleteComment(conn, msg.FrameID, msg.CommentID)
	default:
		h.drop(conn, msg, errUnknownMessage)
	}
}

func (h *Handler) drop(conn domain.Connection, msg domain.Message, err error) {
	slog.Warn("dropped message", "room", conn.Room(), "clientId", conn.ID(), "type", msg.Type, "error", err)
}

// Decode parses a frame into a Message. The payload must be a JSON object with a non-empty
// type.
func Decode(data []byte) (domain.Message, error) {
	var msg domain.Message
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg, errNotObject
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return msg, err
	}
	if msg.Type == "" {
		return msg, errMissingType
	}
	return msg, nil
}
