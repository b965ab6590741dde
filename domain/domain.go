package domain

const AnonymousName = "Anonymous Visitor"

// Client -> server message types.
const (
	TypeJoin          = "join"
	TypePosition      = "position"
	TypeComment       = "comment"
	TypeCommentDelete = "comment_delete"
)

// Server -> client message types.
const (
	TypeVisitorList     = "visitor_list"
	TypeVisitorJoin     = "visitor_join"
	TypeVisitorLeave    = "visitor_leave"
	TypeVisitorPosition = "visitor_position"
	TypeCommentNew      = "comment_new"
	TypeCommentDeleted  = "comment_deleted"
)

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// SpawnPosition is where a visitor appears until its first accepted position update.
var SpawnPosition = Vector3{X: 0, Y: 1.6, Z: 5}

// Visitor is the server-side record of one joined connection.
type Visitor struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Position   Vector3 `json:"position"`
	Rotation   Vector3 `json:"rotation"`
	LastUpdate int64   `json:"lastUpdate"`
}

type Comment struct {
	Text          string `json:"text"`
	AuthorName    string `json:"authorName"`
	AuthorPicture string `json:"authorPicture,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// Message is the union of every field carried by the wire protocol. Inbound frames on both
// ends are decoded into it; Type selects which fields are meaningful.
type Message struct {
	Type string `json:"type"`

	Name     string   `json:"name,omitempty"`
	UserID   string   `json:"userId,omitempty"`
	Position *Vector3 `json:"position,omitempty"`
	Rotation *Vector3 `json:"rotation,omitempty"`

	FrameID       string `json:"frameId,omitempty"`
	Text          string `json:"text,omitempty"`
	AuthorName    string `json:"authorName,omitempty"`
	AuthorPicture string `json:"authorPicture,omitempty"`
	CommentID     string `json:"commentId,omitempty"`

	SelfID    string    `json:"selfId,omitempty"`
	Visitors  []Visitor `json:"visitors,omitempty"`
	Visitor   *Visitor  `json:"visitor,omitempty"`
	VisitorID string    `json:"visitorId,omitempty"`
	Comment   *Comment  `json:"comment,omitempty"`
}

type VisitorList struct {
	Type     string    `json:"type"`
	SelfID   string    `json:"selfId"`
	Visitors []Visitor `json:"visitors"`
}

type VisitorJoin struct {
	Type    string  `json:"type"`
	Visitor Visitor `json:"visitor"`
}

type VisitorLeave struct {
	Type      string `json:"type"`
	VisitorID string `json:"visitorId"`
}

type VisitorPosition struct {
	Type      string  `json:"type"`
	VisitorID string  `json:"visitorId"`
	Position  Vector3 `json:"position"`
	Rotation  Vector3 `json:"rotation"`
}

type CommentNew struct {
	Type    string  `json:"type"`
	FrameID string  `json:"frameId"`
	Comment Comment `json:"comment"`
}

type CommentDeleted struct {
	Type      string `json:"type"`
	FrameID   string `json:"frameId"`
	CommentID string `json:"commentId"`
}

type Connection interface {
	ID() string
	Room() string
	Send(data []byte) error
	Close() error
}

// Coordinator owns every room's presence state. Implementations serialize the handling of
// messages that belong to the same room.
type Coordinator interface {
	Register(conn Connection)
	Unregister(conn Connection)
	Join(conn Connection, name, userID string)
	Move(conn Connection, position, rotation Vector3)
	Comment(conn Connection, frameID string, comment Comment)
	DeleteComment(conn Connection, frameID, commentID string)
	Stats() Stats
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	Visitors    int `json:"visitors"`
}

type MessageHandler interface {
	Handle(conn Connection, data []byte)
}
