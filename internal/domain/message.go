package domain

import (
	"fmt"
	"time"
)

// Kind tags the content of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile:
		return true
	}
	return false
}

// OrDefault returns text for the empty kind.
func (k Kind) OrDefault() Kind {
	if k == "" {
		return KindText
	}
	return k
}

// Target is where a message is addressed: exactly one user or one group.
// Only PrivateTarget and GroupTarget implement it.
type Target interface {
	isTarget()
	// EnvelopeType is the frame type used to deliver messages to this target.
	EnvelopeType() string
	String() string
}

type PrivateTarget struct {
	UserID int64
}

type GroupTarget struct {
	GroupID int64
}

func (PrivateTarget) isTarget()            {}
func (PrivateTarget) EnvelopeType() string { return MsgTypePrivateChat }
func (t PrivateTarget) String() string     { return fmt.Sprintf("user:%d", t.UserID) }

func (GroupTarget) isTarget()            {}
func (GroupTarget) EnvelopeType() string { return MsgTypeGroupChat }
func (t GroupTarget) String() string     { return fmt.Sprintf("group:%d", t.GroupID) }

// TargetFromColumns rebuilds a Target from the nullable storage columns.
// Rows with both or neither set are rejected.
func TargetFromColumns(receiverID, groupID *int64) (Target, error) {
	switch {
	case receiverID != nil && groupID != nil:
		return nil, fmt.Errorf("message has both receiver %d and group %d", *receiverID, *groupID)
	case receiverID != nil:
		return PrivateTarget{UserID: *receiverID}, nil
	case groupID != nil:
		return GroupTarget{GroupID: *groupID}, nil
	default:
		return nil, fmt.Errorf("message has neither receiver nor group")
	}
}

// Columns splits a Target into the nullable receiver/group storage columns.
func Columns(t Target) (receiverID, groupID *int64) {
	switch v := t.(type) {
	case PrivateTarget:
		id := v.UserID
		return &id, nil
	case GroupTarget:
		id := v.GroupID
		return nil, &id
	}
	return nil, nil
}

// Message is a persisted chat message. It is never mutated after the
// Persistence Gateway returns it.
type Message struct {
	ID        int64
	SenderID  int64
	Target    Target
	Content   string
	Kind      Kind
	Timestamp time.Time
}

// View returns the wire form of m.
func (m *Message) View() MessageView {
	receiverID, groupID := Columns(m.Target)
	return MessageView{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: receiverID,
		GroupID:    groupID,
		Content:    m.Content,
		Kind:       m.Kind,
		Timestamp:  m.Timestamp,
	}
}

// Frame encodes m as the private_chat or group_chat frame pushed to clients.
func (m *Message) Frame() ([]byte, error) {
	return NewFrame(m.Target.EnvelopeType(), m.View())
}
