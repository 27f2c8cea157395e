package audit

import (
	"context"

	"github.com/weiawesome/wes-io-chat/pkg/log"
)

// Audit actions for the chat server.
const (
	ActionAuth        = "chat.auth"
	ActionAuthFailed  = "chat.auth_failed"
	ActionSendMessage = "chat.send_message"
	ActionRejected    = "chat.message_rejected"
	ActionLogout      = "chat.logout"
	ActionDisconnect  = "chat.disconnect"
)

const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit log entry via the context logger.
// userID is 0 for connections that never authenticated.
func Log(ctx context.Context, action string, userID int64, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Int64(log.FieldUserID, userID).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra target and detail fields.
func LogWithDetail(ctx context.Context, action string, userID int64, target, detail, msg string) {
	l := log.Ctx(ctx)
	e := l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Int64(log.FieldUserID, userID)
	if target != "" {
		e = e.Str(FieldTargetID, target)
	}
	e.Str(FieldDetail, detail).Msg(msg)
}
