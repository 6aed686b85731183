package service

import (
	"errors"

	"github.com/noah-isme/clientsync-realtime/internal/realtime"
)

var (
	// ErrConversationNotFound indicates the conversation id does not resolve to a stored conversation.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrNotParticipant indicates the principal is not a member of the conversation.
	ErrNotParticipant = errors.New("principal is not a participant of the conversation")
	// ErrSessionClosed is returned by operations on a deactivated conversation session.
	ErrSessionClosed = errors.New("conversation session closed")
	// ErrInvalidDirectPair indicates a direct conversation was requested for an empty or identical pair of ids.
	ErrInvalidDirectPair = errors.New("direct conversation requires two distinct user ids")
	// ErrDirectMembershipFixed indicates a participant change was requested on a direct conversation.
	ErrDirectMembershipFixed = errors.New("direct conversations have a fixed pair of participants")
	// ErrDirectIDConflict indicates the derived direct id already belongs to a different pair.
	ErrDirectIDConflict = errors.New("direct conversation id is taken by another pair")
	// ErrSubscriptionClosed is reported by a subscription after it has been closed.
	ErrSubscriptionClosed = realtime.ErrSubscriptionClosed
	// ErrNotificationNotFound indicates the notification does not exist or belongs to another user.
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrReplyTargetNotFound indicates replyTo does not reference a message in the same conversation.
	ErrReplyTargetNotFound = errors.New("reply target not found in conversation")
)
