package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pliu/chatrelay/internal/models"
	"github.com/pliu/chatrelay/internal/store"
)

// maxPageSize caps the limit accepted by get_messages.
const maxPageSize = 200

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type sessionState int

const (
	stateConnected sessionState = iota
	stateAuthenticated
	stateInRoom
)

// requestError is reported to the client as an error frame.
type requestError struct {
	code    string
	message string
}

func (e *requestError) Error() string { return e.message }

func newRequestError(code, message string) *requestError {
	return &requestError{code: code, message: message}
}

var (
	errUnauthenticated = newRequestError(codeUnauthenticated, "Authentication required")
	errNotInRoom       = newRequestError(codeNotInRoom, "Join a conversation first")
)

// session is the protocol state machine of one connection. It runs on the
// connection's read goroutine, so frames are handled strictly in arrival
// order and its fields need no locking.
type session struct {
	hub    *Hub
	client *Client
	log    *slog.Logger

	state sessionState
	email string
	name  string
	// room is the joined conversation; empty unless state is stateInRoom.
	room string
}

func newSession(h *Hub, c *Client) *session {
	return &session{
		hub:    h,
		client: c,
		log:    h.log.With("conn", c.id),
	}
}

func (s *session) handle(data []byte) {
	s.hub.stats.framesReceived.Add(1)
	s.hub.metrics.FramesReceived.Inc()

	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
		s.sendError(in.Type, newRequestError(codeInvalidPayload, "Invalid message format"))
		return
	}
	if !s.client.limiter.Allow() {
		s.sendError(in.Type, newRequestError(codeRateLimited, "Too many requests"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.hub.opts.StoreTimeout)
	defer cancel()

	if err := s.dispatch(ctx, in); err != nil {
		s.sendError(in.Type, err)
	}
}

func (s *session) dispatch(ctx context.Context, in inboundFrame) error {
	switch in.Type {
	case typeAuth:
		return s.handleAuth(ctx, in.Payload)
	case typePing:
		return s.send(eventPong, nil)

	// Conversation management
	case typeCreateConversation:
		return s.handleCreateConversation(ctx, in.Payload)
	case typeGetConversations:
		return s.handleGetConversations(ctx)
	case typeJoinConversation:
		return s.handleJoinConversation(ctx, in.Payload)
	case typeLeaveConversation:
		return s.handleLeaveConversation()

	// Messages
	case typeSendMessage:
		return s.handleSendMessage(ctx, in.Payload)
	case typeGetMessages:
		return s.handleGetMessages(ctx, in.Payload)
	case typeEditMessage:
		return s.handleEditMessage(ctx, in.Payload)
	case typeDeleteMessage:
		return s.handleDeleteMessage(ctx, in.Payload)
	case typeAddReaction:
		return s.handleAddReaction(ctx, in.Payload)

	// Read status
	case typeMarkRead:
		return s.handleMarkRead(ctx, in.Payload)
	case typeTyping:
		return s.handleTyping()
	default:
		return newRequestError(codeUnknownType, "Unknown message type: "+in.Type)
	}
}

func (s *session) requireAuth() error {
	if s.state == stateConnected {
		return errUnauthenticated
	}
	return nil
}

func (s *session) requireRoom() error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	if s.state != stateInRoom {
		return errNotInRoom
	}
	return nil
}

// ==================== Auth ====================

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *session) handleAuth(ctx context.Context, raw json.RawMessage) error {
	if s.state != stateConnected {
		return newRequestError(codeAlreadyAuthenticated, "Already authenticated")
	}
	var p authPayload
	if err := decodePayload(raw, &p); err != nil {
		return newRequestError(codeInvalidPayload, "Invalid auth payload")
	}

	email := normalizeEmail(p.Email)
	if email == "" {
		return newRequestError(codeInvalidPayload, "Email required for authentication")
	}
	if !emailPattern.MatchString(email) {
		return newRequestError(codeInvalidPayload, "Invalid email format")
	}
	if signer := s.hub.opts.Tokens; signer != nil {
		value, err := signer.Verify(p.Token)
		if err != nil || normalizeEmail(value) != email {
			return newRequestError(codeForbidden, "Invalid session token")
		}
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = email[:strings.Index(email, "@")]
	}

	s.email, s.name = email, name
	s.state = stateAuthenticated
	s.log = s.log.With("email", email)
	s.client.authenticated.Store(true)
	s.hub.authenticate(s.client, email, name)
	s.log.Info("client authenticated")

	s.deliverUndelivered(ctx)

	counts, err := s.hub.store.GetUnreadCounts(ctx, email)
	if err != nil {
		return s.storeError("get unread counts", err)
	}
	return s.send(eventAuthSuccess, authSuccessPayload{Email: email, Name: name, UnreadCounts: counts})
}

// deliverUndelivered flushes the offline outbox. Entries are marked delivered
// only after every frame was queued; a failure leaves them for the next auth,
// so a message may arrive twice but is never lost.
func (s *session) deliverUndelivered(ctx context.Context) {
	entries, err := s.hub.store.GetUndelivered(ctx, s.email)
	if err != nil {
		s.log.Error("load undelivered messages", "err", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := s.send(eventOfflineMessage, offlineMessagePayload{Message: e.Message, SentWhileOffline: true}); err != nil {
			s.log.Warn("offline delivery interrupted", "err", err)
			return
		}
		ids = append(ids, e.Message.ID)
	}
	if err := s.hub.store.MarkDelivered(ctx, s.email, ids); err != nil {
		s.log.Error("mark delivered", "err", err)
		return
	}
	s.hub.metrics.OfflineDelivered.Add(float64(len(ids)))
	s.log.Info("delivered offline messages", "count", len(ids))
}

// ==================== Conversations ====================

func (s *session) handleCreateConversation(ctx context.Context, raw json.RawMessage) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	var p createConversationPayload
	if err := decodePayload(raw, &p); err != nil {
		return newRequestError(codeInvalidPayload, "Invalid conversation payload")
	}
	if len(p.Participants) == 0 {
		return newRequestError(codeInvalidPayload, "Participants required")
	}

	kind := p.Type
	if kind == "" {
		kind = models.KindDirect
	}
	if kind != models.KindDirect && kind != models.KindGroup {
		return newRequestError(codeInvalidPayload, "Unknown conversation type")
	}

	// The creator comes first; duplicates are dropped.
	participants := []string{s.email}
	seen := map[string]bool{s.email: true}
	for _, addr := range p.Participants {
		email := normalizeEmail(addr)
		if !emailPattern.MatchString(email) {
			return newRequestError(codeInvalidPayload, "Invalid participant email: "+addr)
		}
		if !seen[email] {
			seen[email] = true
			participants = append(participants, email)
		}
	}
	if len(participants) < 2 {
		return newRequestError(codeInvalidPayload, "At least one other participant required")
	}

	name := strings.TrimSpace(p.ConversationName)
	switch kind {
	case models.KindDirect:
		if len(participants) != 2 {
			return newRequestError(codeInvalidPayload, "Direct conversations have exactly two participants")
		}
		name = ""
		existing, err := s.hub.store.FindDirectConversation(ctx, participants[0], participants[1])
		if err == nil {
			return s.send(eventConversationCreated, conversationEnvelope{Conversation: existing})
		}
		if !errors.Is(err, store.ErrNotFound) {
			return s.storeError("find direct conversation", err)
		}
	case models.KindGroup:
		if name == "" {
			return newRequestError(codeInvalidPayload, "Group conversations need a name")
		}
	}

	conv := &models.Conversation{
		ID:           uuid.NewString(),
		Kind:         kind,
		Participants: participants,
		Name:         name,
		CreatedBy:    s.email,
	}
	if err := s.hub.store.CreateConversation(ctx, conv); err != nil {
		return s.storeError("create conversation", err)
	}
	s.log.Info("conversation created", "conversation", conv.ID, "participants", len(participants))

	if err := s.send(eventConversationCreated, conversationEnvelope{Conversation: conv}); err != nil {
		return err
	}
	s.notifyParticipants(conv)
	return nil
}

// notifyParticipants pushes new_conversation to other participants' live
// connections and hands offline participants to the notifier.
func (s *session) notifyParticipants(conv *models.Conversation) {
	others := make([]string, 0, len(conv.Participants)-1)
	for _, p := range conv.Participants {
		if p != s.email {
			others = append(others, p)
		}
	}

	if frame, err := encodeFrame(eventNewConversation, conversationEnvelope{Conversation: conv}); err == nil {
		s.hub.sendToUsers(append(others, s.email), frame, s.client)
	}

	notifier := s.hub.opts.Notifier
	if notifier == nil {
		return
	}
	var offline []string
	for _, p := range others {
		if !s.hub.isOnline(p) {
			offline = append(offline, p)
		}
	}
	if len(offline) == 0 {
		return
	}
	inviter, name, log := s.name, conv.Name, s.log
	go func() {
		for _, to := range offline {
			if err := notifier.SendConversationInvite(to, inviter, name); err != nil {
				log.Warn("conversation invite failed", "to", to, "err", err)
			}
		}
	}()
}

func (s *session) handleGetConversations(ctx context.Context) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	convs, err := s.hub.store.GetUserConversations(ctx, s.email)
	if err != nil {
		return s.storeError("list conversations", err)
	}
	counts, err := s.hub.store.GetUnreadCounts(ctx, s.email)
	if err != nil {
		return s.storeError("get unread counts", err)
	}

	summaries := make([]conversationSummary, len(convs))
	for i, c := range convs {
		summaries[i] = conversationSummary{Conversation: c, UnreadCount: counts[c.ID]}
	}
	return s.send(eventConversationsList, conversationsListPayload{Conversations: summaries})
}

// participantConversation loads a conversation and checks the caller belongs
// to it.
func (s *session) participantConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := s.hub.store.GetConversation(ctx, id)
	if err != nil {
		return nil, s.storeError("get conversation", err)
	}
	if !conv.HasParticipant(s.email) {
		return nil, newRequestError(codeForbidden, "Not a participant of this conversation")
	}
	return conv, nil
}

func (s *session) handleJoinConversation(ctx context.Context, raw json.RawMessage) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	var p conversationPayload
	if err := decodePayload(raw, &p); err != nil || p.ConversationID == "" {
		return newRequestError(codeInvalidPayload, "conversationId required")
	}
	if _, err := s.participantConversation(ctx, p.ConversationID); err != nil {
		return err
	}

	s.hub.join(s.client, p.ConversationID)
	s.room = p.ConversationID
	s.state = stateInRoom
	s.log.Debug("joined conversation", "conversation", s.room)

	messages, err := s.hub.store.GetMessages(ctx, s.room, s.hub.opts.HistoryLimit, "")
	if err != nil {
		return s.storeError("load history", err)
	}
	return s.send(eventJoinedConversation, joinedConversationPayload{ConversationID: s.room, Messages: messages})
}

func (s *session) handleLeaveConversation() error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	if s.state != stateInRoom {
		return nil
	}
	s.hub.leave(s.client)
	s.log.Debug("left conversation", "conversation", s.room)
	s.room = ""
	s.state = stateAuthenticated
	return nil
}

// ==================== Messages ====================

func (s *session) handleSendMessage(ctx context.Context, raw json.RawMessage) error {
	if err := s.requireRoom(); err != nil {
		return err
	}
	var p sendMessagePayload
	if err := decodePayload(raw, &p); err != nil {
		return newRequestError(codeInvalidPayload, "Invalid message payload")
	}
	if p.Content == "" && len(p.Attachments) == 0 {
		return newRequestError(codeInvalidPayload, "content required")
	}
	if p.ContentType == "" {
		p.ContentType = models.ContentText
	}
	if !p.ContentType.Valid() {
		return newRequestError(codeInvalidPayload, "Unknown content type")
	}

	conv, err := s.participantConversation(ctx, s.room)
	if err != nil {
		return err
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderEmail:    s.email,
		SenderName:     s.name,
		Content:        p.Content,
		ContentType:    p.ContentType,
		ReplyTo:        p.ReplyTo,
		Attachments:    p.Attachments,
	}

	unlock := s.hub.lockRoom(conv.ID)
	defer unlock()

	if err := s.hub.store.SaveMessage(ctx, msg); err != nil {
		return s.storeError("save message", err)
	}
	s.hub.stats.chatMessages.Add(1)
	s.hub.metrics.ChatMessages.Inc()

	frame, err := encodeFrame(eventNewMessage, messageEnvelope{Message: msg})
	if err != nil {
		return err
	}
	s.hub.broadcast(conv.ID, frame, nil)

	for _, participant := range conv.Participants {
		if participant == s.email || s.hub.isOnline(participant) {
			continue
		}
		if err := s.hub.store.SaveUndelivered(ctx, participant, msg); err != nil {
			s.log.Error("queue offline message", "recipient", participant, "err", err)
			continue
		}
		s.hub.metrics.OfflineQueued.Inc()
	}
	return nil
}

func (s *session) handleGetMessages(ctx context.Context, raw json.RawMessage) error {
	if err := s.requireRoom(); err != nil {
		return err
	}
	var p getMessagesPayload
	if err := decodePayload(raw, &p); err != nil {
		return newRequestError(codeInvalidPayload, "Invalid pagination payload")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = s.hub.opts.HistoryLimit
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	messages, err := s.hub.store.GetMessages(ctx, s.room, limit, p.BeforeMessageID)
	if err != nil {
		return s.storeError("load messages", err)
	}
	return s.send(eventMessagesLoaded, messagesLoadedPayload{
		ConversationID: s.room,
		Messages:       messages,
		HasMore:        len(messages) == limit,
	})
}

func (s *session) decodeMessagePayload(raw json.RawMessage, needContent, needEmoji bool) (messagePayload, error) {
	var p messagePayload
	if err := decodePayload(raw, &p); err != nil || p.MessageID == "" {
		return p, newRequestError(codeInvalidPayload, "messageId required")
	}
	if needContent && p.Content == "" {
		return p, newRequestError(codeInvalidPayload, "content required")
	}
	if needEmoji && p.Emoji == "" {
		return p, newRequestError(codeInvalidPayload, "emoji required")
	}
	return p, nil
}

// announce broadcasts frame to the room of conversationID, and to the caller
// directly when the caller is not in that room.
func (s *session) announce(conversationID, typ string, payload any) error {
	frame, err := encodeFrame(typ, payload)
	if err != nil {
		return err
	}
	s.hub.broadcast(conversationID, frame, nil)
	if s.room != conversationID {
		s.client.enqueue(frame)
	}
	return nil
}

func (s *session) handleEditMessage(ctx context.Context, raw json.RawMessage) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	p, err := s.decodeMessagePayload(raw, true, false)
	if err != nil {
		return err
	}

	msg, err := s.hub.store.EditMessage(ctx, p.MessageID, s.email, p.Content)
	if err != nil {
		return s.storeError("edit message", err)
	}
	return s.announce(msg.ConversationID, eventMessageEdited, messageEditedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Content:        msg.Content,
		EditedAt:       msg.EditedAt,
	})
}

func (s *session) handleDeleteMessage(ctx context.Context, raw json.RawMessage) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	p, err := s.decodeMessagePayload(raw, false, false)
	if err != nil {
		return err
	}

	msg, err := s.hub.store.DeleteMessage(ctx, p.MessageID, s.email)
	if err != nil {
		return s.storeError("delete message", err)
	}
	return s.announce(msg.ConversationID, eventMessageDeleted, messageDeletedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
}

func (s *session) handleAddReaction(ctx context.Context, raw json.RawMessage) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	p, err := s.decodeMessagePayload(raw, false, true)
	if err != nil {
		return err
	}

	target, err := s.hub.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return s.storeError("get message", err)
	}
	if _, err := s.participantConversation(ctx, target.ConversationID); err != nil {
		return err
	}
	msg, err := s.hub.store.AddReaction(ctx, p.MessageID, s.email, p.Emoji)
	if err != nil {
		return s.storeError("add reaction", err)
	}
	return s.announce(msg.ConversationID, eventReactionAdded, reactionAddedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Emoji:          p.Emoji,
		UserEmail:      s.email,
	})
}

// ==================== Read status & typing ====================

func (s *session) handleMarkRead(ctx context.Context, raw json.RawMessage) error {
	if err := s.requireRoom(); err != nil {
		return err
	}
	p, err := s.decodeMessagePayload(raw, false, false)
	if err != nil {
		return err
	}
	if err := s.hub.store.MarkRead(ctx, s.room, s.email, p.MessageID); err != nil {
		return s.storeError("mark read", err)
	}

	frame, err := encodeFrame(eventMessageRead, messageReadPayload{
		ConversationID:    s.room,
		UserEmail:         s.email,
		LastReadMessageID: p.MessageID,
	})
	if err != nil {
		return err
	}
	s.hub.broadcast(s.room, frame, s.client)
	return nil
}

func (s *session) handleTyping() error {
	if err := s.requireRoom(); err != nil {
		return err
	}
	frame, err := encodeFrame(eventUserTyping, userTypingPayload{
		ConversationID: s.room,
		UserEmail:      s.email,
		UserName:       s.name,
	})
	if err != nil {
		return err
	}
	s.hub.broadcast(s.room, frame, s.client)
	return nil
}

// ==================== Helpers ====================

func (s *session) send(typ string, payload any) error {
	frame, err := encodeFrame(typ, payload)
	if err != nil {
		return err
	}
	if !s.client.enqueue(frame) {
		return errConnectionClosed
	}
	return nil
}

var errConnectionClosed = errors.New("connection closed")

// storeError maps persistence failures to request errors. Unexpected
// failures are logged and reported as internal errors.
func (s *session) storeError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newRequestError(codeNotFound, "Not found")
	case errors.Is(err, store.ErrForbidden):
		return newRequestError(codeForbidden, "Only the sender may change this message")
	default:
		s.log.Error(op, "err", err)
		return newRequestError(codeInternal, "Internal error")
	}
}

func (s *session) sendError(requestType string, err error) {
	if errors.Is(err, errConnectionClosed) {
		return
	}
	var reqErr *requestError
	if !errors.As(err, &reqErr) {
		s.log.Error("request failed", "type", requestType, "err", err)
		reqErr = newRequestError(codeInternal, "Internal error")
	}
	s.hub.metrics.Errors.WithLabelValues(reqErr.code).Inc()
	s.send(eventError, errorPayload{Message: reqErr.message, Code: reqErr.code, RequestType: requestType})
}
