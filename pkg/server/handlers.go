package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/linechat/pkg/store"
)

// dispatchLine routes one protocol line from a session. Every outcome is a
// response line back to the originating session (or deliveries to others);
// nothing here ever closes the connection except the quit command itself.
func (s *Server) dispatchLine(sess *Session, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	debugLog.Printf("Session %s ← RECV: %s", sess.Key, line)

	command, rest := splitOnce(line)
	if s.metrics != nil {
		s.metrics.RecordCommand(command)
	}

	switch command {
	case "login":
		s.handleLogin(sess, rest)
	case "send_all":
		s.handleSendAll(sess, rest)
	case "send":
		s.handleSend(sess, rest)
	case "ban":
		s.handleBan(sess, rest)
	case "quit":
		s.handleQuit(sess)
	default:
		s.reply(sess, "Command not found: "+command)
	}
}

// splitOnce splits a line into its command keyword and the remainder, on
// the first run of whitespace.
func splitOnce(line string) (string, string) {
	fields := strings.SplitN(line, " ", 2)
	command := fields[0]
	rest := ""
	if len(fields) == 2 {
		rest = strings.TrimLeft(fields[1], " ")
	}
	return command, rest
}

// handleLogin binds the session to a user name, creating the user on first
// sight. A new user gets the newest public messages as a catch-up; a
// returning user gets a fresh rate window, every unread private message,
// and the public messages that arrived since their last exit.
func (s *Server) handleLogin(sess *Session, rest string) {
	if rest == "" {
		s.reply(sess, "No login name")
		return
	}
	name, _ := splitOnce(rest)
	now := time.Now()

	user, created := s.users.GetOrCreate(name)
	sess.setUserName(name)

	if created {
		for _, msg := range s.messages.RecentPublic(s.config.PublicCatchup) {
			s.deliver(sess, msg, "catchup")
		}
	} else {
		s.users.ResetRateCounters(user)
		for _, msg := range s.messages.UnreadPrivateFor(name, now) {
			s.deliver(sess, msg, "private")
		}
		for _, msg := range s.messages.PublicSince(user.ExitTime) {
			s.deliver(sess, msg, "catchup")
		}
	}

	// Re-login from another connection replaces the previous binding; the
	// replaced session stays open but no longer owns the user.
	s.users.BindSession(name, sess.Key)
	debugLog.Printf("Session %s logged in as %s (new user: %v)", sess.Key, name, created)
}

// handleSendAll broadcasts a public message to every live session,
// including the sender's own.
func (s *Server) handleSendAll(sess *Session, rest string) {
	user, ok := s.requireLogin(sess)
	if !ok {
		return
	}
	now := time.Now()

	if s.users.IsBanned(user, now) {
		s.rejectFor(sess, s.users.BanRemaining(user, now), "banned")
		return
	}
	if s.users.IsRateLimited(user, s.config.RateLimit) {
		s.rejectFor(sess, s.users.RateWindowRemaining(user, now, s.config.RateWindow), "rate_limited")
		return
	}
	if rest == "" {
		s.reply(sess, "No message text")
		return
	}

	msg := s.messages.AppendPublic(user.Name, rest, now)
	s.users.RecordSend(user, now)
	s.broadcast(msg)
}

// handleSend stores a private message for the recipient, delivering it
// immediately (and marking it read) when the recipient has a live session.
func (s *Server) handleSend(sess *Session, rest string) {
	user, ok := s.requireLogin(sess)
	if !ok {
		return
	}
	now := time.Now()

	if s.users.IsBanned(user, now) {
		s.rejectFor(sess, s.users.BanRemaining(user, now), "banned")
		return
	}
	if rest == "" {
		s.reply(sess, "Recipient is not specified")
		return
	}

	recipient, text := splitOnce(rest)
	if !s.users.Exists(recipient) {
		s.reply(sess, fmt.Sprintf("Recipient %s does not exist", recipient))
		return
	}
	if text == "" {
		s.reply(sess, "No message text")
		return
	}

	// The recipient's session can vanish between the lookup and the write;
	// in that case the message simply stays stored as read.
	var target *Session
	if key, online := s.users.ActiveSession(recipient); online {
		target, _ = s.sessions.Get(key)
	}

	msg := s.messages.AppendPrivate(user.Name, recipient, text, now, target != nil)
	if target != nil {
		s.deliver(target, msg, "private")
	}
}

// handleBan records one ban warning against the target user. The third
// warning bans the target for the configured duration and clears the
// strike count.
func (s *Server) handleBan(sess *Session, rest string) {
	if _, ok := s.requireLogin(sess); !ok {
		return
	}
	if rest == "" {
		s.reply(sess, "User is not specified")
		return
	}

	name, _ := splitOnce(rest)
	target, ok := s.users.Get(name)
	if !ok {
		s.reply(sess, fmt.Sprintf("User %s does not exist", name))
		return
	}

	switch s.users.Strike(target, time.Now(), s.config.BanStrikes, s.config.BanDuration) {
	case store.StrikeAlreadyBanned:
		s.reply(sess, fmt.Sprintf("User %s has already been banned", name))
	case store.StrikeBanned:
		if s.metrics != nil {
			s.metrics.RecordBan()
		}
		s.reply(sess, fmt.Sprintf("User %s cannot send messages during %d sec.", name, int(s.config.BanDuration.Seconds())))
	default:
		s.reply(sess, fmt.Sprintf("User %s received new ban warning", name))
	}
}

// handleQuit tears the session down. The read loop notices the closed
// connection and exits.
func (s *Server) handleQuit(sess *Session) {
	s.sessions.Unregister(sess.Key)
}

// requireLogin resolves the session's user, rejecting the command if the
// session has not authenticated.
func (s *Server) requireLogin(sess *Session) (*store.User, bool) {
	name := sess.UserName()
	if name == "" {
		if s.metrics != nil {
			s.metrics.RecordRejection("unauthenticated")
		}
		s.reply(sess, "The command is not available to unregistered users")
		return nil, false
	}
	user, ok := s.users.Get(name)
	if !ok {
		// Login always creates the record, so this would mean store
		// corruption; treat it like an unauthenticated session.
		errorLog.Printf("Session %s bound to unknown user %q", sess.Key, name)
		s.reply(sess, "The command is not available to unregistered users")
		return nil, false
	}
	return user, true
}

// rejectFor sends the shared cannot-send-for-N-seconds rejection used by
// both the ban check and the rate limit check.
func (s *Server) rejectFor(sess *Session, remaining time.Duration, reason string) {
	if s.metrics != nil {
		s.metrics.RecordRejection(reason)
	}
	secs := int(remaining.Round(time.Second) / time.Second)
	s.reply(sess, fmt.Sprintf("The user cannot send messages during %d sec.", secs))
}

// reply writes a response line to the originating session. Responses carry
// no trailing newline.
func (s *Server) reply(sess *Session, text string) {
	debugLog.Printf("Session %s → SEND: %s", sess.Key, text)
	if err := sess.Conn.WriteString(text); err != nil {
		debugLog.Printf("Session %s write error: %v", sess.Key, err)
	}
}

// deliver writes one message line to a session.
func (s *Server) deliver(sess *Session, msg store.Message, kind string) {
	if s.metrics != nil {
		s.metrics.RecordDelivery(kind)
	}
	line := fmt.Sprintf("From: %s To: %s Text: %s\n", msg.Sender, msg.Recipient, msg.Text)
	if err := sess.Conn.WriteString(line); err != nil {
		debugLog.Printf("Session %s delivery error: %v", sess.Key, err)
	}
}

// broadcast delivers a public message to every live session, the sender's
// included.
func (s *Server) broadcast(msg store.Message) {
	for _, sess := range s.sessions.GetAll() {
		s.deliver(sess, msg, "public")
	}
}
